// Package pipeline runs camera frames through preprocessing, inference, anchor
// decoding and suppression under a single-flight discipline.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FaceDetServer/anchor"
	"FaceDetServer/engine"
	"FaceDetServer/frame"
	iface "FaceDetServer/interface"
	"FaceDetServer/logger"
	"FaceDetServer/nms"

	"go.uber.org/zap"
)

type Policy string

const (
	// PolicyDropOldest parks one frame behind the frame in flight; a newer
	// arrival replaces it.
	PolicyDropOldest Policy = "drop_oldest"
	// PolicyReject turns every frame that arrives while busy away with ErrBusy.
	PolicyReject Policy = "reject"
)

// DefaultFrameBudget is one frame interval at 30 fps.
const DefaultFrameBudget = 33 * time.Millisecond

type Config struct {
	ScoreThreshold float32       `yaml:"scoreThreshold"`
	IoUThreshold   float32       `yaml:"iouThreshold"`
	MaxDetections  int           `yaml:"maxDetections"`
	NMS            nms.Algorithm `yaml:"nms"`
	Policy         Policy        `yaml:"policy"`
	// FrameBudget bounds how long a parked frame waits for the one in flight.
	FrameBudget     time.Duration `yaml:"frameBudget"`
	PreemptInFlight bool          `yaml:"preemptInFlight"`
	DropStaleFrames bool          `yaml:"dropStaleFrames"`
	// MaxConsecutiveFailures turns a run of inference failures into a fatal
	// error. Zero never does.
	MaxConsecutiveFailures int `yaml:"maxConsecutiveFailures"`
}

func DefaultConfig() Config {
	return Config{
		ScoreThreshold:  0.5,
		IoUThreshold:    0.3,
		NMS:             nms.Greedy,
		Policy:          PolicyDropOldest,
		FrameBudget:     DefaultFrameBudget,
		DropStaleFrames: true,
	}
}

func (c Config) nmsOptions() nms.Options {
	return nms.Options{
		ScoreThreshold: c.ScoreThreshold,
		IoUThreshold:   c.IoUThreshold,
		MaxDetections:  c.MaxDetections,
		Algorithm:      c.NMS,
	}
}

func (c Config) Validate() error {
	if err := c.nmsOptions().Validate(); err != nil {
		return err
	}
	switch c.Policy {
	case "", PolicyDropOldest, PolicyReject:
	default:
		return fmt.Errorf("unknown busy policy %q", c.Policy)
	}
	if c.FrameBudget < 0 {
		return fmt.Errorf("frame budget %s is negative", c.FrameBudget)
	}
	if c.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max consecutive failures %d is negative", c.MaxConsecutiveFailures)
	}
	return nil
}

// Tensor names of the published BlazeFace ONNX conversions.
const (
	DefaultInputName    = "input"
	DefaultBoxesOutput  = "regressors"
	DefaultScoresOutput = "classificators"
)

// Model is everything that travels with a model file.
type Model struct {
	Engine  iface.EngineConfig
	Input   frame.Options
	Anchors anchor.SSDOptions
	Decode  anchor.DecodeOptions
}

func ModelFromPreset(p anchor.Preset, modelPath string) Model {
	return Model{
		Engine:  iface.EngineConfig{ModelPath: modelPath},
		Input:   p.Input,
		Anchors: p.Anchors,
		Decode:  p.Decode,
	}
}

// engineConfig fills the shape fields left zero from the adapter and decoder.
func (m Model) engineConfig(in frame.Options) iface.EngineConfig {
	c := m.Engine
	if c.InputWidth == 0 {
		c.InputWidth = in.Width
	}
	if c.InputHeight == 0 {
		c.InputHeight = in.Height
	}
	if c.Channels == 0 {
		c.Channels = 3
	}
	if c.Layout == "" {
		c.Layout = in.Layout
	}
	if c.NumBoxes == 0 {
		c.NumBoxes = m.Decode.NumBoxes
	}
	if c.NumClasses == 0 {
		c.NumClasses = m.Decode.NumClasses
	}
	if c.NumCoords == 0 {
		c.NumCoords = m.Decode.NumCoords
	}
	if c.InputName == "" {
		c.InputName = DefaultInputName
	}
	if c.BoxesOutput == "" {
		c.BoxesOutput = DefaultBoxesOutput
	}
	if c.ScoresOutput == "" {
		c.ScoresOutput = DefaultScoresOutput
	}
	return c
}

func checkModel(ec iface.EngineConfig, in frame.Options, d anchor.DecodeOptions, anchors int) error {
	switch {
	case ec.InputWidth != in.Width || ec.InputHeight != in.Height:
		return fmt.Errorf("engine input %dx%d does not match adapter %dx%d", ec.InputWidth, ec.InputHeight, in.Width, in.Height)
	case ec.Channels != 3:
		return fmt.Errorf("engine expects %d channels, adapter produces 3", ec.Channels)
	case ec.Layout != in.Layout:
		return fmt.Errorf("engine layout %s does not match adapter %s", ec.Layout, in.Layout)
	case anchors != d.NumBoxes:
		return fmt.Errorf("%d anchors generated for %d boxes", anchors, d.NumBoxes)
	case ec.NumBoxes != d.NumBoxes || ec.NumClasses != d.NumClasses || ec.NumCoords != d.NumCoords:
		return fmt.Errorf("engine outputs %dx%d/%d do not match decoder %dx%d/%d",
			ec.NumBoxes, ec.NumCoords, ec.NumClasses, d.NumBoxes, d.NumCoords, d.NumClasses)
	}
	return nil
}

type Option func(*Pipeline)

func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(p *Pipeline) {
		if o != nil {
			p.observer = o
		}
	}
}

type request struct {
	source string
	ts     time.Duration
	turn   chan bool
}

// maxSources bounds the per-source timestamp table. Past it the table starts
// over, which at worst lets one late frame per source through.
const maxSources = 1024

// Pipeline owns one loaded model and its anchor template. It is safe for
// concurrent use; at most one frame runs at a time.
type Pipeline struct {
	cfg          Config
	nmsOpts      nms.Options
	engineConfig iface.EngineConfig
	adapter      *frame.Adapter
	anchors      []anchor.Anchor
	decoder      *anchor.Decoder
	engine       *engine.Engine
	log          *zap.Logger
	observer     Observer

	mu          sync.Mutex
	idle        *sync.Cond
	busy        bool
	reloading   bool
	closed      bool
	pending     *request
	cancel      context.CancelFunc
	lastStarted map[string]time.Duration
	lastTs      time.Duration
	failures    int
	fatal       error
	reported    State
}

// New generates the anchors and loads the model. A model that cannot be loaded
// is the only fatal error at construction.
func New(cfg Config, model Model, backend iface.Backend, opts ...Option) (*Pipeline, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyDropOldest
	}
	if cfg.NMS == "" {
		cfg.NMS = nms.Greedy
	}
	if cfg.FrameBudget == 0 {
		cfg.FrameBudget = DefaultFrameBudget
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	adapter, err := frame.NewAdapter(model.Input)
	if err != nil {
		return nil, fmt.Errorf("invalid input options: %w", err)
	}
	anchors, err := anchor.Generate(model.Anchors)
	if err != nil {
		return nil, err
	}
	decoder, err := anchor.NewDecoder(model.Decode)
	if err != nil {
		return nil, err
	}
	ec := model.engineConfig(adapter.Options())
	if err := checkModel(ec, adapter.Options(), model.Decode, len(anchors)); err != nil {
		return nil, fmt.Errorf("inconsistent model description: %w", err)
	}

	p := &Pipeline{
		cfg:          cfg,
		nmsOpts:      cfg.nmsOptions(),
		engineConfig: ec,
		adapter:      adapter,
		anchors:      anchors,
		decoder:      decoder,
		log:          logger.Named("pipeline"),
		observer:     nopObserver{},
		lastStarted:  map[string]time.Duration{},
	}
	p.idle = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	p.engine = engine.New(backend)
	if err := p.engine.LoadModel(ec); err != nil {
		return nil, fmt.Errorf("load model %s: %w", ec.ModelPath, err)
	}
	p.observer.ObserveState(Idle)
	p.log.Info("pipeline ready",
		zap.String("model", ec.ModelPath),
		zap.Int("anchors", len(anchors)),
		zap.String("policy", string(cfg.Policy)),
		zap.Float32("score_threshold", cfg.ScoreThreshold),
		zap.Float32("iou_threshold", cfg.IoUThreshold))
	return p, nil
}

// Warmup runs one inference on a blank tensor.
func (p *Pipeline) Warmup() error {
	return p.engine.Warmup()
}

// ProcessFrame runs one frame. It always returns a non-nil slice; on failure
// the slice is empty and err says why. Backpressure errors satisfy
// IsBackpressure.
func (p *Pipeline) ProcessFrame(ctx context.Context, f iface.Frame) ([]iface.BoundingBox, error) {
	start := time.Now()
	var tm Timings
	boxes, err := p.process(ctx, f, &tm)
	tm.Total = time.Since(start)
	if boxes == nil {
		boxes = []iface.BoundingBox{}
	}
	p.observer.ObserveFrame(FrameReport{
		Timestamp:  f.Timestamp,
		Outcome:    OutcomeOf(err),
		Detections: len(boxes),
		Timings:    tm,
		Err:        err,
	})
	return boxes, err
}

// ProcessVideoFrame is the entry point for capture callbacks. Failures are
// logged and reported to the observer, never returned.
func (p *Pipeline) ProcessVideoFrame(view iface.ImageView, timestamp time.Duration) []iface.BoundingBox {
	boxes, err := p.ProcessFrame(context.Background(), iface.Frame{Image: view, Timestamp: timestamp})
	if err != nil {
		p.logFrameError(timestamp, err)
	}
	return boxes
}

func (p *Pipeline) logFrameError(ts time.Duration, err error) {
	fields := []zap.Field{zap.Duration("timestamp", ts), zap.Error(err)}
	switch OutcomeOf(err) {
	case OutcomeBusy, OutcomeDropped, OutcomeStale, OutcomeCanceled:
		p.log.Debug("frame skipped", fields...)
	case OutcomeInputError:
		p.log.Warn("frame rejected", fields...)
	default:
		p.log.Error("frame failed", fields...)
	}
}

func (p *Pipeline) process(ctx context.Context, f iface.Frame, tm *Timings) ([]iface.BoundingBox, error) {
	waitStart := time.Now()
	runCtx, err := p.acquire(ctx, f.Source, f.Timestamp)
	tm.Wait = time.Since(waitStart)
	if err != nil {
		return nil, err
	}
	defer p.release()

	boxes, err := p.run(runCtx, ctx, f, tm)
	if err == nil {
		p.mu.Lock()
		p.failures = 0
		p.mu.Unlock()
	}
	return boxes, err
}

func (p *Pipeline) refuseLocked(source string, ts time.Duration) error {
	last, seen := p.lastStarted[source]
	switch {
	case p.closed:
		return ErrClosed
	case p.fatal != nil:
		return fmt.Errorf("%w: %w", ErrPipelineFailed, p.fatal)
	case p.reloading:
		return fmt.Errorf("%w: reloading model", ErrBusy)
	case p.cfg.DropStaleFrames && seen && ts < last:
		return fmt.Errorf("%w: %s is older than %s", ErrStale, ts, last)
	}
	return nil
}

func (p *Pipeline) markStartedLocked(source string, ts time.Duration) {
	if _, ok := p.lastStarted[source]; !ok && len(p.lastStarted) >= maxSources {
		clear(p.lastStarted)
	}
	p.lastStarted[source] = ts
	p.lastTs = ts
}

// acquire takes the single-flight slot, parking behind the frame in flight
// when the policy allows it.
func (p *Pipeline) acquire(ctx context.Context, source string, ts time.Duration) (context.Context, error) {
	p.mu.Lock()
	if err := p.refuseLocked(source, ts); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if !p.busy {
		p.busy = true
		p.markStartedLocked(source, ts)
		runCtx := p.runContextLocked(ctx)
		p.notifyLocked()
		p.mu.Unlock()
		return runCtx, nil
	}
	if p.cfg.Policy == PolicyReject {
		p.mu.Unlock()
		return nil, ErrBusy
	}
	if prev := p.pending; prev != nil {
		if p.cfg.DropStaleFrames && prev.source == source && ts < prev.ts {
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %s is older than the parked %s", ErrStale, ts, prev.ts)
		}
		prev.turn <- false
	}
	req := &request{source: source, ts: ts, turn: make(chan bool, 1)}
	p.pending = req
	if p.cfg.PreemptInFlight && p.cancel != nil {
		p.cancel()
	}
	p.notifyLocked()
	p.mu.Unlock()

	if err := p.wait(ctx, req); err != nil {
		return nil, err
	}
	p.mu.Lock()
	runCtx := p.runContextLocked(ctx)
	p.mu.Unlock()
	return runCtx, nil
}

func (p *Pipeline) runContextLocked(ctx context.Context) context.Context {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	return runCtx
}

// wait blocks until release hands req the slot, a newer frame replaces it, the
// frame budget runs out or ctx ends. A nil error means the caller owns the slot.
func (p *Pipeline) wait(ctx context.Context, req *request) error {
	timer := time.NewTimer(p.cfg.FrameBudget)
	defer timer.Stop()

	var cause error
	select {
	case granted := <-req.turn:
		if granted {
			return nil
		}
		return p.dropReason()
	case <-timer.C:
		cause = fmt.Errorf("%w: waited %s for the frame in flight", ErrDropped, p.cfg.FrameBudget)
	case <-ctx.Done():
		cause = ctx.Err()
	}

	p.mu.Lock()
	if p.pending == req {
		p.pending = nil
		p.notifyLocked()
		p.mu.Unlock()
		return cause
	}
	p.mu.Unlock()

	// Lost the race with release or a newer frame: a verdict is on its way.
	if !<-req.turn {
		return p.dropReason()
	}
	if err := ctx.Err(); err != nil {
		p.release()
		return err
	}
	return nil
}

func (p *Pipeline) dropReason() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.closed:
		return ErrClosed
	case p.fatal != nil:
		return fmt.Errorf("%w: %w", ErrPipelineFailed, p.fatal)
	case p.reloading:
		return fmt.Errorf("%w: reloading model", ErrBusy)
	}
	return fmt.Errorf("%w: replaced by a newer frame", ErrDropped)
}

// release frees the slot, handing it straight to the parked frame if any.
func (p *Pipeline) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	if next := p.pending; next != nil {
		p.pending = nil
		if !p.closed && !p.reloading && p.fatal == nil {
			p.markStartedLocked(next.source, next.ts)
			next.turn <- true
			p.notifyLocked()
			return
		}
		next.turn <- false
	}
	p.busy = false
	p.notifyLocked()
	p.idle.Broadcast()
}

func (p *Pipeline) run(runCtx, callerCtx context.Context, f iface.Frame, tm *Timings) ([]iface.BoundingBox, error) {
	t := time.Now()
	tensor, err := p.adapter.Prepare(f.Image)
	tm.Prepare = time.Since(t)
	if err != nil {
		return nil, &InputError{Timestamp: f.Timestamp, Err: err}
	}
	defer tensor.Release()
	if err := interrupted(runCtx, callerCtx); err != nil {
		return nil, err
	}

	t = time.Now()
	raw, err := p.engine.Infer(tensor)
	tm.Infer = time.Since(t)
	if err != nil {
		return nil, p.modelError(f.Timestamp, err)
	}
	if err := interrupted(runCtx, callerCtx); err != nil {
		return nil, err
	}

	t = time.Now()
	if err := p.decoder.Validate(raw, p.anchors); err != nil {
		return nil, p.modelError(f.Timestamp, err)
	}
	boxes := nms.Suppress(p.decoder.Decode(raw, p.anchors, tensor.Transform), p.nmsOpts)
	tm.Postprocess = time.Since(t)
	return boxes, nil
}

// interrupted tells a caller cancellation apart from preemption by a newer frame.
func interrupted(runCtx, callerCtx context.Context) error {
	if runCtx.Err() == nil {
		return nil
	}
	if err := callerCtx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w: preempted by a newer frame", ErrDropped)
}

func (p *Pipeline) modelError(ts time.Duration, err error) *ModelError {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	fatal := errors.Is(err, engine.ErrModelNotLoaded) ||
		(p.cfg.MaxConsecutiveFailures > 0 && p.failures >= p.cfg.MaxConsecutiveFailures)
	if fatal && p.fatal == nil {
		p.fatal = err
		p.notifyLocked()
		p.log.Error("pipeline failed", zap.Error(err), zap.Int("consecutive_failures", p.failures))
	}
	return &ModelError{Timestamp: ts, Fatal: fatal, Err: err}
}

// Reload loads the model again and clears a failed state. Frames arriving
// meanwhile get ErrBusy.
func (p *Pipeline) Reload() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.reloading {
		p.mu.Unlock()
		return fmt.Errorf("%w: reload already running", ErrBusy)
	}
	p.reloading = true
	if p.pending != nil && p.busy {
		p.pending.turn <- false
		p.pending = nil
	}
	for p.busy && !p.closed {
		p.idle.Wait()
	}
	if p.closed {
		p.reloading = false
		p.mu.Unlock()
		return ErrClosed
	}
	p.busy = true
	p.notifyLocked()
	p.mu.Unlock()

	err := p.engine.LoadModel(p.engineConfig)

	p.mu.Lock()
	p.reloading = false
	if err != nil {
		p.fatal = err
	} else {
		p.fatal = nil
		p.failures = 0
	}
	p.mu.Unlock()
	p.release()

	if err != nil {
		p.log.Error("model reload failed", zap.Error(err))
		return fmt.Errorf("%w: reload model: %w", ErrPipelineFailed, err)
	}
	p.log.Info("model reloaded", zap.String("model", p.engineConfig.ModelPath))
	return nil
}

// Close waits for the frame in flight, drops the parked one and releases the
// model. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.cancel != nil {
		p.cancel()
	}
	if p.pending != nil {
		p.pending.turn <- false
		p.pending = nil
	}
	p.notifyLocked()
	for p.busy {
		p.idle.Wait()
	}
	p.mu.Unlock()

	p.engine.Destroy()
	p.log.Info("pipeline closed")
	return nil
}

func (p *Pipeline) stateLocked() State {
	switch {
	case p.closed:
		return Closed
	case p.fatal != nil:
		return Failed
	case p.pending != nil:
		return Dropping
	case p.busy:
		return Processing
	}
	return Idle
}

func (p *Pipeline) notifyLocked() {
	if s := p.stateLocked(); s != p.reported {
		p.reported = s
		p.observer.ObserveState(s)
	}
}

func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked()
}

func (p *Pipeline) Config() Config { return p.cfg }

// Anchors returns the shared template. Callers must not modify it.
func (p *Pipeline) Anchors() []anchor.Anchor { return p.anchors }

// Status is a point-in-time summary for health endpoints.
type Status struct {
	State          string  `json:"state"`
	Engine         string  `json:"engine"`
	Error          string  `json:"error,omitempty"`
	ModelPath      string  `json:"model_path"`
	InputWidth     int     `json:"input_width"`
	InputHeight    int     `json:"input_height"`
	Anchors        int     `json:"anchors"`
	Policy         string  `json:"policy"`
	NMS            string  `json:"nms"`
	ScoreThreshold float32 `json:"score_threshold"`
	IoUThreshold   float32 `json:"iou_threshold"`
	MaxDetections  int     `json:"max_detections"`
	LastTimestamp  string  `json:"last_timestamp"`
}

func (p *Pipeline) Status() Status {
	engineState, engineErr := p.engine.Status()
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Status{
		State:          p.stateLocked().String(),
		Engine:         engineState,
		Error:          engineErr,
		ModelPath:      p.engineConfig.ModelPath,
		InputWidth:     p.engineConfig.InputWidth,
		InputHeight:    p.engineConfig.InputHeight,
		Anchors:        len(p.anchors),
		Policy:         string(p.cfg.Policy),
		NMS:            string(p.cfg.NMS),
		ScoreThreshold: p.cfg.ScoreThreshold,
		IoUThreshold:   p.cfg.IoUThreshold,
		MaxDetections:  p.cfg.MaxDetections,
		LastTimestamp:  p.lastTs.String(),
	}
	if p.fatal != nil {
		s.Error = p.fatal.Error()
	}
	return s
}
