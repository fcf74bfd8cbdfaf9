package pipeline

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"FaceDetServer/anchor"
	"FaceDetServer/frame"
	iface "FaceDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend scripts per-anchor logits and regressions. With a gate set, Run
// signals entered and blocks until the gate is closed.
type fakeBackend struct {
	mu       sync.Mutex
	cfg      iface.EngineConfig
	logits   map[int]float32
	regress  map[int][4]float32
	runErr   error
	loadErr  error
	gate     chan struct{}
	entered  chan struct{}
	loads    int
	destroys int
	runs     int
	scores   []float32
	boxes    []float32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{logits: map[int]float32{}, regress: map[int][4]float32{}}
}

func (b *fakeBackend) hold() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gate = make(chan struct{})
	b.entered = make(chan struct{}, 8)
}

func (b *fakeBackend) open() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.gate)
}

func (b *fakeBackend) setRunErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.runErr = err
}

func (b *fakeBackend) LoadModel(cfg iface.EngineConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadErr != nil {
		return b.loadErr
	}
	b.cfg = cfg
	b.scores = make([]float32, cfg.NumBoxes*cfg.NumClasses)
	b.boxes = make([]float32, cfg.NumBoxes*cfg.NumCoords)
	b.loads++
	return nil
}

func (b *fakeBackend) Run(input []float32) (iface.RawOutputs, error) {
	b.mu.Lock()
	b.runs++
	gate, entered := b.gate, b.entered
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runErr != nil {
		return iface.RawOutputs{}, b.runErr
	}
	for i := range b.scores {
		b.scores[i] = -10
		if l, ok := b.logits[i]; ok {
			b.scores[i] = l
		}
	}
	clear(b.boxes)
	for i, r := range b.regress {
		copy(b.boxes[i*b.cfg.NumCoords:], r[:])
	}
	return iface.RawOutputs{Scores: b.scores, Boxes: b.boxes}, nil
}

func (b *fakeBackend) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroys++
}

func (b *fakeBackend) CheckConfig() iface.EngineConfig { return b.cfg }

// testModel is an 8x8 input with one anchor per 4x4 cell.
func testModel() Model {
	return Model{
		Engine: iface.EngineConfig{ModelPath: "test.onnx"},
		Input:  frame.Options{Width: 8, Height: 8, NormMin: -1, NormMax: 1},
		Anchors: anchor.SSDOptions{
			NumLayers:       1,
			MinScale:        0.5,
			MaxScale:        0.5,
			InputWidth:      8,
			InputHeight:     8,
			AnchorOffsetX:   0.5,
			AnchorOffsetY:   0.5,
			Strides:         []int{4},
			AspectRatios:    []float32{1},
			FixedAnchorSize: true,
		},
		Decode: anchor.DecodeOptions{
			NumClasses:          1,
			NumBoxes:            4,
			NumCoords:           4,
			XScale:              8,
			YScale:              8,
			WScale:              8,
			HScale:              8,
			ReverseOutputOrder:  true,
			SigmoidScore:        true,
			ScoreClippingThresh: 100,
		},
	}
}

func logit(p float64) float32 {
	return float32(math.Log(p / (1 - p)))
}

func blackFrame(ts time.Duration) iface.Frame {
	return iface.Frame{
		Image:     frame.NewPacked(make([]byte, 8*8*3), 8, 8, 24, iface.PixelFormatRGB8),
		Timestamp: ts,
	}
}

func newTestPipeline(t *testing.T, cfg Config, b *fakeBackend, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(cfg, testModel(), b, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

type frameResult struct {
	boxes []iface.BoundingBox
	err   error
}

func goProcess(ctx context.Context, p *Pipeline, f iface.Frame) <-chan frameResult {
	ch := make(chan frameResult, 1)
	go func() {
		boxes, err := p.ProcessFrame(ctx, f)
		ch <- frameResult{boxes, err}
	}()
	return ch
}

func waitState(t *testing.T, p *Pipeline, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return p.State() == want }, 2*time.Second, time.Millisecond, "state %s", want)
}

func TestProcessFrame(t *testing.T) {
	ctx := context.Background()

	t.Run("Test Black Frame Low Logits", func(t *testing.T) {
		p := newTestPipeline(t, DefaultConfig(), newFakeBackend())
		boxes, err := p.ProcessFrame(ctx, blackFrame(time.Millisecond))
		require.NoError(t, err)
		assert.NotNil(t, boxes)
		assert.Empty(t, boxes)
		assert.Equal(t, Idle, p.State())
	})

	t.Run("Test Single Face", func(t *testing.T) {
		b := newFakeBackend()
		b.logits[0] = logit(0.8)
		b.regress[0] = [4]float32{0, 0, 4, 4}
		p := newTestPipeline(t, DefaultConfig(), b)

		boxes, err := p.ProcessFrame(ctx, blackFrame(time.Millisecond))
		require.NoError(t, err)
		require.Len(t, boxes, 1)
		got := boxes[0]
		assert.InDelta(t, 0, got.X, 1e-6)
		assert.InDelta(t, 0, got.Y, 1e-6)
		assert.InDelta(t, 0.5, got.Width, 1e-6)
		assert.InDelta(t, 0.5, got.Height, 1e-6)
		assert.InDelta(t, 0.8, got.Score, 1e-5)
	})

	t.Run("Test Overlap Suppressed", func(t *testing.T) {
		b := newFakeBackend()
		b.logits[0] = logit(0.9)
		b.regress[0] = [4]float32{0, 0, 4, 4}
		// anchor 1 moved from x 0.75 to 0.375: IoU with anchor 0 is 0.6
		b.logits[1] = logit(0.8)
		b.regress[1] = [4]float32{-3, 0, 4, 4}
		p := newTestPipeline(t, DefaultConfig(), b)

		boxes, err := p.ProcessFrame(ctx, blackFrame(time.Millisecond))
		require.NoError(t, err)
		require.Len(t, boxes, 1)
		assert.InDelta(t, 0.9, boxes[0].Score, 1e-5)
		assert.InDelta(t, 0, boxes[0].X, 1e-6)
	})

	t.Run("Test Ranges And Order", func(t *testing.T) {
		b := newFakeBackend()
		for i := 0; i < 4; i++ {
			b.logits[i] = logit(0.6 + 0.1*float64(i))
			b.regress[i] = [4]float32{float32(i*3 - 4), 5, 12, 3}
		}
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.9}, b)
		boxes, err := p.ProcessFrame(ctx, blackFrame(time.Millisecond))
		require.NoError(t, err)
		require.NotEmpty(t, boxes)
		for i, box := range boxes {
			for _, v := range []float32{box.X, box.Y, box.Width, box.Height, box.Score} {
				assert.GreaterOrEqual(t, v, float32(0))
				assert.LessOrEqual(t, v, float32(1))
			}
			assert.LessOrEqual(t, box.X+box.Width, float32(1.000001))
			if i > 0 {
				assert.LessOrEqual(t, box.Score, boxes[i-1].Score)
			}
		}
	})

	t.Run("Test Idempotent", func(t *testing.T) {
		b := newFakeBackend()
		b.logits[2] = logit(0.7)
		b.regress[2] = [4]float32{1, -1, 3, 5}
		p := newTestPipeline(t, DefaultConfig(), b)

		f := blackFrame(5 * time.Millisecond)
		first, err := p.ProcessFrame(ctx, f)
		require.NoError(t, err)
		second, err := p.ProcessFrame(ctx, f)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("Test Letterboxed Frame", func(t *testing.T) {
		b := newFakeBackend()
		b.logits[0] = logit(0.9)
		b.regress[0] = [4]float32{0, 0, 4, 4}
		p := newTestPipeline(t, DefaultConfig(), b)

		wide := frame.NewPacked(make([]byte, 16*8*4), 16, 8, 64, iface.PixelFormatBGRA8)
		boxes, err := p.ProcessFrame(ctx, iface.Frame{Image: wide, Timestamp: time.Millisecond})
		require.NoError(t, err)
		require.Len(t, boxes, 1)
		// model rows 2..6 hold the frame: y 0..0.5 maps to 0..0.5 after removing 0.25 padding
		assert.InDelta(t, 0, boxes[0].Y, 1e-6)
		assert.InDelta(t, 0.5, boxes[0].Height, 1e-6)
		assert.InDelta(t, 0.5, boxes[0].Width, 1e-6)
	})
}

func TestProcessFrameInputErrors(t *testing.T) {
	p := newTestPipeline(t, DefaultConfig(), newFakeBackend())

	zero := iface.Frame{Image: frame.NewPacked(nil, 0, 8, 0, iface.PixelFormatRGB8), Timestamp: time.Millisecond}
	boxes, err := p.ProcessFrame(context.Background(), zero)
	assert.NotNil(t, boxes)
	assert.Empty(t, boxes)
	var inErr *InputError
	require.ErrorAs(t, err, &inErr)
	assert.ErrorIs(t, err, frame.ErrInvalidDimensions)
	assert.False(t, IsBackpressure(err))
	assert.Equal(t, Idle, p.State())

	bad := iface.Frame{Image: frame.NewPacked(make([]byte, 64), 8, 8, 8, iface.PixelFormatUnknown), Timestamp: 2 * time.Millisecond}
	_, err = p.ProcessFrame(context.Background(), bad)
	assert.ErrorIs(t, err, frame.ErrUnsupportedFormat)

	assert.NotPanics(t, func() {
		assert.Empty(t, p.ProcessVideoFrame(zero.Image, 3*time.Millisecond))
	})
	assert.Empty(t, p.ProcessVideoFrame(nil, 4*time.Millisecond))

	_, err = p.ProcessFrame(context.Background(), blackFrame(5*time.Millisecond))
	assert.NoError(t, err)
}

func TestBusyPolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("Test Reject", func(t *testing.T) {
		b := newFakeBackend()
		b.hold()
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3, Policy: PolicyReject}, b)

		first := goProcess(ctx, p, blackFrame(1))
		<-b.entered
		assert.Equal(t, Processing, p.State())

		start := time.Now()
		boxes, err := p.ProcessFrame(ctx, blackFrame(2))
		assert.ErrorIs(t, err, ErrBusy)
		assert.True(t, IsBackpressure(err))
		assert.NotNil(t, boxes)
		assert.Less(t, time.Since(start), time.Second)

		b.open()
		assert.NoError(t, (<-first).err)
		waitState(t, p, Idle)
	})

	t.Run("Test Drop Oldest Replaces Parked Frame", func(t *testing.T) {
		b := newFakeBackend()
		b.hold()
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3, FrameBudget: 5 * time.Second}, b)

		first := goProcess(ctx, p, blackFrame(1))
		<-b.entered
		second := goProcess(ctx, p, blackFrame(2))
		waitState(t, p, Dropping)
		third := goProcess(ctx, p, blackFrame(3))

		r2 := <-second
		assert.ErrorIs(t, r2.err, ErrDropped)
		assert.NotNil(t, r2.boxes)

		b.open()
		assert.NoError(t, (<-first).err)
		assert.NoError(t, (<-third).err)
		waitState(t, p, Idle)
		assert.Equal(t, "3ns", p.Status().LastTimestamp)
	})

	t.Run("Test Frame Budget", func(t *testing.T) {
		b := newFakeBackend()
		b.hold()
		budget := 20 * time.Millisecond
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3, FrameBudget: budget}, b)

		first := goProcess(ctx, p, blackFrame(1))
		<-b.entered

		start := time.Now()
		_, err := p.ProcessFrame(ctx, blackFrame(2))
		assert.ErrorIs(t, err, ErrDropped)
		assert.GreaterOrEqual(t, time.Since(start), budget)
		assert.Equal(t, Processing, p.State())

		b.open()
		assert.NoError(t, (<-first).err)
	})

	t.Run("Test Preempt In Flight", func(t *testing.T) {
		b := newFakeBackend()
		b.hold()
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3, FrameBudget: 5 * time.Second, PreemptInFlight: true}, b)

		first := goProcess(ctx, p, blackFrame(1))
		<-b.entered
		second := goProcess(ctx, p, blackFrame(2))
		waitState(t, p, Dropping)

		b.open()
		r1 := <-first
		assert.ErrorIs(t, r1.err, ErrDropped)
		assert.NoError(t, (<-second).err)
	})

	t.Run("Test Parked Caller Cancels", func(t *testing.T) {
		b := newFakeBackend()
		b.hold()
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3, FrameBudget: 5 * time.Second}, b)

		first := goProcess(ctx, p, blackFrame(1))
		<-b.entered
		cctx, cancel := context.WithCancel(ctx)
		second := goProcess(cctx, p, blackFrame(2))
		waitState(t, p, Dropping)
		cancel()
		assert.ErrorIs(t, (<-second).err, context.Canceled)
		waitState(t, p, Processing)

		b.open()
		assert.NoError(t, (<-first).err)
	})
}

func TestStaleFrames(t *testing.T) {
	ctx := context.Background()

	t.Run("Test Older Than Last Started", func(t *testing.T) {
		p := newTestPipeline(t, DefaultConfig(), newFakeBackend())
		_, err := p.ProcessFrame(ctx, blackFrame(10))
		require.NoError(t, err)
		_, err = p.ProcessFrame(ctx, blackFrame(10))
		assert.NoError(t, err, "equal timestamps are not stale")
		_, err = p.ProcessFrame(ctx, blackFrame(5))
		assert.ErrorIs(t, err, ErrStale)
		assert.True(t, IsBackpressure(err))
	})

	t.Run("Test Older Than Parked", func(t *testing.T) {
		b := newFakeBackend()
		b.hold()
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3, FrameBudget: 5 * time.Second, DropStaleFrames: true}, b)

		first := goProcess(ctx, p, blackFrame(10))
		<-b.entered
		parked := goProcess(ctx, p, blackFrame(30))
		waitState(t, p, Dropping)

		_, err := p.ProcessFrame(ctx, blackFrame(20))
		assert.ErrorIs(t, err, ErrStale)

		b.open()
		assert.NoError(t, (<-first).err)
		assert.NoError(t, (<-parked).err)
	})

	t.Run("Test Sources Are Independent", func(t *testing.T) {
		p := newTestPipeline(t, DefaultConfig(), newFakeBackend())
		_, err := p.ProcessFrame(ctx, blackFrame(10))
		require.NoError(t, err)

		epoch := blackFrame(1760000000000 * time.Millisecond)
		epoch.Source = "http/10.0.0.7"
		_, err = p.ProcessFrame(ctx, epoch)
		require.NoError(t, err)

		for ts := time.Duration(11); ts < 14; ts++ {
			_, err = p.ProcessFrame(ctx, blackFrame(ts))
			assert.NoError(t, err, "server clock frames are not compared with another source")
		}

		older := blackFrame(5 * time.Millisecond)
		older.Source = "http/10.0.0.7"
		_, err = p.ProcessFrame(ctx, older)
		assert.ErrorIs(t, err, ErrStale)
		assert.Equal(t, "13ns", p.Status().LastTimestamp)
	})

	t.Run("Test Disabled", func(t *testing.T) {
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3}, newFakeBackend())
		_, err := p.ProcessFrame(ctx, blackFrame(10))
		require.NoError(t, err)
		_, err = p.ProcessFrame(ctx, blackFrame(5))
		assert.NoError(t, err)
	})
}

func TestModelErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("Test Recoverable", func(t *testing.T) {
		b := newFakeBackend()
		p := newTestPipeline(t, DefaultConfig(), b)
		b.setRunErr(errors.New("cuda out of memory"))

		boxes, err := p.ProcessFrame(ctx, blackFrame(1))
		assert.NotNil(t, boxes)
		var modelErr *ModelError
		require.ErrorAs(t, err, &modelErr)
		assert.False(t, modelErr.Fatal)
		assert.Equal(t, Idle, p.State())

		b.setRunErr(nil)
		_, err = p.ProcessFrame(ctx, blackFrame(2))
		assert.NoError(t, err)
	})

	t.Run("Test Fatal And Reload", func(t *testing.T) {
		b := newFakeBackend()
		p := newTestPipeline(t, Config{ScoreThreshold: 0.5, IoUThreshold: 0.3, MaxConsecutiveFailures: 2}, b)
		b.setRunErr(errors.New("device lost"))

		var modelErr *ModelError
		_, err := p.ProcessFrame(ctx, blackFrame(1))
		require.ErrorAs(t, err, &modelErr)
		assert.False(t, modelErr.Fatal)
		_, err = p.ProcessFrame(ctx, blackFrame(2))
		require.ErrorAs(t, err, &modelErr)
		assert.True(t, modelErr.Fatal)
		assert.Equal(t, Failed, p.State())
		assert.Contains(t, p.Status().Error, "device lost")

		_, err = p.ProcessFrame(ctx, blackFrame(3))
		assert.ErrorIs(t, err, ErrPipelineFailed)

		b.setRunErr(nil)
		require.NoError(t, p.Reload())
		assert.Equal(t, Idle, p.State())
		assert.Equal(t, 2, b.loads)
		_, err = p.ProcessFrame(ctx, blackFrame(4))
		assert.NoError(t, err)
	})

	t.Run("Test Failed Reload", func(t *testing.T) {
		b := newFakeBackend()
		p := newTestPipeline(t, DefaultConfig(), b)
		b.mu.Lock()
		b.loadErr = errors.New("model file missing")
		b.mu.Unlock()

		assert.ErrorIs(t, p.Reload(), ErrPipelineFailed)
		assert.Equal(t, Failed, p.State())
		_, err := p.ProcessFrame(ctx, blackFrame(1))
		assert.ErrorIs(t, err, ErrPipelineFailed)
	})
}

func TestNew(t *testing.T) {
	t.Run("Test Load Failure Is Fatal", func(t *testing.T) {
		b := newFakeBackend()
		b.loadErr = errors.New("no such file")
		_, err := New(DefaultConfig(), testModel(), b)
		assert.Error(t, err)
	})

	t.Run("Test Invalid Config", func(t *testing.T) {
		for _, cfg := range []Config{
			{ScoreThreshold: 2},
			{IoUThreshold: -1},
			{Policy: "lifo"},
			{FrameBudget: -time.Second},
			{MaxConsecutiveFailures: -1},
		} {
			_, err := New(cfg, testModel(), newFakeBackend())
			assert.Error(t, err, "%+v", cfg)
		}
	})

	t.Run("Test Inconsistent Model", func(t *testing.T) {
		m := testModel()
		m.Decode.NumBoxes = 5
		_, err := New(DefaultConfig(), m, newFakeBackend())
		assert.Error(t, err)

		m = testModel()
		m.Engine.InputWidth = 16
		_, err = New(DefaultConfig(), m, newFakeBackend())
		assert.Error(t, err)
	})

	t.Run("Test Presets", func(t *testing.T) {
		for _, name := range anchor.PresetNames() {
			preset, _ := anchor.LookupPreset(name)
			b := newFakeBackend()
			p, err := New(DefaultConfig(), ModelFromPreset(preset, name+".onnx"), b)
			require.NoError(t, err, name)
			assert.Len(t, p.Anchors(), preset.Decode.NumBoxes)
			assert.Equal(t, DefaultBoxesOutput, b.cfg.BoxesOutput)
			assert.Equal(t, preset.Input.Width, b.cfg.InputWidth)
			require.NoError(t, p.Warmup())
			require.NoError(t, p.Close())
		}
	})
}

func TestClose(t *testing.T) {
	b := newFakeBackend()
	b.hold()
	p, err := New(Config{FrameBudget: 5 * time.Second}, testModel(), b)
	require.NoError(t, err)

	first := goProcess(context.Background(), p, blackFrame(1))
	<-b.entered
	parked := goProcess(context.Background(), p, blackFrame(2))
	waitState(t, p, Dropping)

	closed := make(chan struct{})
	go func() {
		_ = p.Close()
		close(closed)
	}()
	assert.ErrorIs(t, (<-parked).err, ErrClosed)
	b.open()
	<-closed
	assert.ErrorIs(t, (<-first).err, ErrDropped, "cancelled by close")

	assert.Equal(t, Closed, p.State())
	assert.Equal(t, 1, b.destroys)
	_, err = p.ProcessFrame(context.Background(), blackFrame(3))
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, p.Close())
	assert.ErrorIs(t, p.Reload(), ErrClosed)
}

type recorder struct {
	mu      sync.Mutex
	reports []FrameReport
	states  []State
}

func (r *recorder) ObserveFrame(fr FrameReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, fr)
}

func (r *recorder) ObserveState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func TestObserver(t *testing.T) {
	rec := &recorder{}
	b := newFakeBackend()
	b.logits[3] = logit(0.9)
	b.regress[3] = [4]float32{0, 0, 2, 2}
	p := newTestPipeline(t, DefaultConfig(), b, WithObserver(rec))

	_, err := p.ProcessFrame(context.Background(), blackFrame(2))
	require.NoError(t, err)
	_, _ = p.ProcessFrame(context.Background(), blackFrame(1))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.reports, 2)
	ok := rec.reports[0]
	assert.Equal(t, OutcomeOK, ok.Outcome)
	assert.Equal(t, 1, ok.Detections)
	assert.Equal(t, time.Duration(2), ok.Timestamp)
	assert.Positive(t, ok.Timings.Total)
	assert.GreaterOrEqual(t, ok.Timings.Total, ok.Timings.Infer)
	assert.Equal(t, OutcomeStale, rec.reports[1].Outcome)
	assert.Equal(t, []State{Idle, Processing, Idle}, rec.states)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeOK, OutcomeOf(nil))
	assert.Equal(t, OutcomeInputError, OutcomeOf(&InputError{Err: frame.ErrInvalidDimensions}))
	assert.Equal(t, OutcomeModelError, OutcomeOf(&ModelError{Err: errors.New("x")}))
	assert.Equal(t, OutcomeBusy, OutcomeOf(ErrBusy))
	assert.Equal(t, OutcomeDropped, OutcomeOf(ErrDropped))
	assert.Equal(t, OutcomeStale, OutcomeOf(ErrStale))
	assert.Equal(t, OutcomeFailed, OutcomeOf(ErrClosed))
	assert.Equal(t, OutcomeCanceled, OutcomeOf(context.Canceled))
	assert.Equal(t, "input_error", OutcomeInputError.String())
	assert.Len(t, Outcomes(), 8)
	assert.Equal(t, "dropping", Dropping.String())
}
