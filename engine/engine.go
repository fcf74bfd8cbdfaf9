package engine

import (
	"fmt"
	"sync"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"
	"FaceDetServer/logger"

	"go.uber.org/zap"
)

// Engine 持有一个已加载的模型，同一时间只运行一次推理；
// 并发的第二次 Infer 直接返回 ErrEngineBusy，不排队
type Engine struct {
	mu           sync.Mutex
	run          sync.Mutex
	backend      iface.Backend
	config       iface.EngineConfig
	state        int
	errorMessage string
	log          *zap.Logger
}

func New(backend iface.Backend) *Engine {
	return &Engine{
		backend: backend,
		state:   REGISTERED,
		log:     logger.Named("engine"),
	}
}

func (e *Engine) LoadModel(cfg iface.EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return fmt.Errorf("%w: no backend registered", ErrModelNotLoaded)
	}
	if e.state == BUSY {
		return ErrEngineBusy
	}
	if err := checkConfig(cfg); err != nil {
		e.fail(err)
		return fmt.Errorf("%w: %v", ErrModelNotLoaded, err)
	}
	if e.state == IDLE {
		e.backend.Destroy()
	}
	if err := e.backend.LoadModel(cfg); err != nil {
		e.fail(err)
		return fmt.Errorf("%w: %w", ErrModelNotLoaded, err)
	}
	e.config = cfg
	e.state = IDLE
	e.errorMessage = ""
	e.log.Info("model loaded",
		zap.String("path", cfg.ModelPath),
		zap.Int("input_width", cfg.InputWidth),
		zap.Int("input_height", cfg.InputHeight),
		zap.Int("boxes", cfg.NumBoxes),
		zap.Bool("gpu", cfg.UseGPU))
	return nil
}

func (e *Engine) fail(err error) {
	e.state = ERROR
	e.errorMessage = err.Error()
	e.log.Error("model load failed", zap.Error(err))
}

func checkConfig(cfg iface.EngineConfig) error {
	switch {
	case cfg.InputWidth <= 0 || cfg.InputHeight <= 0 || cfg.Channels <= 0:
		return fmt.Errorf("input shape %dx%dx%d", cfg.InputWidth, cfg.InputHeight, cfg.Channels)
	case cfg.NumBoxes <= 0 || cfg.NumClasses <= 0 || cfg.NumCoords < 4:
		return fmt.Errorf("output shape %d boxes, %d classes, %d coords", cfg.NumBoxes, cfg.NumClasses, cfg.NumCoords)
	case cfg.Layout != iface.LayoutNHWC && cfg.Layout != iface.LayoutNCHW:
		return fmt.Errorf("tensor layout %q", cfg.Layout)
	}
	return nil
}

// Infer runs the model on t. The returned outputs alias backend buffers and are
// only valid until the next Infer on this engine.
func (e *Engine) Infer(t *frame.PreparedTensor) (out iface.RawOutputs, err error) {
	e.mu.Lock()
	switch e.state {
	case IDLE:
	case BUSY:
		e.mu.Unlock()
		return iface.RawOutputs{}, ErrEngineBusy
	default:
		e.mu.Unlock()
		return iface.RawOutputs{}, ErrModelNotLoaded
	}
	cfg := e.config
	e.state = BUSY
	e.mu.Unlock()

	e.run.Lock()
	defer e.run.Unlock()
	defer func() {
		if r := recover(); r != nil {
			out, err = iface.RawOutputs{}, fmt.Errorf("%w: panic: %v", ErrInferenceFailure, r)
			e.log.Error("inference panicked", zap.Any("panic", r))
		}
		e.mu.Lock()
		if e.state == BUSY {
			e.state = IDLE
		}
		e.mu.Unlock()
	}()

	e.mu.Lock()
	destroyed := e.state != BUSY
	e.mu.Unlock()
	if destroyed {
		return iface.RawOutputs{}, ErrModelNotLoaded
	}

	if t == nil || len(t.Data) != cfg.InputLen() {
		var got int
		if t != nil {
			got = len(t.Data)
		}
		return iface.RawOutputs{}, fmt.Errorf("%w: input has %d values, model expects %d", ErrInferenceFailure, got, cfg.InputLen())
	}
	if t.Layout != cfg.Layout {
		return iface.RawOutputs{}, fmt.Errorf("%w: input layout %s, model expects %s", ErrInferenceFailure, t.Layout, cfg.Layout)
	}

	out, err = e.backend.Run(t.Data)
	if err != nil {
		return iface.RawOutputs{}, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	if len(out.Scores) < cfg.NumBoxes*cfg.NumClasses || len(out.Boxes) < cfg.NumBoxes*cfg.NumCoords {
		return iface.RawOutputs{}, fmt.Errorf("%w: backend returned %d scores and %d box values", ErrInferenceFailure, len(out.Scores), len(out.Boxes))
	}
	return out, nil
}

// Warmup runs one inference on a zero tensor so the first real frame does not
// pay for lazy backend initialization.
func (e *Engine) Warmup() error {
	cfg := e.CheckConfig()
	t := &frame.PreparedTensor{
		Data:     make([]float32, cfg.InputLen()),
		Width:    cfg.InputWidth,
		Height:   cfg.InputHeight,
		Channels: cfg.Channels,
		Layout:   cfg.Layout,
	}
	_, err := e.Infer(t)
	return err
}

// Destroy 等待进行中的推理结束后再释放后端
func (e *Engine) Destroy() {
	e.run.Lock()
	defer e.run.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil && e.state == IDLE {
		e.backend.Destroy()
	}
	e.config = iface.EngineConfig{}
	e.state = UNREGISTERED
	e.errorMessage = ""
}

func (e *Engine) CheckConfig() iface.EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

func (e *Engine) State() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status 返回状态名和最近一次加载错误
func (e *Engine) Status() (string, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return StateName(e.state), e.errorMessage
}
