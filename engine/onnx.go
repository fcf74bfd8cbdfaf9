package engine

import (
	"errors"
	"fmt"
	"sync"

	iface "FaceDetServer/interface"

	ort "github.com/yalue/onnxruntime_go"
)

// OnnxBackend runs a model through onnxruntime. Input and output tensors are
// allocated once in LoadModel and reused by every Run.
type OnnxBackend struct {
	mu      sync.Mutex
	config  iface.EngineConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	boxes   *ort.Tensor[float32]
	scores  *ort.Tensor[float32]
	env     bool
}

func NewOnnxBackend() *OnnxBackend {
	return &OnnxBackend{}
}

func (b *OnnxBackend) LoadModel(cfg iface.EngineConfig) (err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return errors.New("onnx backend already holds a model")
	}
	if err := acquireEnvironment(cfg.SharedLibraryPath); err != nil {
		return err
	}
	b.env = true
	defer func() {
		if err != nil {
			b.destroyLocked()
		}
	}()

	inputShape := ort.NewShape(1, int64(cfg.InputHeight), int64(cfg.InputWidth), int64(cfg.Channels))
	if cfg.Layout == iface.LayoutNCHW {
		inputShape = ort.NewShape(1, int64(cfg.Channels), int64(cfg.InputHeight), int64(cfg.InputWidth))
	}
	if b.input, err = ort.NewEmptyTensor[float32](inputShape); err != nil {
		return fmt.Errorf("error creating input tensor: %w", err)
	}
	if b.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.NumBoxes), int64(cfg.NumCoords))); err != nil {
		return fmt.Errorf("error creating boxes tensor: %w", err)
	}
	if b.scores, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(cfg.NumBoxes), int64(cfg.NumClasses))); err != nil {
		return fmt.Errorf("error creating scores tensor: %w", err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}
	if cfg.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(cfg.InterOpThreads); err != nil {
			return fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}
	if cfg.UseGPU {
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	b.session, err = ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.BoxesOutput, cfg.ScoresOutput},
		[]ort.ArbitraryTensor{b.input},
		[]ort.ArbitraryTensor{b.boxes, b.scores},
		options,
	)
	if err != nil {
		return fmt.Errorf("error creating session: %w", err)
	}
	b.config = cfg
	return nil
}

func (b *OnnxBackend) Run(input []float32) (iface.RawOutputs, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session == nil {
		return iface.RawOutputs{}, ErrModelNotLoaded
	}
	dst := b.input.GetData()
	if len(input) != len(dst) {
		return iface.RawOutputs{}, fmt.Errorf("input has %d values, tensor holds %d", len(input), len(dst))
	}
	copy(dst, input)
	if err := b.session.Run(); err != nil {
		return iface.RawOutputs{}, err
	}
	return iface.RawOutputs{Scores: b.scores.GetData(), Boxes: b.boxes.GetData()}, nil
}

func (b *OnnxBackend) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyLocked()
}

func (b *OnnxBackend) destroyLocked() {
	if b.session != nil {
		b.session.Destroy()
		b.session = nil
	}
	for _, t := range []**ort.Tensor[float32]{&b.input, &b.boxes, &b.scores} {
		if *t != nil {
			(*t).Destroy()
			*t = nil
		}
	}
	if b.env {
		releaseEnvironment()
		b.env = false
	}
	b.config = iface.EngineConfig{}
}

func (b *OnnxBackend) CheckConfig() iface.EngineConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config
}
