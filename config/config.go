// Package config reads config.yaml into the server settings and the model and
// pipeline descriptions the detector is built from.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"FaceDetServer/anchor"
	iface "FaceDetServer/interface"
	"FaceDetServer/pipeline"

	"gopkg.in/yaml.v3"
)

const (
	DmlInstance  = "Dml"
	CpuInstance  = "Cpu"
	CudaInstance = "Cuda"
	RocmInstance = "Rocm"
)

type Config struct {
	RPCPort       int    `yaml:"RPCPort"`
	HTTPPort      int    `yaml:"HTTPPort"`
	MetricsPort   int    `yaml:"MetricsPort"`
	LogMode       string `yaml:"logMode"`
	LogLevel      string `yaml:"logLevel"`
	InstanceClass string `yaml:"instanceClass"`
	UseRegServer  bool   `yaml:"UseRegServer"`
	RegServerHost string `yaml:"RegServerHost"`
	RegServerPort int    `yaml:"RegServerPort"`
	// RegInterval is the heartbeat period towards the registry.
	RegInterval time.Duration `yaml:"RegInterval"`

	Model    ModelConfig  `yaml:"model"`
	Pipeline yaml.Node    `yaml:"pipeline"`
	Camera   CameraConfig `yaml:"camera"`
}

// ModelConfig names a model file and the preset it was exported with. The
// input, anchors and decode sections are merged over the preset field by field.
type ModelConfig struct {
	Path           string `yaml:"path"`
	Preset         string `yaml:"preset"`
	SharedLibrary  string `yaml:"sharedLibrary"`
	UseGPU         bool   `yaml:"useGPU"`
	IntraOpThreads int    `yaml:"intraOpThreads"`
	InterOpThreads int    `yaml:"interOpThreads"`
	InputName      string `yaml:"inputName"`
	BoxesOutput    string `yaml:"boxesOutput"`
	ScoresOutput   string `yaml:"scoresOutput"`
	Warmup         bool   `yaml:"warmup"`

	Input   yaml.Node `yaml:"input"`
	Anchors yaml.Node `yaml:"anchors"`
	Decode  yaml.Node `yaml:"decode"`
}

type CameraConfig struct {
	Device int  `yaml:"device"`
	Width  int  `yaml:"width"`
	Height int  `yaml:"height"`
	FPS    int  `yaml:"fps"`
	Window bool `yaml:"window"`
	// SaveDir receives an annotated JPEG for every frame with detections.
	SaveDir string `yaml:"saveDir"`
}

func Default() Config {
	return Config{
		RPCPort:       50051,
		HTTPPort:      8080,
		MetricsPort:   9090,
		LogMode:       "production",
		LogLevel:      "info",
		InstanceClass: CpuInstance,
		RegServerPort: 8000,
		RegInterval:   5 * time.Second,
		Model: ModelConfig{
			Path:   "model/face_detection_short_range.onnx",
			Preset: anchor.PresetShortRange,
			Warmup: true,
		},
		Camera: CameraConfig{Width: 640, Height: 480, FPS: 30},
	}
}

// Load reads path and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	for name, port := range map[string]int{"RPCPort": c.RPCPort, "HTTPPort": c.HTTPPort, "MetricsPort": c.MetricsPort} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s %d", name, port)
		}
	}
	switch c.LogMode {
	case "", "production", "development":
	default:
		return fmt.Errorf("invalid logMode %q", c.LogMode)
	}
	switch c.InstanceClass {
	case "", DmlInstance, CpuInstance, CudaInstance, RocmInstance:
	default:
		return fmt.Errorf("invalid instanceClass %q", c.InstanceClass)
	}
	if c.UseRegServer {
		if c.RegServerHost == "" {
			return errors.New("UseRegServer requires RegServerHost")
		}
		if c.RegServerPort <= 0 || c.RegServerPort > 65535 {
			return fmt.Errorf("invalid RegServerPort %d", c.RegServerPort)
		}
		if c.RegInterval <= 0 {
			return fmt.Errorf("invalid RegInterval %s", c.RegInterval)
		}
	}
	if c.Model.Path == "" {
		return errors.New("model.path is required")
	}
	m, err := c.ModelDescription()
	if err != nil {
		return err
	}
	anchors, err := anchor.Generate(m.Anchors)
	if err != nil {
		return fmt.Errorf("invalid model.anchors section: %w", err)
	}
	if len(anchors) != m.Decode.NumBoxes {
		return fmt.Errorf("model.anchors yields %d anchors, model.decode expects %d", len(anchors), m.Decode.NumBoxes)
	}
	if _, err := anchor.NewDecoder(m.Decode); err != nil {
		return fmt.Errorf("invalid model.decode section: %w", err)
	}
	if _, err := c.PipelineConfig(); err != nil {
		return err
	}
	return nil
}

func (c Config) preset() (anchor.Preset, error) {
	name := c.Model.Preset
	if name == "" {
		name = anchor.PresetShortRange
	}
	p, ok := anchor.LookupPreset(name)
	if !ok {
		return anchor.Preset{}, fmt.Errorf("unknown model.preset %q, expected one of %v", name, anchor.PresetNames())
	}
	return p, nil
}

// ModelDescription builds the pipeline model from the preset and overrides.
func (c Config) ModelDescription() (pipeline.Model, error) {
	p, err := c.preset()
	if err != nil {
		return pipeline.Model{}, err
	}
	if err := merge(&c.Model.Input, &p.Input, "model.input"); err != nil {
		return pipeline.Model{}, err
	}
	if err := merge(&c.Model.Anchors, &p.Anchors, "model.anchors"); err != nil {
		return pipeline.Model{}, err
	}
	if err := merge(&c.Model.Decode, &p.Decode, "model.decode"); err != nil {
		return pipeline.Model{}, err
	}
	m := pipeline.ModelFromPreset(p, c.Model.Path)
	m.Engine = iface.EngineConfig{
		ModelPath:         c.Model.Path,
		SharedLibraryPath: c.Model.SharedLibrary,
		InputName:         c.Model.InputName,
		BoxesOutput:       c.Model.BoxesOutput,
		ScoresOutput:      c.Model.ScoresOutput,
		UseGPU:            c.Model.UseGPU || c.InstanceClass == CudaInstance,
		IntraOpThreads:    c.Model.IntraOpThreads,
		InterOpThreads:    c.Model.InterOpThreads,
	}
	return m, nil
}

// PipelineConfig starts from the preset thresholds and applies the pipeline section.
func (c Config) PipelineConfig() (pipeline.Config, error) {
	p, err := c.preset()
	if err != nil {
		return pipeline.Config{}, err
	}
	pc := pipeline.DefaultConfig()
	pc.ScoreThreshold = p.MinScore
	pc.IoUThreshold = p.IoU
	if err := merge(&c.Pipeline, &pc, "pipeline"); err != nil {
		return pipeline.Config{}, err
	}
	if err := pc.Validate(); err != nil {
		return pipeline.Config{}, fmt.Errorf("invalid pipeline section: %w", err)
	}
	return pc, nil
}

// merge decodes node over dst, leaving fields the node does not mention untouched.
func merge(node *yaml.Node, dst any, section string) error {
	if node.Kind == 0 {
		return nil
	}
	if err := node.Decode(dst); err != nil {
		return fmt.Errorf("invalid %s section: %w", section, err)
	}
	return nil
}

func (c Config) RegAddress() string {
	return fmt.Sprintf("%s:%d", c.RegServerHost, c.RegServerPort)
}
