package iface

import (
	"fmt"
	"time"
)

// PixelFormat describes the byte layout of one packed pixel.
type PixelFormat int

const (
	PixelFormatUnknown PixelFormat = iota
	PixelFormatRGBA8
	PixelFormatBGRA8
	PixelFormatRGB8
	PixelFormatBGR8
	PixelFormatGray8
)

// BytesPerPixel returns 0 for formats the pipeline cannot read.
func (f PixelFormat) BytesPerPixel() int {
	switch f {
	case PixelFormatRGBA8, PixelFormatBGRA8:
		return 4
	case PixelFormatRGB8, PixelFormatBGR8:
		return 3
	case PixelFormatGray8:
		return 1
	}
	return 0
}

func (f PixelFormat) String() string {
	switch f {
	case PixelFormatRGBA8:
		return "RGBA8"
	case PixelFormatBGRA8:
		return "BGRA8"
	case PixelFormatRGB8:
		return "RGB8"
	case PixelFormatBGR8:
		return "BGR8"
	case PixelFormatGray8:
		return "Gray8"
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// ParsePixelFormat is the inverse of String. Unknown names map to PixelFormatUnknown.
func ParsePixelFormat(s string) PixelFormat {
	for f := PixelFormatRGBA8; f <= PixelFormatGray8; f++ {
		if f.String() == s {
			return f
		}
	}
	return PixelFormatUnknown
}

// TensorLayout is the memory order of the model input tensor.
type TensorLayout string

const (
	LayoutNHWC TensorLayout = "NHWC"
	LayoutNCHW TensorLayout = "NCHW"
)

// Frame is one camera image borrowed for the duration of a single pipeline call.
// Timestamp is a monotonic capture time; it only drives ordering and staleness.
// Timestamps are compared only between frames of the same Source, so clients
// with unrelated clocks cannot make each other's frames stale.
type Frame struct {
	Image     ImageView
	Timestamp time.Duration
	Source    string
}

type Keypoint struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// BoundingBox is a detected face in frame-normalized coordinates with a top-left origin.
type BoundingBox struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
	Score  float32 `json:"score"`

	Keypoints []Keypoint `json:"keypoints,omitempty"`
}

// Area is zero for degenerate boxes.
func (b BoundingBox) Area() float32 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// RawOutputs holds the per-anchor model outputs in anchor template order.
// Scores has NumBoxes*NumClasses logits, Boxes has NumBoxes*NumCoords regression values.
type RawOutputs struct {
	Scores []float32
	Boxes  []float32
}

type EngineConfig struct {
	ModelPath         string
	SharedLibraryPath string

	InputName    string
	BoxesOutput  string
	ScoresOutput string

	InputWidth  int
	InputHeight int
	Channels    int
	Layout      TensorLayout

	NumBoxes   int
	NumClasses int
	NumCoords  int

	UseGPU         bool
	IntraOpThreads int
	InterOpThreads int
}

// InputLen is the number of float32 values the model input expects.
func (c EngineConfig) InputLen() int {
	return c.InputWidth * c.InputHeight * c.Channels
}
