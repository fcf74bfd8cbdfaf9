// Package anchor generates the SSD anchor template of a detection model and
// decodes raw regression outputs against it.
package anchor

import (
	"errors"
	"fmt"
	"math"
)

// Anchor is a reference box in model-normalized coordinates.
type Anchor struct {
	CX, CY float32
	W, H   float32
	Stride int
}

// SSDOptions configure anchor generation. They travel with the model artifact.
type SSDOptions struct {
	NumLayers     int       `yaml:"numLayers"`
	MinScale      float32   `yaml:"minScale"`
	MaxScale      float32   `yaml:"maxScale"`
	InputWidth    int       `yaml:"inputWidth"`
	InputHeight   int       `yaml:"inputHeight"`
	AnchorOffsetX float32   `yaml:"anchorOffsetX"`
	AnchorOffsetY float32   `yaml:"anchorOffsetY"`
	Strides       []int     `yaml:"strides"`
	AspectRatios  []float32 `yaml:"aspectRatios"`

	// ReduceBoxesInLowestLayer uses three fixed anchors on the first layer.
	ReduceBoxesInLowestLayer bool `yaml:"reduceBoxesInLowestLayer"`
	// InterpolatedScaleAspectRatio adds one anchor per cell at the geometric mean
	// of this layer's scale and the next one. Zero disables it.
	InterpolatedScaleAspectRatio float32 `yaml:"interpolatedScaleAspectRatio"`
	// FixedAnchorSize makes every anchor 1x1 so regression sizes are absolute.
	FixedAnchorSize bool `yaml:"fixedAnchorSize"`
}

func (o SSDOptions) validate() error {
	switch {
	case o.NumLayers <= 0:
		return errors.New("anchor: numLayers must be positive")
	case len(o.Strides) != o.NumLayers:
		return fmt.Errorf("anchor: %d strides for %d layers", len(o.Strides), o.NumLayers)
	case o.InputWidth <= 0 || o.InputHeight <= 0:
		return fmt.Errorf("anchor: input size %dx%d", o.InputWidth, o.InputHeight)
	case len(o.AspectRatios) == 0:
		return errors.New("anchor: at least one aspect ratio is required")
	}
	for _, s := range o.Strides {
		if s <= 0 {
			return fmt.Errorf("anchor: stride %d", s)
		}
	}
	return nil
}

func scaleAt(minScale, maxScale float32, idx, layers int) float32 {
	if layers == 1 {
		return (minScale + maxScale) / 2
	}
	return minScale + (maxScale-minScale)*float32(idx)/float32(layers-1)
}

// Generate builds the anchor template. Consecutive layers that share a stride
// are merged onto one feature map, so their anchors interleave per cell.
func Generate(o SSDOptions) ([]Anchor, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	var anchors []Anchor
	for layer := 0; layer < o.NumLayers; {
		var ratios, scales []float32
		last := layer
		for ; last < o.NumLayers && o.Strides[last] == o.Strides[layer]; last++ {
			scale := scaleAt(o.MinScale, o.MaxScale, last, o.NumLayers)
			if last == 0 && o.ReduceBoxesInLowestLayer {
				ratios = append(ratios, 1, 2, 0.5)
				scales = append(scales, 0.1, scale, scale)
				continue
			}
			for _, ar := range o.AspectRatios {
				ratios = append(ratios, ar)
				scales = append(scales, scale)
			}
			if o.InterpolatedScaleAspectRatio > 0 {
				next := float32(1)
				if last != o.NumLayers-1 {
					next = scaleAt(o.MinScale, o.MaxScale, last+1, o.NumLayers)
				}
				scales = append(scales, float32(math.Sqrt(float64(scale*next))))
				ratios = append(ratios, o.InterpolatedScaleAspectRatio)
			}
		}

		widths := make([]float32, len(ratios))
		heights := make([]float32, len(ratios))
		for i, ar := range ratios {
			sq := float32(math.Sqrt(float64(ar)))
			heights[i] = scales[i] / sq
			widths[i] = scales[i] * sq
		}

		stride := o.Strides[layer]
		fmH := int(math.Ceil(float64(o.InputHeight) / float64(stride)))
		fmW := int(math.Ceil(float64(o.InputWidth) / float64(stride)))
		for y := 0; y < fmH; y++ {
			for x := 0; x < fmW; x++ {
				for i := range ratios {
					a := Anchor{
						CX:     (float32(x) + o.AnchorOffsetX) / float32(fmW),
						CY:     (float32(y) + o.AnchorOffsetY) / float32(fmH),
						W:      widths[i],
						H:      heights[i],
						Stride: stride,
					}
					if o.FixedAnchorSize {
						a.W, a.H = 1, 1
					}
					anchors = append(anchors, a)
				}
			}
		}
		layer = last
	}
	return anchors, nil
}
