package anchor

import (
	"slices"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"
)

// Preset bundles everything that must match a published model file.
type Preset struct {
	Name     string
	Input    frame.Options
	Anchors  SSDOptions
	Decode   DecodeOptions
	MinScore float32
	IoU      float32
}

const (
	PresetShortRange = "short_range"
	PresetFullRange  = "full_range"
)

// ShortRange is the 128x128 front camera face model.
func ShortRange() Preset {
	return Preset{
		Name: PresetShortRange,
		Input: frame.Options{
			Width:   128,
			Height:  128,
			Layout:  iface.LayoutNHWC,
			NormMin: -1,
			NormMax: 1,
		},
		Anchors: SSDOptions{
			NumLayers:                    4,
			MinScale:                     0.1484375,
			MaxScale:                     0.75,
			InputWidth:                   128,
			InputHeight:                  128,
			AnchorOffsetX:                0.5,
			AnchorOffsetY:                0.5,
			Strides:                      []int{8, 16, 16, 16},
			AspectRatios:                 []float32{1.0},
			InterpolatedScaleAspectRatio: 1.0,
			FixedAnchorSize:              true,
		},
		Decode:   blazeDecode(896, 128),
		MinScore: 0.5,
		IoU:      0.3,
	}
}

// FullRange is the 192x192 back camera face model.
func FullRange() Preset {
	return Preset{
		Name: PresetFullRange,
		Input: frame.Options{
			Width:   192,
			Height:  192,
			Layout:  iface.LayoutNHWC,
			NormMin: -1,
			NormMax: 1,
		},
		Anchors: SSDOptions{
			NumLayers:       1,
			MinScale:        0.1484375,
			MaxScale:        0.75,
			InputWidth:      192,
			InputHeight:     192,
			AnchorOffsetX:   0.5,
			AnchorOffsetY:   0.5,
			Strides:         []int{4},
			AspectRatios:    []float32{1.0},
			FixedAnchorSize: true,
		},
		Decode:   blazeDecode(2304, 192),
		MinScore: 0.6,
		IoU:      0.3,
	}
}

func blazeDecode(boxes int, scale float32) DecodeOptions {
	return DecodeOptions{
		NumClasses:           1,
		NumBoxes:             boxes,
		NumCoords:            16,
		KeypointCoordOffset:  4,
		NumKeypoints:         6,
		NumValuesPerKeypoint: 2,
		XScale:               scale,
		YScale:               scale,
		WScale:               scale,
		HScale:               scale,
		ReverseOutputOrder:   true,
		SigmoidScore:         true,
		ScoreClippingThresh:  100,
	}
}

// LookupPreset returns a fresh copy of the named preset.
func LookupPreset(name string) (Preset, bool) {
	switch name {
	case PresetShortRange:
		return ShortRange(), true
	case PresetFullRange:
		return FullRange(), true
	}
	return Preset{}, false
}

func PresetNames() []string {
	names := []string{PresetShortRange, PresetFullRange}
	slices.Sort(names)
	return names
}
