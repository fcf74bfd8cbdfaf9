package anchor

import (
	"math"
	"testing"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	t.Run("Test Short Range", func(t *testing.T) {
		anchors, err := Generate(ShortRange().Anchors)
		require.NoError(t, err)
		assert.Len(t, anchors, 896)

		first := anchors[0]
		assert.InDelta(t, 0.03125, first.CX, 1e-6)
		assert.InDelta(t, 0.03125, first.CY, 1e-6)
		assert.Equal(t, float32(1), first.W)
		assert.Equal(t, float32(1), first.H)
		assert.Equal(t, 8, first.Stride)
		// two anchors per 16x16 cell, then six per 8x8 cell
		assert.Equal(t, first.CX, anchors[1].CX)
		assert.Equal(t, 16, anchors[512].Stride)
		assert.InDelta(t, 0.0625, anchors[512].CX, 1e-6)
		assert.InDelta(t, 0.9375, anchors[895].CY, 1e-6)
	})

	t.Run("Test Full Range", func(t *testing.T) {
		anchors, err := Generate(FullRange().Anchors)
		require.NoError(t, err)
		assert.Len(t, anchors, 2304)
		assert.InDelta(t, 0.5/48, anchors[0].CX, 1e-6)
		assert.InDelta(t, 1.5/48, anchors[1].CX, 1e-6)
	})

	t.Run("Test Sized Anchors", func(t *testing.T) {
		opts := SSDOptions{
			NumLayers:     2,
			MinScale:      0.2,
			MaxScale:      0.4,
			InputWidth:    8,
			InputHeight:   8,
			AnchorOffsetX: 0.5,
			AnchorOffsetY: 0.5,
			Strides:       []int{4, 8},
			AspectRatios:  []float32{1, 4},
		}
		anchors, err := Generate(opts)
		require.NoError(t, err)
		assert.Len(t, anchors, 2*2*2+1*1*2)
		assert.InDelta(t, 0.2, anchors[0].W, 1e-6)
		assert.InDelta(t, 0.4, anchors[1].W, 1e-6)
		assert.InDelta(t, 0.1, anchors[1].H, 1e-6)
		assert.InDelta(t, 0.4, anchors[8].W, 1e-6)
	})

	t.Run("Test Reduced Lowest Layer", func(t *testing.T) {
		opts := SSDOptions{
			NumLayers:                1,
			MinScale:                 0.2,
			MaxScale:                 0.4,
			InputWidth:               4,
			InputHeight:              4,
			Strides:                  []int{4},
			AspectRatios:             []float32{1},
			ReduceBoxesInLowestLayer: true,
		}
		anchors, err := Generate(opts)
		require.NoError(t, err)
		require.Len(t, anchors, 3)
		assert.InDelta(t, 0.1, anchors[0].W, 1e-6)
	})

	for name, opts := range map[string]SSDOptions{
		"no layers":      {Strides: nil, InputWidth: 8, InputHeight: 8, AspectRatios: []float32{1}},
		"stride count":   {NumLayers: 2, Strides: []int{8}, InputWidth: 8, InputHeight: 8, AspectRatios: []float32{1}},
		"zero stride":    {NumLayers: 1, Strides: []int{0}, InputWidth: 8, InputHeight: 8, AspectRatios: []float32{1}},
		"no input size":  {NumLayers: 1, Strides: []int{8}, AspectRatios: []float32{1}},
		"no aspect list": {NumLayers: 1, Strides: []int{8}, InputWidth: 8, InputHeight: 8},
	} {
		t.Run("Test Reject "+name, func(t *testing.T) {
			_, err := Generate(opts)
			assert.Error(t, err)
		})
	}
}

func TestPresets(t *testing.T) {
	for _, name := range PresetNames() {
		p, ok := LookupPreset(name)
		require.True(t, ok, name)
		anchors, err := Generate(p.Anchors)
		require.NoError(t, err)
		assert.Len(t, anchors, p.Decode.NumBoxes, name)
		assert.Equal(t, p.Input.Width, p.Anchors.InputWidth, name)
		_, err = NewDecoder(p.Decode)
		assert.NoError(t, err, name)
	}

	_, ok := LookupPreset("long_range")
	assert.False(t, ok)

	a, _ := LookupPreset(PresetShortRange)
	a.Anchors.Strides[0] = 99
	b, _ := LookupPreset(PresetShortRange)
	assert.Equal(t, 8, b.Anchors.Strides[0])
}

func unitDecoder(t *testing.T, mutate func(*DecodeOptions)) *Decoder {
	t.Helper()
	opts := DecodeOptions{
		NumClasses:         1,
		NumBoxes:           1,
		NumCoords:          4,
		XScale:             128,
		YScale:             128,
		WScale:             128,
		HScale:             128,
		ReverseOutputOrder: true,
		SigmoidScore:       true,
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := NewDecoder(opts)
	require.NoError(t, err)
	return d
}

func collect(d *Decoder, raw iface.RawOutputs, anchors []Anchor, tr frame.Transform) []Candidate {
	var out []Candidate
	for c := range d.Decode(raw, anchors, tr) {
		out = append(out, c)
	}
	return out
}

var center = []Anchor{{CX: 0.5, CY: 0.5, W: 1, H: 1}}

func TestDecodeBox(t *testing.T) {
	t.Run("Test Linear", func(t *testing.T) {
		d := unitDecoder(t, nil)
		raw := iface.RawOutputs{Scores: []float32{0}, Boxes: []float32{0, 0, 64, 32}}
		got := collect(d, raw, center, frame.Transform{})
		require.Len(t, got, 1)
		c := got[0]
		assert.InDelta(t, 0.25, c.XMin, 1e-6)
		assert.InDelta(t, 0.375, c.YMin, 1e-6)
		assert.InDelta(t, 0.5, c.Width, 1e-6)
		assert.InDelta(t, 0.25, c.Height, 1e-6)
		assert.InDelta(t, 0.5, c.Score, 1e-6)
		assert.Nil(t, c.Keypoints())
	})

	t.Run("Test YX Order", func(t *testing.T) {
		d := unitDecoder(t, func(o *DecodeOptions) { o.ReverseOutputOrder = false })
		raw := iface.RawOutputs{Scores: []float32{0}, Boxes: []float32{12.8, 0, 32, 64}}
		c := collect(d, raw, center, frame.Transform{})[0]
		assert.InDelta(t, 0.25, c.XMin, 1e-6)
		assert.InDelta(t, 0.475, c.YMin, 1e-6)
		assert.InDelta(t, 0.5, c.Width, 1e-6)
		assert.InDelta(t, 0.25, c.Height, 1e-6)
	})

	t.Run("Test Exponential Size", func(t *testing.T) {
		d := unitDecoder(t, func(o *DecodeOptions) {
			o.ApplyExponentialOnBoxSize = true
			o.XScale, o.YScale, o.WScale, o.HScale = 10, 10, 5, 5
		})
		anchors := []Anchor{{CX: 0.5, CY: 0.5, W: 0.2, H: 0.4}}
		raw := iface.RawOutputs{Scores: []float32{0}, Boxes: []float32{0, 0, 0, 0}}
		c := collect(d, raw, anchors, frame.Transform{})[0]
		assert.InDelta(t, 0.4, c.XMin, 1e-6)
		assert.InDelta(t, 0.3, c.YMin, 1e-6)
		assert.InDelta(t, 0.2, c.Width, 1e-6)
		assert.InDelta(t, 0.4, c.Height, 1e-6)

		raw.Boxes[2] = float32(5 * math.Log(2))
		c = collect(d, raw, anchors, frame.Transform{})[0]
		assert.InDelta(t, 0.4, c.Width, 1e-5)
	})

	t.Run("Test Letterbox", func(t *testing.T) {
		d := unitDecoder(t, nil)
		tr := frame.Transform{PadTop: 0.25, PadBottom: 0.25}
		raw := iface.RawOutputs{Scores: []float32{0}, Boxes: []float32{0, 0, 64, 32}}
		c := collect(d, raw, center, tr)[0]
		assert.InDelta(t, 0.25, c.XMin, 1e-6)
		assert.InDelta(t, 0.25, c.YMin, 1e-6)
		assert.InDelta(t, 0.5, c.Width, 1e-6)
		assert.InDelta(t, 0.5, c.Height, 1e-6)
	})

	t.Run("Test Clamp", func(t *testing.T) {
		d := unitDecoder(t, nil)
		raw := iface.RawOutputs{Scores: []float32{0}, Boxes: []float32{-64, 64, 64, 64}}
		c := collect(d, raw, center, frame.Transform{})[0]
		assert.Equal(t, float32(0), c.XMin)
		assert.InDelta(t, 0.25, c.Width, 1e-6)
		assert.InDelta(t, 0.75, c.YMin, 1e-6)
		assert.InDelta(t, 0.25, c.Height, 1e-6)
		assert.LessOrEqual(t, c.YMin+c.Height, float32(1))
	})

	t.Run("Test Negative Size", func(t *testing.T) {
		d := unitDecoder(t, nil)
		raw := iface.RawOutputs{Scores: []float32{0}, Boxes: []float32{0, 0, -64, 32}}
		c := collect(d, raw, center, frame.Transform{})[0]
		assert.InDelta(t, 0.25, c.XMin, 1e-6)
		assert.InDelta(t, 0.5, c.Width, 1e-6)
	})
}

func TestDecodeScore(t *testing.T) {
	t.Run("Test Clipping", func(t *testing.T) {
		d := unitDecoder(t, func(o *DecodeOptions) { o.ScoreClippingThresh = 100 })
		raw := iface.RawOutputs{Scores: []float32{1e6}, Boxes: []float32{0, 0, 1, 1}}
		c := collect(d, raw, center, frame.Transform{})[0]
		assert.InDelta(t, 1, c.Score, 1e-6)

		raw.Scores[0] = -1e6
		c = collect(d, raw, center, frame.Transform{})[0]
		assert.InDelta(t, 0, c.Score, 1e-6)
	})

	t.Run("Test NaN", func(t *testing.T) {
		d := unitDecoder(t, func(o *DecodeOptions) { o.SigmoidScore = false })
		raw := iface.RawOutputs{Scores: []float32{float32(math.NaN())}, Boxes: []float32{0, 0, 1, 1}}
		c := collect(d, raw, center, frame.Transform{})[0]
		assert.Equal(t, float32(0), c.Score)
	})

	t.Run("Test Best Class", func(t *testing.T) {
		d := unitDecoder(t, func(o *DecodeOptions) {
			o.NumClasses = 3
			o.SigmoidScore = false
		})
		raw := iface.RawOutputs{Scores: []float32{0.1, 0.7, 0.3}, Boxes: []float32{0, 0, 1, 1}}
		c := collect(d, raw, center, frame.Transform{})[0]
		assert.InDelta(t, 0.7, c.Score, 1e-6)
	})

	assert.InDelta(t, 0.5, Sigmoid(0), 1e-7)
	assert.InDelta(t, 0.7310586, Sigmoid(1), 1e-6)
}

func TestDecodeKeypoints(t *testing.T) {
	d := unitDecoder(t, func(o *DecodeOptions) {
		o.NumCoords = 8
		o.KeypointCoordOffset = 4
		o.NumKeypoints = 2
		o.NumValuesPerKeypoint = 2
	})
	raw := iface.RawOutputs{
		Scores: []float32{0},
		Boxes:  []float32{0, 0, 64, 64, 12.8, -12.8, -128, 0},
	}
	c := collect(d, raw, center, frame.Transform{})[0]
	kps := c.Keypoints()
	require.Len(t, kps, 2)
	assert.InDelta(t, 0.6, kps[0].X, 1e-5)
	assert.InDelta(t, 0.4, kps[0].Y, 1e-5)
	assert.Equal(t, float32(0), kps[1].X)
	assert.InDelta(t, 0.5, kps[1].Y, 1e-6)

	box := c.Box()
	assert.Equal(t, kps, box.Keypoints)
	assert.Equal(t, c.Score, box.Score)
}

func TestDecodeShapes(t *testing.T) {
	d := unitDecoder(t, func(o *DecodeOptions) { o.NumBoxes = 2 })
	anchors := []Anchor{center[0], center[0]}
	good := iface.RawOutputs{Scores: make([]float32, 2), Boxes: make([]float32, 8)}
	assert.NoError(t, d.Validate(good, anchors))

	assert.Error(t, d.Validate(good, center))
	assert.Error(t, d.Validate(iface.RawOutputs{Scores: make([]float32, 1), Boxes: make([]float32, 8)}, anchors))
	assert.Error(t, d.Validate(iface.RawOutputs{Scores: make([]float32, 2), Boxes: make([]float32, 7)}, anchors))
	assert.Empty(t, collect(d, good, center, frame.Transform{}))

	n := 0
	for range d.Decode(good, anchors, frame.Transform{}) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestNewDecoderRejects(t *testing.T) {
	base := ShortRange().Decode
	for name, mutate := range map[string]func(*DecodeOptions){
		"no boxes":          func(o *DecodeOptions) { o.NumBoxes = 0 },
		"no classes":        func(o *DecodeOptions) { o.NumClasses = 0 },
		"box offset":        func(o *DecodeOptions) { o.BoxCoordOffset = 13 },
		"zero scale":        func(o *DecodeOptions) { o.HScale = 0 },
		"keypoint overflow": func(o *DecodeOptions) { o.NumKeypoints = 7 },
		"keypoint values":   func(o *DecodeOptions) { o.NumValuesPerKeypoint = 1 },
	} {
		t.Run("Test Reject "+name, func(t *testing.T) {
			opts := base
			mutate(&opts)
			_, err := NewDecoder(opts)
			assert.Error(t, err)
		})
	}
}
