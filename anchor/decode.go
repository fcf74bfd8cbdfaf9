package anchor

import (
	"errors"
	"fmt"
	"iter"
	"math"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"
)

// DecodeOptions are the model-specific constants that turn regression values
// into boxes. They must match the model exactly: a wrong scale silently shifts
// every box.
type DecodeOptions struct {
	NumClasses           int `yaml:"numClasses"`
	NumBoxes             int `yaml:"numBoxes"`
	NumCoords            int `yaml:"numCoords"`
	BoxCoordOffset       int `yaml:"boxCoordOffset"`
	KeypointCoordOffset  int `yaml:"keypointCoordOffset"`
	NumKeypoints         int `yaml:"numKeypoints"`
	NumValuesPerKeypoint int `yaml:"numValuesPerKeypoint"`

	XScale float32 `yaml:"xScale"`
	YScale float32 `yaml:"yScale"`
	WScale float32 `yaml:"wScale"`
	HScale float32 `yaml:"hScale"`

	ApplyExponentialOnBoxSize bool `yaml:"applyExponentialOnBoxSize"`
	// ReverseOutputOrder means boxes are laid out [x, y, w, h] instead of [y, x, h, w].
	ReverseOutputOrder  bool    `yaml:"reverseOutputOrder"`
	SigmoidScore        bool    `yaml:"sigmoidScore"`
	ScoreClippingThresh float32 `yaml:"scoreClippingThresh"`
}

func (o DecodeOptions) validate() error {
	switch {
	case o.NumBoxes <= 0 || o.NumClasses <= 0:
		return fmt.Errorf("decode: %d boxes with %d classes", o.NumBoxes, o.NumClasses)
	case o.BoxCoordOffset < 0 || o.BoxCoordOffset+4 > o.NumCoords:
		return fmt.Errorf("decode: box offset %d does not fit %d coords", o.BoxCoordOffset, o.NumCoords)
	case o.XScale == 0 || o.YScale == 0 || o.WScale == 0 || o.HScale == 0:
		return errors.New("decode: box scales must be non-zero")
	}
	if o.NumKeypoints > 0 {
		if o.NumValuesPerKeypoint < 2 {
			return fmt.Errorf("decode: %d values per keypoint", o.NumValuesPerKeypoint)
		}
		if end := o.KeypointCoordOffset + o.NumKeypoints*o.NumValuesPerKeypoint; o.KeypointCoordOffset < 0 || end > o.NumCoords {
			return fmt.Errorf("decode: keypoints end at %d beyond %d coords", end, o.NumCoords)
		}
	}
	return nil
}

// Candidate is one decoded anchor in frame-normalized coordinates.
type Candidate struct {
	Index  int
	XMin   float32
	YMin   float32
	Width  float32
	Height float32
	Score  float32

	kp *keypointSource
}

// Keypoints decodes the candidate's keypoints on demand. They are only valid
// while the RawOutputs the candidate came from are.
func (c Candidate) Keypoints() []iface.Keypoint {
	if c.kp == nil {
		return nil
	}
	return c.kp.decode(c.Index)
}

// Box converts the candidate into the public result type.
func (c Candidate) Box() iface.BoundingBox {
	return iface.BoundingBox{
		X:         c.XMin,
		Y:         c.YMin,
		Width:     c.Width,
		Height:    c.Height,
		Score:     c.Score,
		Keypoints: c.Keypoints(),
	}
}

type keypointSource struct {
	boxes   []float32
	anchors []Anchor
	tr      frame.Transform
	opts    *DecodeOptions
}

func (s *keypointSource) decode(i int) []iface.Keypoint {
	o := s.opts
	a := s.anchors[i]
	out := make([]iface.Keypoint, o.NumKeypoints)
	base := i*o.NumCoords + o.KeypointCoordOffset
	for k := range out {
		v := s.boxes[base+k*o.NumValuesPerKeypoint:]
		kx, ky := v[0], v[1]
		if !o.ReverseOutputOrder {
			kx, ky = ky, kx
		}
		x, y := s.tr.Point(kx/o.XScale*a.W+a.CX, ky/o.YScale*a.H+a.CY)
		out[k] = iface.Keypoint{X: clamp01(x), Y: clamp01(y)}
	}
	return out
}

type Decoder struct {
	opts DecodeOptions
}

func NewDecoder(o DecodeOptions) (*Decoder, error) {
	if err := o.validate(); err != nil {
		return nil, err
	}
	return &Decoder{opts: o}, nil
}

func (d *Decoder) Options() DecodeOptions { return d.opts }

// Validate reports whether raw and anchors have the shapes the decoder expects.
func (d *Decoder) Validate(raw iface.RawOutputs, anchors []Anchor) error {
	o := d.opts
	if len(anchors) != o.NumBoxes {
		return fmt.Errorf("decode: %d anchors for %d boxes", len(anchors), o.NumBoxes)
	}
	if want := o.NumBoxes * o.NumClasses; len(raw.Scores) < want {
		return fmt.Errorf("decode: %d score values, want %d", len(raw.Scores), want)
	}
	if want := o.NumBoxes * o.NumCoords; len(raw.Boxes) < want {
		return fmt.Errorf("decode: %d box values, want %d", len(raw.Boxes), want)
	}
	return nil
}

// Decode lazily yields one candidate per anchor in template order. Outputs that
// fail Validate yield nothing.
func (d *Decoder) Decode(raw iface.RawOutputs, anchors []Anchor, tr frame.Transform) iter.Seq[Candidate] {
	return func(yield func(Candidate) bool) {
		if d.Validate(raw, anchors) != nil {
			return
		}
		var kp *keypointSource
		if d.opts.NumKeypoints > 0 {
			kp = &keypointSource{boxes: raw.Boxes, anchors: anchors, tr: tr, opts: &d.opts}
		}
		for i := range anchors {
			c := d.decodeBox(raw.Boxes, anchors[i], i, tr)
			c.Score = d.score(raw.Scores, i)
			c.kp = kp
			if !yield(c) {
				return
			}
		}
	}
}

func (d *Decoder) decodeBox(boxes []float32, a Anchor, i int, tr frame.Transform) Candidate {
	o := d.opts
	v := boxes[i*o.NumCoords+o.BoxCoordOffset:]
	xc, yc, w, h := v[0], v[1], v[2], v[3]
	if !o.ReverseOutputOrder {
		yc, xc, h, w = v[0], v[1], v[2], v[3]
	}

	xc = xc/o.XScale*a.W + a.CX
	yc = yc/o.YScale*a.H + a.CY
	if o.ApplyExponentialOnBoxSize {
		w = float32(math.Exp(float64(w/o.WScale))) * a.W
		h = float32(math.Exp(float64(h/o.HScale))) * a.H
	} else {
		w = w / o.WScale * a.W
		h = h / o.HScale * a.H
	}

	x0, y0 := tr.Point(xc-w/2, yc-h/2)
	x1, y1 := tr.Point(xc+w/2, yc+h/2)
	left, right := clamp01(min(x0, x1)), clamp01(max(x0, x1))
	top, bottom := clamp01(min(y0, y1)), clamp01(max(y0, y1))
	return Candidate{
		Index:  i,
		XMin:   left,
		YMin:   top,
		Width:  right - left,
		Height: bottom - top,
	}
}

func (d *Decoder) score(scores []float32, i int) float32 {
	o := d.opts
	best := scores[i*o.NumClasses]
	for _, s := range scores[i*o.NumClasses+1 : (i+1)*o.NumClasses] {
		if s > best {
			best = s
		}
	}
	if o.SigmoidScore {
		if t := o.ScoreClippingThresh; t > 0 {
			best = max(-t, min(best, t))
		}
		best = Sigmoid(best)
	}
	return clamp01(best)
}

func Sigmoid(x float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(x))))
}

// clamp01 maps NaN to 0.
func clamp01(v float32) float32 {
	if !(v > 0) {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
