// Package frame turns camera images into model-ready tensors and keeps the
// bookkeeping needed to map model coordinates back onto the frame.
package frame

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"runtime"
	"sync"

	iface "FaceDetServer/interface"

	"github.com/disintegration/imaging"
	"golang.org/x/sys/cpu"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported pixel format")
	ErrInvalidDimensions = errors.New("invalid frame dimensions")
)

type ChannelOrder string

const (
	OrderRGB ChannelOrder = "RGB"
	OrderBGR ChannelOrder = "BGR"
)

// Options describe the tensor the model expects.
type Options struct {
	Width        int                `yaml:"width"`
	Height       int                `yaml:"height"`
	Layout       iface.TensorLayout `yaml:"layout"`
	ChannelOrder ChannelOrder       `yaml:"channelOrder"`
	NormMin      float32            `yaml:"normMin"`
	NormMax      float32            `yaml:"normMax"`
	// Stretch resizes to the input size without preserving aspect ratio.
	Stretch bool `yaml:"stretch"`
}

// Transform maps model-normalized coordinates back to frame-normalized ones.
// Padding values are fractions of the model input; the zero value is identity.
type Transform struct {
	FrameWidth  int
	FrameHeight int
	ScaleX      float32
	ScaleY      float32
	PadLeft     float32
	PadTop      float32
	PadRight    float32
	PadBottom   float32
}

func (t Transform) contentWidth() float32  { return 1 - t.PadLeft - t.PadRight }
func (t Transform) contentHeight() float32 { return 1 - t.PadTop - t.PadBottom }

// Point removes the letterbox from a model-space point.
func (t Transform) Point(x, y float32) (float32, float32) {
	return (x - t.PadLeft) / t.contentWidth(), (y - t.PadTop) / t.contentHeight()
}

// Size removes the letterbox from a model-space extent.
func (t Transform) Size(w, h float32) (float32, float32) {
	return w / t.contentWidth(), h / t.contentHeight()
}

// PreparedTensor is a pooled model input. Release returns it to its Adapter.
type PreparedTensor struct {
	Data      []float32
	Width     int
	Height    int
	Channels  int
	Layout    iface.TensorLayout
	Transform Transform

	pool *sync.Pool
}

// Release hands the buffer back for reuse. The tensor must not be read afterwards.
func (t *PreparedTensor) Release() {
	if t == nil || t.pool == nil {
		return
	}
	p := t.pool
	t.pool = nil
	p.Put(t)
}

type Adapter struct {
	opts    Options
	lut     [256]float32
	order   [3]int
	workers int
	tensors sync.Pool
}

func NewAdapter(opts Options) (*Adapter, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("model input size must be positive, got %dx%d", opts.Width, opts.Height)
	}
	switch opts.Layout {
	case "":
		opts.Layout = iface.LayoutNHWC
	case iface.LayoutNHWC, iface.LayoutNCHW:
	default:
		return nil, fmt.Errorf("unsupported tensor layout %q", opts.Layout)
	}
	if opts.NormMin == 0 && opts.NormMax == 0 {
		opts.NormMax = 1
	}
	if opts.NormMin >= opts.NormMax {
		return nil, fmt.Errorf("normalization range [%g, %g] is empty", opts.NormMin, opts.NormMax)
	}

	a := &Adapter{opts: opts, workers: defaultWorkers()}
	switch opts.ChannelOrder {
	case "", OrderRGB:
		a.opts.ChannelOrder = OrderRGB
		a.order = [3]int{0, 1, 2}
	case OrderBGR:
		a.order = [3]int{2, 1, 0}
	default:
		return nil, fmt.Errorf("unsupported channel order %q", opts.ChannelOrder)
	}
	span := opts.NormMax - opts.NormMin
	for v := range a.lut {
		a.lut[v] = float32(v)/255*span + opts.NormMin
	}
	size := opts.Width * opts.Height * 3
	a.tensors.New = func() any {
		return &PreparedTensor{Data: make([]float32, size)}
	}
	return a, nil
}

func (a *Adapter) Options() Options { return a.opts }

// Prepare converts, letterboxes and normalizes view. The view is only read.
func (a *Adapter) Prepare(view iface.ImageView) (*PreparedTensor, error) {
	if err := validate(view); err != nil {
		return nil, err
	}
	W, H := a.opts.Width, a.opts.Height
	w, h := view.Width(), view.Height()

	t := a.tensors.Get().(*PreparedTensor)
	t.pool = &a.tensors
	t.Width, t.Height, t.Channels, t.Layout = W, H, 3, a.opts.Layout

	if w == W && h == H {
		t.Transform = Transform{FrameWidth: w, FrameHeight: h, ScaleX: 1, ScaleY: 1}
		a.normalize(t.Data, view.Row, view.Format().BytesPerPixel(), channelOffsets(view.Format()))
		return t, nil
	}

	rw, rh := W, H
	if !a.opts.Stretch {
		scale := math.Min(float64(W)/float64(w), float64(H)/float64(h))
		rw = clampInt(int(math.Round(float64(w)*scale)), 1, W)
		rh = clampInt(int(math.Round(float64(h)*scale)), 1, H)
	}
	padL, padT := (W-rw)/2, (H-rh)/2
	t.Transform = Transform{
		FrameWidth:  w,
		FrameHeight: h,
		ScaleX:      float32(rw) / float32(w),
		ScaleY:      float32(rh) / float32(h),
		PadLeft:     float32(padL) / float32(W),
		PadTop:      float32(padT) / float32(H),
		PadRight:    float32(W-rw-padL) / float32(W),
		PadBottom:   float32(H-rh-padT) / float32(H),
	}

	src := image.NewNRGBA(image.Rect(0, 0, w, h))
	convertRows(src, view)
	resized := imaging.Resize(src, rw, rh, imaging.Linear)
	canvas := imaging.New(W, H, color.NRGBA{A: 0xff})
	canvas = imaging.Paste(canvas, resized, image.Pt(padL, padT))

	a.normalize(t.Data, func(y int) []byte {
		return canvas.Pix[y*canvas.Stride : y*canvas.Stride+W*4]
	}, 4, [3]int{0, 1, 2})
	return t, nil
}

// normalize writes every element of dst from H rows of W pixels.
func (a *Adapter) normalize(dst []float32, row func(int) []byte, bpp int, offs [3]int) {
	var src [3]int
	for c := range src {
		src[c] = offs[a.order[c]]
	}
	H := a.opts.Height
	workers := a.workers
	if H < 64 || workers < 2 {
		a.normalizeRows(dst, 0, H, row, bpp, src)
		return
	}
	per := (H + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < H; start += per {
		end := min(start+per, H)
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			a.normalizeRows(dst, start, end, row, bpp, src)
		}(start, end)
	}
	wg.Wait()
}

func (a *Adapter) normalizeRows(dst []float32, y0, y1 int, row func(int) []byte, bpp int, src [3]int) {
	W, H := a.opts.Width, a.opts.Height
	plane := W * H
	nchw := a.opts.Layout == iface.LayoutNCHW
	for y := y0; y < y1; y++ {
		px := row(y)
		for x := 0; x < W; x++ {
			base := x * bpp
			r := a.lut[px[base+src[0]]]
			g := a.lut[px[base+src[1]]]
			b := a.lut[px[base+src[2]]]
			i := y*W + x
			if nchw {
				dst[i] = r
				dst[plane+i] = g
				dst[2*plane+i] = b
			} else {
				dst[3*i] = r
				dst[3*i+1] = g
				dst[3*i+2] = b
			}
		}
	}
}

func validate(view iface.ImageView) error {
	if view == nil {
		return fmt.Errorf("%w: no image", ErrInvalidDimensions)
	}
	w, h := view.Width(), view.Height()
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, w, h)
	}
	bpp := view.Format().BytesPerPixel()
	if bpp == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, view.Format())
	}
	rowLen := w * bpp
	if view.Stride() < rowLen {
		return fmt.Errorf("%w: stride %d shorter than a %d-byte %s row", ErrUnsupportedFormat, view.Stride(), rowLen, view.Format())
	}
	for y := 0; y < h; y++ {
		if n := len(view.Row(y)); n < rowLen {
			return fmt.Errorf("%w: row %d holds %d of %d bytes", ErrUnsupportedFormat, y, n, rowLen)
		}
	}
	return nil
}

// defaultWorkers is 1 unless the CPU has AVX2 or ASIMD.
func defaultWorkers() int {
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		return min(runtime.GOMAXPROCS(0), 4)
	}
	return 1
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
