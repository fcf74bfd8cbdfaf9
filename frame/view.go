package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	iface "FaceDetServer/interface"

	"github.com/disintegration/imaging"
)

// Packed is an ImageView over a single interleaved pixel buffer.
type Packed struct {
	pix    []byte
	width  int
	height int
	stride int
	format iface.PixelFormat
}

// NewPacked wraps pix without copying. Validation is deferred to Adapter.Prepare
// so malformed camera buffers surface as per-frame input errors.
func NewPacked(pix []byte, width, height, stride int, format iface.PixelFormat) *Packed {
	return &Packed{pix: pix, width: width, height: height, stride: stride, format: format}
}

func (p *Packed) Width() int                { return p.width }
func (p *Packed) Height() int               { return p.height }
func (p *Packed) Format() iface.PixelFormat { return p.format }
func (p *Packed) Stride() int               { return p.stride }
func (p *Packed) Pix() []byte               { return p.pix }

// Row returns nil when the buffer is too short to hold row y.
func (p *Packed) Row(y int) []byte {
	if y < 0 || y >= p.height || p.stride <= 0 {
		return nil
	}
	start := y * p.stride
	if start >= len(p.pix) {
		return nil
	}
	end := start + p.width*p.format.BytesPerPixel()
	if end > len(p.pix) {
		end = len(p.pix)
	}
	return p.pix[start:end]
}

// FromImage adapts a Go image. RGBA, NRGBA and Gray images are wrapped without
// copying; anything else is drawn once into an NRGBA buffer.
func FromImage(img image.Image) iface.ImageView {
	b := img.Bounds()
	switch src := img.(type) {
	case *image.RGBA:
		return NewPacked(src.Pix[src.PixOffset(b.Min.X, b.Min.Y):], b.Dx(), b.Dy(), src.Stride, iface.PixelFormatRGBA8)
	case *image.NRGBA:
		return NewPacked(src.Pix[src.PixOffset(b.Min.X, b.Min.Y):], b.Dx(), b.Dy(), src.Stride, iface.PixelFormatRGBA8)
	case *image.Gray:
		return NewPacked(src.Pix[src.PixOffset(b.Min.X, b.Min.Y):], b.Dx(), b.Dy(), src.Stride, iface.PixelFormatGray8)
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return NewPacked(dst.Pix, b.Dx(), b.Dy(), dst.Stride, iface.PixelFormatRGBA8)
}

// Clone copies view into a tightly packed buffer the caller owns.
func Clone(view iface.ImageView) (*Packed, error) {
	if err := validate(view); err != nil {
		return nil, err
	}
	w, h, bpp := view.Width(), view.Height(), view.Format().BytesPerPixel()
	rowLen := w * bpp
	pix := make([]byte, rowLen*h)
	for y := 0; y < h; y++ {
		copy(pix[y*rowLen:(y+1)*rowLen], view.Row(y))
	}
	return NewPacked(pix, w, h, rowLen, view.Format()), nil
}

// ToNRGBA converts a view into a Go image in RGB channel order.
func ToNRGBA(view iface.ImageView) (*image.NRGBA, error) {
	if err := validate(view); err != nil {
		return nil, err
	}
	dst := image.NewNRGBA(image.Rect(0, 0, view.Width(), view.Height()))
	convertRows(dst, view)
	return dst, nil
}

// Decode reads an encoded image (JPEG, PNG, GIF, BMP, TIFF) honoring EXIF orientation.
func Decode(data []byte) (iface.ImageView, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return FromImage(img), nil
}

func convertRows(dst *image.NRGBA, view iface.ImageView) {
	w := view.Width()
	offs := channelOffsets(view.Format())
	bpp := view.Format().BytesPerPixel()
	for y := 0; y < view.Height(); y++ {
		src := view.Row(y)
		out := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		for x := 0; x < w; x++ {
			px := src[x*bpp : x*bpp+bpp]
			o := out[x*4 : x*4+4]
			o[0] = px[offs[0]]
			o[1] = px[offs[1]]
			o[2] = px[offs[2]]
			o[3] = 0xff
		}
	}
}

// channelOffsets gives the byte offsets of R, G and B inside one pixel.
func channelOffsets(f iface.PixelFormat) [3]int {
	switch f {
	case iface.PixelFormatBGRA8, iface.PixelFormatBGR8:
		return [3]int{2, 1, 0}
	case iface.PixelFormatGray8:
		return [3]int{0, 0, 0}
	}
	return [3]int{0, 1, 2}
}
