// Package gocvview adapts OpenCV matrices to the pipeline's image view and
// draws detections back onto them.
package gocvview

import (
	"fmt"
	"image"
	"image/color"

	"FaceDetServer/frame"
	iface "FaceDetServer/interface"

	"gocv.io/x/gocv"
)

// New wraps an 8-bit Mat without copying when it is continuous. The view
// aliases the Mat's memory, so the Mat must stay open while the view is used.
func New(m gocv.Mat) (*frame.Packed, error) {
	if m.Empty() {
		return nil, fmt.Errorf("%w: empty mat", frame.ErrInvalidDimensions)
	}
	format, err := formatOf(m.Type())
	if err != nil {
		return nil, err
	}
	if !m.IsContinuous() {
		data := m.ToBytes()
		return frame.NewPacked(data, m.Cols(), m.Rows(), m.Cols()*format.BytesPerPixel(), format), nil
	}
	pix, err := m.DataPtrUint8()
	if err != nil {
		return nil, fmt.Errorf("mat data: %w", err)
	}
	return frame.NewPacked(pix, m.Cols(), m.Rows(), m.Step(), format), nil
}

func formatOf(t gocv.MatType) (iface.PixelFormat, error) {
	switch t {
	case gocv.MatTypeCV8UC3:
		return iface.PixelFormatBGR8, nil
	case gocv.MatTypeCV8UC4:
		return iface.PixelFormatBGRA8, nil
	case gocv.MatTypeCV8UC1:
		return iface.PixelFormatGray8, nil
	}
	return iface.PixelFormatUnknown, fmt.Errorf("%w: mat type %v", frame.ErrUnsupportedFormat, t)
}

// Rect converts a frame-normalized box to pixel coordinates of a cols x rows image.
func Rect(b iface.BoundingBox, cols, rows int) image.Rectangle {
	x0 := int(b.X * float32(cols))
	y0 := int(b.Y * float32(rows))
	x1 := int((b.X + b.Width) * float32(cols))
	y1 := int((b.Y + b.Height) * float32(rows))
	return image.Rect(x0, y0, x1, y1)
}

var (
	boxColor      = color.RGBA{R: 50, G: 205, B: 50, A: 0}
	keypointColor = color.RGBA{R: 255, G: 64, B: 64, A: 0}
)

// DrawBoxes draws boxes, scores and keypoints onto m in place.
func DrawBoxes(m *gocv.Mat, boxes []iface.BoundingBox) {
	cols, rows := m.Cols(), m.Rows()
	for _, b := range boxes {
		r := Rect(b, cols, rows)
		gocv.Rectangle(m, r, boxColor, 2)
		gocv.PutText(m, fmt.Sprintf("%.2f", b.Score), image.Pt(r.Min.X, r.Min.Y-4), gocv.FontHersheySimplex, 0.5, boxColor, 1)
		for _, kp := range b.Keypoints {
			p := image.Pt(int(kp.X*float32(cols)), int(kp.Y*float32(rows)))
			gocv.Circle(m, p, 2, keypointColor, -1)
		}
	}
}
