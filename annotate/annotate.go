// Package annotate draws detections onto frames for previews and debugging.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"io"

	iface "FaceDetServer/interface"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
)

type Style struct {
	Box       color.Color
	Keypoint  color.Color
	LineWidth float64
	// Labels prints the score above each box.
	Labels bool
}

func DefaultStyle() Style {
	return Style{
		Box:       color.RGBA{50, 205, 50, 255},
		Keypoint:  color.RGBA{255, 64, 64, 255},
		LineWidth: 2,
		Labels:    true,
	}
}

// Draw returns a copy of img with boxes drawn in pixel space. Box coordinates
// are frame-normalized, so the same boxes fit any resolution of the frame.
func Draw(img image.Image, boxes []iface.BoundingBox, style Style) image.Image {
	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())
	dc.SetLineWidth(style.LineWidth)
	for _, b := range boxes {
		left, top := float64(b.X)*w, float64(b.Y)*h
		dc.SetStrokeStyle(gg.NewSolidPattern(style.Box))
		dc.DrawRectangle(left, top, float64(b.Width)*w, float64(b.Height)*h)
		dc.Stroke()

		if style.Labels {
			dc.SetColor(style.Box)
			dc.DrawStringAnchored(fmt.Sprintf("%.2f", b.Score), left, top-2, 0, 0)
		}
		if len(b.Keypoints) > 0 {
			dc.SetColor(style.Keypoint)
			for _, kp := range b.Keypoints {
				dc.DrawCircle(float64(kp.X)*w, float64(kp.Y)*h, style.LineWidth+1)
				dc.Fill()
			}
		}
	}
	return dc.Image()
}

func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}

func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

func SaveJPG(path string, img image.Image, quality int) error {
	return gg.SaveJPG(path, img, quality)
}

func SavePNG(path string, img image.Image) error {
	return gg.SavePNG(path, img)
}
