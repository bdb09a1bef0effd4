// Package annotate draws face boxes and emotion labels onto frames.
package annotate

import (
	"fmt"
	"image"
	"image/color"

	"github.com/fogleman/gg"

	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/types"
)

var (
	boxColor     = color.RGBA{R: 0, G: 255, B: 0, A: 255}
	unknownColor = color.RGBA{R: 255, G: 160, B: 0, A: 255}
	textColor    = color.RGBA{R: 0, G: 0, B: 0, A: 255}
)

// Label formats the caption drawn above a face, e.g. "happy 0.87".
func Label(p types.Prediction) string {
	if p.Emotion == emotion.Unknown {
		return emotion.Unknown
	}
	return fmt.Sprintf("%s %.2f", p.Emotion, p.Confidence)
}

// Faces returns a copy of frame with a rectangle and a caption for every face.
// Boxes are relative to the frame origin.
func Faces(frame image.Image, faces []types.FaceResult) image.Image {
	b := frame.Bounds()
	dc := gg.NewContext(b.Dx(), b.Dy())
	dc.DrawImage(frame, -b.Min.X, -b.Min.Y)

	dc.SetLineWidth(2.0)
	for _, f := range faces {
		c := boxColor
		if f.Emotion == emotion.Unknown {
			c = unknownColor
		}
		x, y := float64(f.BBox.X), float64(f.BBox.Y)

		dc.DrawRectangle(x, y, float64(f.BBox.Width), float64(f.BBox.Height))
		dc.SetColor(c)
		dc.Stroke()

		label := Label(f.Prediction)
		w, h := dc.MeasureString(label)
		ty := y - 4
		if ty-h < 0 {
			ty = y + h + 4
		}
		dc.DrawRectangle(x, ty-h-2, w+4, h+4)
		dc.SetColor(c)
		dc.Fill()
		dc.SetColor(textColor)
		dc.DrawString(label, x+2, ty)
	}
	return dc.Image()
}
