package annotate

import (
	"image"
	"image/color"
	"testing"

	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/types"
)

func TestLabel(t *testing.T) {
	tests := []struct {
		name string
		pred types.Prediction
		want string
	}{
		{"Known emotion", types.Prediction{Emotion: "happy", Confidence: 0.8734}, "happy 0.87"},
		{"Unknown sentinel", emotion.UnknownPrediction(), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Label(tt.pred); got != tt.want {
				t.Errorf("Label() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFacesKeepsSourceAndSize(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for i := range src.Pix {
		src.Pix[i] = 255
	}
	faces := []types.FaceResult{{
		ID:         0,
		BBox:       types.BBox{X: 10, Y: 20, Width: 20, Height: 20},
		Prediction: types.Prediction{Emotion: "sad", Confidence: 0.6},
	}}

	out := Faces(src, faces)
	if out.Bounds().Dx() != 64 || out.Bounds().Dy() != 48 {
		t.Fatalf("annotated size = %v, want 64x48", out.Bounds())
	}
	// Source frame must stay untouched.
	if c := src.RGBAAt(10, 30); c != (color.RGBA{255, 255, 255, 255}) {
		t.Errorf("source pixel changed to %v", c)
	}
	// Left edge of the box is drawn.
	r, g, b, _ := out.At(10, 30).RGBA()
	if g>>8 < 200 || r>>8 > 100 || b>>8 > 100 {
		t.Errorf("expected green box edge at (10,30), got r=%d g=%d b=%d", r>>8, g>>8, b>>8)
	}
}
