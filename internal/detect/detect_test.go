package detect

import (
	"image"
	"testing"

	"github.com/andresmejia3/emoscan/internal/types"
	pigo "github.com/esimov/pigo/core"
)

func TestClipKeepsBoxesInsideFrame(t *testing.T) {
	frame := image.Rect(0, 0, 640, 480)
	tests := []struct {
		name   string
		box    types.BBox
		want   types.BBox
		wantOK bool
	}{
		{"Inside", types.BBox{X: 10, Y: 20, Width: 100, Height: 50}, types.BBox{X: 10, Y: 20, Width: 100, Height: 50}, true},
		{"Negative origin", types.BBox{X: -30, Y: -10, Width: 100, Height: 100}, types.BBox{X: 0, Y: 0, Width: 70, Height: 90}, true},
		{"Overflows right and bottom", types.BBox{X: 600, Y: 400, Width: 100, Height: 100}, types.BBox{X: 600, Y: 400, Width: 40, Height: 80}, true},
		{"Completely outside", types.BBox{X: 700, Y: 10, Width: 50, Height: 50}, types.BBox{}, false},
		{"Zero width", types.BBox{X: 10, Y: 10, Width: 0, Height: 50}, types.BBox{}, false},
		{"Negative size", types.BBox{X: 10, Y: 10, Width: -5, Height: 50}, types.BBox{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Clip(tt.box, frame)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("Clip() = %+v, %v; want %+v, %v", got, ok, tt.want, tt.wantOK)
			}
			if ok {
				if got.X < 0 || got.Y < 0 || got.X+got.Width > frame.Dx() || got.Y+got.Height > frame.Dy() {
					t.Errorf("clipped box %+v escapes frame %v", got, frame)
				}
			}
		})
	}
}

func TestClipAllKeepsLocatorIDs(t *testing.T) {
	boxes := []types.BBox{
		{X: 0, Y: 0, Width: 10, Height: 10},
		{X: 500, Y: 500, Width: 10, Height: 10},
		{X: 5, Y: 5, Width: 10, Height: 10},
	}
	got := ClipAll(boxes, image.Rect(0, 0, 100, 100))
	if len(got) != 2 {
		t.Fatalf("Expected 2 candidates, got %d", len(got))
	}
	if got[0].ID != 0 || got[1].ID != 2 {
		t.Errorf("Expected ids 0 and 2, got %d and %d", got[0].ID, got[1].ID)
	}
}

func TestCropOffsetBounds(t *testing.T) {
	frame := image.NewRGBA(image.Rect(100, 100, 200, 200))
	crop := Crop(frame, types.BBox{X: 10, Y: 20, Width: 30, Height: 40})
	want := image.Rect(110, 120, 140, 160)
	if crop.Bounds() != want {
		t.Errorf("Crop bounds = %v, want %v", crop.Bounds(), want)
	}
}

func TestPigoBoxesFiltersByQuality(t *testing.T) {
	dets := []pigo.Detection{
		{Row: 100, Col: 100, Scale: 40, Q: 9.5},
		{Row: 50, Col: 50, Scale: 20, Q: 2.0},
	}
	boxes := pigoBoxes(dets, 5.0)
	if len(boxes) != 1 {
		t.Fatalf("Expected 1 box, got %d", len(boxes))
	}
	want := types.BBox{X: 80, Y: 80, Width: 40, Height: 40}
	if boxes[0] != want {
		t.Errorf("Expected %+v, got %+v", want, boxes[0])
	}
}
