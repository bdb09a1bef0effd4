// Package detect defines the face locator contract and the box clipping rules
// applied before any crop reaches a classifier.
package detect

import (
	"context"
	"image"

	"github.com/andresmejia3/emoscan/internal/types"
)

// Locator finds face boxes in a frame. Sensitivity knobs are passed straight to
// the underlying detector.
type Locator interface {
	Locate(ctx context.Context, frame image.Image) ([]types.BBox, error)
	Close() error
}

// Clip intersects box with bounds and returns it relative to the bounds origin.
// ok is false when nothing of the box is left.
func Clip(box types.BBox, bounds image.Rectangle) (types.BBox, bool) {
	if box.Width <= 0 || box.Height <= 0 {
		return types.BBox{}, false
	}
	r := box.Rect().Add(bounds.Min).Intersect(bounds)
	if r.Empty() {
		return types.BBox{}, false
	}
	return types.BBoxFromRect(r.Sub(bounds.Min)), true
}

// Candidate is a clipped box together with its position in the locator output.
type Candidate struct {
	ID   int
	BBox types.BBox
}

// ClipAll clips every box to bounds and drops the ones with zero area.
// IDs keep the locator's ordering so dropped boxes leave gaps, like the
// enumerated face ids of the output document.
func ClipAll(boxes []types.BBox, bounds image.Rectangle) []Candidate {
	out := make([]Candidate, 0, len(boxes))
	for i, b := range boxes {
		if c, ok := Clip(b, bounds); ok {
			out = append(out, Candidate{ID: i, BBox: c})
		}
	}
	return out
}

// Crop returns the region of frame covered by box. box must already be clipped.
func Crop(frame image.Image, box types.BBox) image.Image {
	r := box.Rect().Add(frame.Bounds().Min)
	if s, ok := frame.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			dst.Set(x, y, frame.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return dst
}
