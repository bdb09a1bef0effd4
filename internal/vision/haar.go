package vision

import (
	"context"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/emoscan/internal/detect"
	"github.com/andresmejia3/emoscan/internal/types"
)

// HaarLocator finds faces with an OpenCV Haar cascade.
type HaarLocator struct {
	cfg        detect.HaarConfig
	classifier gocv.CascadeClassifier
	mu         sync.Mutex
}

var _ detect.Locator = (*HaarLocator)(nil)

// NewHaarLocator loads the cascade file.
func NewHaarLocator(cfg detect.HaarConfig) (*HaarLocator, error) {
	if cfg.ScaleFactor <= 1 {
		return nil, fmt.Errorf("haar scale factor must be > 1, got %v", cfg.ScaleFactor)
	}
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(cfg.Cascade) {
		classifier.Close()
		return nil, fmt.Errorf("error reading cascade file: %s", cfg.Cascade)
	}
	return &HaarLocator{cfg: cfg, classifier: classifier}, nil
}

// Locate implements detect.Locator.
func (h *HaarLocator) Locate(ctx context.Context, frame image.Image) ([]types.BBox, error) {
	img, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	gocv.EqualizeHist(gray, &gray)

	h.mu.Lock()
	rects := h.classifier.DetectMultiScaleWithParams(
		gray,
		h.cfg.ScaleFactor,
		h.cfg.MinNeighbors,
		0,
		image.Pt(h.cfg.MinSize, h.cfg.MinSize),
		image.Pt(0, 0),
	)
	h.mu.Unlock()

	boxes := make([]types.BBox, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, types.BBoxFromRect(r))
	}
	return boxes, nil
}

// Close releases the cascade.
func (h *HaarLocator) Close() error { return h.classifier.Close() }
