package detect

import (
	"context"
	"fmt"
	"image"
	"os"

	"github.com/andresmejia3/emoscan/internal/types"
	pigo "github.com/esimov/pigo/core"
)

// PigoConfig mirrors pigo.CascadeParams plus the clustering and quality cutoffs.
type PigoConfig struct {
	CascadePath  string  `yaml:"cascade"`
	MinSize      int     `yaml:"min_size"`
	MaxSize      int     `yaml:"max_size"`
	ShiftFactor  float64 `yaml:"shift_factor"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	IoUThreshold float64 `yaml:"iou_threshold"`
	MinQuality   float32 `yaml:"min_quality"`
}

// DefaultPigoConfig returns the parameters used by the pigo face finder examples.
func DefaultPigoConfig() PigoConfig {
	return PigoConfig{
		CascadePath:  "cascade/facefinder",
		MinSize:      20,
		MaxSize:      2000,
		ShiftFactor:  0.1,
		ScaleFactor:  1.1,
		IoUThreshold: 0.18,
		MinQuality:   5.0,
	}
}

// PigoLocator is a pure-Go face locator.
type PigoLocator struct {
	cfg        PigoConfig
	classifier *pigo.Pigo
}

// NewPigoLocator unpacks the cascade at cfg.CascadePath.
func NewPigoLocator(cfg PigoConfig) (*PigoLocator, error) {
	data, err := os.ReadFile(cfg.CascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pigo cascade: %w", err)
	}
	return NewPigoLocatorFromBytes(cfg, data)
}

// NewPigoLocatorFromBytes unpacks an in-memory cascade.
func NewPigoLocatorFromBytes(cfg PigoConfig, cascade []byte) (*PigoLocator, error) {
	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack pigo cascade: %w", err)
	}
	return &PigoLocator{cfg: cfg, classifier: classifier}, nil
}

// Locate runs the cascade over a grayscale copy of frame.
func (l *PigoLocator) Locate(ctx context.Context, frame image.Image) ([]types.BBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := frame.Bounds()
	cols, rows := b.Dx(), b.Dy()

	params := pigo.CascadeParams{
		MinSize:     l.cfg.MinSize,
		MaxSize:     l.cfg.MaxSize,
		ShiftFactor: l.cfg.ShiftFactor,
		ScaleFactor: l.cfg.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: pigo.RgbToGrayscale(frame),
			Rows:   rows,
			Cols:   cols,
			Dim:    cols,
		},
	}

	dets := l.classifier.RunCascade(params, 0)
	dets = l.classifier.ClusterDetections(dets, l.cfg.IoUThreshold)
	return pigoBoxes(dets, l.cfg.MinQuality), nil
}

// pigoBoxes turns (row, col, scale) detections into top-left boxes.
func pigoBoxes(dets []pigo.Detection, minQuality float32) []types.BBox {
	var boxes []types.BBox
	for _, d := range dets {
		if d.Q <= minQuality {
			continue
		}
		boxes = append(boxes, types.BBox{
			X:      d.Col - d.Scale/2,
			Y:      d.Row - d.Scale/2,
			Width:  d.Scale,
			Height: d.Scale,
		})
	}
	return boxes
}

// Close is a no-op; the cascade lives in memory.
func (l *PigoLocator) Close() error { return nil }
