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

// YOLOLocator runs a YOLO face model through the OpenCV DNN module.
type YOLOLocator struct {
	cfg detect.YOLOConfig
	net gocv.Net
	mu  sync.Mutex
}

var _ detect.Locator = (*YOLOLocator)(nil)

// NewYOLOLocator loads the ONNX model.
func NewYOLOLocator(cfg detect.YOLOConfig, device string) (*YOLOLocator, error) {
	if cfg.InputSize <= 0 {
		return nil, fmt.Errorf("yolo input size must be positive, got %d", cfg.InputSize)
	}
	net := gocv.ReadNetFromONNX(cfg.Model)
	if net.Empty() {
		return nil, fmt.Errorf("error reading yolo model: %s", cfg.Model)
	}
	if err := setDevice(&net, device); err != nil {
		net.Close()
		return nil, err
	}
	return &YOLOLocator{cfg: cfg, net: net}, nil
}

// Locate implements detect.Locator.
func (y *YOLOLocator) Locate(ctx context.Context, frame image.Image) ([]types.BBox, error) {
	img, err := gocv.ImageToMatRGB(frame)
	if err != nil {
		return nil, fmt.Errorf("convert frame: %w", err)
	}
	defer img.Close()

	size := image.Pt(y.cfg.InputSize, y.cfg.InputSize)
	blob := gocv.BlobFromImage(img, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	y.mu.Lock()
	y.net.SetInput(blob, "")
	out := y.net.Forward("")
	y.mu.Unlock()
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read yolo output: %w", err)
	}
	dims := out.Size()
	if len(dims) != 3 || dims[1] < 5 {
		return nil, fmt.Errorf("unexpected yolo output shape %v", dims)
	}

	sx := float32(img.Cols()) / float32(y.cfg.InputSize)
	sy := float32(img.Rows()) / float32(y.cfg.InputSize)
	rects, scores := parseYOLO(data, dims[1], dims[2], sx, sy, y.cfg.Confidence)
	if len(rects) == 0 {
		return nil, nil
	}

	keep := gocv.NMSBoxes(rects, scores, y.cfg.Confidence, y.cfg.NMS)
	boxes := make([]types.BBox, 0, len(keep))
	for _, i := range keep {
		boxes = append(boxes, types.BBoxFromRect(rects[i]))
	}
	return boxes, nil
}

// parseYOLO reads a [1, attrs, n] YOLOv8 head: rows 0-3 are cx, cy, w, h in
// input pixels and row 4 is the face score.
func parseYOLO(data []float32, attrs, n int, sx, sy, minScore float32) ([]image.Rectangle, []float32) {
	var rects []image.Rectangle
	var scores []float32
	for i := 0; i < n; i++ {
		score := data[4*n+i]
		if score < minScore {
			continue
		}
		cx, cy := data[i]*sx, data[n+i]*sy
		w, h := data[2*n+i]*sx, data[3*n+i]*sy
		rects = append(rects, image.Rect(int(cx-w/2), int(cy-h/2), int(cx+w/2), int(cy+h/2)))
		scores = append(scores, score)
	}
	return rects, scores
}

// Close releases the network.
func (y *YOLOLocator) Close() error { return y.net.Close() }

// setDevice maps the --device selector onto an OpenCV DNN backend and target.
func setDevice(net *gocv.Net, device string) error {
	backend, target := gocv.NetBackendDefault, gocv.NetTargetCPU
	switch device {
	case "", "cpu", "auto":
	case "cuda", "gpu":
		backend, target = gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case "opencl":
		target = gocv.NetTargetFP32
	default:
		return fmt.Errorf("unsupported device %q", device)
	}
	if err := net.SetPreferableBackend(backend); err != nil {
		return fmt.Errorf("set dnn backend: %w", err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		return fmt.Errorf("set dnn target: %w", err)
	}
	return nil
}
