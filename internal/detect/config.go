package detect

// HaarConfig holds the pass-through knobs of CascadeClassifier.DetectMultiScale.
type HaarConfig struct {
	Cascade      string  `yaml:"cascade"`
	ScaleFactor  float64 `yaml:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors"`
	MinSize      int     `yaml:"min_size"`
}

// DefaultHaarConfig matches the OpenCV frontal face defaults.
func DefaultHaarConfig() HaarConfig {
	return HaarConfig{
		Cascade:      "models/haarcascade_frontalface_default.xml",
		ScaleFactor:  1.1,
		MinNeighbors: 5,
		MinSize:      30,
	}
}

// YOLOConfig configures a YOLOv8-face ONNX export.
type YOLOConfig struct {
	Model      string  `yaml:"model"`
	InputSize  int     `yaml:"input_size"`
	Confidence float32 `yaml:"confidence"`
	NMS        float32 `yaml:"nms"`
}

// DefaultYOLOConfig returns the export defaults of yolov8n-face.
func DefaultYOLOConfig() YOLOConfig {
	return YOLOConfig{
		Model:      "models/yolov8n-face.onnx",
		InputSize:  640,
		Confidence: 0.5,
		NMS:        0.45,
	}
}

// Detector backends.
const (
	BackendHaar = "haar"
	BackendYOLO = "yolo"
	BackendPigo = "pigo"
)
