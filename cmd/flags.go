package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/config"
)

// Options holds the run flags shared by stream, image and serve. Only flags
// the user actually set override the loaded configuration.
type Options struct {
	Source         string
	Interval       int
	Duration       time.Duration
	OutputDir      string
	SaveCrops      bool
	Display        bool
	Annotate       bool
	Model          string
	Device         string
	Detector       string
	Classifier     string
	CaptureBackend string
	Vocabulary     []string
	ChannelOrder   string
	Cascade        string
	ScaleFactor    float64
	MinNeighbors   int
	MinSize        int
	YOLOModel      string
	YOLOConfidence float64
}

// addModelFlags registers the detector and classifier knobs.
func addModelFlags(fs *pflag.FlagSet, o *Options) {
	fs.StringVarP(&o.Model, "model", "m", "", "Emotion model: .onnx for the onnx backend, .pth for the torch backend")
	fs.StringVar(&o.Device, "device", "", "Inference device: cpu, cuda or opencl")
	fs.StringVar(&o.Classifier, "classifier", "", "Classifier backend: onnx or torch")
	fs.StringVar(&o.Detector, "detector", "", "Face detector: haar, yolo or pigo")
	fs.StringSliceVar(&o.Vocabulary, "emotions", nil, "Emotion labels in model output order (default: FER2013)")
	fs.StringVar(&o.ChannelOrder, "channel-order", "", "Channel order the model was trained on: rgb or bgr")
	fs.StringVar(&o.Cascade, "cascade", "", "Haar cascade XML file")
	fs.Float64Var(&o.ScaleFactor, "scale-factor", 0, "Haar detection scale factor")
	fs.IntVar(&o.MinNeighbors, "min-neighbors", 0, "Haar min neighbors")
	fs.IntVar(&o.MinSize, "min-size", 0, "Minimum face size in pixels")
	fs.StringVar(&o.YOLOModel, "yolo-model", "", "YOLO face ONNX model")
	fs.Float64Var(&o.YOLOConfidence, "yolo-confidence", 0, "YOLO confidence threshold")
}

// addRunFlags registers the flags of a single run.
func addRunFlags(fs *pflag.FlagSet, o *Options) {
	fs.IntVarP(&o.Interval, "interval", "n", 0, "Analyze every Nth frame (default: 5)")
	fs.DurationVarP(&o.Duration, "duration", "t", 0, "Stop after this long, e.g. 30s (default: until the source ends)")
	fs.StringVarP(&o.OutputDir, "output-dir", "o", "", "Directory for the result document and crops (default: output)")
	fs.BoolVar(&o.SaveCrops, "save-crops", false, "Save every classified face crop under <output-dir>/crops")
	fs.StringVar(&o.CaptureBackend, "capture", "", "Video decoder: gocv or ffmpeg")
	addModelFlags(fs, o)
}

// apply copies every flag the user set onto c.
func (o *Options) apply(fs *pflag.FlagSet, c *config.Config) {
	set := func(name string, fn func()) {
		if f := fs.Lookup(name); f != nil && f.Changed {
			fn()
		}
	}
	set("source", func() { c.Source = o.Source })
	set("interval", func() { c.Interval = o.Interval })
	set("duration", func() { c.Duration = o.Duration })
	set("output-dir", func() { c.OutputDir = o.OutputDir })
	set("save-crops", func() { c.SaveCrops = o.SaveCrops })
	set("display", func() { c.Display = o.Display })
	set("annotate", func() { c.Annotate = o.Annotate })
	set("capture", func() { c.Capture.Backend = o.CaptureBackend })
	set("model", func() { c.Classifier.Model = o.Model })
	set("device", func() { c.Classifier.Device = o.Device })
	set("classifier", func() { c.Classifier.Backend = o.Classifier })
	set("detector", func() { c.Detector.Backend = o.Detector })
	set("emotions", func() { c.Vocabulary = o.Vocabulary })
	set("channel-order", func() { c.Classifier.ChannelOrder = o.ChannelOrder })
	set("cascade", func() { c.Detector.Haar.Cascade = o.Cascade })
	set("scale-factor", func() { c.Detector.Haar.ScaleFactor = o.ScaleFactor })
	set("min-neighbors", func() { c.Detector.Haar.MinNeighbors = o.MinNeighbors })
	set("min-size", func() {
		c.Detector.Haar.MinSize = o.MinSize
		c.Detector.Pigo.MinSize = o.MinSize
	})
	set("yolo-model", func() { c.Detector.YOLO.Model = o.YOLOModel })
	set("yolo-confidence", func() { c.Detector.YOLO.Confidence = float32(o.YOLOConfidence) })
}

// validateStreamFlags checks the source and the merged configuration.
func validateStreamFlags(c *config.Config) error {
	src, err := capture.ParseSource(c.Source)
	if err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	if src.Kind == capture.KindFile || src.Kind == capture.KindImage {
		info, err := os.Stat(src.Raw)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("input file does not exist: %w", err)
			}
			return fmt.Errorf("unable to access input file: %w", err)
		}
		if info.IsDir() {
			return fmt.Errorf("input path %s is a directory, expected a file", src.Raw)
		}
	}
	return c.Validate()
}
