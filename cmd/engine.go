package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/config"
	"github.com/andresmejia3/emoscan/internal/detect"
	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/publish"
	"github.com/andresmejia3/emoscan/internal/sink"
	"github.com/andresmejia3/emoscan/internal/utils"
	"github.com/andresmejia3/emoscan/internal/vision"
	"github.com/andresmejia3/emoscan/internal/worker"
)

// engineSpec describes the outputs of one run.
type engineSpec struct {
	src     capture.Source
	outDir  string
	docName string
	display bool
	// annotated is the path of the annotated image or video, "" for none
	annotated string
}

// buildEngine loads the models and connects the sinks of one run.
func buildEngine(ctx context.Context, c *config.Config, spec engineSpec) (*pipeline.Engine, error) {
	eng := &pipeline.Engine{}
	fail := func(err error) (*pipeline.Engine, error) {
		eng.Close()
		return nil, err
	}

	switch c.Capture.Backend {
	case config.CaptureFFmpeg:
		eng.Opener = capture.Routed{Video: capture.FFmpegOpener{WebcamDevice: c.Capture.WebcamDevice}}
	default:
		eng.Opener = capture.Routed{Video: vision.VideoOpener{}}
	}

	locator, err := newLocator(c)
	if err != nil {
		return fail(fmt.Errorf("failed to load %s face detector: %w", c.Detector.Backend, err))
	}
	eng.Locator = locator
	eng.OnClose(locator)

	classifier, err := newClassifier(ctx, c)
	if err != nil {
		return fail(err)
	}
	eng.Classifier = classifier
	eng.OnClose(classifier)

	// Result sinks
	eng.Results = append(eng.Results, &sink.FileSink{Dir: spec.outDir, Name: spec.docName})
	if c.S3.Enabled() {
		s3, err := sink.NewS3Sink(c.S3)
		if err != nil {
			return fail(err)
		}
		eng.Results = append(eng.Results, s3)
	}
	if DB != nil {
		eng.Results = append(eng.Results, DB)
	}

	// Observers
	if c.MQTT.Enabled() {
		pub, err := publish.Connect(ctx, c.MQTT)
		if err != nil {
			return fail(err)
		}
		eng.Observers = append(eng.Observers, pub)
		eng.OnClose(pub)
	}

	// Frame sinks
	if spec.annotated != "" {
		if spec.src.Kind == capture.KindImage {
			eng.Sinks = append(eng.Sinks, &sink.ImageFile{Path: spec.annotated})
		} else {
			fps, err := utils.GetVideoFPS(ctx, spec.src.Raw)
			if err != nil {
				slog.Warn("could not probe fps, annotated video defaults to 30", "error", err)
			}
			eng.Sinks = append(eng.Sinks, vision.NewVideoWriter(spec.annotated, fps))
		}
	}
	if spec.display {
		eng.Sinks = append(eng.Sinks, vision.NewWindow("emoscan"))
	}
	return eng, nil
}

func newLocator(c *config.Config) (detect.Locator, error) {
	switch c.Detector.Backend {
	case detect.BackendYOLO:
		return vision.NewYOLOLocator(c.Detector.YOLO, c.Classifier.Device)
	case detect.BackendPigo:
		return detect.NewPigoLocator(c.Detector.Pigo)
	default:
		return vision.NewHaarLocator(c.Detector.Haar)
	}
}

func newClassifier(ctx context.Context, c *config.Config) (emotion.Classifier, error) {
	pre, err := c.Preprocess()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}
	if c.Classifier.Backend == config.ClassifierTorch {
		return worker.NewTorchClassifier(ctx, worker.TorchOptions{
			Script:     c.Classifier.Script,
			Checkpoint: c.Classifier.Model,
			Device:     c.Classifier.Device,
			Vocabulary: c.Emotions(),
			Preprocess: pre,
		})
	}
	return vision.NewDNNClassifier(c.Classifier.Model, c.Classifier.Device, c.Emotions(), pre)
}

// pipelineConfig maps the configuration onto the run knobs.
func pipelineConfig(c *config.Config) pipeline.Config {
	return pipeline.Config{
		Interval:   c.Interval,
		Duration:   c.Duration,
		SaveCrops:  c.SaveCrops,
		CropDir:    filepath.Join(c.OutputDir, "crops"),
		Annotate:   true,
		LogEvery:   100,
		Vocabulary: c.Emotions(),
	}
}

// annotatedVideoName is the annotated copy of a video file: <name>_emotions.mp4.
func annotatedVideoName(dir, source string) string {
	base := filepath.Base(source)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+"_emotions.mp4")
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create output dir %s: %w", dir, err)
	}
	return nil
}
