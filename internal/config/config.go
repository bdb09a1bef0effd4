// Package config loads the emoscan configuration: defaults, then an optional
// YAML file, then EMOSCAN_* / POSTGRES_* environment variables. Command line
// flags are applied on top by the cmd package before Validate is called.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/detect"
	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/publish"
	"github.com/andresmejia3/emoscan/internal/sink"
)

// Capture backends.
const (
	CaptureGoCV   = "gocv"
	CaptureFFmpeg = "ffmpeg"
)

// Classifier backends.
const (
	ClassifierONNX  = "onnx"
	ClassifierTorch = "torch"
)

// Config represents the complete emoscan configuration
type Config struct {
	Source     string        `yaml:"source"`
	Vocabulary []string      `yaml:"vocabulary"`
	Interval   int           `yaml:"interval"`
	Duration   time.Duration `yaml:"duration"` // 0 runs until the source ends
	OutputDir  string        `yaml:"output_dir"`
	SaveCrops  bool          `yaml:"save_crops"`
	Display    bool          `yaml:"display"`
	Annotate   bool          `yaml:"annotate"`
	LogLevel   string        `yaml:"log_level"`

	Capture    CaptureConfig    `yaml:"capture"`
	Detector   DetectorConfig   `yaml:"detector"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	MQTT       publish.Config   `yaml:"mqtt"`
	S3         sink.S3Config    `yaml:"s3"`
}

// CaptureConfig selects how video sources are decoded.
type CaptureConfig struct {
	Backend      string `yaml:"backend"`       // gocv, ffmpeg
	WebcamDevice string `yaml:"webcam_device"` // ffmpeg only, e.g. /dev/video%d
}

// DetectorConfig selects the face locator and its knobs.
type DetectorConfig struct {
	Backend string            `yaml:"backend"` // haar, yolo, pigo
	Haar    detect.HaarConfig `yaml:"haar"`
	YOLO    detect.YOLOConfig `yaml:"yolo"`
	Pigo    detect.PigoConfig `yaml:"pigo"`
}

// ClassifierConfig selects the emotion model and its preprocessing.
type ClassifierConfig struct {
	Backend      string    `yaml:"backend"` // onnx, torch
	Model        string    `yaml:"model"`
	Device       string    `yaml:"device"` // cpu, cuda, opencl
	Script       string    `yaml:"script"` // torch worker script
	InputSize    int       `yaml:"input_size"`
	ChannelOrder string    `yaml:"channel_order"`
	Mean         []float32 `yaml:"mean"`
	Std          []float32 `yaml:"std"`
}

// DatabaseConfig holds the optional run history database.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures `emoscan serve`.
type ServerConfig struct {
	Addr         string   `yaml:"addr"`
	CORSOrigins  []string `yaml:"cors_origins"`
	MaxRuns      int      `yaml:"max_runs"` // concurrent background runs
	HistoryLimit int      `yaml:"history_limit"`
}

// Default returns the built-in configuration.
func Default() *Config {
	pre := emotion.ImageNetPreprocess()
	return &Config{
		Source:     "0",
		Vocabulary: append([]string(nil), emotion.FER2013...),
		Interval:   5,
		OutputDir:  "output",
		LogLevel:   "warn",
		Capture: CaptureConfig{
			Backend:      CaptureGoCV,
			WebcamDevice: "/dev/video%d",
		},
		Detector: DetectorConfig{
			Backend: detect.BackendHaar,
			Haar:    detect.DefaultHaarConfig(),
			YOLO:    detect.DefaultYOLOConfig(),
			Pigo:    detect.DefaultPigoConfig(),
		},
		Classifier: ClassifierConfig{
			Backend:      ClassifierONNX,
			Model:        "models/emotion_resnet18.onnx",
			Device:       "cpu",
			InputSize:    pre.Size,
			ChannelOrder: string(pre.Order),
			Mean:         pre.Mean[:],
			Std:          pre.Std[:],
		},
		Server: ServerConfig{
			Addr:         ":8080",
			CORSOrigins:  []string{"*"},
			MaxRuns:      4,
			HistoryLimit: 50,
		},
		MQTT: publish.Config{Topic: "emoscan", ClientID: "emoscan"},
	}
}

// Load reads the defaults, then the YAML file at path (if any), then the
// environment. It does not validate; callers apply flags first.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"EMOSCAN_SOURCE":          &c.Source,
		"EMOSCAN_OUTPUT_DIR":      &c.OutputDir,
		"EMOSCAN_LOG_LEVEL":       &c.LogLevel,
		"EMOSCAN_CAPTURE_BACKEND": &c.Capture.Backend,
		"EMOSCAN_DETECTOR":        &c.Detector.Backend,
		"EMOSCAN_CLASSIFIER":      &c.Classifier.Backend,
		"EMOSCAN_MODEL":           &c.Classifier.Model,
		"EMOSCAN_DEVICE":          &c.Classifier.Device,
		"EMOSCAN_DB_URL":          &c.Database.URL,
		"EMOSCAN_ADDR":            &c.Server.Addr,
		"EMOSCAN_MQTT_BROKER":     &c.MQTT.Broker,
		"EMOSCAN_MQTT_TOPIC":      &c.MQTT.Topic,
		"EMOSCAN_S3_BUCKET":       &c.S3.Bucket,
		"EMOSCAN_S3_PREFIX":       &c.S3.Prefix,
		"EMOSCAN_S3_REGION":       &c.S3.Region,
		"EMOSCAN_S3_ENDPOINT":     &c.S3.Endpoint,
		"EMOSCAN_S3_ACCESS_KEY":   &c.S3.AccessKey,
		"EMOSCAN_S3_SECRET_KEY":   &c.S3.SecretKey,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	if v, ok := lookup("EMOSCAN_INTERVAL"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("EMOSCAN_INTERVAL: %w", err)
		}
		c.Interval = n
	}
	if v, ok := lookup("EMOSCAN_DURATION"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("EMOSCAN_DURATION: %w", err)
		}
		c.Duration = d
	}
	if v, ok := lookup("EMOSCAN_VOCABULARY"); ok {
		c.Vocabulary = splitList(v)
	}

	// Build the connection string from the environment when none was given
	if c.Database.URL == "" {
		if host, ok := lookup("POSTGRES_HOST"); ok && host != "" {
			get := func(k string) string { v, _ := lookup(k); return v }
			port := get("POSTGRES_PORT")
			if port == "" {
				port = "5432"
			}
			c.Database.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
				get("POSTGRES_USER"), get("POSTGRES_PASSWORD"), host, port, get("POSTGRES_DB"))
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Emotions returns the configured vocabulary.
func (c *Config) Emotions() emotion.Vocabulary { return emotion.Vocabulary(c.Vocabulary) }

// Preprocess returns the classifier input transform.
func (c *Config) Preprocess() (emotion.Preprocess, error) {
	order, err := emotion.ParseChannelOrder(c.Classifier.ChannelOrder)
	if err != nil {
		return emotion.Preprocess{}, err
	}
	if len(c.Classifier.Mean) != 3 || len(c.Classifier.Std) != 3 {
		return emotion.Preprocess{}, fmt.Errorf("mean and std need 3 values, got %d and %d",
			len(c.Classifier.Mean), len(c.Classifier.Std))
	}
	p := emotion.Preprocess{Size: c.Classifier.InputSize, Order: order}
	copy(p.Mean[:], c.Classifier.Mean)
	copy(p.Std[:], c.Classifier.Std)
	return p, p.Validate()
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	if c.Interval < 1 {
		errs = append(errs, fmt.Errorf("interval must be >= 1, got %d", c.Interval))
	}
	if c.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration must not be negative, got %v", c.Duration))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	if err := c.Emotions().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vocabulary: %w", err))
	}
	if c.Source != "" {
		if _, err := capture.ParseSource(c.Source); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Capture.Backend {
	case CaptureGoCV, CaptureFFmpeg:
	default:
		errs = append(errs, fmt.Errorf("unknown capture backend %q (want gocv or ffmpeg)", c.Capture.Backend))
	}

	switch c.Detector.Backend {
	case detect.BackendHaar:
		if c.Detector.Haar.ScaleFactor <= 1 {
			errs = append(errs, fmt.Errorf("haar scale_factor must be > 1, got %v", c.Detector.Haar.ScaleFactor))
		}
		if c.Detector.Haar.MinNeighbors < 0 {
			errs = append(errs, fmt.Errorf("haar min_neighbors must be >= 0, got %d", c.Detector.Haar.MinNeighbors))
		}
	case detect.BackendYOLO:
		if y := c.Detector.YOLO; y.Confidence < 0 || y.Confidence > 1 {
			errs = append(errs, fmt.Errorf("yolo confidence must be in [0, 1], got %v", y.Confidence))
		}
	case detect.BackendPigo:
		if c.Detector.Pigo.MinSize <= 0 || c.Detector.Pigo.MaxSize < c.Detector.Pigo.MinSize {
			errs = append(errs, fmt.Errorf("pigo sizes must satisfy 0 < min_size <= max_size, got %d and %d",
				c.Detector.Pigo.MinSize, c.Detector.Pigo.MaxSize))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown detector %q (want haar, yolo or pigo)", c.Detector.Backend))
	}

	switch c.Classifier.Backend {
	case ClassifierONNX, ClassifierTorch:
	default:
		errs = append(errs, fmt.Errorf("unknown classifier %q (want onnx or torch)", c.Classifier.Backend))
	}
	if c.Classifier.Model == "" {
		errs = append(errs, errors.New("classifier model path must not be empty"))
	}
	if _, err := c.Preprocess(); err != nil {
		errs = append(errs, fmt.Errorf("classifier preprocessing: %w", err))
	}

	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.Server.MaxRuns < 1 {
		errs = append(errs, fmt.Errorf("server max_runs must be >= 1, got %d", c.Server.MaxRuns))
	}
	return errors.Join(errs...)
}
