package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/andresmejia3/emoscan/internal/emotion"
)

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	pre, err := cfg.Preprocess()
	if err != nil {
		t.Fatal(err)
	}
	if pre != emotion.ImageNetPreprocess() {
		t.Errorf("default preprocessing = %+v, want ImageNet", pre)
	}
}

func TestDefaultVocabularyIsACopy(t *testing.T) {
	cfg := Default()
	cfg.Vocabulary[0] = "furious"
	if emotion.FER2013[0] != "angry" {
		t.Fatal("Default() aliases the package vocabulary")
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emoscan.yaml")
	doc := `
source: rtsp://cam.local/live
interval: 10
duration: 90s
vocabulary: [happy, sad, neutral]
detector:
  backend: yolo
  yolo:
    confidence: 0.6
classifier:
  backend: torch
  model: models/resnet18_fer.pth
  channel_order: bgr
mqtt:
  broker: tcp://broker:1883
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Source != "rtsp://cam.local/live" || cfg.Interval != 10 || cfg.Duration != 90*time.Second {
		t.Errorf("top level fields not loaded: %+v", cfg)
	}
	if strings.Join(cfg.Vocabulary, ",") != "happy,sad,neutral" {
		t.Errorf("Vocabulary = %v", cfg.Vocabulary)
	}
	if cfg.Detector.Backend != "yolo" || cfg.Detector.YOLO.Confidence != 0.6 {
		t.Errorf("Detector = %+v", cfg.Detector)
	}
	// Unset keys keep their defaults
	if cfg.Detector.YOLO.InputSize != 640 || cfg.Classifier.InputSize != 224 {
		t.Errorf("defaults lost: yolo size %d, classifier size %d", cfg.Detector.YOLO.InputSize, cfg.Classifier.InputSize)
	}
	if cfg.MQTT.Topic != "emoscan" || !cfg.MQTT.Enabled() {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	pre, err := cfg.Preprocess()
	if err != nil || pre.Order != emotion.BGR {
		t.Errorf("Preprocess() = %+v, %v", pre, err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(bad, []byte("interval: [1, 2"), 0o644)
	if _, err := Load(bad); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envOf(map[string]string{
		"EMOSCAN_SOURCE":     "clips/demo.mp4",
		"EMOSCAN_INTERVAL":   "3",
		"EMOSCAN_DURATION":   "2m",
		"EMOSCAN_VOCABULARY": "happy, sad ,,neutral",
		"EMOSCAN_S3_BUCKET":  "results",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if cfg.Source != "clips/demo.mp4" || cfg.Interval != 3 || cfg.Duration != 2*time.Minute {
		t.Errorf("env not applied: %+v", cfg)
	}
	if strings.Join(cfg.Vocabulary, ",") != "happy,sad,neutral" {
		t.Errorf("Vocabulary = %q", cfg.Vocabulary)
	}
	if !cfg.S3.Enabled() {
		t.Error("S3 should be enabled")
	}
}

func TestApplyEnvBadNumbers(t *testing.T) {
	for _, vars := range []map[string]string{
		{"EMOSCAN_INTERVAL": "five"},
		{"EMOSCAN_DURATION": "soon"},
	} {
		if err := Default().ApplyEnv(envOf(vars)); err == nil {
			t.Errorf("ApplyEnv(%v) expected error", vars)
		}
	}
}

func TestPostgresEnv(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(envOf(map[string]string{
		"POSTGRES_HOST":     "db",
		"POSTGRES_USER":     "emo",
		"POSTGRES_PASSWORD": "pw",
		"POSTGRES_DB":       "emoscan",
	}))
	if want := "postgres://emo:pw@db:5432/emoscan"; cfg.Database.URL != want {
		t.Errorf("Database.URL = %q, want %q", cfg.Database.URL, want)
	}

	// An explicit URL wins
	cfg = Default()
	cfg.Database.URL = "postgres://explicit/db"
	cfg.ApplyEnv(envOf(map[string]string{"POSTGRES_HOST": "db"}))
	if cfg.Database.URL != "postgres://explicit/db" {
		t.Errorf("Database.URL = %q", cfg.Database.URL)
	}

	// No host means no database
	cfg = Default()
	cfg.ApplyEnv(envOf(nil))
	if cfg.Database.URL != "" {
		t.Errorf("Database.URL = %q, want empty", cfg.Database.URL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"Zero interval", func(c *Config) { c.Interval = 0 }, "interval"},
		{"Negative duration", func(c *Config) { c.Duration = -time.Second }, "duration"},
		{"Empty output dir", func(c *Config) { c.OutputDir = "" }, "output_dir"},
		{"Empty vocabulary", func(c *Config) { c.Vocabulary = nil }, "vocabulary"},
		{"Reserved label", func(c *Config) { c.Vocabulary = []string{"happy", "unknown"} }, "reserved"},
		{"Bad source", func(c *Config) { c.Source = "-2" }, "webcam index"},
		{"Bad capture backend", func(c *Config) { c.Capture.Backend = "gstreamer" }, "capture backend"},
		{"Bad detector", func(c *Config) { c.Detector.Backend = "dlib" }, "detector"},
		{"Haar scale", func(c *Config) { c.Detector.Haar.ScaleFactor = 1 }, "scale_factor"},
		{"YOLO confidence", func(c *Config) {
			c.Detector.Backend = "yolo"
			c.Detector.YOLO.Confidence = 1.5
		}, "confidence"},
		{"Pigo sizes", func(c *Config) {
			c.Detector.Backend = "pigo"
			c.Detector.Pigo.MaxSize = 10
		}, "pigo"},
		{"Bad classifier", func(c *Config) { c.Classifier.Backend = "tflite" }, "classifier"},
		{"Empty model", func(c *Config) { c.Classifier.Model = "" }, "model"},
		{"Channel order", func(c *Config) { c.Classifier.ChannelOrder = "yuv" }, "channel order"},
		{"Short mean", func(c *Config) { c.Classifier.Mean = []float32{0.5} }, "mean and std"},
		{"Zero std", func(c *Config) { c.Classifier.Std = []float32{0.2, 0, 0.2} }, "std"},
		{"MQTT QoS", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
		{"Server runs", func(c *Config) { c.Server.MaxRuns = 0 }, "max_runs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
