// Package sink persists finalized run results: the JSON document on disk and
// an optional copy in S3.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/types"
)

const (
	// StreamDocument is the file name used for video, webcam and stream runs.
	StreamDocument = "stream_results.json"
	// ImageDocument is the file name used for still image runs.
	ImageDocument = "results.json"
)

// Encode renders the output document with two-space indentation.
func Encode(run *types.RunResult) ([]byte, error) {
	doc, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode run result: %w", err)
	}
	return append(doc, '\n'), nil
}

// FileSink writes the document into Dir/Name atomically.
type FileSink struct {
	Dir  string
	Name string
}

var _ pipeline.ResultSink = (*FileSink)(nil)

// Path is where the document ends up.
func (f *FileSink) Path() string { return filepath.Join(f.Dir, f.Name) }

// Persist implements pipeline.ResultSink. The document is written to a
// temporary file in the same directory and renamed over the target.
func (f *FileSink) Persist(ctx context.Context, run *types.RunResult) error {
	doc, err := Encode(run)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(f.Dir, "."+f.Name+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp document: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(doc); err != nil {
		tmp.Close()
		return fmt.Errorf("write document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close document: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.Path()); err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return nil
}
