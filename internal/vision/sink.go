package vision

import (
	"context"
	"fmt"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/types"
)

// Window shows frames in a HighGUI window. Pressing q or Esc ends the run.
type Window struct {
	win *gocv.Window
}

var _ pipeline.FrameSink = (*Window)(nil)

// NewWindow opens a named preview window.
func NewWindow(name string) *Window {
	return &Window{win: gocv.NewWindow(name)}
}

// WriteFrame implements pipeline.FrameSink.
func (w *Window) WriteFrame(ctx context.Context, frame types.Frame) error {
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	w.win.IMShow(mat)
	switch w.win.WaitKey(1) {
	case 'q', 'Q', 27:
		return pipeline.ErrQuit
	}
	return nil
}

// Close destroys the window.
func (w *Window) Close() error { return w.win.Close() }

// VideoWriter encodes every frame, annotated or not, into a video file.
// The file is created on the first frame so its size matches the source.
type VideoWriter struct {
	path   string
	codec  string
	fps    float64
	writer *gocv.VideoWriter
}

var _ pipeline.FrameSink = (*VideoWriter)(nil)

// NewVideoWriter prepares a writer; fps <= 0 falls back to 30.
func NewVideoWriter(path string, fps float64) *VideoWriter {
	if fps <= 0 {
		fps = 30
	}
	return &VideoWriter{path: path, codec: "mp4v", fps: fps}
}

// WriteFrame implements pipeline.FrameSink.
func (v *VideoWriter) WriteFrame(ctx context.Context, frame types.Frame) error {
	mat, err := gocv.ImageToMatRGB(frame.Image)
	if err != nil {
		return fmt.Errorf("convert frame: %w", err)
	}
	defer mat.Close()

	if v.writer == nil {
		v.writer, err = gocv.VideoWriterFile(v.path, v.codec, v.fps, mat.Cols(), mat.Rows(), true)
		if err != nil {
			return fmt.Errorf("open video writer %s: %w", v.path, err)
		}
	}
	return v.writer.Write(mat)
}

// Close flushes the output file.
func (v *VideoWriter) Close() error {
	if v.writer == nil {
		return nil
	}
	return v.writer.Close()
}
