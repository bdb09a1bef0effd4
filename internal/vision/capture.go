// Package vision holds the OpenCV (gocv) backends: video capture, Haar and
// YOLO face locators, the ONNX emotion classifier, the preview window and
// the annotated video writer.
package vision

import (
	"context"
	"errors"
	"image"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/emoscan/internal/capture"
)

// VideoOpener opens files, webcams and network streams with OpenCV.
type VideoOpener struct{}

// Open implements capture.Opener.
func (VideoOpener) Open(ctx context.Context, src capture.Source) (capture.Capture, error) {
	if err := capture.CheckLocal(src); err != nil {
		return nil, err
	}

	var (
		vc  *gocv.VideoCapture
		err error
	)
	if src.Kind == capture.KindWebcam {
		vc, err = gocv.VideoCaptureDevice(src.Device)
	} else {
		vc, err = gocv.VideoCaptureFile(src.Raw)
	}
	if err != nil {
		return nil, capture.Unavailable(src, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, capture.Unavailable(src, nil)
	}

	c := &VideoCapture{src: src, vc: vc, mat: gocv.NewMat()}
	c.info = capture.Info{
		Width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
		FPS:    vc.Get(gocv.VideoCaptureFPS),
	}
	if src.Kind == capture.KindFile {
		c.info.TotalFrames = int(vc.Get(gocv.VideoCaptureFrameCount))
	}
	return c, nil
}

// VideoCapture wraps gocv.VideoCapture.
type VideoCapture struct {
	src  capture.Source
	vc   *gocv.VideoCapture
	mat  gocv.Mat
	info capture.Info
	read int
	// decoder position after the last good read
	pos float64
}

var errEmptyFrame = errors.New("empty frame")

// Read decodes the next frame. OpenCV reports a failed grab and the end of a
// file the same way, so a failed read on a file ends the stream once the frame
// count is reached or the decoder position stops advancing. Any other failure
// is a transient read error.
func (c *VideoCapture) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := c.vc.Read(&c.mat); !ok || c.mat.Empty() {
		if c.src.Kind == capture.KindFile {
			pos := c.vc.Get(gocv.VideoCapturePosFrames)
			ended := capture.FileEnded(c.read, c.info.TotalFrames, c.pos, pos)
			c.pos = pos
			if ended {
				return nil, capture.ErrEndOfStream
			}
		}
		return nil, errEmptyFrame
	}
	c.read++
	if c.src.Kind == capture.KindFile {
		c.pos = c.vc.Get(gocv.VideoCapturePosFrames)
	}
	return c.mat.ToImage()
}

// Info implements capture.Capture.
func (c *VideoCapture) Info() capture.Info { return c.info }

// Close releases the device and the frame buffer.
func (c *VideoCapture) Close() error {
	c.mat.Close()
	return c.vc.Close()
}
