// Package capture opens frame sources (still images, video files, webcams and
// network streams) and defines the per-kind read failure policy.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
)

var (
	// ErrSourceUnavailable is returned by Open when a source cannot be opened at all.
	ErrSourceUnavailable = errors.New("capture source unavailable")
	// ErrEndOfStream is returned by Read when a finite source has no more frames.
	ErrEndOfStream = errors.New("end of stream")
)

// Info describes an opened source. Zero values mean unknown.
type Info struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	FPS         float64 `json:"fps"`
	TotalFrames int     `json:"total_frames"` // 0 when unknown or live
}

// FileEnded decides whether a failed read on a video file is the end of the
// file. read is the number of frames delivered so far and total the frame
// count reported by the container, which is only an estimate for many
// formats. lastPos and pos are the decoder positions after the last good
// read and after the failed one: a decoder that no longer advances is done.
func FileEnded(read, total int, lastPos, pos float64) bool {
	if total <= 0 || read >= total {
		return true
	}
	return pos <= lastPos
}

// Capture is an opened frame source.
type Capture interface {
	// Read blocks until the next frame is decoded. It returns ErrEndOfStream
	// at the end of a finite source; any other error is a transient read failure.
	Read(ctx context.Context) (image.Image, error)
	Info() Info
	Close() error
}

// Opener opens a capture for a source.
type Opener interface {
	Open(ctx context.Context, src Source) (Capture, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, src Source) (Capture, error)

// Open calls f.
func (f OpenerFunc) Open(ctx context.Context, src Source) (Capture, error) { return f(ctx, src) }

// Unavailable wraps err as ErrSourceUnavailable for src.
func Unavailable(src Source, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, src)
	}
	return fmt.Errorf("%w: %s: %v", ErrSourceUnavailable, src, err)
}

// CheckLocal fails fast for local file sources that do not exist or are directories.
func CheckLocal(src Source) error {
	if src.Kind != KindFile && src.Kind != KindImage {
		return nil
	}
	info, err := os.Stat(src.Raw)
	if err != nil {
		return Unavailable(src, err)
	}
	if info.IsDir() {
		return Unavailable(src, fmt.Errorf("is a directory"))
	}
	return nil
}

// Routed dispatches still images to the image decoder and everything else to Video.
type Routed struct {
	Video Opener
}

// Open implements Opener.
func (r Routed) Open(ctx context.Context, src Source) (Capture, error) {
	if src.Kind == KindImage {
		return OpenImage(src)
	}
	if err := CheckLocal(src); err != nil {
		return nil, err
	}
	return r.Video.Open(ctx, src)
}
