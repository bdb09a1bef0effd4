package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"

	"github.com/andresmejia3/emoscan/internal/utils"
)

const megabyte = 1024 * 1024

// FFmpegOpener decodes any source ffmpeg understands into MJPEG frames on a
// pipe and splits them with utils.SplitJpeg.
type FFmpegOpener struct {
	// WebcamDevice formats a webcam index into a device path, e.g. "/dev/video%d".
	WebcamDevice string
}

// Open starts ffmpeg and waits for the first frame, so a source that cannot
// be reached fails here with ErrSourceUnavailable.
func (o FFmpegOpener) Open(ctx context.Context, src Source) (Capture, error) {
	if err := CheckLocal(src); err != nil {
		return nil, err
	}

	input := src.Raw
	if src.Kind == KindWebcam {
		pattern := o.WebcamDevice
		if pattern == "" {
			pattern = "/dev/video%d"
		}
		input = fmt.Sprintf(pattern, src.Device)
	}

	c := &FFmpegCapture{src: src}
	if src.Kind == KindFile {
		if fps, err := utils.GetVideoFPS(ctx, src.Raw); err == nil {
			c.info.FPS = fps
		}
		c.info.TotalFrames = utils.GetTotalFrames(ctx, src.Raw)
	}

	// The decoder outlives Open, so it must not be bound to the caller's
	// context; Close stops it.
	procCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.cmd = utils.NewFFmpegMJPEGCmd(procCtx, utils.FFmpegInputArgs(input, src.Kind == KindStream, src.Kind == KindWebcam))

	out, err := c.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, Unavailable(src, err)
	}
	c.out = out
	if err := c.cmd.Start(); err != nil {
		cancel()
		return nil, Unavailable(src, err)
	}

	c.scanner = bufio.NewScanner(out)
	c.scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	c.scanner.Split(utils.SplitJpeg)

	first, err := c.next()
	if err != nil {
		logs := c.cmd.Stderr.String()
		c.Close()
		if logs != "" {
			return nil, Unavailable(src, fmt.Errorf("%v: %s", err, bytes.TrimSpace([]byte(logs))))
		}
		return nil, Unavailable(src, err)
	}
	c.pending = first
	b := first.Bounds()
	c.info.Width, c.info.Height = b.Dx(), b.Dy()
	return c, nil
}

// FFmpegCapture reads frames from a running ffmpeg process.
type FFmpegCapture struct {
	src     Source
	cmd     *utils.SafeCommand
	cancel  context.CancelFunc
	out     io.ReadCloser
	scanner *bufio.Scanner
	info    Info
	pending image.Image
	exited  bool
	exitErr error
}

func (c *FFmpegCapture) next() (image.Image, error) {
	if c.exited {
		return nil, c.endErr()
	}
	if !c.scanner.Scan() {
		c.exited = true
		scanErr := c.scanner.Err()
		c.exitErr = c.cmd.Wait()
		if scanErr != nil {
			c.exitErr = scanErr
		}
		return nil, c.endErr()
	}
	img, err := jpeg.Decode(bytes.NewReader(c.scanner.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

// endErr maps the decoder exit to the capture contract: a clean exit on a
// finite source is the end of the stream, anything else is a read failure.
func (c *FFmpegCapture) endErr() error {
	if c.exitErr == nil && !c.src.Kind.Live() {
		return ErrEndOfStream
	}
	if c.exitErr == nil {
		return errors.New("ffmpeg stream ended")
	}
	return fmt.Errorf("ffmpeg: %w", c.exitErr)
}

// Read implements Capture.
func (c *FFmpegCapture) Read(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.pending != nil {
		img := c.pending
		c.pending = nil
		return img, nil
	}
	return c.next()
}

// Info implements Capture.
func (c *FFmpegCapture) Info() Info { return c.info }

// Close kills the decoder and releases the pipe.
func (c *FFmpegCapture) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.out != nil {
		c.out.Close()
	}
	if !c.exited && c.cmd != nil && c.cmd.Process != nil {
		c.exited = true
		c.cmd.Wait()
	}
	return nil
}
