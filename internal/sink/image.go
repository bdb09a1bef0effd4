package sink

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"

	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/types"
)

// ImageFile saves the last frame it receives when closed. The encoder follows
// the extension of Path: .png, .bmp, anything else is JPEG.
type ImageFile struct {
	Path string
	last image.Image
}

var _ pipeline.FrameSink = (*ImageFile)(nil)

// VisualizationName is the annotated copy of a still image, emotion_<name>.
func VisualizationName(dir, source string) string {
	return filepath.Join(dir, "emotion_"+filepath.Base(source))
}

// WriteFrame implements pipeline.FrameSink.
func (s *ImageFile) WriteFrame(ctx context.Context, frame types.Frame) error {
	s.last = frame.Image
	return nil
}

// Close encodes the frame.
func (s *ImageFile) Close() error {
	if s.last == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return err
	}
	f, err := os.Create(s.Path)
	if err != nil {
		return fmt.Errorf("create %s: %w", s.Path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".png":
		err = png.Encode(f, s.last)
	case ".bmp":
		err = bmp.Encode(f, s.last)
	default:
		err = jpeg.Encode(f, s.last, &jpeg.Options{Quality: 95})
	}
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.Path, err)
	}
	s.last = nil
	return f.Close()
}
