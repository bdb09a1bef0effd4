package capture

import (
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
)

// ImageCapture yields a single decoded still image, then ErrEndOfStream.
type ImageCapture struct {
	img  image.Image
	done bool
}

// OpenImage decodes the image at src.Raw.
func OpenImage(src Source) (*ImageCapture, error) {
	f, err := os.Open(src.Raw)
	if err != nil {
		return nil, Unavailable(src, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, Unavailable(src, err)
	}
	return &ImageCapture{img: img}, nil
}

// Read returns the image once.
func (c *ImageCapture) Read(ctx context.Context) (image.Image, error) {
	if c.done {
		return nil, ErrEndOfStream
	}
	c.done = true
	return c.img, nil
}

// Info reports the image dimensions.
func (c *ImageCapture) Info() Info {
	b := c.img.Bounds()
	return Info{Width: b.Dx(), Height: b.Dy(), TotalFrames: 1}
}

// Close is a no-op.
func (c *ImageCapture) Close() error { return nil }
