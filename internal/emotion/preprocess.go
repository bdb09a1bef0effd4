package emotion

import (
	"fmt"
	"image"
	"strings"

	"github.com/nfnt/resize"
)

// ChannelOrder is the channel layout the model was trained on.
type ChannelOrder string

const (
	RGB ChannelOrder = "rgb"
	BGR ChannelOrder = "bgr"
)

// ParseChannelOrder accepts "rgb" or "bgr" in any case.
func ParseChannelOrder(s string) (ChannelOrder, error) {
	switch ChannelOrder(strings.ToLower(s)) {
	case RGB:
		return RGB, nil
	case BGR:
		return BGR, nil
	}
	return "", fmt.Errorf("unknown channel order %q (want rgb or bgr)", s)
}

// Preprocess mirrors the training-time transform of the classifier:
// resize, channel ordering, scale to [0,1] and per-channel normalization.
// Every backend must go through it or accuracy degrades silently.
type Preprocess struct {
	Size  int
	Order ChannelOrder
	Mean  [3]float32
	Std   [3]float32
}

// ImageNetPreprocess is the ResNet18 / ImageNet normalization used when fine-tuning on FER2013.
func ImageNetPreprocess() Preprocess {
	return Preprocess{
		Size:  224,
		Order: RGB,
		Mean:  [3]float32{0.485, 0.456, 0.406},
		Std:   [3]float32{0.229, 0.224, 0.225},
	}
}

// Validate checks the normalization parameters.
func (p Preprocess) Validate() error {
	if p.Size <= 0 {
		return fmt.Errorf("input size must be > 0, got %d", p.Size)
	}
	for i, s := range p.Std {
		if s <= 0 {
			return fmt.Errorf("std[%d] must be > 0, got %v", i, s)
		}
	}
	if p.Order != RGB && p.Order != BGR {
		return fmt.Errorf("unknown channel order %q", p.Order)
	}
	return nil
}

// Tensor converts crop into a 1x3xSizexSize float32 tensor in NCHW layout.
// Go images decode to RGB, so BGR models get their channels swapped here.
func (p Preprocess) Tensor(crop image.Image) ([]float32, error) {
	b := crop.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty crop %v", b)
	}
	resized := resize.Resize(uint(p.Size), uint(p.Size), crop, resize.Bilinear)
	rb := resized.Bounds()

	plane := p.Size * p.Size
	out := make([]float32, 3*plane)
	for y := 0; y < p.Size; y++ {
		for x := 0; x < p.Size; x++ {
			r, g, bl, _ := resized.At(rb.Min.X+x, rb.Min.Y+y).RGBA()
			px := [3]float32{float32(r>>8) / 255, float32(g>>8) / 255, float32(bl>>8) / 255}
			if p.Order == BGR {
				px[0], px[2] = px[2], px[0]
			}
			i := y*p.Size + x
			for c := 0; c < 3; c++ {
				out[c*plane+i] = (px[c] - p.Mean[c]) / p.Std[c]
			}
		}
	}
	return out, nil
}
