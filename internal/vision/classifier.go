package vision

import (
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"sync"

	"gocv.io/x/gocv"

	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/types"
)

// DNNClassifier runs an ONNX export of the emotion network through OpenCV DNN.
// Inputs are built by emotion.Preprocess so they match the training transform.
type DNNClassifier struct {
	net   gocv.Net
	vocab emotion.Vocabulary
	pre   emotion.Preprocess
	mu    sync.Mutex
}

var _ emotion.Classifier = (*DNNClassifier)(nil)

// NewDNNClassifier loads model and checks that the network emits one logit per
// vocabulary label. Any failure wraps emotion.ErrModelLoad.
func NewDNNClassifier(model, device string, vocab emotion.Vocabulary, pre emotion.Preprocess) (*DNNClassifier, error) {
	if err := vocab.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}
	if err := pre.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}
	net := gocv.ReadNetFromONNX(model)
	if net.Empty() {
		return nil, fmt.Errorf("%w: cannot read %s", emotion.ErrModelLoad, model)
	}
	if err := setDevice(&net, device); err != nil {
		net.Close()
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}

	c := &DNNClassifier{net: net, vocab: vocab, pre: pre}
	probe := make([]float32, 3*pre.Size*pre.Size)
	logits, err := c.forward(probe)
	if err != nil {
		net.Close()
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}
	if len(logits) != len(vocab) {
		net.Close()
		return nil, fmt.Errorf("%w: model has %d classes, vocabulary has %d", emotion.ErrModelLoad, len(logits), len(vocab))
	}
	return c, nil
}

// Classify implements emotion.Classifier.
func (c *DNNClassifier) Classify(ctx context.Context, crop image.Image) (types.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return types.Prediction{}, err
	}
	tensor, err := c.pre.Tensor(crop)
	if err != nil {
		return types.Prediction{}, err
	}
	logits, err := c.forward(tensor)
	if err != nil {
		return types.Prediction{}, err
	}
	return c.vocab.FromLogits(logits)
}

func (c *DNNClassifier) forward(tensor []float32) ([]float32, error) {
	blob, err := gocv.NewMatWithSizesFromBytes([]int{1, 3, c.pre.Size, c.pre.Size}, gocv.MatTypeCV32F, float32Bytes(tensor))
	if err != nil {
		return nil, fmt.Errorf("build input blob: %w", err)
	}
	defer blob.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.net.SetInput(blob, "")
	out := c.net.Forward("")
	defer out.Close()

	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read logits: %w", err)
	}
	logits := make([]float32, len(data))
	copy(logits, data)
	return logits, nil
}

// float32Bytes encodes v in host (little-endian) order for OpenCV.
func float32Bytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// Close releases the network.
func (c *DNNClassifier) Close() error { return c.net.Close() }
