package worker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"sync"

	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/types"
)

// DefaultScript is the PyTorch inference worker shipped with the repository.
const DefaultScript = "python/emotion_worker.py"

// handshake is the first message the worker sends after loading the checkpoint.
type handshake struct {
	Classes int    `json:"classes"`
	Device  string `json:"device"`
	Epoch   int    `json:"epoch"`
	Error   string `json:"error"`
}

type response struct {
	Logits []float32 `json:"logits"`
	Error  string    `json:"error"`
}

// TorchOptions configures the PyTorch checkpoint worker.
type TorchOptions struct {
	Script     string
	Checkpoint string
	Device     string
	Vocabulary emotion.Vocabulary
	Preprocess emotion.Preprocess
}

// TorchClassifier classifies crops with a .pth checkpoint loaded by a Python
// worker. Crops are preprocessed in Go and sent as NCHW float32 tensors, so the
// worker only runs the forward pass.
type TorchClassifier struct {
	w     *PythonWorker
	vocab emotion.Vocabulary
	pre   emotion.Preprocess
	mu    sync.Mutex
}

var _ emotion.Classifier = (*TorchClassifier)(nil)

// NewTorchClassifier starts the worker and waits for the checkpoint to load.
// Every failure, including a class count that does not match the vocabulary,
// wraps emotion.ErrModelLoad.
func NewTorchClassifier(ctx context.Context, opts TorchOptions) (*TorchClassifier, error) {
	if err := opts.Vocabulary.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}
	if err := opts.Preprocess.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}
	script := opts.Script
	if script == "" {
		script = DefaultScript
	}
	device := opts.Device
	if device == "" {
		device = "auto"
	}

	w, err := NewPythonWorker(ctx, 0, script,
		"--checkpoint", opts.Checkpoint,
		"--device", device,
		"--size", strconv.Itoa(opts.Preprocess.Size),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", emotion.ErrModelLoad, err)
	}
	c, err := newTorchClassifier(w, opts.Vocabulary, opts.Preprocess)
	if err != nil {
		logs := w.Logs()
		w.Close()
		if logs != "" {
			return nil, fmt.Errorf("%w\nworker logs:\n%s", err, logs)
		}
		return nil, err
	}
	return c, nil
}

func newTorchClassifier(w *PythonWorker, vocab emotion.Vocabulary, pre emotion.Preprocess) (*TorchClassifier, error) {
	msg, err := w.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: worker exited before loading the checkpoint: %v", emotion.ErrModelLoad, err)
	}
	var hs handshake
	if err := json.Unmarshal(msg, &hs); err != nil {
		return nil, fmt.Errorf("%w: malformed handshake: %v", emotion.ErrModelLoad, err)
	}
	if hs.Error != "" {
		return nil, fmt.Errorf("%w: %s", emotion.ErrModelLoad, hs.Error)
	}
	if hs.Classes != len(vocab) {
		return nil, fmt.Errorf("%w: checkpoint has %d classes, vocabulary has %d", emotion.ErrModelLoad, hs.Classes, len(vocab))
	}
	return &TorchClassifier{w: w, vocab: vocab, pre: pre}, nil
}

// Classify implements emotion.Classifier.
func (c *TorchClassifier) Classify(ctx context.Context, crop image.Image) (types.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return types.Prediction{}, err
	}
	tensor, err := c.pre.Tensor(crop)
	if err != nil {
		return types.Prediction{}, err
	}

	c.mu.Lock()
	resp, err := c.w.Communicate(encodeTensor(tensor))
	c.mu.Unlock()
	if err != nil {
		return types.Prediction{}, fmt.Errorf("torch worker: %w", err)
	}

	var out response
	if err := json.Unmarshal(resp, &out); err != nil {
		return types.Prediction{}, fmt.Errorf("torch worker sent malformed JSON: %w", err)
	}
	if out.Error != "" {
		return types.Prediction{}, errors.New("python worker error: " + out.Error)
	}
	return c.vocab.FromLogits(out.Logits)
}

// encodeTensor serializes the tensor as little-endian float32, the layout
// torch.frombuffer expects.
func encodeTensor(t []float32) []byte {
	buf := make([]byte, 4*len(t))
	for i, f := range t {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// Close stops the worker.
func (c *TorchClassifier) Close() error { return c.w.Close() }
