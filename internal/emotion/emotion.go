// Package emotion holds the emotion vocabulary, prediction helpers, run tallies
// and the preprocessing shared by every classifier backend.
package emotion

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/andresmejia3/emoscan/internal/types"
)

// Unknown is the label recorded when a crop could not be classified.
const Unknown = "unknown"

// FER2013 is the class order of the FER2013 dataset the classifier was fine-tuned on.
var FER2013 = []string{"angry", "disgust", "fear", "happy", "neutral", "sad", "surprise"}

// ErrModelLoad is returned when a model or checkpoint cannot be loaded.
var ErrModelLoad = errors.New("model load failed")

// Classifier labels a single face crop.
type Classifier interface {
	Classify(ctx context.Context, crop image.Image) (types.Prediction, error)
	Close() error
}

// Vocabulary is the ordered, closed label set a classifier emits.
type Vocabulary []string

// Validate rejects empty and duplicated labels, and the reserved "unknown" label.
func (v Vocabulary) Validate() error {
	if len(v) == 0 {
		return fmt.Errorf("emotion vocabulary is empty")
	}
	seen := make(map[string]bool, len(v))
	for _, l := range v {
		if l == "" {
			return fmt.Errorf("emotion vocabulary contains an empty label")
		}
		if l == Unknown {
			return fmt.Errorf("label %q is reserved", Unknown)
		}
		if seen[l] {
			return fmt.Errorf("duplicate emotion label %q", l)
		}
		seen[l] = true
	}
	return nil
}

// UnknownPrediction is the sentinel returned when classification fails.
// Callers treat it as a terminal value and never retry.
func UnknownPrediction() types.Prediction {
	return types.Prediction{Emotion: Unknown, Confidence: 0, Scores: map[string]float64{}}
}

// Softmax converts raw logits into a probability distribution.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := float64(logits[0])
	for _, l := range logits[1:] {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(float64(l) - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// FromProbabilities builds a prediction from a distribution aligned with the vocabulary.
// The label is the argmax; ties go to the lower index.
func (v Vocabulary) FromProbabilities(probs []float64) (types.Prediction, error) {
	if len(probs) != len(v) {
		return types.Prediction{}, fmt.Errorf("classifier returned %d scores for %d labels", len(probs), len(v))
	}
	best := 0
	scores := make(map[string]float64, len(v))
	for i, p := range probs {
		if math.IsNaN(p) || p < 0 {
			return types.Prediction{}, fmt.Errorf("invalid probability %v for %q", p, v[i])
		}
		scores[v[i]] = p
		if p > probs[best] {
			best = i
		}
	}
	return types.Prediction{Emotion: v[best], Confidence: probs[best], Scores: scores}, nil
}

// FromLogits applies softmax and then FromProbabilities.
func (v Vocabulary) FromLogits(logits []float32) (types.Prediction, error) {
	return v.FromProbabilities(Softmax(logits))
}

// FromScores builds a prediction from a label -> probability map, as returned by
// out-of-process classifiers. The map is renormalized so it sums to 1 and the
// confidence is always scores[label].
func (v Vocabulary) FromScores(scores map[string]float64) (types.Prediction, error) {
	probs := make([]float64, len(v))
	var sum float64
	for i, l := range v {
		p, ok := scores[l]
		if !ok {
			return types.Prediction{}, fmt.Errorf("missing score for %q", l)
		}
		probs[i] = p
		sum += p
	}
	if len(scores) != len(v) {
		return types.Prediction{}, fmt.Errorf("classifier returned %d scores for %d labels", len(scores), len(v))
	}
	if sum <= 0 {
		return types.Prediction{}, fmt.Errorf("scores sum to %v", sum)
	}
	for i := range probs {
		probs[i] /= sum
	}
	return v.FromProbabilities(probs)
}

// Classify runs c on crop and turns every failure, including a panic inside
// the backend, into the unknown sentinel. The returned error is informational.
func Classify(ctx context.Context, c Classifier, crop image.Image) (pred types.Prediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			pred = UnknownPrediction()
			err = fmt.Errorf("classifier panic: %v", r)
		}
	}()
	pred, err = c.Classify(ctx, crop)
	if err != nil {
		return UnknownPrediction(), err
	}
	return pred, nil
}
