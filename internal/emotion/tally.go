package emotion

import (
	"sort"

	"github.com/andresmejia3/emoscan/internal/types"
)

// Tally keeps cumulative per-label counts for a run.
type Tally struct {
	vocab  Vocabulary
	counts map[string]int
}

// NewTally returns an empty tally over vocab.
func NewTally(vocab Vocabulary) *Tally {
	return &Tally{vocab: vocab, counts: make(map[string]int)}
}

// Add counts every face of a frame.
func (t *Tally) Add(faces []types.FaceResult) {
	for _, f := range faces {
		t.counts[f.Emotion]++
	}
}

// Counts returns a copy of the histogram.
func (t *Tally) Counts() map[string]int {
	out := make(map[string]int, len(t.counts))
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Mode returns the most frequent label. Labels are visited in vocabulary order,
// then "unknown", then any remaining label in lexical order; the first label
// to reach the maximum wins. An empty tally returns "".
func (t *Tally) Mode() string {
	return Mode(t.counts, t.vocab)
}

// Mode computes the most frequent label of counts with the tie-break described on Tally.Mode.
func Mode(counts map[string]int, vocab Vocabulary) string {
	best, bestCount := "", 0
	for _, l := range Order(counts, vocab) {
		if c := counts[l]; c > bestCount {
			best, bestCount = l, c
		}
	}
	return best
}

// Order lists the labels in tie-break order: vocabulary, "unknown", then the
// remaining labels of counts sorted.
func Order(counts map[string]int, vocab Vocabulary) []string {
	out := make([]string, 0, len(counts)+len(vocab)+1)
	known := make(map[string]bool, len(vocab)+1)
	for _, l := range vocab {
		out = append(out, l)
		known[l] = true
	}
	out = append(out, Unknown)
	known[Unknown] = true

	var extra []string
	for l := range counts {
		if !known[l] {
			extra = append(extra, l)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// Finalize recomputes the histogram and mode of r from its frames.
func Finalize(r *types.RunResult, vocab Vocabulary) {
	t := NewTally(vocab)
	for _, f := range r.Frames {
		t.Add(f.Faces)
	}
	r.EmotionCounts = t.Counts()
	r.MostFrequentEmotion = t.Mode()
	if r.Frames == nil {
		r.Frames = []types.FrameResult{}
	}
}
