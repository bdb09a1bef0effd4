package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/detect"
	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/types"
)

// --- Fakes ---

// fakeCapture yields frames whose first pixel holds a sequence number.
// After `frames` successful reads it returns tail (ErrEndOfStream by default).
type fakeCapture struct {
	frames int
	tail   error
	read   int
	closed bool
}

func (c *fakeCapture) Read(ctx context.Context) (image.Image, error) {
	if c.read < c.frames {
		img := image.NewGray(image.Rect(0, 0, 64, 64))
		img.Pix[0] = uint8(c.read)
		c.read++
		return img, nil
	}
	if c.tail != nil {
		return nil, c.tail
	}
	return nil, capture.ErrEndOfStream
}

func (c *fakeCapture) Info() capture.Info { return capture.Info{Width: 64, Height: 64} }
func (c *fakeCapture) Close() error       { c.closed = true; return nil }

// openerOf hands out the given captures in order, then fails.
func openerOf(caps ...*fakeCapture) (capture.Opener, *int) {
	calls := 0
	return capture.OpenerFunc(func(ctx context.Context, src capture.Source) (capture.Capture, error) {
		calls++
		if calls > len(caps) {
			return nil, capture.Unavailable(src, errors.New("connection refused"))
		}
		return caps[calls-1], nil
	}), &calls
}

type fakeLocator struct {
	boxes []types.BBox
	seen  []int
}

func (l *fakeLocator) Locate(ctx context.Context, frame image.Image) ([]types.BBox, error) {
	l.seen = append(l.seen, int(frame.(*image.Gray).Pix[0]))
	return l.boxes, nil
}
func (l *fakeLocator) Close() error { return nil }

type fakeClassifier struct {
	pred  types.Prediction
	err   error
	panic bool
}

func (c fakeClassifier) Classify(ctx context.Context, crop image.Image) (types.Prediction, error) {
	if c.panic {
		panic("tensor shape mismatch")
	}
	if c.err != nil {
		return types.Prediction{}, c.err
	}
	return c.pred, nil
}
func (fakeClassifier) Close() error { return nil }

var happy = types.Prediction{
	Emotion:    "happy",
	Confidence: 0.9,
	Scores:     map[string]float64{"angry": 0.02, "disgust": 0.01, "fear": 0.02, "happy": 0.9, "neutral": 0.03, "sad": 0.01, "surprise": 0.01},
}

type recordingSink struct {
	mu      sync.Mutex
	frames  []types.Frame
	quitAt  int
	closed  bool
	persist []*types.RunResult
}

func (s *recordingSink) WriteFrame(ctx context.Context, f types.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	if s.quitAt > 0 && len(s.frames) >= s.quitAt {
		return ErrQuit
	}
	return nil
}
func (s *recordingSink) Close() error { s.closed = true; return nil }
func (s *recordingSink) Persist(ctx context.Context, r *types.RunResult) error {
	s.persist = append(s.persist, r)
	return nil
}

type sleepLog struct{ delays []time.Duration }

func (s *sleepLog) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newRunner(open capture.Opener, loc *fakeLocator, cls emotion.Classifier, interval int) (*Runner, *sleepLog) {
	sl := &sleepLog{}
	return &Runner{
		Config:     Config{Interval: interval, Vocabulary: emotion.Vocabulary(emotion.FER2013)},
		Opener:     open,
		Locator:    loc,
		Classifier: cls,
		Sleep:      sl.sleep,
	}, sl
}

func mustSource(t *testing.T, raw string) capture.Source {
	t.Helper()
	src, err := capture.ParseSource(raw)
	if err != nil {
		t.Fatal(err)
	}
	return src
}

// --- Tests ---

func TestTenFramesIntervalFive(t *testing.T) {
	open, _ := openerOf(&fakeCapture{frames: 10})
	loc := &fakeLocator{boxes: []types.BBox{{X: 10, Y: 10, Width: 20, Height: 20}}}
	r, _ := newRunner(open, loc, fakeClassifier{pred: happy}, 5)
	results := &recordingSink{}
	r.Results = []ResultSink{results}

	run, err := r.Run(context.Background(), mustSource(t, "synthetic.mp4"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(run.Frames) != 2 {
		t.Fatalf("expected 2 frame results, got %d", len(run.Frames))
	}
	for i, want := range []int{0, 5} {
		fr := run.Frames[i]
		if fr.FrameIndex != want {
			t.Errorf("frame %d index = %d, want %d", i, fr.FrameIndex, want)
		}
		if len(fr.Faces) != 1 {
			t.Errorf("frame %d has %d faces, want 1", i, len(fr.Faces))
		}
	}
	if run.EmotionCounts["happy"] != 2 || run.MostFrequentEmotion != "happy" {
		t.Errorf("counts = %v, mode = %q", run.EmotionCounts, run.MostFrequentEmotion)
	}
	if run.FramesRead != 10 || run.FramesSampled != 2 {
		t.Errorf("read=%d sampled=%d, want 10 and 2", run.FramesRead, run.FramesSampled)
	}
	if run.StopReason != StopEndOfStream {
		t.Errorf("StopReason = %q", run.StopReason)
	}
	if len(results.persist) != 1 {
		t.Errorf("result persisted %d times, want 1", len(results.persist))
	}
}

// lumaClassifier derives its logits from the mean luminance of the crop,
// so equal crops always get equal predictions.
type lumaClassifier struct{ vocab emotion.Vocabulary }

func (c lumaClassifier) Classify(ctx context.Context, crop image.Image) (types.Prediction, error) {
	b := crop.Bounds()
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += float64(color.GrayModel.Convert(crop.At(x, y)).(color.Gray).Y)
		}
	}
	mean := sum / float64(b.Dx()*b.Dy())
	logits := make([]float32, len(c.vocab))
	for i := range logits {
		logits[i] = float32(math.Sin(mean * float64(i+1)))
	}
	return c.vocab.FromLogits(logits)
}
func (lumaClassifier) Close() error { return nil }

func TestStaticImageIsIdempotent(t *testing.T) {
	cfg := detect.DefaultPigoConfig()
	cfg.CascadePath = filepath.Join("testdata", "facefinder")
	cfg.MaxSize = 1000
	cfg.ShiftFactor = 0.2
	cfg.MinQuality = 0
	loc, err := detect.NewPigoLocator(cfg)
	if err != nil {
		t.Fatalf("Failed to load cascade: %v", err)
	}
	vocab := emotion.Vocabulary(emotion.FER2013)
	src := mustSource(t, filepath.Join("testdata", "sample.jpg"))

	runOnce := func() []types.FrameResult {
		r := &Runner{
			Config:     Config{Interval: 1, Vocabulary: vocab},
			Opener:     capture.Routed{},
			Locator:    loc,
			Classifier: lumaClassifier{vocab: vocab},
		}
		run, err := r.Run(context.Background(), src)
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		return run.Frames
	}

	first := runOnce()
	if len(first) != 1 || len(first[0].Faces) == 0 {
		t.Fatalf("expected one frame with faces, got %+v", first)
	}
	second := runOnce()
	if len(second) != len(first) {
		t.Fatalf("second run has %d frames, first had %d", len(second), len(first))
	}
	for i := range first {
		if !reflect.DeepEqual(first[i].Faces, second[i].Faces) {
			t.Errorf("frame %d faces differ between runs:\n%+v\n%+v", i, first[i].Faces, second[i].Faces)
		}
	}
}

func TestSamplingInvariant(t *testing.T) {
	for _, interval := range []int{1, 2, 3, 7, 25} {
		open, _ := openerOf(&fakeCapture{frames: 20})
		loc := &fakeLocator{}
		r, _ := newRunner(open, loc, fakeClassifier{pred: happy}, interval)

		if _, err := r.Run(context.Background(), mustSource(t, "clip.avi")); err != nil {
			t.Fatalf("interval %d: %v", interval, err)
		}

		var want []int
		for i := 0; i < 20; i++ {
			if i%interval == 0 {
				want = append(want, i)
			}
		}
		if len(loc.seen) != len(want) {
			t.Fatalf("interval %d: locator called on %v, want %v", interval, loc.seen, want)
		}
		for i := range want {
			if loc.seen[i] != want[i] {
				t.Errorf("interval %d: locator called on %v, want %v", interval, loc.seen, want)
				break
			}
		}
	}
}

func TestOpenFailureWritesNothing(t *testing.T) {
	open, _ := openerOf()
	r, _ := newRunner(open, &fakeLocator{}, fakeClassifier{pred: happy}, 1)
	sink := &recordingSink{}
	r.Sinks = []FrameSink{sink}
	r.Results = []ResultSink{sink}

	run, err := r.Run(context.Background(), mustSource(t, "/nope/missing.mp4"))
	if !errors.Is(err, capture.ErrSourceUnavailable) {
		t.Fatalf("err = %v, want ErrSourceUnavailable", err)
	}
	if run != nil {
		t.Errorf("expected nil result, got %+v", run)
	}
	if len(sink.persist) != 0 || len(sink.frames) != 0 {
		t.Errorf("sink was used after an open failure")
	}
}

func TestClassifierFailureRecordsUnknown(t *testing.T) {
	tests := []struct {
		name string
		cls  fakeClassifier
	}{
		{"Error", fakeClassifier{err: errors.New("bad crop")}},
		{"Panic", fakeClassifier{panic: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, _ := openerOf(&fakeCapture{frames: 1})
			loc := &fakeLocator{boxes: []types.BBox{{X: 0, Y: 0, Width: 8, Height: 8}}}
			r, _ := newRunner(open, loc, tt.cls, 1)

			run, err := r.Run(context.Background(), mustSource(t, "one.mp4"))
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if len(run.Frames) != 1 || len(run.Frames[0].Faces) != 1 {
				t.Fatalf("expected one face entry, got %+v", run.Frames)
			}
			face := run.Frames[0].Faces[0]
			if face.Emotion != emotion.Unknown || face.Confidence != 0 || face.Scores == nil || len(face.Scores) != 0 {
				t.Errorf("face = %+v, want unknown sentinel", face)
			}
			if run.EmotionCounts[emotion.Unknown] != 1 {
				t.Errorf("unknown count = %d, want 1", run.EmotionCounts[emotion.Unknown])
			}
		})
	}
}

func TestZeroAreaBoxesDropped(t *testing.T) {
	open, _ := openerOf(&fakeCapture{frames: 1})
	loc := &fakeLocator{boxes: []types.BBox{
		{X: 100, Y: 100, Width: 10, Height: 10}, // fully outside 64x64
		{X: 50, Y: 50, Width: 30, Height: 30},   // clipped to 14x14
		{X: 5, Y: 5, Width: 0, Height: 9},
	}}
	r, _ := newRunner(open, loc, fakeClassifier{pred: happy}, 1)

	run, err := r.Run(context.Background(), mustSource(t, "one.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	faces := run.Frames[0].Faces
	if len(faces) != 1 {
		t.Fatalf("expected 1 face, got %d", len(faces))
	}
	want := types.BBox{X: 50, Y: 50, Width: 14, Height: 14}
	if faces[0].ID != 1 || faces[0].BBox != want {
		t.Errorf("face = id %d %+v, want id 1 %+v", faces[0].ID, faces[0].BBox, want)
	}
}

func TestBoundedSourceStopsAfterFailures(t *testing.T) {
	open, opens := openerOf(&fakeCapture{frames: 3, tail: errors.New("grab failed")})
	r, sl := newRunner(open, &fakeLocator{}, fakeClassifier{pred: happy}, 1)
	results := &recordingSink{}
	r.Results = []ResultSink{results}

	run, err := r.Run(context.Background(), mustSource(t, "0"))
	if !errors.Is(err, ErrReadFailures) {
		t.Fatalf("err = %v, want ErrReadFailures", err)
	}
	if run == nil || run.StopReason != StopReadFailures {
		t.Fatalf("run = %+v, want read-failures stop", run)
	}
	if run.FramesRead != 3 {
		t.Errorf("FramesRead = %d, want 3", run.FramesRead)
	}
	if *opens != 1 {
		t.Errorf("bounded source was reopened %d times", *opens-1)
	}
	if len(sl.delays) != 9 {
		t.Errorf("slept %d times, want 9", len(sl.delays))
	}
	for _, d := range sl.delays {
		if d != 500*time.Millisecond {
			t.Errorf("delay = %v, want 500ms", d)
		}
	}
	if len(results.persist) != 1 {
		t.Errorf("partial result persisted %d times, want 1", len(results.persist))
	}
}

func TestStreamReconnects(t *testing.T) {
	first := &fakeCapture{frames: 2, tail: capture.ErrEndOfStream}
	second := &fakeCapture{frames: 100}
	calls := 0
	open := capture.OpenerFunc(func(ctx context.Context, src capture.Source) (capture.Capture, error) {
		calls++
		switch calls {
		case 1:
			return first, nil
		case 2, 3:
			return nil, capture.Unavailable(src, errors.New("timeout"))
		default:
			return second, nil
		}
	})
	r, sl := newRunner(open, &fakeLocator{}, fakeClassifier{pred: happy}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Progress = func(n int) {
		if n == 5 {
			cancel()
		}
	}

	run, err := r.Run(ctx, mustSource(t, "rtsp://cam.local/live"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !first.closed {
		t.Error("dropped capture was not closed")
	}
	if run.ReconnectCount != 1 {
		t.Errorf("ReconnectCount = %d, want 1", run.ReconnectCount)
	}
	if run.FramesRead != 5 {
		t.Errorf("FramesRead = %d, want 5", run.FramesRead)
	}
	if run.StopReason != StopCancelled {
		t.Errorf("StopReason = %q, want %q", run.StopReason, StopCancelled)
	}
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	if len(sl.delays) != len(want) {
		t.Fatalf("delays = %v, want %v", sl.delays, want)
	}
	for i := range want {
		if sl.delays[i] != want[i] {
			t.Errorf("delays = %v, want %v", sl.delays, want)
		}
	}
}

func TestDurationCutoffWhileReconnecting(t *testing.T) {
	open, calls := openerOf(&fakeCapture{frames: 3, tail: errors.New("connection reset")})
	r, _ := newRunner(open, &fakeLocator{}, fakeClassifier{pred: happy}, 1)
	r.Config.Duration = 30 * time.Second

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return now }
	var delays []time.Duration
	r.Sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		now = now.Add(d)
		return ctx.Err()
	}

	run, err := r.Run(context.Background(), mustSource(t, "rtsp://cam.local/live"))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if run.StopReason != StopDuration {
		t.Errorf("StopReason = %q, want %q", run.StopReason, StopDuration)
	}
	if run.FramesRead != 3 {
		t.Errorf("FramesRead = %d, want 3", run.FramesRead)
	}
	// The last backoff is clamped to the time left before the cutoff
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delays = %v, want %v", delays, want)
			break
		}
	}
	// One initial open plus one attempt after each of the first four backoffs
	if *calls != 5 {
		t.Errorf("opens = %d, want 5", *calls)
	}
}

func TestDurationCutoff(t *testing.T) {
	open, _ := openerOf(&fakeCapture{frames: 1000})
	r, _ := newRunner(open, &fakeLocator{}, fakeClassifier{pred: happy}, 1)
	r.Config.Duration = 3 * time.Second

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r.Now = func() time.Time { return now }
	r.Progress = func(int) { now = now.Add(time.Second) }

	run, err := r.Run(context.Background(), mustSource(t, "0"))
	if err != nil {
		t.Fatal(err)
	}
	if run.StopReason != StopDuration {
		t.Errorf("StopReason = %q, want %q", run.StopReason, StopDuration)
	}
	if run.FramesRead != 3 {
		t.Errorf("FramesRead = %d, want 3", run.FramesRead)
	}
}

func TestSinkQuitAndAnnotation(t *testing.T) {
	open, _ := openerOf(&fakeCapture{frames: 10})
	loc := &fakeLocator{boxes: []types.BBox{{X: 4, Y: 4, Width: 16, Height: 16}}}
	r, _ := newRunner(open, loc, fakeClassifier{pred: happy}, 2)
	r.Config.Annotate = true
	sink := &recordingSink{quitAt: 4}
	r.Sinks = []FrameSink{sink}

	run, err := r.Run(context.Background(), mustSource(t, "clip.mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if run.StopReason != StopQuit || run.FramesRead != 4 {
		t.Errorf("reason=%q read=%d, want quit after 4", run.StopReason, run.FramesRead)
	}
	if !sink.closed {
		t.Error("frame sink not closed")
	}
	for _, f := range sink.frames {
		_, raw := f.Image.(*image.Gray)
		if sampled := f.Index%2 == 0; sampled == raw {
			t.Errorf("frame %d: sampled=%v but passed through raw=%v", f.Index, sampled, raw)
		}
	}
}

func TestSaveCrops(t *testing.T) {
	dir := t.TempDir()
	open, _ := openerOf(&fakeCapture{frames: 4})
	loc := &fakeLocator{boxes: []types.BBox{{X: 0, Y: 0, Width: 8, Height: 8}, {X: 20, Y: 20, Width: 8, Height: 8}}}
	r, _ := newRunner(open, loc, fakeClassifier{pred: happy}, 2)
	r.Config.SaveCrops = true
	r.Config.CropDir = dir

	if _, err := r.Run(context.Background(), mustSource(t, "clip.mp4")); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Errorf("saved %d crops, want 4", len(entries))
	}
}

func TestCropName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 7, 123_456_789, time.UTC)
	if got, want := CropName(ts, 15, 2), "crop_20240309_140507_123_15_2.jpg"; got != want {
		t.Errorf("CropName() = %q, want %q", got, want)
	}
}

func TestConfigValidate(t *testing.T) {
	vocab := emotion.Vocabulary(emotion.FER2013)
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"Valid", Config{Interval: 5, Vocabulary: vocab}, false},
		{"Zero interval", Config{Interval: 0, Vocabulary: vocab}, true},
		{"Negative duration", Config{Interval: 1, Duration: -time.Second, Vocabulary: vocab}, true},
		{"Crops without dir", Config{Interval: 1, SaveCrops: true, Vocabulary: vocab}, true},
		{"Empty vocabulary", Config{Interval: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
