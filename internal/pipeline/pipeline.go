// Package pipeline drives a single run: it pulls frames from a capture,
// samples every Nth frame through the locator and the classifier, feeds frame
// sinks and observers, and finalizes the run result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/emoscan/internal/annotate"
	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/detect"
	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/types"
)

var (
	// ErrQuit is returned by a FrameSink when the user asked to stop.
	ErrQuit = errors.New("quit requested")
	// ErrReadFailures is returned with a finalized result when a bounded source
	// hit its consecutive read failure limit.
	ErrReadFailures = errors.New("too many consecutive read failures")
)

// Stop reasons recorded in RunResult.StopReason.
const (
	StopEndOfStream  = "end-of-stream"
	StopDuration     = "duration"
	StopQuit         = "quit"
	StopCancelled    = "cancelled"
	StopReadFailures = "read-failures"
)

// State is a phase of the run state machine.
type State int

const (
	Connecting State = iota
	Streaming
	Reconnecting
	Finalizing
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	case Finalizing:
		return "finalizing"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// FrameSink receives every frame read, annotated when it was sampled with faces.
type FrameSink interface {
	WriteFrame(ctx context.Context, frame types.Frame) error
	Close() error
}

// ResultSink persists the finalized run result.
type ResultSink interface {
	Persist(ctx context.Context, run *types.RunResult) error
}

// Observer is notified as the run progresses. Calls happen on the run goroutine.
type Observer interface {
	OnConnect(run *types.RunResult, info capture.Info)
	OnFrame(run *types.RunResult, fr types.FrameResult)
	OnFinish(run *types.RunResult)
}

// NopObserver can be embedded to implement only part of Observer.
type NopObserver struct{}

func (NopObserver) OnConnect(*types.RunResult, capture.Info)     {}
func (NopObserver) OnFrame(*types.RunResult, types.FrameResult) {}
func (NopObserver) OnFinish(*types.RunResult)                   {}

// Config holds the per-run knobs.
type Config struct {
	Interval   int
	Duration   time.Duration // 0 runs until the source ends or the run is stopped
	SaveCrops  bool
	CropDir    string
	Annotate   bool
	Vocabulary emotion.Vocabulary
	// LogEvery emits a progress line every N frames read; 0 disables it.
	LogEvery int
}

// Validate checks the run configuration.
func (c Config) Validate() error {
	if c.Interval < 1 {
		return fmt.Errorf("interval must be >= 1, got %d", c.Interval)
	}
	if c.Duration < 0 {
		return fmt.Errorf("duration must not be negative, got %v", c.Duration)
	}
	if c.SaveCrops && c.CropDir == "" {
		return fmt.Errorf("crop directory is required when saving crops")
	}
	return c.Vocabulary.Validate()
}

// Runner executes runs. A Runner is not safe for concurrent runs; build one per run.
type Runner struct {
	Config     Config
	Opener     capture.Opener
	Locator    detect.Locator
	Classifier emotion.Classifier
	// Policy overrides capture.PolicyFor(source kind) when set.
	Policy    *capture.Policy
	Sinks     []FrameSink
	Results   []ResultSink
	Observers []Observer
	Logger    *slog.Logger
	// RunID is generated when empty.
	RunID string

	// Progress is called after every frame read.
	Progress func(framesRead int)

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	crops *cropWriter
}

func (r *Runner) defaults() {
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
	if r.Now == nil {
		r.Now = time.Now
	}
	if r.Sleep == nil {
		r.Sleep = sleepCtx
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run processes src until it ends, the duration elapses, a sink asks to quit,
// ctx is cancelled, or a bounded source exhausts its failure budget.
//
// If the source cannot be opened Run returns a nil result and an error
// wrapping capture.ErrSourceUnavailable. On a failure cutoff it returns the
// finalized partial result together with ErrReadFailures.
func (r *Runner) Run(ctx context.Context, src capture.Source) (*types.RunResult, error) {
	r.defaults()
	if err := r.Config.Validate(); err != nil {
		return nil, err
	}
	policy := capture.PolicyFor(src.Kind)
	if r.Policy != nil {
		policy = *r.Policy
	}
	log := r.Logger.With("source", src.String(), "kind", src.Kind.String(), "policy", policy.Name)

	// Connecting
	log.Debug("run state", "state", Connecting)
	handle, err := r.Opener.Open(ctx, src)
	if err != nil {
		log.Error("capture open failed", "error", err)
		r.closeSinks(log)
		return nil, err
	}
	if r.Config.SaveCrops {
		r.crops = &cropWriter{dir: r.Config.CropDir, now: r.Now}
	}

	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	run := &types.RunResult{
		ID:        r.RunID,
		Source:    src.String(),
		Timestamp: r.Now(),
		Frames:    []types.FrameResult{},
	}
	info := handle.Info()
	log.Info("capture opened", "run", run.ID, "width", info.Width, "height", info.Height, "fps", info.FPS)
	for _, o := range r.Observers {
		o.OnConnect(run, info)
	}

	start := r.Now()
	frameIndex := 0
	failures := 0
	state := Streaming
	var stopErr error

	for state == Streaming {
		if ctx.Err() != nil {
			run.StopReason = StopCancelled
			state = Finalizing
			break
		}

		img, err := handle.Read(ctx)
		switch {
		case err == nil:
			failures = 0
			quit, perr := r.process(ctx, run, types.Frame{Index: frameIndex, Time: r.Now(), Image: img})
			if perr != nil {
				log.Warn("frame sink failed", "frame", frameIndex, "error", perr)
			}
			frameIndex++
			run.FramesRead = frameIndex
			if r.Progress != nil {
				r.Progress(frameIndex)
			}
			if r.Config.LogEvery > 0 && frameIndex%r.Config.LogEvery == 0 {
				log.Info("progress", "frames_read", frameIndex, "frames_with_faces", len(run.Frames))
			}
			if quit {
				run.StopReason = StopQuit
				state = Finalizing
			}

		case ctx.Err() != nil:
			run.StopReason = StopCancelled
			state = Finalizing

		case errors.Is(err, capture.ErrEndOfStream) && !policy.Reconnect:
			run.StopReason = StopEndOfStream
			state = Finalizing

		case policy.Reconnect:
			log.Warn("read failed, reconnecting", "error", err, "state", Reconnecting)
			handle, state = r.reconnect(ctx, src, handle, policy, run, start, log)
			if state == Finalizing && run.StopReason == "" {
				run.StopReason = StopCancelled
			}

		default:
			failures++
			log.Warn("read failed", "error", err, "consecutive_failures", failures)
			if policy.Exhausted(failures) {
				run.StopReason = StopReadFailures
				stopErr = fmt.Errorf("%w: %d on %s", ErrReadFailures, failures, src)
				state = Finalizing
			} else if r.Sleep(ctx, policy.Delay(failures)) != nil {
				run.StopReason = StopCancelled
				state = Finalizing
			}
		}

		if state == Streaming && r.Config.Duration > 0 && r.Now().Sub(start) >= r.Config.Duration {
			run.StopReason = StopDuration
			state = Finalizing
		}
	}

	// Finalizing
	log.Debug("run state", "state", Finalizing, "reason", run.StopReason)
	if handle != nil {
		if err := handle.Close(); err != nil {
			log.Warn("capture close failed", "error", err)
		}
	}
	r.closeSinks(log)
	emotion.Finalize(run, r.Config.Vocabulary)
	run.FinishedAt = r.Now()

	// The document is written even when the run was cancelled.
	persistCtx := context.WithoutCancel(ctx)
	for _, rs := range r.Results {
		if err := rs.Persist(persistCtx, run); err != nil {
			log.Error("persisting run result failed", "error", err)
			stopErr = errors.Join(stopErr, err)
		}
	}
	for _, o := range r.Observers {
		o.OnFinish(run)
	}
	log.Info("run finished",
		"run", run.ID,
		"reason", run.StopReason,
		"frames_read", run.FramesRead,
		"frames_sampled", run.FramesSampled,
		"frames_with_faces", len(run.Frames),
		"most_frequent_emotion", run.MostFrequentEmotion,
	)
	return run, stopErr
}

func (r *Runner) closeSinks(log *slog.Logger) {
	for _, s := range r.Sinks {
		if err := s.Close(); err != nil {
			log.Warn("frame sink close failed", "error", err)
		}
	}
}

// reconnect closes the current capture and re-opens src until it succeeds,
// ctx is cancelled or the run duration elapses. It returns the new capture
// and the next state.
func (r *Runner) reconnect(ctx context.Context, src capture.Source, cur capture.Capture, policy capture.Policy, run *types.RunResult, start time.Time, log *slog.Logger) (capture.Capture, State) {
	if cur != nil {
		cur.Close()
	}
	// remaining is the time left before the duration cutoff; ok is false once it passed.
	remaining := func() (time.Duration, bool) {
		if r.Config.Duration <= 0 {
			return 0, true
		}
		left := r.Config.Duration - r.Now().Sub(start)
		return left, left > 0
	}
	for attempt := 1; ; attempt++ {
		left, ok := remaining()
		if !ok {
			run.StopReason = StopDuration
			return nil, Finalizing
		}
		delay := policy.Delay(attempt)
		if r.Config.Duration > 0 && delay > left {
			delay = left
		}
		if err := r.Sleep(ctx, delay); err != nil {
			return nil, Finalizing
		}
		if _, ok := remaining(); !ok {
			run.StopReason = StopDuration
			return nil, Finalizing
		}
		next, err := r.Opener.Open(ctx, src)
		if err == nil {
			run.ReconnectCount++
			log.Info("reconnected", "attempt", attempt)
			return next, Streaming
		}
		if ctx.Err() != nil {
			return nil, Finalizing
		}
		log.Warn("reconnect failed", "attempt", attempt, "retry_in", policy.Delay(attempt+1), "error", err)
	}
}

// process runs one Streaming iteration on a successfully read frame.
// It reports whether a sink asked to quit.
func (r *Runner) process(ctx context.Context, run *types.RunResult, frame types.Frame) (bool, error) {
	out := frame
	if frame.Index%r.Config.Interval == 0 {
		run.FramesSampled++
		faces := r.analyze(ctx, frame)
		if len(faces) > 0 {
			fr := types.FrameResult{FrameIndex: frame.Index, Timestamp: frame.Time, Faces: faces}
			run.Frames = append(run.Frames, fr)
			for _, o := range r.Observers {
				o.OnFrame(run, fr)
			}
			if r.Config.Annotate && len(r.Sinks) > 0 {
				out.Image = annotate.Faces(frame.Image, faces)
			}
		}
	}

	var sinkErr error
	for _, s := range r.Sinks {
		if err := s.WriteFrame(ctx, out); err != nil {
			if errors.Is(err, ErrQuit) {
				return true, nil
			}
			sinkErr = errors.Join(sinkErr, err)
		}
	}
	return false, sinkErr
}

// analyze locates and classifies faces in a sampled frame. Locator errors
// drop the frame; classifier errors record the unknown sentinel.
func (r *Runner) analyze(ctx context.Context, frame types.Frame) []types.FaceResult {
	boxes, err := r.Locator.Locate(ctx, frame.Image)
	if err != nil {
		r.Logger.Warn("face locator failed", "frame", frame.Index, "error", err)
		return nil
	}

	candidates := detect.ClipAll(boxes, frame.Image.Bounds())
	faces := make([]types.FaceResult, 0, len(candidates))
	for _, c := range candidates {
		crop := detect.Crop(frame.Image, c.BBox)
		pred, err := emotion.Classify(ctx, r.Classifier, crop)
		if err != nil {
			r.Logger.Warn("classification failed", "frame", frame.Index, "face", c.ID, "error", err)
		}
		faces = append(faces, types.FaceResult{ID: c.ID, BBox: c.BBox, Prediction: pred})

		if r.crops != nil {
			if err := r.crops.save(frame.Index, c.ID, crop); err != nil {
				r.Logger.Warn("saving crop failed", "frame", frame.Index, "face", c.ID, "error", err)
			}
		}
	}
	return faces
}
