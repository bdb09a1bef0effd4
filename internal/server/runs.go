package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/types"
)

// Run states reported by the API.
const (
	StateRunning   = "running"
	StateFinished  = "finished"
	StateCancelled = "cancelled"
	StateFailed    = "failed"
)

// RunStatus is the API view of a background run.
type RunStatus struct {
	ID         string           `json:"id"`
	Source     string           `json:"source"`
	State      string           `json:"state"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	FramesRead int64            `json:"frames_read"`
	Error      string           `json:"error,omitempty"`
	Result     *types.RunResult `json:"result,omitempty"`
}

type runEntry struct {
	id      string
	source  string
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
	live    *liveFeed
	frames  atomic.Int64

	mu       sync.Mutex
	state    string
	finished time.Time
	result   *types.RunResult
	err      error
}

func newRunEntry(id string, src capture.Source, cancel context.CancelFunc) *runEntry {
	return &runEntry{
		id:      id,
		source:  src.String(),
		started: time.Now(),
		cancel:  cancel,
		done:    make(chan struct{}),
		live:    newLiveFeed(),
		state:   StateRunning,
	}
}

func (e *runEntry) finish(run *types.RunResult, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = run
	e.err = err
	e.finished = time.Now()
	switch {
	case err != nil:
		e.state = StateFailed
	case run != nil && run.StopReason == pipeline.StopCancelled:
		e.state = StateCancelled
	default:
		e.state = StateFinished
	}
}

func (e *runEntry) status(withResult bool) RunStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := RunStatus{
		ID:         e.id,
		Source:     e.source,
		State:      e.state,
		StartedAt:  e.started,
		FramesRead: e.frames.Load(),
	}
	if e.state != StateRunning {
		t := e.finished
		st.FinishedAt = &t
	}
	if e.err != nil {
		st.Error = e.err.Error()
	}
	if withResult {
		st.Result = e.result
	}
	return st
}

func (e *runEntry) running() bool {
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// liveMessage is one websocket message of GET /runs/:id/live.
type liveMessage struct {
	Type   string             `json:"type"` // connected, frame, summary
	Info   *capture.Info      `json:"info,omitempty"`
	Frame  *types.FrameResult `json:"frame,omitempty"`
	Result *types.RunResult   `json:"result,omitempty"`
}

const liveBuffer = 64

// liveFeed fans the frame results of a run out to websocket subscribers.
// Slow subscribers miss frames rather than stall the run.
type liveFeed struct {
	mu     sync.Mutex
	subs   map[chan []byte]struct{}
	closed bool
}

var _ pipeline.Observer = (*liveFeed)(nil)

func newLiveFeed() *liveFeed {
	return &liveFeed{subs: make(map[chan []byte]struct{})}
}

// subscribe returns false once the run has finished.
func (f *liveFeed) subscribe() (chan []byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, false
	}
	ch := make(chan []byte, liveBuffer)
	f.subs[ch] = struct{}{}
	return ch, true
}

func (f *liveFeed) unsubscribe(ch chan []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[ch]; ok {
		delete(f.subs, ch)
		close(ch)
	}
}

func (f *liveFeed) broadcast(msg liveMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- data:
		default:
		}
	}
}

func (f *liveFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	for ch := range f.subs {
		close(ch)
	}
	f.subs = make(map[chan []byte]struct{})
}

func (f *liveFeed) OnConnect(run *types.RunResult, info capture.Info) {
	f.broadcast(liveMessage{Type: "connected", Info: &info})
}

func (f *liveFeed) OnFrame(run *types.RunResult, fr types.FrameResult) {
	f.broadcast(liveMessage{Type: "frame", Frame: &fr})
}

func (f *liveFeed) OnFinish(run *types.RunResult) {
	f.broadcast(liveMessage{Type: "summary", Result: run})
	f.close()
}

var errTooManyRuns = errors.New("too many concurrent runs")
