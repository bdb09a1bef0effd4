package pipeline

import (
	"errors"
	"io"
	"log/slog"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/detect"
	"github.com/andresmejia3/emoscan/internal/emotion"
)

// Engine bundles the collaborators of one run. Engines are not shared between
// concurrent runs.
type Engine struct {
	Opener     capture.Opener
	Locator    detect.Locator
	Classifier emotion.Classifier
	Sinks      []FrameSink
	Results    []ResultSink
	Observers  []Observer

	closers []io.Closer
}

// OnClose registers c to be closed, in reverse order, by Close.
func (e *Engine) OnClose(c io.Closer) {
	if c != nil {
		e.closers = append(e.closers, c)
	}
}

// Close releases the models and connections held by the engine.
func (e *Engine) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

// Runner returns a Runner wired to the engine.
func (e *Engine) Runner(cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		Config:     cfg,
		Opener:     e.Opener,
		Locator:    e.Locator,
		Classifier: e.Classifier,
		Sinks:      append([]FrameSink(nil), e.Sinks...),
		Results:    append([]ResultSink(nil), e.Results...),
		Observers:  append([]Observer(nil), e.Observers...),
		Logger:     logger,
	}
}
