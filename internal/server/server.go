// Package server exposes emotion runs over HTTP: synchronous analysis,
// background runs with a live websocket feed, and the stored run history.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/store"
	"github.com/andresmejia3/emoscan/internal/types"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Response is the error body of every failed request.
type Response struct {
	Error string `json:"error"`
}

// RunRequest carries the CLI run parameters. Zero values take the server defaults.
type RunRequest struct {
	Source    string `form:"source" json:"source"`
	Interval  int    `form:"interval" json:"interval"`
	Duration  string `form:"duration" json:"duration"`
	SaveCrops bool   `form:"save_crops" json:"save_crops"`
}

// EngineFactory builds a fresh engine for the run id. Every run gets its own.
type EngineFactory func(ctx context.Context, runID string, src capture.Source) (*pipeline.Engine, error)

// History is the persisted run history, usually *store.Store.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]store.RunSummary, error)
	GetRun(ctx context.Context, id string) (*types.RunResult, error)
}

// Options configures the server.
type Options struct {
	Addr         string
	CORSOrigins  []string
	MaxRuns      int
	HistoryLimit int
	OutputDir    string
	Vocabulary   emotion.Vocabulary
	Defaults     RunRequest
}

// Server is the HTTP front end.
type Server struct {
	opts    Options
	engines EngineFactory
	history History
	logger  *slog.Logger
	router  *gin.Engine

	runs  cmap.ConcurrentMap[string, *runEntry]
	slots chan struct{}
	wg    sync.WaitGroup

	// base context of background runs, cancelled by Shutdown
	ctx  context.Context
	stop context.CancelFunc
}

// New builds the server and its routes. history may be nil.
func New(opts Options, engines EngineFactory, history History, logger *slog.Logger) *Server {
	if opts.MaxRuns < 1 {
		opts.MaxRuns = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Server{
		opts:    opts,
		engines: engines,
		history: history,
		logger:  logger,
		runs:    cmap.New[*runEntry](),
		slots:   make(chan struct{}, opts.MaxRuns),
		ctx:     ctx,
		stop:    stop,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	cc := cors.DefaultConfig()
	if len(s.opts.CORSOrigins) == 0 || slices.Contains(s.opts.CORSOrigins, "*") {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = s.opts.CORSOrigins
	}
	cc.AllowMethods = []string{"GET", "POST", "DELETE"}
	cc.MaxAge = 12 * time.Hour
	router.Use(cors.New(cc))

	router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.GET("/analyze", s.analyze)
	// Background runs
	router.POST("/runs", s.startRun)
	router.GET("/runs", s.listRuns)
	router.GET("/runs/:id", s.getRun)
	router.DELETE("/runs/:id", s.deleteRun)
	router.GET("/runs/:id/live", s.live)
	// Stored history
	router.GET("/history", s.listHistory)
	router.GET("/history/:id", s.getHistory)
	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves until ctx is cancelled, then shuts down the listener
// and cancels the background runs, which still persist their results.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.opts.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		s.Shutdown()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Shutdown()
	return err
}

// Shutdown cancels every background run and waits for them to finalize.
func (s *Server) Shutdown() {
	s.stop()
	s.wg.Wait()
}

// resolve applies the defaults to req and validates the result.
func (s *Server) resolve(req RunRequest, runID string) (capture.Source, pipeline.Config, error) {
	d := s.opts.Defaults
	if req.Source == "" {
		req.Source = d.Source
	}
	if req.Interval == 0 {
		req.Interval = d.Interval
	}
	if req.Duration == "" {
		req.Duration = d.Duration
	}

	src, err := capture.ParseSource(req.Source)
	if err != nil {
		return capture.Source{}, pipeline.Config{}, err
	}
	cfg := pipeline.Config{
		Interval:   req.Interval,
		SaveCrops:  req.SaveCrops,
		Vocabulary: s.opts.Vocabulary,
	}
	if req.Duration != "" {
		if cfg.Duration, err = time.ParseDuration(req.Duration); err != nil {
			return capture.Source{}, pipeline.Config{}, fmt.Errorf("invalid duration: %w", err)
		}
	}
	if cfg.SaveCrops {
		cfg.CropDir = filepath.Join(s.opts.OutputDir, runID, "crops")
	}
	return src, cfg, cfg.Validate()
}

// acquire takes a run slot without blocking.
func (s *Server) acquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() { <-s.slots }

func statusFor(err error) int {
	switch {
	case errors.Is(err, capture.ErrSourceUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrReadFailures):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// analyze runs synchronously and returns the result document.
func (s *Server) analyze(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	id := uuid.NewString()
	src, cfg, err := s.resolve(req, id)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}

	if !s.acquire() {
		c.JSON(http.StatusTooManyRequests, Response{errTooManyRuns.Error()})
		return
	}
	defer s.release()

	ctx := c.Request.Context()
	eng, err := s.engines(ctx, id, src)
	if err != nil {
		c.JSON(statusFor(err), Response{err.Error()})
		return
	}
	defer eng.Close()

	runner := eng.Runner(cfg, s.logger.With("run", id))
	runner.RunID = id
	run, err := runner.Run(ctx, src)
	if err != nil {
		if run == nil {
			c.JSON(statusFor(err), Response{err.Error()})
			return
		}
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "result": run})
		return
	}
	c.JSON(http.StatusOK, run)
}

// startRun starts a background run and returns its id.
func (s *Server) startRun(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}
	id := uuid.NewString()
	src, cfg, err := s.resolve(req, id)
	if err != nil {
		c.JSON(http.StatusBadRequest, Response{err.Error()})
		return
	}

	if !s.acquire() {
		c.JSON(http.StatusTooManyRequests, Response{errTooManyRuns.Error()})
		return
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	eng, err := s.engines(runCtx, id, src)
	if err != nil {
		cancel()
		s.release()
		c.JSON(statusFor(err), Response{err.Error()})
		return
	}

	entry := newRunEntry(id, src, cancel)
	log := s.logger.With("run", id)
	runner := eng.Runner(cfg, log)
	runner.RunID = id
	runner.Observers = append(runner.Observers, entry.live)
	runner.Progress = func(n int) { entry.frames.Store(int64(n)) }
	s.runs.Set(id, entry)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release()
		defer close(entry.done)
		defer entry.live.close()
		defer cancel()

		run, err := runner.Run(runCtx, src)
		if cerr := eng.Close(); cerr != nil {
			log.Warn("closing engine failed", "error", cerr)
		}
		if err != nil {
			log.Error("background run failed", "error", err)
		}
		entry.finish(run, err)
	}()

	c.JSON(http.StatusAccepted, entry.status(false))
}

func (s *Server) listRuns(c *gin.Context) {
	out := make([]RunStatus, 0, s.runs.Count())
	for _, e := range s.runs.Items() {
		out = append(out, e.status(false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	c.JSON(http.StatusOK, out)
}

func (s *Server) getRun(c *gin.Context) {
	entry, ok := s.runs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, Response{"run not found"})
		return
	}
	c.JSON(http.StatusOK, entry.status(true))
}

// deleteRun cancels a running run, or forgets a finished one.
func (s *Server) deleteRun(c *gin.Context) {
	id := c.Param("id")
	entry, ok := s.runs.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, Response{"run not found"})
		return
	}
	if entry.running() {
		entry.cancel()
		c.JSON(http.StatusAccepted, entry.status(false))
		return
	}
	s.runs.Remove(id)
	c.Status(http.StatusNoContent)
}

// live streams the frame results of a running run over a websocket.
func (s *Server) live(c *gin.Context) {
	entry, ok := s.runs.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, Response{"run not found"})
		return
	}
	// Subscribe before the upgrade so no frame is missed after the handshake
	ch, ok := entry.live.subscribe()
	if !ok {
		c.JSON(http.StatusGone, Response{"run already finished"})
		return
	}
	defer entry.live.unsubscribe(ch)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func (s *Server) listHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, Response{"run history requires a database"})
		return
	}
	limit := s.opts.HistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, Response{"limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	runs, err := s.history.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{err.Error()})
		return
	}
	if runs == nil {
		runs = []store.RunSummary{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) getHistory(c *gin.Context) {
	if s.history == nil {
		c.JSON(http.StatusServiceUnavailable, Response{"run history requires a database"})
		return
	}
	run, err := s.history.GetRun(c.Request.Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, Response{err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, Response{err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}
