package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/config"
	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/server"
	"github.com/andresmejia3/emoscan/internal/sink"
	"github.com/andresmejia3/emoscan/internal/utils"
)

var (
	serveOpts Options
	serveAddr string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the analysis API over HTTP",
	Long: `Starts the HTTP API:

  GET    /analyze          run synchronously and return the result document
  POST   /runs             start a background run
  GET    /runs[/:id]       background run status
  DELETE /runs/:id         cancel a run, or forget a finished one
  GET    /runs/:id/live    websocket feed of frame results
  GET    /history[/:id]    stored runs (requires --db)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		serveOpts.apply(cmd.Flags(), cfg)
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveAddr
		}
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default: :8080)")
	serveCmd.Flags().StringVarP(&serveOpts.Source, "source", "s", "", "Default source when a request names none")
	addRunFlags(serveCmd.Flags(), &serveOpts)
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	if err := cfg.Validate(); err != nil {
		utils.ShowError("Invalid options", err, nil)
		return err
	}
	if !strings.EqualFold(cfg.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := server.Options{
		Addr:         cfg.Server.Addr,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxRuns:      cfg.Server.MaxRuns,
		HistoryLimit: cfg.Server.HistoryLimit,
		OutputDir:    cfg.OutputDir,
		Vocabulary:   cfg.Emotions(),
		Defaults: server.RunRequest{
			Source:   cfg.Source,
			Interval: cfg.Interval,
		},
	}
	if cfg.Duration > 0 {
		opts.Defaults.Duration = cfg.Duration.String()
	}

	var history server.History
	if DB != nil {
		history = DB
	}

	srv := server.New(opts, serverEngines(cfg), history, slog.Default())
	fmt.Fprintf(os.Stderr, "🌐 Listening on %s (%s detector, %s classifier)\n", cfg.Server.Addr, cfg.Detector.Backend, cfg.Classifier.Backend)
	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		utils.ShowError("Server stopped", err, nil)
		return err
	}
	fmt.Fprintln(os.Stderr, "👋 Server stopped.")
	return nil
}

// serverEngines builds one engine per request. Every run writes its document
// into <output-dir>/<run id>.
func serverEngines(c *config.Config) server.EngineFactory {
	return func(ctx context.Context, runID string, src capture.Source) (*pipeline.Engine, error) {
		doc := sink.StreamDocument
		if src.Kind == capture.KindImage {
			doc = sink.ImageDocument
		}
		return buildEngine(ctx, c, engineSpec{
			src:     src,
			outDir:  filepath.Join(c.OutputDir, runID),
			docName: doc,
		})
	}
}
