package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/emoscan/internal/config"
	"github.com/andresmejia3/emoscan/internal/store"
)

var (
	// DB is the run history connection shared by subcommands. It is nil when
	// no database is configured.
	DB *store.Store
	// cfg is the loaded configuration, flags applied by each subcommand
	cfg *config.Config

	configPath string
	dbURL      string
	logLevel   string
)

// Version is the application version.
const Version = "0.1.0"

// Subcommands that cannot run without the database carry this annotation.
const needsDB = "needs-db"

var rootCmd = &cobra.Command{
	Use:     "emoscan",
	Short:   "Face emotion labelling for images, videos, webcams and RTSP streams",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if dbURL != "" {
			cfg.Database.URL = dbURL
		}
		if logLevel != "" {
			cfg.LogLevel = logLevel
		}
		setupLogger(cfg.LogLevel)

		if cfg.Database.URL == "" {
			if _, ok := cmd.Annotations[needsDB]; ok {
				return fmt.Errorf("%s needs a database: use --db or set POSTGRES_HOST", cmd.Name())
			}
			return nil
		}

		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
	},
}

// setupLogger routes library logs to stderr at the configured level.
func setupLogger(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelWarn
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string for the run history (default: from POSTGRES_* env, otherwise disabled)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Library log level: debug, info, warn, error")
}
