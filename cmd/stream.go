package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/pipeline"
	"github.com/andresmejia3/emoscan/internal/sink"
	"github.com/andresmejia3/emoscan/internal/types"
	"github.com/andresmejia3/emoscan/internal/utils"
)

var streamOpts Options

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Label face emotions in a video file, webcam or RTSP stream",
	Long: `Reads frames from --source (a video file, a webcam index such as 0, or an
rtsp:// URL), analyzes every Nth frame and writes <output-dir>/stream_results.json
when the source ends, --duration elapses, q is pressed in the preview window
or the command is interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		streamOpts.apply(cmd.Flags(), cfg)
		return runStream(cmd.Context())
	},
}

func init() {
	streamCmd.Flags().StringVarP(&streamOpts.Source, "source", "s", "", "Video file, webcam index or rtsp:// URL (default: 0)")
	streamCmd.Flags().BoolVar(&streamOpts.Display, "display", false, "Show the annotated frames in a window (q to quit)")
	streamCmd.Flags().BoolVar(&streamOpts.Annotate, "annotate", false, "Write an annotated copy of a video file to <output-dir>")
	addRunFlags(streamCmd.Flags(), &streamOpts)
	rootCmd.AddCommand(streamCmd)
}

// runStream orchestrates a stream run: validation, engines, progress tracking and the summary.
func runStream(ctx context.Context) error {
	if err := validateStreamFlags(cfg); err != nil {
		utils.ShowError("Invalid options", err, nil)
		return err
	}
	src, _ := capture.ParseSource(cfg.Source)
	if src.Kind == capture.KindImage {
		err := fmt.Errorf("%s is a still image", src)
		utils.ShowError("Use `emoscan image` for still images", err, nil)
		return err
	}
	if err := ensureDir(cfg.OutputDir); err != nil {
		utils.ShowError("Failed to prepare output directory", err, nil)
		return err
	}

	runID := uuid.NewString()
	fmt.Fprintf(os.Stderr, "📼 Source: %s (%s), run %s\n", src, src.Kind, shortID(runID))
	fmt.Fprintf(os.Stderr, "⚙️  Loading %s detector and %s emotion model...\n", cfg.Detector.Backend, cfg.Classifier.Backend)

	spec := engineSpec{src: src, outDir: cfg.OutputDir, docName: sink.StreamDocument, display: cfg.Display}
	if cfg.Annotate && src.Kind == capture.KindFile {
		spec.annotated = annotatedVideoName(cfg.OutputDir, src.Raw)
	}
	eng, err := buildEngine(ctx, cfg, spec)
	if err != nil {
		utils.ShowError("Failed to start engines", err, nil)
		return err
	}
	defer eng.Close()

	bar := newProgressBar(ctx, src)
	runner := eng.Runner(pipelineConfig(cfg), slog.Default())
	runner.RunID = runID
	runner.Progress = func(int) { bar.Add(1) }
	runner.Observers = append(runner.Observers, &statusPrinter{bar: bar})

	run, err := runner.Run(ctx, src)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if run == nil {
		utils.ShowError("Failed to open source", err, nil)
		return err
	}

	printSummary(run, cfg.Emotions())
	fmt.Fprintf(os.Stderr, "💾 Results written to %s\n", (&sink.FileSink{Dir: cfg.OutputDir, Name: sink.StreamDocument}).Path())
	if spec.annotated != "" {
		fmt.Fprintf(os.Stderr, "🎞️  Annotated video written to %s\n", spec.annotated)
	}
	if err != nil {
		if errors.Is(err, pipeline.ErrReadFailures) {
			utils.ShowError("Source stopped delivering frames", err, nil)
		} else {
			utils.ShowError("Failed to persist results", err, nil)
		}
		return err
	}
	return nil
}

// newProgressBar counts frames against the ffprobe total for files, and
// falls back to a spinner for live sources.
func newProgressBar(ctx context.Context, src capture.Source) *progressbar.ProgressBar {
	total := -1
	if src.Kind == capture.KindFile {
		if n := utils.GetTotalFrames(ctx, src.Raw); n > 0 {
			total = n
		}
	}
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("🎭 Analyzing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// statusPrinter prints the stream info line once the source is connected.
type statusPrinter struct {
	pipeline.NopObserver
	bar *progressbar.ProgressBar
}

func (p *statusPrinter) OnConnect(run *types.RunResult, info capture.Info) {
	p.bar.Clear()
	fmt.Fprintf(os.Stderr, "📡 Connected: %dx%d @ %.1f fps\n", info.Width, info.Height, info.FPS)
}

// printSummary writes the run totals and the emotion histogram to stdout.
func printSummary(run *types.RunResult, vocab emotion.Vocabulary) {
	fmt.Printf("✅ Run finished (%s): %d frames read, %d analyzed, %d with faces\n",
		run.StopReason, run.FramesRead, run.FramesSampled, len(run.Frames))
	if run.MostFrequentEmotion == "" {
		fmt.Println("❌ No faces detected.")
		return
	}
	fmt.Printf("🎭 Most frequent emotion: %s\n\n", run.MostFrequentEmotion)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tCOUNT")
	fmt.Fprintln(w, "-------\t-----")
	for _, label := range emotion.Order(run.EmotionCounts, vocab) {
		if n := run.EmotionCounts[label]; n > 0 {
			fmt.Fprintf(w, "%s\t%d\n", label, n)
		}
	}
	w.Flush()
}
