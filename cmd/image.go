package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/emoscan/internal/annotate"
	"github.com/andresmejia3/emoscan/internal/capture"
	"github.com/andresmejia3/emoscan/internal/sink"
	"github.com/andresmejia3/emoscan/internal/types"
	"github.com/andresmejia3/emoscan/internal/utils"
)

var imageOpts Options

var imageCmd = &cobra.Command{
	Use:   "image <image_path>",
	Short: "Label face emotions in a still image",
	Long: `Analyzes a single image and writes <output-dir>/results.json plus an
annotated copy named emotion_<image name>.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		imageOpts.apply(cmd.Flags(), cfg)
		cfg.Source = args[0]
		return runImage(cmd.Context())
	},
}

func init() {
	f := imageCmd.Flags()
	f.StringVarP(&imageOpts.OutputDir, "output-dir", "o", "", "Directory for results.json and the annotated image (default: output)")
	f.BoolVar(&imageOpts.SaveCrops, "save-crops", false, "Save every classified face crop under <output-dir>/crops")
	addModelFlags(f, &imageOpts)
	rootCmd.AddCommand(imageCmd)
}

func runImage(ctx context.Context) error {
	// A still image is a single frame: every frame is analyzed
	cfg.Interval = 1
	cfg.Duration = 0
	if err := validateStreamFlags(cfg); err != nil {
		utils.ShowError("Invalid options", err, nil)
		return err
	}
	src, _ := capture.ParseSource(cfg.Source)
	if src.Kind != capture.KindImage {
		err := fmt.Errorf("%s is not a supported image (jpg, png, bmp, gif)", src)
		utils.ShowError("Use `emoscan stream` for videos and cameras", err, nil)
		return err
	}
	if err := ensureDir(cfg.OutputDir); err != nil {
		utils.ShowError("Failed to prepare output directory", err, nil)
		return err
	}

	fmt.Fprintf(os.Stderr, "⚙️  Loading %s detector and %s emotion model...\n", cfg.Detector.Backend, cfg.Classifier.Backend)
	visualization := sink.VisualizationName(cfg.OutputDir, src.Raw)
	eng, err := buildEngine(ctx, cfg, engineSpec{
		src:       src,
		outDir:    cfg.OutputDir,
		docName:   sink.ImageDocument,
		annotated: visualization,
	})
	if err != nil {
		utils.ShowError("Failed to start engines", err, nil)
		return err
	}
	defer eng.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	runner := eng.Runner(pipelineConfig(cfg), slog.Default())
	runner.RunID = uuid.NewString()
	run, err := runner.Run(ctx, src)
	if run == nil {
		utils.ShowError("Failed to read image", err, nil)
		return err
	}
	if err != nil {
		utils.ShowError("Failed to persist results", err, nil)
		return err
	}

	if len(run.Frames) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
	} else {
		printFaces(run.Frames[0].Faces)
	}
	fmt.Fprintf(os.Stderr, "💾 Results written to %s\n", (&sink.FileSink{Dir: cfg.OutputDir, Name: sink.ImageDocument}).Path())
	fmt.Fprintf(os.Stderr, "🖼️  Visualization written to %s\n", visualization)
	return nil
}

func printFaces(faces []types.FaceResult) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACE\tBOX\tEMOTION")
	fmt.Fprintln(w, "----\t---\t-------")
	for _, f := range faces {
		fmt.Fprintf(w, "%d\t%dx%d+%d+%d\t%s\n", f.ID, f.BBox.Width, f.BBox.Height, f.BBox.X, f.BBox.Y, annotate.Label(f.Prediction))
	}
	w.Flush()
}
