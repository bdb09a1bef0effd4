package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/emoscan/internal/emotion"
	"github.com/andresmejia3/emoscan/internal/store"
	"github.com/andresmejia3/emoscan/internal/utils"
)

var (
	historyLimit  int
	historyTotals bool
	historyDelete bool
)

var historyCmd = &cobra.Command{
	Use:         "history [run_id]",
	Short:       "List stored runs, or show the emotion histogram of one run",
	Args:        cobra.MaximumNArgs(1),
	Annotations: map[string]string{needsDB: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		if historyDelete {
			if len(args) != 1 {
				utils.Die("--delete needs a run id", nil, nil)
			}
			deleteRun(cmd, args[0])
			return
		}
		if len(args) == 1 {
			showRun(cmd, args[0])
			return
		}
		if historyTotals {
			showTotals(cmd)
			return
		}
		listRuns(cmd)
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "Maximum number of runs to list (0 for all)")
	historyCmd.Flags().BoolVar(&historyTotals, "totals", false, "Show emotion totals across all stored runs")
	historyCmd.Flags().BoolVar(&historyDelete, "delete", false, "Delete the given run and its detections")
	rootCmd.AddCommand(historyCmd)
}

func listRuns(cmd *cobra.Command) {
	runs, err := DB.ListRuns(cmd.Context(), historyLimit)
	if err != nil {
		utils.Die("Failed to list runs", err, nil)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tSTARTED\tFRAMES\tFACES\tTOP EMOTION\tSTOP")
	fmt.Fprintln(w, "--\t------\t-------\t------\t-----\t-----------\t----")

	for _, r := range runs {
		top := r.MostFrequentEmotion
		if top == "" {
			top = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Source, r.StartedAt.Local().Format("2006-01-02 15:04"),
			r.FramesRead, r.Faces, top, r.StopReason)
	}
	w.Flush()
}

func showRun(cmd *cobra.Command, id string) {
	run, err := DB.GetRun(cmd.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		utils.Die(fmt.Sprintf("Run %s not found", id), nil, nil)
	}
	if err != nil {
		utils.Die("Failed to load run", err, nil)
	}
	fmt.Printf("📼 %s, started %s\n", run.Source, run.Timestamp.Local().Format("2006-01-02 15:04:05"))
	printSummary(run, cfg.Emotions())
}

func deleteRun(cmd *cobra.Command, id string) {
	err := DB.DeleteRun(cmd.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		utils.Die(fmt.Sprintf("Run %s not found", id), nil, nil)
	}
	if err != nil {
		utils.Die("Failed to delete run", err, nil)
	}
	fmt.Printf("🗑️  Deleted run %s\n", id)
}

func showTotals(cmd *cobra.Command) {
	totals, err := DB.EmotionTotals(cmd.Context())
	if err != nil {
		utils.Die("Failed to compute emotion totals", err, nil)
	}
	if len(totals) == 0 {
		fmt.Println("No detections stored yet.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "EMOTION\tFACES")
	fmt.Fprintln(w, "-------\t-----")
	for _, label := range emotionOrder(totals) {
		fmt.Fprintf(w, "%s\t%d\n", label, totals[label])
	}
	w.Flush()
}

// emotionOrder lists the labels present in counts in tie-break order.
func emotionOrder(counts map[string]int) []string {
	var out []string
	for _, l := range emotion.Order(counts, cfg.Emotions()) {
		if counts[l] > 0 {
			out = append(out, l)
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
