package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/emoscan/internal/utils"
)

var (
	resetDB    bool
	resetFiles bool
	resetCrops bool
	resetYes   bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Run history, Result documents, Face crops)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles && !resetCrops {
			resetDB = true
			resetFiles = true
			resetCrops = true
		}

		reader := bufio.NewReader(os.Stdin)
		ask := func(prompt string) bool { return resetYes || confirm(reader, os.Stdout, prompt) }

		if resetDB {
			if DB == nil {
				fmt.Println("⏭️  No database configured, skipping run history.")
			} else if ask("⚠️  Are you sure you want to DROP the run history tables?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetCrops {
			if ask(fmt.Sprintf("⚠️  Are you sure you want to delete all face crops in %s?", cfg.OutputDir)) {
				fmt.Println("🗑️  Clearing Face Crops...")
				removeDir(filepath.Join(cfg.OutputDir, "crops"))
			}
		}

		if resetFiles {
			if ask(fmt.Sprintf("⚠️  Are you sure you want to delete everything in %s?", cfg.OutputDir)) {
				fmt.Println("🗑️  Clearing Output Files (Results, Annotated media, Server runs)...")
				removeDir(cfg.OutputDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "history", false, "Clear the PostgreSQL run history")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear the output directory")
	resetCmd.Flags().BoolVar(&resetCrops, "crops", false, "Clear saved face crops")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, w io.Writer, prompt string) bool {
	fmt.Fprintf(w, "%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}
