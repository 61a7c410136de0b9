package cmd

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB    bool
	resetFiles bool
	resetTemp  bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset system state (Media library, Captured files, Temp files)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetFiles && !resetTemp {
			resetDB = true
			resetFiles = true
			resetTemp = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			if confirm(reader, "⚠️  Are you sure you want to DROP the media library?") {
				fmt.Println("🗑️  Clearing Database...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetFiles {
			if confirm(reader, "⚠️  Are you sure you want to delete all captured photos and videos?") {
				fmt.Println("🗑️  Clearing Captured Files (Photos, Videos)...")
				removeDir(Cfg.Photo.OutputDir)
				removeDir(Cfg.Video.OutputDir)
			}
		}

		if resetTemp {
			if confirm(reader, "⚠️  Are you sure you want to delete unfinished recording segments?") {
				fmt.Println("🗑️  Clearing Temp Files...")
				removeTemp(Cfg.Video.TempDir)
			}
		}

		fmt.Println("✨ System Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "db", false, "Clear the PostgreSQL media library")
	resetCmd.Flags().BoolVar(&resetFiles, "files", false, "Clear captured photos and videos")
	resetCmd.Flags().BoolVar(&resetTemp, "temp", false, "Clear leftover recording segments")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r *bufio.Reader, prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := r.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

func removeDir(path string) {
	if path == "" {
		return
	}
	if err := os.RemoveAll(path); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove %s: %v\n", path, err)
	}
}

// removeTemp deletes only the files recordings leave in a shared temp dir.
func removeTemp(dir string) {
	if dir == "" {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, "veil-*"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to scan %s: %v\n", dir, err)
		return
	}
	if err := utils.RemoveFiles(matches...); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to remove temp files: %v\n", err)
	}
}
