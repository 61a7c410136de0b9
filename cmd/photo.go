package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var (
	photoOpts   Options
	photoWarmup int
)

var photoCmd = &cobra.Command{
	Use:   "photo",
	Short: "Capture one anonymized photo into the media library",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runPhoto(cmd.Context(), photoOpts)
	},
}

func init() {
	addPipelineFlags(photoCmd, &photoOpts)
	photoCmd.Flags().IntVarP(&photoWarmup, "warmup", "w", 15, "Frames to render before capturing so tracking settles")
	photoCmd.Flags().BoolVar(&photoOpts.StripMetadata, "strip-metadata", false, "Do not store location with the photo")
	rootCmd.AddCommand(photoCmd)
}

func runPhoto(ctx context.Context, opts Options) error {
	ctx, cancel := withDuration(ctx, opts.Duration)
	defer cancel()

	if photoWarmup < 1 {
		err := fmt.Errorf("warmup must be at least 1 frame, got %d", photoWarmup)
		utils.ShowError("Invalid flags", err, nil)
		return err
	}
	initial, err := validateOptions(&opts, Cfg)
	if err != nil {
		utils.ShowError("Invalid flags", err, nil)
		return err
	}

	engine, _, err := buildEngine(ctx, &opts, Cfg, initial, DB)
	if err != nil {
		utils.ShowError("Failed to build pipeline", err, nil)
		return err
	}
	defer engine.Close()

	obs := newConsoleObserver()
	engine.AddObserver(obs)

	run := startRun(ctx, engine)
	defer run.stop()

	fmt.Fprintf(os.Stderr, "🚀 Warming up camera (%d frames)...\n", photoWarmup)
	if err := obs.waitFrames(ctx, int64(photoWarmup), run); err != nil {
		utils.ShowError("Camera produced no frames", err, nil)
		return err
	}

	item, err := engine.TakePhoto(ctx)
	if err != nil {
		utils.ShowError("Failed to capture photo", err, nil)
		return err
	}
	printCaptured(types.AssetPhoto, item)
	return nil
}

func printCaptured(kind types.AssetKind, item types.CapturedItem) {
	fmt.Printf("%s\t%s\t%s\n", kind, item.LibraryID, item.FilePath)
}
