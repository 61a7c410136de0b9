package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured photos and videos in the media library",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		assets, err := DB.ListAssets(cmd.Context(), listLimit)
		if err != nil {
			utils.ShowError("Failed to list media", err, nil)
			return err
		}
		printAssets(assets)
		return nil
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of assets to show (0 for all)")
	rootCmd.AddCommand(listCmd)
}

func printAssets(assets []types.Asset) {
	if len(assets) == 0 {
		fmt.Println("No media found in library.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tCREATED\tLOCATION\tPATH")
	fmt.Fprintln(w, "--\t----\t-------\t--------\t----")

	for _, a := range assets {
		loc := "-"
		if a.Location != nil {
			loc = fmt.Sprintf("%.5f,%.5f", a.Location.Latitude, a.Location.Longitude)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Kind, a.CreatedAt.Local().Format("2006-01-02 15:04"), loc, a.Path)
	}
	w.Flush()
}
