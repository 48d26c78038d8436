package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"txguard/internal/app"
)

var (
	showLimit  int
	showBlocks bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent assessments or stored ledger blocks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Blocks: showBlocks,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showBlocks, "blocks", false, "Show the latest ledger blocks instead of assessments")
}
