package cli

import (
	"github.com/spf13/cobra"

	"txguard/internal/app"
)

var (
	assessFile    string
	assessWorkers int
)

var assessCmd = &cobra.Command{
	Use:   "assess",
	Short: "Score JSON risk requests offline",
	Long: `Score one request object or an array of them, each shaped as
{"transaction": {...}, "context": {...}, "at": "RFC3339"}. Results are
printed as JSON in the same shape.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.AssessOptions{
			Path:    assessFile,
			Workers: assessWorkers,
		}
		return getApp().Assess(cmd.Context(), cmd.InOrStdin(), opts)
	},
}

func init() {
	assessCmd.Flags().StringVarP(&assessFile, "file", "f", "-", "Request file, - for stdin")
	assessCmd.Flags().IntVar(&assessWorkers, "workers", 0, "Concurrent scorers (defaults to config)")
}
