package cli

import (
	"github.com/spf13/cobra"

	"txguard/internal/alerting"
)

var simulateKind string

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Send a synthetic alert through the configured channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), alerting.Kind(simulateKind))
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateKind, "kind", string(alerting.KindTest), "Alert kind: test, high_risk or ledger_tampered")
}
