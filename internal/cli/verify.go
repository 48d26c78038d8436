package cli

import (
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Audit the ledger stored in the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Verify(cmd.Context())
	},
}
