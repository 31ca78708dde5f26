package cli

import (
	"github.com/spf13/cobra"

	"finpatrol/internal/app"
)

var (
	digestPersist bool
	digestRaw     bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Aggregate quotes once and print the message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Digest(cmd.Context(), app.DigestOptions{
			Persist: digestPersist,
			Raw:     digestRaw,
		})
	},
}

func init() {
	digestCmd.Flags().BoolVar(&digestPersist, "persist", false, "Store samples and today's snapshot")
	digestCmd.Flags().BoolVar(&digestRaw, "json", false, "Print the processed payload as JSON")
}
