package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"finpatrol/internal/app"
)

var (
	cleanupMessageDays int
	cleanupSamples     time.Duration
	cleanupMinPayload  int
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Apply retention to messages, snapshots and samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cleanupSamples != 0 && cleanupSamples < 8*24*time.Hour {
			return fmt.Errorf("--samples must keep at least 192h of history")
		}
		return getApp().Cleanup(cmd.Context(), app.CleanupOptions{
			MessageDays:     cleanupMessageDays,
			SampleRetention: cleanupSamples,
			MinPayload:      cleanupMinPayload,
		})
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupMessageDays, "message-days", 0, "Keep messages and snapshots this many days (defaults to config)")
	cleanupCmd.Flags().DurationVar(&cleanupSamples, "samples", 0, "Keep samples this long (defaults to config)")
	cleanupCmd.Flags().IntVar(&cleanupMinPayload, "min-payload", 0, "Purge messages with shorter payloads (defaults to config)")
}
