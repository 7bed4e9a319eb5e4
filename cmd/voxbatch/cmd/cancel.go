package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a batch session",
	Long:  `Cancels a session. Jobs already running finish; jobs still queued are skipped.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := postJSON("/sessions/"+args[0]+"/cancel", nil, &result); err != nil {
			return err
		}

		if result.Cancelled {
			fmt.Println("Session cancelled")
		} else {
			fmt.Println("Session not cancelled (unknown or already finished)")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
