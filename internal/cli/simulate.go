package cli

import (
	"github.com/spf13/cobra"

	"collateral-alerts/internal/app"
)

var (
	simulateChatID string
	simulateSend   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Evaluate a hypothetical alert against live chain state",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := createOptions()
		if err != nil {
			return err
		}
		_, err = getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			CreateAlertOptions: opts,
			ChatID:             simulateChatID,
			Send:               simulateSend,
		})
		return err
	},
}

func init() {
	addCreateFlags(simulateCmd)
	simulateCmd.Flags().StringVar(&simulateChatID, "chat-id", "", "Chat to deliver to for chat alerts")
	simulateCmd.Flags().BoolVar(&simulateSend, "send", false, "Send the rendered message through the channel")
}
