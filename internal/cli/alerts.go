package cli

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"collateral-alerts/internal/app"
)

var (
	createGroup     string
	createAccount   string
	createThreshold string
	createChannel   string
	createPhone     string
	createEmail     string

	listAccount string
	listLimit   int
)

var createAlertCmd = &cobra.Command{
	Use:   "create-alert",
	Short: "Register a collateral ratio alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := createOptions()
		if err != nil {
			return err
		}
		_, err = getApp().CreateAlert(cmd.Context(), opts)
		return err
	},
}

var listAlertsCmd = &cobra.Command{
	Use:   "list-alerts",
	Short: "List registered alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := getApp().ListAlerts(cmd.Context(), app.ListAlertsOptions{
			AccountID: listAccount,
			Limit:     listLimit,
		})
		return err
	},
}

func createOptions() (app.CreateAlertOptions, error) {
	threshold, err := decimal.NewFromString(createThreshold)
	if err != nil {
		return app.CreateAlertOptions{}, fmt.Errorf("invalid --threshold value: %w", err)
	}
	return app.CreateAlertOptions{
		GroupID:      createGroup,
		AccountID:    createAccount,
		ThresholdPct: threshold,
		Channel:      createChannel,
		Phone:        createPhone,
		Email:        createEmail,
	}, nil
}

func addCreateFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&createGroup, "group", "", "Margin group contract address")
	cmd.Flags().StringVar(&createAccount, "account", "", "Margin account address")
	cmd.Flags().StringVar(&createThreshold, "threshold", "", "Collateral ratio threshold in percent, e.g. 110")
	cmd.Flags().StringVar(&createChannel, "channel", "", "Delivery channel: sms, mail or chat")
	cmd.Flags().StringVar(&createPhone, "phone", "", "E.164 phone number for sms alerts")
	cmd.Flags().StringVar(&createEmail, "email", "", "Address for mail alerts")
	_ = cmd.MarkFlagRequired("group")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("threshold")
	_ = cmd.MarkFlagRequired("channel")
}

func init() {
	addCreateFlags(createAlertCmd)

	listAlertsCmd.Flags().StringVar(&listAccount, "account", "", "Only alerts for this account")
	listAlertsCmd.Flags().IntVar(&listLimit, "limit", 50, "Maximum alerts to list")
}
