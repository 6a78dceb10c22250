package alerting

import (
	"fmt"
	"strings"

	"collateral-alerts/internal/evaluator"
	"collateral-alerts/internal/storage"
)

// RenderMessage builds the notification text for a fired alert.
func RenderMessage(alert storage.Alert, res evaluator.Result, visitURL string) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("Your collateral ratio is at or below %s%%\n", alert.ThresholdPct.String()))
	builder.WriteString(fmt.Sprintf("Current ratio: %s%%\n", res.RatioPct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Assets: %s / Liabilities: %s\n", res.Assets.StringFixed(2), res.Liabilities.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Account %s in group %s at block %d", alert.AccountID, alert.GroupID, res.BlockNumber))
	if visitURL != "" {
		builder.WriteString("\nVisit " + visitURL)
	}
	return builder.String()
}
