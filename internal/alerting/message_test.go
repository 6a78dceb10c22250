package alerting

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"collateral-alerts/internal/evaluator"
	"collateral-alerts/internal/storage"
)

func TestRenderMessage(t *testing.T) {
	alert := storage.Alert{AccountID: "0xabc", GroupID: "0xdef", ThresholdPct: decimal.NewFromInt(110)}
	res := evaluator.Result{
		Assets:      decimal.NewFromInt(1050),
		Liabilities: decimal.NewFromInt(1000),
		RatioPct:    decimal.NewFromInt(105),
		BlockNumber: 9,
	}

	msg := RenderMessage(alert, res, "https://app.example.com")
	assert.True(t, strings.HasPrefix(msg, "Your collateral ratio is at or below 110%\n"))
	assert.Contains(t, msg, "Current ratio: 105.00%")
	assert.Contains(t, msg, "Assets: 1050.00 / Liabilities: 1000.00")
	assert.True(t, strings.HasSuffix(msg, "Visit https://app.example.com"))

	assert.NotContains(t, RenderMessage(alert, res, ""), "Visit")
}
