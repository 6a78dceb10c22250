// Package evaluator computes the collateral ratio of a watched margin account
// and decides whether its alert fires.
package evaluator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"collateral-alerts/internal/fetcher"
	"collateral-alerts/internal/storage"
)

var (
	// ErrAccountNotFound means the watched account is absent from its group.
	ErrAccountNotFound = errors.New("margin account not found in group")
	// ErrSnapshotMissing means the alert's group could not be read this cycle.
	ErrSnapshotMissing = errors.New("group snapshot missing")
)

var hundred = decimal.NewFromInt(100)

// Result is the outcome of evaluating one alert.
// RatioPct is assets over liabilities in percent and stays zero when Unbounded.
type Result struct {
	Assets      decimal.Decimal
	Liabilities decimal.Decimal
	RatioPct    decimal.Decimal
	Unbounded   bool
	ShouldFire  bool
	BlockNumber uint64
}

// Evaluate values the alert's account inside snapshot and compares the ratio
// with the alert threshold. Equality fires.
func Evaluate(alert storage.Alert, snapshot *fetcher.GroupSnapshot) (Result, error) {
	if snapshot == nil {
		return Result{}, fmt.Errorf("alert %s group %s: %w", alert.ID, alert.GroupID, ErrSnapshotMissing)
	}

	acct, ok := snapshot.Account(alert.AccountID)
	if !ok {
		return Result{}, fmt.Errorf("alert %s account %s: %w", alert.ID, alert.AccountID, ErrAccountNotFound)
	}

	assets := value(acct.Deposits, snapshot.DepositIndexes, snapshot.Prices)
	liabilities := value(acct.Borrows, snapshot.BorrowIndexes, snapshot.Prices)

	res := Result{
		Assets:      assets,
		Liabilities: liabilities,
		BlockNumber: snapshot.BlockNumber,
	}
	if !liabilities.IsPositive() {
		res.Unbounded = true
		return res, nil
	}

	res.RatioPct = assets.Div(liabilities).Mul(hundred)
	res.ShouldFire = res.RatioPct.LessThanOrEqual(alert.ThresholdPct)
	return res, nil
}

// value sums amount·index·price over the tokens of a group.
func value(amounts, indexes, prices []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for i, amount := range amounts {
		if i >= len(indexes) || i >= len(prices) {
			break
		}
		total = total.Add(amount.Mul(indexes[i]).Mul(prices[i]))
	}
	return total
}
