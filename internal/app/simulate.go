package app

import (
	"context"
	"errors"
	"fmt"

	"collateral-alerts/internal/alerting"
	"collateral-alerts/internal/evaluator"
	"collateral-alerts/internal/fetcher"
	"collateral-alerts/internal/storage"
)

// SimulateOptions describe a throwaway alert evaluated against live chain state.
type SimulateOptions struct {
	CreateAlertOptions
	ChatID string
	// Send dispatches the rendered message even when the alert would not fire.
	Send bool
}

// SimulateAlert reads the account's group once, evaluates a hypothetical alert
// and optionally pushes the message through the configured channel. Nothing
// is persisted.
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) (evaluator.Result, error) {
	alert, err := a.buildAlert(opts.CreateAlertOptions)
	if err != nil {
		return evaluator.Result{}, err
	}
	if alert.Channel == storage.ChannelChat {
		alert.ChatSessionID = opts.ChatID
	}

	chain := fetcher.NewChain(fetcher.ChainOptions{
		RPCURL:  a.Config.Ethereum.RPCURL,
		Timeout: a.Config.Ethereum.RequestTimeout,
	}, a.Logger)
	return a.simulate(ctx, chain, alert, opts.Send)
}

func (a *App) simulate(ctx context.Context, reader fetcher.GroupReader, alert storage.Alert, send bool) (evaluator.Result, error) {
	snapshot, err := reader.ReadGroup(ctx, alert.GroupID)
	if err != nil {
		return evaluator.Result{}, fmt.Errorf("read group %s: %w", alert.GroupID, err)
	}

	res, err := evaluator.Evaluate(alert, snapshot)
	if err != nil {
		return evaluator.Result{}, err
	}

	ratio := res.RatioPct.StringFixed(4) + "%"
	if res.Unbounded {
		ratio = "unbounded (no liabilities)"
	}
	fmt.Fprintf(a.Out, "block %d: assets %s liabilities %s ratio %s threshold %s%% fire=%t\n",
		res.BlockNumber, res.Assets.StringFixed(2), res.Liabilities.StringFixed(2), ratio, alert.ThresholdPct.String(), res.ShouldFire)

	if !send {
		return res, nil
	}

	dispatcher := a.newDispatcher(false)
	delivered, err := dispatcher.Send(ctx, alert, alerting.RenderMessage(alert, res, a.Config.Engine.VisitURL))
	if err != nil {
		return res, err
	}
	if !delivered {
		return res, errors.New("message not delivered; chat alerts need --chat-id")
	}
	fmt.Fprintf(a.Out, "test notification sent via %s\n", alert.Channel)
	return res, nil
}
