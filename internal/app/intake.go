package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"collateral-alerts/internal/alerting"
	"collateral-alerts/internal/fetcher"
	"collateral-alerts/internal/storage"
)

const claimCodeAttempts = 5

// CreateAlertOptions describe a new alert.
type CreateAlertOptions struct {
	GroupID      string
	AccountID    string
	ThresholdPct decimal.Decimal
	Channel      string
	Phone        string
	Email        string
}

// ListAlertsOptions filter the alert listing.
type ListAlertsOptions struct {
	AccountID string
	Limit     int
}

// CreateAlert validates and persists a new alert. Chat alerts get a fresh
// claim code the user sends to the bot.
func (a *App) CreateAlert(ctx context.Context, opts CreateAlertOptions) (storage.Alert, error) {
	alert, err := a.buildAlert(opts)
	if err != nil {
		return storage.Alert{}, err
	}

	store, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return storage.Alert{}, err
	}
	defer closeStore()

	if alert.Channel != storage.ChannelChat {
		created, err := store.Create(ctx, alert)
		if err != nil {
			return storage.Alert{}, err
		}
		a.printCreated(created)
		return created, nil
	}

	for attempt := 1; attempt <= claimCodeAttempts; attempt++ {
		created, err := store.Create(ctx, alert)
		if errors.Is(err, storage.ErrClaimCodeTaken) {
			a.Logger.Debug().Int("attempt", attempt).Msg("claim code collision; retrying")
			if alert.ClaimCode, err = alerting.NewClaimCode(); err != nil {
				return storage.Alert{}, fmt.Errorf("generate claim code: %w", err)
			}
			continue
		}
		if err != nil {
			return storage.Alert{}, err
		}
		a.printCreated(created)
		return created, nil
	}
	return storage.Alert{}, fmt.Errorf("no free claim code after %d attempts", claimCodeAttempts)
}

func (a *App) buildAlert(opts CreateAlertOptions) (storage.Alert, error) {
	channel, ok := storage.ParseChannel(strings.ToLower(strings.TrimSpace(opts.Channel)))
	if !ok {
		return storage.Alert{}, fmt.Errorf("%w: unknown channel %q", storage.ErrValidation, opts.Channel)
	}
	if !common.IsHexAddress(opts.GroupID) {
		return storage.Alert{}, fmt.Errorf("%w: group %q is not a hex address", storage.ErrValidation, opts.GroupID)
	}
	if !common.IsHexAddress(opts.AccountID) {
		return storage.Alert{}, fmt.Errorf("%w: account %q is not a hex address", storage.ErrValidation, opts.AccountID)
	}
	if !opts.ThresholdPct.IsPositive() {
		return storage.Alert{}, fmt.Errorf("%w: threshold must be greater than zero", storage.ErrValidation)
	}

	alert := storage.Alert{
		ID:           uuid.NewString(),
		GroupID:      fetcher.NormalizeAddress(opts.GroupID),
		AccountID:    fetcher.NormalizeAddress(opts.AccountID),
		ThresholdPct: opts.ThresholdPct,
		Channel:      channel,
		IsOpen:       true,
		CreatedAt:    time.Now().UTC(),
	}
	switch channel {
	case storage.ChannelSMS:
		alert.Phone = strings.TrimSpace(opts.Phone)
	case storage.ChannelMail:
		alert.Email = strings.TrimSpace(opts.Email)
	case storage.ChannelChat:
		code, err := alerting.NewClaimCode()
		if err != nil {
			return storage.Alert{}, fmt.Errorf("generate claim code: %w", err)
		}
		alert.ClaimCode = code
	}

	if err := a.newDispatcher(true).Validate(alert); err != nil {
		return storage.Alert{}, err
	}
	return alert, nil
}

func (a *App) printCreated(alert storage.Alert) {
	fmt.Fprintf(a.Out, "created alert %s (%s, threshold %s%%)\n", alert.ID, alert.Channel, alert.ThresholdPct.String())
	if alert.Channel == storage.ChannelChat {
		fmt.Fprintf(a.Out, "claim code: %s\nsend it to the bot within %s to activate the alert\n", alert.ClaimCode, a.Config.Engine.UnclaimedExpiry)
	}
}

// ListAlerts prints recent alerts, optionally for one account.
func (a *App) ListAlerts(ctx context.Context, opts ListAlertsOptions) ([]storage.Alert, error) {
	store, closeStore, err := a.openStore(ctx, true)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	var alerts []storage.Alert
	if opts.AccountID != "" {
		alerts, err = store.ListByAccount(ctx, fetcher.NormalizeAddress(opts.AccountID))
		if err == nil && opts.Limit > 0 && len(alerts) > opts.Limit {
			alerts = alerts[:opts.Limit]
		}
	} else {
		alerts, err = store.ListAlerts(ctx, opts.Limit)
	}
	if err != nil {
		return nil, err
	}

	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no alerts found")
		return alerts, nil
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tCreated (UTC)\tAccount\tThreshold%\tChannel\tDestination\tState")
	for _, alert := range alerts {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			alert.ID,
			alert.CreatedAt.UTC().Format(time.RFC3339),
			alert.AccountID,
			alert.ThresholdPct.String(),
			alert.Channel,
			destination(alert),
			state(alert),
		)
	}
	writer.Flush()
	return alerts, nil
}

func destination(alert storage.Alert) string {
	switch alert.Channel {
	case storage.ChannelSMS:
		return alert.Phone
	case storage.ChannelMail:
		return alert.Email
	default:
		if alert.ChatSessionID != "" {
			return "chat " + alert.ChatSessionID
		}
		return "code " + alert.ClaimCode
	}
}

func state(alert storage.Alert) string {
	switch {
	case !alert.IsOpen && alert.FiredAt != nil:
		return "fired " + alert.FiredAt.UTC().Format(time.RFC3339)
	case alert.PendingClaim():
		return "pending claim"
	case alert.IsOpen:
		return "open"
	default:
		return "closed"
	}
}
