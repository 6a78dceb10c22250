// Package alerting delivers fired alerts over sms, mail and chat, and runs the
// chat bot that binds claimed alerts to a chat session.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"collateral-alerts/internal/storage"
)

var (
	// ErrTransportFailure wraps every failed delivery attempt.
	ErrTransportFailure = errors.New("notification transport failure")
	// ErrUnsupportedChannel means no channel is registered for the alert.
	ErrUnsupportedChannel = errors.New("unsupported notification channel")
)

// Channel delivers a message to one kind of destination.
type Channel interface {
	Name() storage.Channel
	// Validate checks that the alert carries the destination this channel needs.
	Validate(alert storage.Alert) error
	// Send reports delivered=true only when the provider accepted the message.
	Send(ctx context.Context, alert storage.Alert, message string) (bool, error)
}

// Dispatcher routes alerts to the channel named by alert.Channel.
type Dispatcher struct {
	channels map[storage.Channel]Channel
	timeout  time.Duration
	logger   zerolog.Logger
}

// NewDispatcher registers channels. A timeout <= 0 disables the per-send bound.
func NewDispatcher(timeout time.Duration, logger zerolog.Logger, channels ...Channel) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[storage.Channel]Channel, len(channels)),
		timeout:  timeout,
		logger:   logger.With().Str("component", "dispatcher").Logger(),
	}
	for _, ch := range channels {
		d.Register(ch)
	}
	return d
}

// Register adds or replaces the channel for ch.Name().
func (d *Dispatcher) Register(ch Channel) {
	d.channels[ch.Name()] = ch
}

// Channels lists the registered channel names.
func (d *Dispatcher) Channels() []storage.Channel {
	names := make([]storage.Channel, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	return names
}

// Validate checks the alert against its channel.
func (d *Dispatcher) Validate(alert storage.Alert) error {
	ch, ok := d.channels[alert.Channel]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedChannel, alert.Channel)
	}
	if err := ch.Validate(alert); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrValidation, err)
	}
	return nil
}

// Send delivers message for alert. Failures come back wrapped with
// ErrTransportFailure and a panicking channel is turned into an error.
func (d *Dispatcher) Send(ctx context.Context, alert storage.Alert, message string) (delivered bool, err error) {
	ch, ok := d.channels[alert.Channel]
	if !ok {
		return false, fmt.Errorf("alert %s: %w: %q", alert.ID, ErrUnsupportedChannel, alert.Channel)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			delivered = false
			err = fmt.Errorf("alert %s via %s: %w: panic: %v", alert.ID, alert.Channel, ErrTransportFailure, r)
		}
	}()

	delivered, err = ch.Send(ctx, alert, message)
	if err != nil {
		if !errors.Is(err, ErrTransportFailure) {
			err = fmt.Errorf("%w: %w", ErrTransportFailure, err)
		}
		return false, fmt.Errorf("alert %s via %s: %w", alert.ID, alert.Channel, err)
	}

	d.logger.Debug().Str("alert_id", alert.ID).Str("channel", string(alert.Channel)).Bool("delivered", delivered).Msg("dispatch finished")
	return delivered, nil
}
