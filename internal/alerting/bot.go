package alerting

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collateral-alerts/internal/storage"
)

const (
	ClaimedReply = "Thanks, You have successfully claimed your alert\nYou can now close the dialogue on website"
	InvalidReply = "Sorry, this code is either invalid or expired"
	RetryReply   = "Sorry, we could not check your code right now. Please send it again in a minute"
)

// BotAPI is the part of the Telegram client the bot uses.
type BotAPI interface {
	GetUpdates(ctx context.Context, offset int64, pollTimeout time.Duration) ([]Update, error)
	SendMessage(ctx context.Context, chatID, text string) error
}

// ClaimStore resolves claim codes and binds chat sessions.
type ClaimStore interface {
	FindByClaimCode(ctx context.Context, code string) (*storage.Alert, error)
	BindSession(ctx context.Context, id, sessionID string) error
}

// Bot listens for claim codes and binds the sending chat to the alert.
type Bot struct {
	api          BotAPI
	store        ClaimStore
	pollTimeout  time.Duration
	retryBackoff time.Duration
	onClaim      func(bound bool)
	logger       zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBot constructs a stopped bot.
func NewBot(api BotAPI, store ClaimStore, pollTimeout time.Duration, logger zerolog.Logger) *Bot {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	return &Bot{
		api:          api,
		store:        store,
		pollTimeout:  pollTimeout,
		retryBackoff: 2 * time.Second,
		logger:       logger.With().Str("component", "chat_bot").Logger(),
	}
}

// OnClaim registers a hook told about every handled claim attempt.
func (b *Bot) OnClaim(fn func(bound bool)) {
	b.onClaim = fn
}

// Start launches the polling loop. Calling Start on a running bot is a no-op.
func (b *Bot) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		b.run(ctx)
	}(b.done)
	b.logger.Info().Msg("chat bot started")
}

// Stop cancels the loop and waits for it to exit.
func (b *Bot) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	b.logger.Info().Msg("chat bot stopped")
}

func (b *Bot) run(ctx context.Context) {
	var offset int64
	for {
		if ctx.Err() != nil {
			return
		}

		updates, err := b.api.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn().Err(err).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.retryBackoff):
			}
			continue
		}

		for _, update := range updates {
			if update.ID >= offset {
				offset = update.ID + 1
			}
			if update.ChatID == "" || update.Text == "" {
				continue
			}
			reply, err := b.HandleMessage(ctx, update.ChatID, update.Text)
			if err != nil {
				// the code is still unclaimed, so the user can resend it
				b.logger.Error().Err(err).Str("chat_id", update.ChatID).Msg("claim handling failed")
				reply = RetryReply
			}
			if err := b.api.SendMessage(ctx, update.ChatID, reply); err != nil {
				b.logger.Warn().Err(err).Str("chat_id", update.ChatID).Msg("claim reply failed")
			}
		}
	}
}

// HandleMessage treats text as a claim code and returns the reply for chatID.
// Only an exact, case-sensitive match of an open unclaimed code binds.
func (b *Bot) HandleMessage(ctx context.Context, chatID, text string) (string, error) {
	alert, err := b.store.FindByClaimCode(ctx, text)
	if err != nil {
		return "", err
	}
	if alert == nil {
		b.notify(false)
		return InvalidReply, nil
	}

	if err := b.store.BindSession(ctx, alert.ID, chatID); err != nil {
		if errors.Is(err, storage.ErrAlertNotFound) {
			b.notify(false)
			return InvalidReply, nil
		}
		return "", err
	}

	b.logger.Info().Str("alert_id", alert.ID).Str("chat_id", chatID).Msg("alert claimed")
	b.notify(true)
	return ClaimedReply, nil
}

func (b *Bot) notify(bound bool) {
	if b.onClaim != nil {
		b.onClaim(bound)
	}
}
