package alerting

import (
	"context"
	"errors"

	"collateral-alerts/internal/storage"
)

// ChatChannel delivers to a claimed Telegram chat.
type ChatChannel struct {
	client *TelegramClient
}

// NewChatChannel wraps a Telegram client.
func NewChatChannel(client *TelegramClient) *ChatChannel {
	return &ChatChannel{client: client}
}

func (c *ChatChannel) Name() storage.Channel { return storage.ChannelChat }

func (c *ChatChannel) Validate(alert storage.Alert) error {
	if alert.ClaimCode == "" && alert.ChatSessionID == "" {
		return errors.New("chat alert needs a claim code")
	}
	return nil
}

// Send skips alerts still pending claim and reports them undelivered.
func (c *ChatChannel) Send(ctx context.Context, alert storage.Alert, message string) (bool, error) {
	if alert.ChatSessionID == "" {
		return false, nil
	}
	if err := c.client.SendMessage(ctx, alert.ChatSessionID, message); err != nil {
		return false, err
	}
	return true, nil
}

var _ Channel = (*ChatChannel)(nil)
