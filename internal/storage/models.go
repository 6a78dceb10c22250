package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// Channel selects how an alert is delivered.
type Channel string

const (
	ChannelSMS  Channel = "sms"
	ChannelMail Channel = "mail"
	ChannelChat Channel = "chat"
)

// ParseChannel maps user input onto a known channel.
func ParseChannel(v string) (Channel, bool) {
	switch Channel(v) {
	case ChannelSMS, ChannelMail, ChannelChat:
		return Channel(v), true
	}
	return "", false
}

// Alert is a threshold subscription on one margin account.
type Alert struct {
	ID            string
	GroupID       string
	AccountID     string
	ThresholdPct  decimal.Decimal
	Channel       Channel
	Phone         string
	Email         string
	ClaimCode     string
	ChatSessionID string
	IsOpen        bool
	CreatedAt     time.Time
	FiredAt       *time.Time
}

// PendingClaim reports whether a chat alert still waits for the bot handshake.
func (a Alert) PendingClaim() bool {
	return a.Channel == ChannelChat && a.ChatSessionID == ""
}

// RatioSample is one evaluation of an alert, kept for history and export.
type RatioSample struct {
	ID           int64
	AlertID      string
	EvaluatedAt  time.Time
	RatioPct     decimal.Decimal
	Unbounded    bool
	ThresholdPct decimal.Decimal
	BlockNumber  *int64
	Fired        bool
	CreatedAt    time.Time
}
