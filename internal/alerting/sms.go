package alerting

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"collateral-alerts/internal/storage"
)

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// SMSOptions configure the Twilio Messages API.
type SMSOptions struct {
	AccountSID string
	AuthToken  string
	From       string
	APIBase    string
	Timeout    time.Duration
}

type twilioMessage struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// SMSChannel submits text messages through Twilio.
type SMSChannel struct {
	opts   SMSOptions
	http   *resty.Client
	logger zerolog.Logger
}

// NewSMSChannel builds a Twilio-backed channel.
func NewSMSChannel(opts SMSOptions, logger zerolog.Logger) *SMSChannel {
	if opts.APIBase == "" {
		opts.APIBase = "https://api.twilio.com"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(opts.APIBase, "/")).
		SetTimeout(opts.Timeout).
		SetBasicAuth(opts.AccountSID, opts.AuthToken).
		SetHeader("Accept", "application/json")

	return &SMSChannel{
		opts:   opts,
		http:   client,
		logger: logger.With().Str("component", "sms").Logger(),
	}
}

func (c *SMSChannel) Name() storage.Channel { return storage.ChannelSMS }

func (c *SMSChannel) Validate(alert storage.Alert) error {
	if !e164.MatchString(alert.Phone) {
		return fmt.Errorf("phone %q is not in E.164 format", alert.Phone)
	}
	return nil
}

// Send submits the message. An accepted submission counts as delivered.
func (c *SMSChannel) Send(ctx context.Context, alert storage.Alert, message string) (bool, error) {
	if err := c.Validate(alert); err != nil {
		return false, err
	}

	var result twilioMessage
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"To":   alert.Phone,
			"From": c.opts.From,
			"Body": message,
		}).
		SetResult(&result).
		SetError(&result).
		Post(fmt.Sprintf("/2010-04-01/Accounts/%s/Messages.json", c.opts.AccountSID))
	if err != nil {
		return false, fmt.Errorf("twilio request: %w", err)
	}
	if !resp.IsSuccess() {
		return false, fmt.Errorf("twilio status %d: code %d %s", resp.StatusCode(), result.Code, result.Message)
	}

	c.logger.Info().Str("alert_id", alert.ID).Str("sid", result.SID).Str("status", result.Status).Msg("sms submitted")
	return true, nil
}

var _ Channel = (*SMSChannel)(nil)
