package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// Update is one incoming Telegram text message.
type Update struct {
	ID     int64
	ChatID string
	Text   string
}

// TelegramClient talks to the Telegram Bot API.
type TelegramClient struct {
	botToken string
	baseURL  string
	timeout  time.Duration
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramClient builds a Bot API client. timeout bounds each request on top
// of any long-poll wait.
func NewTelegramClient(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramClient{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		timeout:  timeout,
		client:   &http.Client{},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// SendMessage posts text to chatID.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID, text string) error {
	payload := map[string]string{
		"chat_id": chatID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	raw, err := c.do(req)
	if err != nil {
		return err
	}
	if !gjson.GetBytes(raw, "ok").Bool() {
		return fmt.Errorf("telegram sendMessage ok=false: %s", gjson.GetBytes(raw, "description").String())
	}

	c.logger.Debug().Str("chat_id", chatID).Msg("telegram message sent")
	return nil
}

// GetUpdates long-polls for updates with id >= offset.
func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64, pollTimeout time.Duration) ([]Update, error) {
	query := url.Values{}
	query.Set("offset", strconv.FormatInt(offset, 10))
	query.Set("timeout", strconv.Itoa(int(pollTimeout/time.Second)))
	query.Set("allowed_updates", `["message"]`)

	ctx, cancel := context.WithTimeout(ctx, c.timeout+pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.methodURL("getUpdates")+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create telegram request: %w", err)
	}

	raw, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if !gjson.GetBytes(raw, "ok").Bool() {
		return nil, fmt.Errorf("telegram getUpdates ok=false: %s", gjson.GetBytes(raw, "description").String())
	}

	var updates []Update
	gjson.GetBytes(raw, "result").ForEach(func(_, item gjson.Result) bool {
		update := Update{ID: item.Get("update_id").Int()}
		if msg := item.Get("message"); msg.Exists() {
			update.ChatID = msg.Get("chat.id").String()
			update.Text = msg.Get("text").String()
		}
		updates = append(updates, update)
		return true
	})
	return updates, nil
}

func (c *TelegramClient) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
}

func (c *TelegramClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read telegram response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram status %d: %s", resp.StatusCode, gjson.GetBytes(raw, "description").String())
	}
	return raw, nil
}
