package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelegramSendMessageSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/bottoken/sendMessage"), "path %s", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	client := NewTelegramClient("token", srv.URL, time.Second, testLogger())
	require.NoError(t, client.SendMessage(context.Background(), "42", "hello"))

	assert.Equal(t, "42", received["chat_id"])
	assert.Equal(t, "hello", received["text"])
}

func TestTelegramSendMessageNotOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "chat not found"})
	}))
	defer srv.Close()

	client := NewTelegramClient("token", srv.URL, time.Second, testLogger())
	err := client.SendMessage(context.Background(), "42", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")
}

func TestTelegramGetUpdates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/getUpdates"))
		assert.Equal(t, "7", r.URL.Query().Get("offset"))
		assert.Equal(t, "1", r.URL.Query().Get("timeout"))
		_, _ = w.Write([]byte(`{"ok":true,"result":[
			{"update_id":7,"message":{"message_id":1,"chat":{"id":123456789,"type":"private"},"text":"AB12x"}},
			{"update_id":8,"edited_message":{"chat":{"id":1},"text":"x"}}
		]}`))
	}))
	defer srv.Close()

	client := NewTelegramClient("token", srv.URL, time.Second, testLogger())
	updates, err := client.GetUpdates(context.Background(), 7, time.Second)
	require.NoError(t, err)
	require.Len(t, updates, 2)

	assert.Equal(t, Update{ID: 7, ChatID: "123456789", Text: "AB12x"}, updates[0])
	assert.Equal(t, Update{ID: 8}, updates[1])
}

func TestTelegramGetUpdatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	client := NewTelegramClient("token", srv.URL, time.Second, testLogger())
	_, err := client.GetUpdates(context.Background(), 0, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
