package alerting

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collateral-alerts/internal/storage"
)

func TestSMSChannelSubmitsToTwilio(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2010-04-01/Accounts/AC123/Messages.json", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "AC123", user)
		assert.Equal(t, "secret", pass)

		require.NoError(t, r.ParseForm())
		assert.Equal(t, "+15550001111", r.PostForm.Get("To"))
		assert.Equal(t, "+15559998888", r.PostForm.Get("From"))
		assert.Equal(t, "ratio low", r.PostForm.Get("Body"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM1","status":"queued"}`))
	}))
	defer srv.Close()

	ch := NewSMSChannel(SMSOptions{AccountSID: "AC123", AuthToken: "secret", From: "+15559998888", APIBase: srv.URL, Timeout: time.Second}, testLogger())
	delivered, err := ch.Send(context.Background(), storage.Alert{ID: "a", Channel: storage.ChannelSMS, Phone: "+15550001111"}, "ratio low")

	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestSMSChannelRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":21211,"message":"Invalid 'To' Phone Number"}`))
	}))
	defer srv.Close()

	ch := NewSMSChannel(SMSOptions{AccountSID: "AC123", APIBase: srv.URL}, testLogger())
	delivered, err := ch.Send(context.Background(), storage.Alert{ID: "a", Channel: storage.ChannelSMS, Phone: "+15550001111"}, "x")

	assert.False(t, delivered)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "21211")
}

func TestSMSChannelSendRejectsInvalidPhone(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	ch := NewSMSChannel(SMSOptions{AccountSID: "AC123", APIBase: srv.URL}, testLogger())
	for _, phone := range []string{"", "07911123456"} {
		delivered, err := ch.Send(context.Background(), storage.Alert{ID: "a", Channel: storage.ChannelSMS, Phone: phone}, "x")
		assert.False(t, delivered)
		assert.ErrorContains(t, err, "E.164", phone)
	}
	assert.Zero(t, hits)
}

func TestSMSChannelValidate(t *testing.T) {
	ch := NewSMSChannel(SMSOptions{}, testLogger())

	assert.NoError(t, ch.Validate(storage.Alert{Phone: "+447911123456"}))
	assert.Error(t, ch.Validate(storage.Alert{Phone: "07911123456"}))
	assert.Error(t, ch.Validate(storage.Alert{}))
}
