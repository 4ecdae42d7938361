package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	name string
	err  error
	sent []string
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.sent = append(r.sent, title)
	return r.err
}

func (r *recordingSender) Name() string { return r.name }

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFilters(t *testing.T) {
	ctx := context.Background()
	s := &recordingSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventCorporateAction, " "}, 0.8, quiet())

	require.NoError(t, n.Notify(ctx, Alert{Event: EventCorporateAction, Title: "split", Confidence: 0.9}))
	require.NoError(t, n.Notify(ctx, Alert{Event: EventCorporateAction, Title: "weak", Confidence: 0.5}))
	require.NoError(t, n.Notify(ctx, Alert{Event: EventAdjustment, Title: "filtered"}))
	assert.Equal(t, []string{"split"}, s.sent)
}

func TestNotifierJoinsSenderFailures(t *testing.T) {
	boom := errors.New("rate limited")
	ok := &recordingSender{name: "ok"}
	bad := &recordingSender{name: "bad", err: boom}
	n := NewNotifier([]Sender{bad, ok}, nil, 0, quiet())

	err := n.Notify(context.Background(), Alert{Event: EventRetentionFailure, Title: "retention"})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"retention"}, ok.sent, "remaining senders still notified")
}

func TestNilNotifierIsNoop(t *testing.T) {
	var n *Notifier
	assert.False(t, n.Enabled())
	assert.NoError(t, n.Notify(context.Background(), Alert{Event: EventAdjustment}))
}

func TestTelegramSender(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Split detected", "AAPL:1d 2:1"))
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "*Split detected*\nAAPL:1d 2:1", got["text"])
}

func TestDiscordSenderStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad webhook", http.StatusNotFound)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
}
