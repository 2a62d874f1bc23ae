package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
)

func TestPublishSendsTradeMessage(t *testing.T) {
	var got map[string]string
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pnl := -10.0
	n := NewNotifier("tok", "42").WithBaseURL(srv.URL + "/")
	err := n.Publish(context.Background(), domain.Event{
		SessionID: "0123456789abcdef",
		Type:      domain.EventTradeExecuted,
		Payload: map[string]interface{}{
			"market":       "BTC",
			"action":       domain.ActionClose,
			"side":         domain.SideShort,
			"size":         0.5,
			"price":        100.0,
			"realized_pnl": &pnl,
			"reason":       "exit stop_loss",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", got["chat_id"])
	assert.Equal(t, "[01234567] close short BTC 0.5 @ 100 pnl -10\nexit stop_loss", got["text"])
}

func TestPublishIgnoresOtherEvents(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := NewNotifier("tok", "42").WithBaseURL(srv.URL)
	require.NoError(t, n.Publish(context.Background(), domain.Event{Type: domain.EventGuardrailVetoed}))
	assert.False(t, called)
}

func TestFormatBreaker(t *testing.T) {
	text := Format(domain.Event{
		SessionID: "s1",
		Type:      domain.EventBreakerTripped,
		Payload:   map[string]interface{}{"equity": 9700.0, "reason": "daily loss 3.00% reached limit 3.00%"},
	})
	assert.Equal(t, "[s1] daily loss breaker tripped at equity 9700: daily loss 3.00% reached limit 3.00%", text)
}

func TestUnconfiguredNotifierIsNoop(t *testing.T) {
	assert.NoError(t, NewNotifier("", "").Notify(context.Background(), "hi"))
}
