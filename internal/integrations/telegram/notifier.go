package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"perpbot/internal/domain"
)

const defaultBaseURL = "https://api.telegram.org"

type Notifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewNotifier(botToken, chatID string) *Notifier {
	return &Notifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  defaultBaseURL,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// WithBaseURL points the notifier at another Bot API host.
func (n *Notifier) WithBaseURL(u string) *Notifier {
	n.baseURL = strings.TrimRight(u, "/")
	return n
}

// Publish sends a chat message for executed trades and tripped daily-loss
// breakers. Other events are ignored.
func (n *Notifier) Publish(ctx context.Context, event domain.Event) error {
	return n.Notify(ctx, Format(event))
}

func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n.botToken == "" || n.chatID == "" || text == "" {
		return nil
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)

	body := map[string]string{
		"chat_id": n.chatID,
		"text":    text,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage status %d", resp.StatusCode)
	}
	return nil
}

// Format renders the chat text for an event, or "" when the event is not
// worth a message.
func Format(event domain.Event) string {
	p := event.Payload
	switch event.Type {
	case domain.EventTradeExecuted:
		text := fmt.Sprintf("%v %v %v %s @ %s",
			p["action"], p["side"], p["market"], num(p["size"]), num(p["price"]))
		if pnl := num(p["realized_pnl"]); pnl != "" {
			text += " pnl " + pnl
		}
		if reason, _ := p["reason"].(string); reason != "" {
			text += "\n" + reason
		}
		return fmt.Sprintf("[%s] %s", short(event.SessionID), text)
	case domain.EventBreakerTripped:
		return fmt.Sprintf("[%s] daily loss breaker tripped at equity %s: %v",
			short(event.SessionID), num(p["equity"]), p["reason"])
	}
	return ""
}

func num(v interface{}) string {
	switch n := v.(type) {
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case *float64:
		if n == nil {
			return ""
		}
		return strconv.FormatFloat(*n, 'f', -1, 64)
	case nil:
		return ""
	}
	return fmt.Sprint(v)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
