package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender delivers alerts through the Telegram Bot API.
type TelegramSender struct {
	baseURL string
	token   string
	chatID  string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender with a 10-second HTTP timeout.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		baseURL: telegramAPI,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

var severityIcons = map[Severity]string{
	SeverityInfo:     "ℹ️",
	SeverityWarning:  "⚠️",
	SeverityCritical: "🚨",
}

// formatTelegram renders a as Telegram HTML.
func formatTelegram(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", severityIcons[a.Severity], html.EscapeString(a.Title))
	if a.Message != "" {
		b.WriteString(html.EscapeString(a.Message))
		b.WriteByte('\n')
	}
	for _, k := range a.sortedFieldKeys() {
		fmt.Fprintf(&b, "<b>%s</b>: <code>%s</code>\n", html.EscapeString(k), html.EscapeString(a.Fields[k]))
	}
	return strings.TrimRight(b.String(), "\n")
}

// Send posts a to the configured chat via sendMessage.
func (t *TelegramSender) Send(ctx context.Context, a Alert) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)

	body, err := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       formatTelegram(a),
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("telegram: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The URL embeds the bot token; never surface it.
		return fmt.Errorf("telegram: send request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("telegram: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Name returns the sender identifier.
func (t *TelegramSender) Name() string {
	return "telegram"
}
