package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Telegram posts messages to a chat through the Bot API.
type Telegram struct {
	botToken   string
	chatID     string
	httpClient *http.Client
}

// NewTelegram constructs a Telegram notifier.
func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		botToken:   strings.TrimSpace(botToken),
		chatID:     strings.TrimSpace(chatID),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts one message to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	if t.botToken == "" || t.chatID == "" {
		return fmt.Errorf("telegram notifier not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}
	endpoint := "https://api.telegram.org/bot" + t.botToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call telegram: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("telegram send failed: status=%d", resp.StatusCode)
	}
	return nil
}
