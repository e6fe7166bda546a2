package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.telegram.org"

// Notifier posts run summaries to a Telegram chat.
type Notifier struct {
	BaseURL string
	token   string
	chatID  string
	client  *http.Client
	log     zerolog.Logger
}

// NewNotifier builds a notifier for the given bot token and chat.
func NewNotifier(token, chatID string, log zerolog.Logger) *Notifier {
	return &Notifier{
		BaseURL: defaultBaseURL,
		token:   token,
		chatID:  chatID,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "telegram").Logger(),
	}
}

// FromEnv reads TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID. It returns nil when
// either is missing, which disables notifications.
func FromEnv(log zerolog.Logger) *Notifier {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	chatID := os.Getenv("TELEGRAM_CHAT_ID")
	if token == "" || chatID == "" {
		log.Debug().Msg("Telegram credentials missing, notifications disabled")
		return nil
	}
	return NewNotifier(token, chatID, log)
}

// Notify sends text to the configured chat. A nil Notifier is a no-op.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	if n == nil {
		return nil
	}

	payload := map[string]string{
		"chat_id":    n.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.BaseURL, n.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	n.log.Debug().Str("text", text).Msg("Telegram Notify")
	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("telegram alert failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API error: status %s", resp.Status)
	}
	return nil
}
