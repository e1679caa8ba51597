package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/m360-net/m360/internal/store"
)

const notifyTimeout = 10 * time.Second

// WebhookNotifier POSTs the alert as JSON to the channel's configured URL.
type WebhookNotifier struct {
	log    *slog.Logger
	client *http.Client
}

func NewWebhookNotifier(log *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{log: log, client: &http.Client{Timeout: notifyTimeout}}
}

func (w *WebhookNotifier) Send(ctx context.Context, ch *store.NotificationChannel, subject, message string) error {
	var cfg struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(ch.Config, &cfg); err != nil {
		return fmt.Errorf("webhook config: %w", err)
	}
	if cfg.URL == "" {
		return fmt.Errorf("webhook channel %d has no url", ch.ID)
	}

	body, _ := json.Marshal(map[string]string{
		"subject": subject,
		"message": message,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}

// TelegramNotifier sends alerts through the Bot API. BaseURL is
// overridable so tests can point at a local server.
type TelegramNotifier struct {
	log     *slog.Logger
	client  *http.Client
	BaseURL string
}

func NewTelegramNotifier(log *slog.Logger) *TelegramNotifier {
	return &TelegramNotifier{
		log:     log,
		client:  &http.Client{Timeout: notifyTimeout},
		BaseURL: "https://api.telegram.org",
	}
}

type telegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

func (t *TelegramNotifier) Send(ctx context.Context, ch *store.NotificationChannel, subject, message string) error {
	var cfg telegramConfig
	if err := json.Unmarshal(ch.Config, &cfg); err != nil {
		return fmt.Errorf("telegram config: %w", err)
	}
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return fmt.Errorf("telegram channel %d missing bot_token or chat_id", ch.ID)
	}

	body, _ := json.Marshal(map[string]string{
		"chat_id": cfg.ChatID,
		"text":    subject + "\n" + message,
	})
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("telegram returned %s", resp.Status)
	}
	return nil
}

// TelegramChat is one chat seen by getUpdates.
type TelegramChat struct {
	ID    int64  `json:"id"`
	Title string `json:"title,omitempty"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"type"`
}

// GetChats lists the distinct chats a bot has recently seen, for the
// channel-setup UI.
func (t *TelegramNotifier) GetChats(ctx context.Context, botToken string) ([]TelegramChat, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates", t.BaseURL, botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telegram returned %s", resp.Status)
	}

	var payload struct {
		OK     bool `json:"ok"`
		Result []struct {
			Message struct {
				Chat struct {
					ID        int64  `json:"id"`
					Title     string `json:"title"`
					Username  string `json:"username"`
					FirstName string `json:"first_name"`
					Type      string `json:"type"`
				} `json:"chat"`
			} `json:"message"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	if !payload.OK {
		return nil, fmt.Errorf("telegram getUpdates rejected")
	}

	seen := make(map[int64]bool)
	var chats []TelegramChat
	for _, u := range payload.Result {
		c := u.Message.Chat
		if c.ID == 0 || seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		name := c.Title
		if name == "" {
			name = c.FirstName
		}
		if name == "" {
			name = c.Username
		}
		chats = append(chats, TelegramChat{ID: c.ID, Title: c.Title, Name: name, Type: c.Type})
	}
	return chats, nil
}
