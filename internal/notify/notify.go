// Package notify delivers MFA codes and operational pings to the owner.
//
// Delivery failure is never fatal: a code that could not be delivered is
// still valid, and the pipeline proceeds as if the send succeeded.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Notifier is the capability interface consumed by the pipeline.
type Notifier interface {
	// PublishCode delivers an MFA code to the owner's channel.
	PublishCode(ctx context.Context, userID, code string, expiresAt time.Time) error
	// Notify sends a free-form operational message.
	Notify(ctx context.Context, message string) error
}

// Noop is the default notifier when no channel is configured.
type Noop struct{}

func (Noop) PublishCode(ctx context.Context, userID, code string, expiresAt time.Time) error {
	return nil
}

func (Noop) Notify(ctx context.Context, message string) error { return nil }

// Telegram sends messages through the Bot API.
type Telegram struct {
	http   *resty.Client
	chatID string
	logger *slog.Logger
}

var _ Notifier = (*Telegram)(nil)

// NewTelegram creates a Telegram notifier for the given bot token and chat.
func NewTelegram(botToken, chatID string, logger *slog.Logger) *Telegram {
	client := resty.New().
		SetBaseURL("https://api.telegram.org/bot" + botToken).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Telegram{
		http:   client,
		chatID: chatID,
		logger: logger.With("component", "notify"),
	}
}

// PublishCode sends the MFA code with its expiry. The code remains valid
// even if delivery fails.
func (t *Telegram) PublishCode(ctx context.Context, userID, code string, expiresAt time.Time) error {
	msg := fmt.Sprintf("🔐 Trade confirmation code: %s\nExpires %s",
		code, expiresAt.UTC().Format("15:04:05 MST"))
	return t.Notify(ctx, msg)
}

// Notify posts one message to the configured chat.
func (t *Telegram) Notify(ctx context.Context, message string) error {
	resp, err := t.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": t.chatID,
			"text":    message,
		}).
		Post("/sendMessage")
	if err != nil {
		t.logger.Warn("telegram send failed", "error", err)
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		err := fmt.Errorf("telegram: status %d: %s", resp.StatusCode(), resp.String())
		t.logger.Warn("telegram send rejected", "error", err)
		return err
	}
	return nil
}
