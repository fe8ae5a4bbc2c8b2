/*
Package telegram delivers notification texts through the Telegram Bot API.

PURPOSE:
  Implements the sweeper's messaging transport. Messages are sent as HTML
  so reminder texts can carry a shop link.

ERRORS:
  Every failure is a promo.DeliveryError. A 403 answer (the user blocked
  the bot or deactivated the account) additionally wraps
  promo.ErrRecipientBlocked so the sweeper can stop targeting the user.
*/
package telegram

import (
	"context"
	"errors"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/warp/promo-engine/promo"
)

// Config configures the bot connection.
type Config struct {
	Token string
	// APIEndpoint overrides the Bot API URL format, e.g. for a local Bot API server.
	APIEndpoint string
	Timeout     time.Duration
}

// Transport sends messages with one bot account.
type Transport struct {
	log *zap.Logger
	bot *tgbotapi.BotAPI
}

// New authenticates the bot (getMe) and returns a transport.
func New(log *zap.Logger, config Config) (*Transport, error) {
	endpoint := config.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	bot, err := tgbotapi.NewBotAPIWithClient(config.Token, endpoint, &http.Client{Timeout: timeout})
	if err != nil {
		return nil, promo.DeliveryError.New("telegram authorization failed: %v", err)
	}

	log = log.Named("telegram")
	log.Info("bot authorized", zap.String("username", bot.Self.UserName))
	return &Transport{log: log, bot: bot}, nil
}

// Username returns the bot's username.
func (t *Transport) Username() string {
	return t.bot.Self.UserName
}

// Deliver sends an HTML text message to a user's private chat.
func (t *Transport) Deliver(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return promo.DeliveryError.Wrap(err)
	}

	msg := tgbotapi.NewMessage(userID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	if _, err := t.bot.Send(msg); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
			t.log.Warn("recipient blocked the bot", zap.Int64("user_id", userID), zap.String("reason", apiErr.Message))
			return promo.DeliveryError.Wrap(&blockedError{reason: apiErr.Message})
		}
		return promo.DeliveryError.Wrap(err)
	}
	return nil
}

// blockedError carries Telegram's reason while matching ErrRecipientBlocked.
type blockedError struct {
	reason string
}

func (e *blockedError) Error() string {
	return promo.ErrRecipientBlocked.Error() + ": " + e.reason
}

func (e *blockedError) Unwrap() error { return promo.ErrRecipientBlocked }
