// Package notify delivers order outcomes to the bot owner's Telegram chat.
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/ajitpratap0/streamgate/internal/db"
	"github.com/ajitpratap0/streamgate/internal/execution"
)

// ChatStore resolves the chat a user receives notifications in
type ChatStore interface {
	GetTelegramChatID(ctx context.Context, userID int64) (int64, error)
}

// Config holds the bot settings
type Config struct {
	BotToken string
	// Endpoint overrides the Bot API URL format, mainly for tests
	Endpoint   string
	HTTPClient *http.Client
}

// Telegram sends one message per terminal order outcome
type Telegram struct {
	api   *tgbotapi.BotAPI
	chats ChatStore
	log   zerolog.Logger
}

// NewTelegram authorizes the bot and returns a notifier
func NewTelegram(cfg Config, chats ChatStore, log zerolog.Logger) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	api, err := tgbotapi.NewBotAPIWithClient(cfg.BotToken, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("Telegram notifier authorized")

	return &Telegram{api: api, chats: chats, log: log}, nil
}

// NotifyOrder sends the outcome to the bot owner. Users without a linked
// chat are skipped silently.
func (t *Telegram) NotifyOrder(ctx context.Context, o execution.Outcome) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	chatID, err := t.chats.GetTelegramChatID(ctx, o.UserID)
	if errors.Is(err, db.ErrNotFound) {
		t.log.Debug().Int64("user_id", o.UserID).Msg("No telegram chat linked")
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve chat for user %d: %w", o.UserID, err)
	}

	if _, err := t.api.Send(tgbotapi.NewMessage(chatID, FormatOutcome(o))); err != nil {
		return fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	return nil
}

// FormatOutcome renders the plain-text message for an outcome
func FormatOutcome(o execution.Outcome) string {
	r := o.Request
	var b strings.Builder

	if o.Succeeded() {
		fmt.Fprintf(&b, "✅ Order %s\n", strings.ToLower(orDefault(o.Status, "placed")))
	} else {
		b.WriteString("❌ Order failed\n")
	}
	fmt.Fprintf(&b, "%s %s %s %s\n", r.Symbol, r.Side, r.OrderType, r.Market)
	if r.Leverage > 1 {
		fmt.Fprintf(&b, "Leverage: %dx\n", r.Leverage)
	}

	if !o.Succeeded() {
		if o.Err != nil {
			fmt.Fprintf(&b, "Reason: %v\n", o.Err)
		}
		fmt.Fprintf(&b, "Bot: %d", r.BotID)
		return b.String()
	}

	qty := o.FilledQty
	if qty.IsZero() {
		qty = o.Quantity
	}
	fmt.Fprintf(&b, "Qty: %s", qty.String())
	if o.AvgPrice.IsPositive() {
		fmt.Fprintf(&b, " @ %s", o.AvgPrice.String())
	}
	b.WriteString("\n")
	if o.FeeUSD.IsPositive() {
		fmt.Fprintf(&b, "Fee: $%s\n", o.FeeUSD.StringFixed(4))
	}
	fmt.Fprintf(&b, "Order: %s\nBot: %d", o.OrderID, r.BotID)
	return b.String()
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
