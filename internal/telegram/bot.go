package telegram

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Bot is a send-only telegram client used for service notifications
type Bot struct {
	bot *bot.Bot
	log *slog.Logger
}

// New creates a new telegram bot. Extra options are passed to the
// underlying client.
func New(token string, log *slog.Logger, opts ...bot.Option) (*Bot, error) {
	tgBot, err := bot.New(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}

	return &Bot{
		bot: tgBot,
		log: log,
	}, nil
}

// SendNotification sends an HTML message to a chat
func (b *Bot) SendNotification(ctx context.Context, chatID int64, text string) error {
	disabled := true
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
		LinkPreviewOptions: &models.LinkPreviewOptions{
			IsDisabled: &disabled,
		},
	}

	if _, err := b.bot.SendMessage(ctx, params); err != nil {
		b.log.Debug("send message", "error", err, "chat_id", chatID)
		return fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return nil
}
