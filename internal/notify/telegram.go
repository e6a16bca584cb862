package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/codebuildervaibhav/lecture-digest/internal/export"
	"github.com/codebuildervaibhav/lecture-digest/internal/types"
)

// sender is the part of *tgbotapi.BotAPI used here
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram delivers artifacts as documents to a chat; the recipient is the chat id
type Telegram struct {
	bot    sender
	logger *slog.Logger
}

// NewTelegram connects to the Bot API with token
func NewTelegram(token string, logger *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logger = logger.With("component", "telegram")
	logger.Info("telegram bot authorized", "username", bot.Self.UserName)
	return &Telegram{bot: bot, logger: logger}, nil
}

// Deliver announces completion then sends one document per artifact
func (t *Telegram) Deliver(ctx context.Context, recipient int64, set export.ArtifactSet) error {
	if err := t.send(recipient, fmt.Sprintf("Task %s completed. Sending result files.", set.TaskID)); err != nil {
		return err
	}

	for _, a := range set.Artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		doc := tgbotapi.NewDocument(recipient, tgbotapi.FileBytes{Name: a.Name, Bytes: a.Content})
		doc.Caption = fmt.Sprintf("Task %s: %s", set.TaskID, a.Kind)
		if _, err := t.bot.Send(doc); err != nil {
			t.logger.Error("failed to send document", "task_id", set.TaskID, "file", a.Name, "error", err)
			_ = t.send(recipient, fmt.Sprintf("Task %s completed, but file delivery failed.", set.TaskID))
			return fmt.Errorf("telegram: send %s: %w", a.Name, err)
		}
	}
	return nil
}

// NotifyFailure sends the user-facing failure message
func (t *Telegram) NotifyFailure(ctx context.Context, recipient int64, taskID string, te types.TaskError) error {
	return t.send(recipient, fmt.Sprintf("Task %s failed: %s", taskID, te.UserMessage()))
}

func (t *Telegram) send(chatID int64, text string) error {
	if _, err := t.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}
