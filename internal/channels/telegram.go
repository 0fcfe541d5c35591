package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/storyflow/internal/config"
	"github.com/basket/storyflow/internal/driver"
)

// botAPI is the slice of tgbotapi.BotAPI the channel uses, injectable
// for tests.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel posts the run summary to a chat when the run ends.
type TelegramChannel struct {
	bot    botAPI
	chatID int64
	logger *slog.Logger
}

// NewTelegramChannel connects the bot. Returns an error when the token
// is rejected; callers treat that as "channel unavailable", not fatal.
func NewTelegramChannel(cfg config.TelegramConfig, logger *slog.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{bot: bot, chatID: cfg.ChatID, logger: logger}, nil
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// NotifyRun sends one summary message.
func (t *TelegramChannel) NotifyRun(ctx context.Context, summary *driver.Summary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatSummary(summary))
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send summary: %w", err)
	}
	t.logger.Info("run summary delivered", "channel", t.Name(), "epic", summary.EpicID)
	return nil
}

// formatSummary renders the summary as a compact plain-text message.
func formatSummary(s *driver.Summary) string {
	var sb strings.Builder
	icon := "✅"
	switch {
	case s.Interrupted:
		icon = "⏸"
	case s.ExitCode() != 0:
		icon = "❌"
	}
	fmt.Fprintf(&sb, "%s Epic %s\n", icon, s.EpicID)
	fmt.Fprintf(&sb, "Stories: %d done, %d failed", s.Done, s.Failed)
	if s.Pending > 0 {
		fmt.Fprintf(&sb, ", %d pending", s.Pending)
	}
	fmt.Fprintf(&sb, " (of %d)\n", s.Total)
	if s.QualityStatus != "" {
		fmt.Fprintf(&sb, "Quality: %s\n", s.QualityStatus)
	}
	if s.TestStatus != "" {
		fmt.Fprintf(&sb, "Tests: %s\n", s.TestStatus)
	}
	if s.Interrupted {
		sb.WriteString("Run interrupted; rerun to resume.\n")
	}
	return strings.TrimSpace(sb.String())
}
