package telegram

import (
	"context"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/formatter"
)

// StatusSource supplies the data behind /status
type StatusSource interface {
	Snapshot() *admin.Snapshot
}

// Bot is the Telegram side of the relay: it delivers customer notifications
// and answers admin commands in the configured admin chat
type Bot struct {
	bot         *bot.Bot
	adminChatID int64
	status      StatusSource
	formatter   *formatter.TelegramFormatter
	logger      *slog.Logger
}

// BotDeps dependencies for creating a bot
type BotDeps struct {
	Token       string
	AdminChatID int64
	Status      StatusSource
	Formatter   *formatter.TelegramFormatter
	Logger      *slog.Logger

	// Options are appended to the defaults, e.g. bot.WithServerURL in tests
	Options []bot.Option
}

// NewBot creates a new Telegram bot
func NewBot(deps BotDeps) (*Bot, error) {
	b := &Bot{
		adminChatID: deps.AdminChatID,
		status:      deps.Status,
		formatter:   deps.Formatter,
		logger:      deps.Logger.With("component", "telegram_bot"),
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(b.defaultHandler),
	}
	opts = append(opts, deps.Options...)

	tgBot, err := bot.New(deps.Token, opts...)
	if err != nil {
		return nil, err
	}

	b.bot = tgBot
	b.registerHandlers()

	return b, nil
}

// registerHandlers registers command handlers
func (b *Bot) registerHandlers() {
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/status", bot.MatchTypePrefix, b.handleStatus)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/start", bot.MatchTypePrefix, b.handleHelp)
	b.bot.RegisterHandler(bot.HandlerTypeMessageText, "/help", bot.MatchTypePrefix, b.handleHelp)
}

// Start polls for updates until ctx is done
func (b *Bot) Start(ctx context.Context) {
	b.logger.Info("starting telegram bot", "admin_chat_id", b.adminChatID)
	b.bot.Start(ctx)
}

// defaultHandler handles unknown messages
func (b *Bot) defaultHandler(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	if update.Message == nil {
		return
	}

	if update.Message.Text != "" && update.Message.Text[0] == '/' {
		b.logger.Debug("unknown command", "text", update.Message.Text, "chat_id", update.Message.Chat.ID)
	}
}

// handleHelp handles /help and /start
func (b *Bot) handleHelp(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.isAdminChat(msg) {
		return
	}

	text := `<b>Mail relay</b>

Polls customer mailboxes, relays outbound SMTP mail and threads both directions into conversations.

<b>Commands:</b>
/status - mail accounts, poll state and relay queue
/help - this message`

	if _, err := b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text); err != nil {
		b.logger.Warn("failed to send help", "error", err)
	}
}

// handleStatus handles /status
func (b *Bot) handleStatus(ctx context.Context, tgBot *bot.Bot, update *models.Update) {
	msg := update.Message
	if !b.isAdminChat(msg) {
		return
	}

	if b.status == nil {
		return
	}
	text := b.formatter.FormatStatus(b.status.Snapshot())
	if _, err := b.sendMessage(ctx, msg.Chat.ID, msg.MessageThreadID, text); err != nil {
		b.logger.Warn("failed to send status", "error", err)
	}
}
