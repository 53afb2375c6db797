package telegram

import (
	"context"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// isAdminChat reports whether a command came from the admin chat
func (b *Bot) isAdminChat(msg *models.Message) bool {
	if msg == nil {
		return false
	}
	if b.adminChatID == 0 || msg.Chat.ID != b.adminChatID {
		b.logger.Debug("ignoring command outside admin chat", "chat_id", msg.Chat.ID)
		return false
	}
	return true
}

// sendMessage sends a message to a chat, into a topic when topicID is set
func (b *Bot) sendMessage(ctx context.Context, chatID int64, topicID int, text string) (*models.Message, error) {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}

	if topicID != 0 {
		params.MessageThreadID = topicID
	}

	return b.bot.SendMessage(ctx, params)
}
