package telegram

import (
	"context"

	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/pkg/models"
)

// Notify posts the event into the customer's chat and topic. Customers
// without a chat fall back to the admin chat for urgent events only.
func (b *Bot) Notify(ctx context.Context, customer models.Customer, ev notify.Event) error {
	chatID, topicID := customer.TelegramChatID, customer.TelegramTopicID
	if chatID == 0 {
		if !ev.Urgent() || b.adminChatID == 0 {
			return nil
		}
		chatID, topicID = b.adminChatID, 0
	}

	if _, err := b.sendMessage(ctx, chatID, topicID, b.formatter.FormatEvent(ev)); err != nil {
		return &notify.Error{Notifier: "telegram", Err: err}
	}

	b.logger.Debug("notification sent",
		"chat_id", chatID,
		"topic_id", topicID,
		"message_id", ev.MessageID,
		"kind", ev.Kind,
	)
	return nil
}
