package formatter

import (
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/mailrelay/internal/admin"
	"github.com/mixelka/mailrelay/internal/notify"
	"github.com/mixelka/mailrelay/pkg/models"
)

// TelegramFormatter renders events and status reports as Telegram HTML
type TelegramFormatter struct {
	maxLength int
	loc       *time.Location
}

// NewTelegramFormatter creates a new Telegram formatter
func NewTelegramFormatter(loc *time.Location) *TelegramFormatter {
	if loc == nil {
		loc = time.UTC
	}
	return &TelegramFormatter{
		maxLength: 4000, // Leave room for markup
		loc:       loc,
	}
}

// FormatEvent formats a notification event
func (f *TelegramFormatter) FormatEvent(ev notify.Event) string {
	var sb strings.Builder

	switch {
	case ev.Kind == notify.KindRelayFailed:
		sb.WriteString("<b>⚠️ Relay failed</b>\n")
	case ev.Kind == notify.KindUsage:
		sb.WriteString("<b>💰 Model usage</b>\n")
	case ev.Direction == models.DirectionOutbound:
		sb.WriteString("<b>📤 Sent email</b>\n")
	default:
		sb.WriteString("<b>📥 New email</b>\n")
	}

	if ev.CustomerName != "" {
		sb.WriteString(fmt.Sprintf("<b>Customer:</b> %s\n", f.escapeHTML(ev.CustomerName)))
	}
	if ev.From != "" {
		sb.WriteString(fmt.Sprintf("<b>From:</b> %s\n", f.escapeHTML(ev.From)))
	}
	if ev.To != "" {
		sb.WriteString(fmt.Sprintf("<b>To:</b> %s\n", f.escapeHTML(ev.To)))
	}
	sb.WriteString(fmt.Sprintf("<b>Subject:</b> %s\n", f.escapeHTML(ev.Subject)))
	if !ev.At.IsZero() {
		sb.WriteString(fmt.Sprintf("<b>Date:</b> %s\n", ev.At.In(f.loc).Format("2006-01-02 15:04")))
	}
	if ev.ThreadID != 0 {
		sb.WriteString(fmt.Sprintf("<b>Thread:</b> #%d\n", ev.ThreadID))
	}

	if ev.Error != "" {
		sb.WriteString("\n<b>Error:</b>\n")
		sb.WriteString("<code>" + f.escapeHTML(f.truncate(ev.Error, 500)) + "</code>\n")
	}

	if ev.Summary != "" {
		sb.WriteString("\n<b>Summary:</b>\n")
		body := f.truncate(ev.Summary, f.maxLength-sb.Len()-50)
		sb.WriteString(f.escapeHTML(body))
	}

	return strings.TrimRight(sb.String(), "\n")
}

// FormatStatus formats the account overview for the /status command
func (f *TelegramFormatter) FormatStatus(snap *admin.Snapshot) string {
	if len(snap.Accounts) == 0 {
		return "No mail accounts configured"
	}

	var sb strings.Builder
	sb.WriteString("<b>Mail accounts:</b>\n\n")

	for _, acc := range snap.Accounts {
		statusEmoji := "🔴"
		switch {
		case !acc.Enabled:
			statusEmoji = "⚪"
		case acc.State != "stopped" && acc.ConsecutiveFailures == 0:
			statusEmoji = "🟢"
		case acc.State != "stopped":
			statusEmoji = "🟡"
		}

		sb.WriteString(fmt.Sprintf("%s <b>%s</b>\n", statusEmoji, f.escapeHTML(acc.Label)))
		sb.WriteString(fmt.Sprintf("   State: %s\n", acc.State))
		if acc.LastSuccessAt != nil {
			sb.WriteString(fmt.Sprintf("   Last success: %s\n", acc.LastSuccessAt.In(f.loc).Format("2006-01-02 15:04")))
		}
		if acc.ConsecutiveFailures > 0 {
			sb.WriteString(fmt.Sprintf("   Failures: %d (%s)\n", acc.ConsecutiveFailures, f.escapeHTML(f.truncate(acc.LastError, 200))))
		}
		sb.WriteString("\n")
	}

	sb.WriteString(fmt.Sprintf("<b>Relay queue:</b> %d pending, %d failed\n",
		snap.RelayQueue[models.RelayPending], snap.RelayQueue[models.RelayFailed]))
	sb.WriteString(fmt.Sprintf("<b>Open stage failures:</b> %d", snap.OpenFailures))

	return sb.String()
}

// escapeHTML escapes HTML special characters for Telegram
func (f *TelegramFormatter) escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// truncate truncates text to maxLen characters
func (f *TelegramFormatter) truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}
