package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mixelka/mailrelay/pkg/models"
)

// Discord embed field values are limited to 1024 characters
const discordFieldLimit = 1024

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title     string         `json:"title"`
	Color     int            `json:"color"`
	Fields    []discordField `json:"fields"`
	Timestamp string         `json:"timestamp"`
}

type discordPayload struct {
	Embeds []discordEmbed `json:"embeds"`
}

// Discord posts embeds to the customer webhook, else the default one
type Discord struct {
	defaultWebhook string
	client         *http.Client
}

// NewDiscord creates a Discord notifier
func NewDiscord(defaultWebhook string) *Discord {
	return &Discord{
		defaultWebhook: defaultWebhook,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify posts the event
func (d *Discord) Notify(ctx context.Context, customer models.Customer, ev Event) error {
	url := customer.DiscordWebhook
	if url == "" {
		url = d.defaultWebhook
	}
	if url == "" {
		return nil
	}

	body, err := json.Marshal(discordPayload{Embeds: []discordEmbed{buildEmbed(ev)}})
	if err != nil {
		return &Error{Notifier: "discord", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &Error{Notifier: "discord", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return &Error{Notifier: "discord", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &Error{Notifier: "discord", Err: fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}
	return nil
}

func buildEmbed(ev Event) discordEmbed {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	embed := discordEmbed{Timestamp: at.UTC().Format(time.RFC3339)}

	switch ev.Kind {
	case KindRelayFailed:
		embed.Title = fmt.Sprintf("Relay failed: %s", ev.CustomerName)
		embed.Color = 0xE74C3C
		embed.Fields = []discordField{
			{Name: "To", Value: field(ev.To)},
			{Name: "Subject", Value: field(ev.Subject)},
			{Name: "Error", Value: field(ev.Error)},
		}
	case KindUsage:
		embed.Title = ev.Subject
		embed.Color = 0xF1C40F
		embed.Fields = []discordField{
			{Name: "Usage", Value: field(ev.Summary)},
		}
	default:
		if ev.Direction == models.DirectionOutbound {
			embed.Title = fmt.Sprintf("Sent email: %s", ev.CustomerName)
			embed.Color = 0x2ECC71
		} else {
			embed.Title = fmt.Sprintf("New email: %s", ev.CustomerName)
			embed.Color = 0x3498DB
		}
		embed.Fields = []discordField{
			{Name: "From", Value: field(ev.From)},
			{Name: "Subject", Value: field(ev.Subject)},
			{Name: "Summary", Value: field(ev.Summary)},
		}
	}
	return embed
}

func field(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	if utf8.RuneCountInString(s) > discordFieldLimit {
		runes := []rune(s)
		s = string(runes[:discordFieldLimit-1]) + "…"
	}
	return s
}
