package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/jp"

	"github.com/mixelka/mailrelay/pkg/models"
)

// Calendar answers business hour questions in one timezone
type Calendar struct {
	bc    *cal.BusinessCalendar
	loc   *time.Location
	start time.Duration
}

// NewCalendar creates a weekday calendar with Japanese public holidays.
// Hours are [startHour, endHour) in loc.
func NewCalendar(loc *time.Location, startHour, endHour int) *Calendar {
	bc := cal.NewBusinessCalendar()
	bc.AddHoliday(jp.Holidays...)
	start := time.Duration(startHour) * time.Hour
	bc.SetWorkHours(start, time.Duration(endHour)*time.Hour)
	return &Calendar{bc: bc, loc: loc, start: start}
}

// IsBusinessTime reports whether t falls in business hours
func (c *Calendar) IsBusinessTime(t time.Time) bool {
	return c.bc.IsWorkTime(t.In(c.loc))
}

// NextStart returns the next business day opening after t. Before opening
// on a business day that is the same day.
func (c *Calendar) NextStart(t time.Time) time.Time {
	local := t.In(c.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)

	if c.bc.IsWorkday(day) && local.Before(day.Add(c.start)) {
		return day.Add(c.start)
	}
	for i := 0; i < 30; i++ {
		day = day.AddDate(0, 0, 1)
		if c.bc.IsWorkday(day) {
			break
		}
	}
	return day.Add(c.start)
}

// PendingStore persists deferred notifications
type PendingStore interface {
	CreatePendingNotification(ctx context.Context, n *models.PendingNotification) error
	GetDuePendingNotifications(ctx context.Context, now time.Time, limit int) ([]*models.PendingNotification, error)
	MarkNotificationSent(ctx context.Context, id int64) error
	GetCustomerByID(ctx context.Context, id int64) (*models.Customer, error)
}

// BusinessHours delivers events during business hours and stores the rest
// until the next opening
type BusinessHours struct {
	next     Notifier
	calendar *Calendar
	store    PendingStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewBusinessHours wraps a notifier with business hours deferral
func NewBusinessHours(next Notifier, calendar *Calendar, store PendingStore, logger *slog.Logger) *BusinessHours {
	return &BusinessHours{
		next:     next,
		calendar: calendar,
		store:    store,
		logger:   logger.With("component", "business_hours"),
		now:      time.Now,
	}
}

// Notify delivers now or defers the event
func (b *BusinessHours) Notify(ctx context.Context, customer models.Customer, ev Event) error {
	now := b.now()
	if ev.Urgent() || b.calendar.IsBusinessTime(now) {
		return b.next.Notify(ctx, customer, ev)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return &Error{Notifier: "business_hours", Err: err}
	}
	pending := &models.PendingNotification{
		CustomerID:   customer.ID,
		Event:        string(data),
		DeliverAfter: b.calendar.NextStart(now),
	}
	if err := b.store.CreatePendingNotification(ctx, pending); err != nil {
		return &Error{Notifier: "business_hours", Err: err}
	}

	b.logger.Info("notification deferred",
		"customer_id", customer.ID,
		"message_id", ev.MessageID,
		"deliver_after", pending.DeliverAfter,
	)
	return nil
}

// Flush delivers deferred notifications that are due. Failed deliveries
// stay pending for the next flush.
func (b *BusinessHours) Flush(ctx context.Context) (int, error) {
	due, err := b.store.GetDuePendingNotifications(ctx, b.now(), 100)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, p := range due {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		var ev Event
		if err := json.Unmarshal([]byte(p.Event), &ev); err != nil {
			b.logger.Error("dropping undecodable notification", "id", p.ID, "error", err)
			_ = b.store.MarkNotificationSent(ctx, p.ID)
			continue
		}

		customer := models.Customer{ID: p.CustomerID, Name: ev.CustomerName}
		if c, err := b.store.GetCustomerByID(ctx, p.CustomerID); err == nil {
			customer = *c
		}

		if err := b.next.Notify(ctx, customer, ev); err != nil {
			b.logger.Warn("deferred notification failed", "id", p.ID, "error", err)
			continue
		}
		if err := b.store.MarkNotificationSent(ctx, p.ID); err != nil {
			return sent, fmt.Errorf("mark notification sent: %w", err)
		}
		sent++
	}
	return sent, nil
}
