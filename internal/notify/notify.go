// Package notify delivers committed schedule changes to consumers.
package notify

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
)

// ChangeEvent announces that the persisted schedule of a date changed. ContentHash names the
// committed revision.
type ChangeEvent struct {
	Date        schedule.Date       `json:"date"`
	ChangeType  schedule.ChangeType `json:"change_type"`
	ContentHash string              `json:"content_hash"`
}

// ChangeNotifier delivers change events to subscribers.
type ChangeNotifier interface {
	Notify(ctx context.Context, event ChangeEvent) error
}

// ReminderScheduler rebuilds per-interval reminders for a near-term date.
type ReminderScheduler interface {
	Reschedule(ctx context.Context, date schedule.Date) error
}

// LogNotifier writes change events to the log.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Notify(_ context.Context, event ChangeEvent) error {
	logger := n.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("schedule change",
		zap.String("date", event.Date.String()),
		zap.String("change_type", string(event.ChangeType)),
		zap.String("content_hash", event.ContentHash))
	return nil
}

// LogReminders records reminder reschedules in the log.
type LogReminders struct {
	Logger *zap.Logger
}

func (r LogReminders) Reschedule(_ context.Context, date schedule.Date) error {
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("reminders rescheduled", zap.String("date", date.String()))
	return nil
}

// MultiNotifier sends each event through every notifier concurrently.
type MultiNotifier []ChangeNotifier

func (m MultiNotifier) Notify(ctx context.Context, event ChangeEvent) error {
	var group errgroup.Group
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		notifier := notifier
		group.Go(func() error {
			return notifier.Notify(ctx, event)
		})
	}
	return group.Wait()
}
