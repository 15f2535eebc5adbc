package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
)

const defaultDispatchTimeout = 10 * time.Second

type DispatcherConfig struct {
	Notifier  ChangeNotifier
	Reminders ReminderScheduler
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Dispatcher hands committed changes to the notifier and reminder scheduler on background
// goroutines. Delivery failures are logged and never reach the writer.
type Dispatcher struct {
	notifier  ChangeNotifier
	reminders ReminderScheduler
	timeout   time.Duration
	logger    *zap.Logger
	pending   sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		notifier:  cfg.Notifier,
		reminders: cfg.Reminders,
		timeout:   timeout,
		logger:    logger,
	}
}

// Dispatch implements schedule.Dispatcher.
func (d *Dispatcher) Dispatch(change schedule.Change, push, reschedule bool) {
	date := change.Date
	if push && d.notifier != nil {
		event := ChangeEvent{Date: date, ChangeType: change.ChangeType, ContentHash: change.ContentHash}
		d.run(func(ctx context.Context) {
			if err := d.notifier.Notify(ctx, event); err != nil {
				d.logger.Warn("change notification failed",
					zap.String("date", date.String()),
					zap.String("change_type", string(change.ChangeType)),
					zap.Error(err))
			}
		})
	}
	if reschedule && d.reminders != nil {
		d.run(func(ctx context.Context) {
			if err := d.reminders.Reschedule(ctx, date); err != nil {
				d.logger.Warn("reminder reschedule failed",
					zap.String("date", date.String()),
					zap.Error(err))
			}
		})
	}
}

// Wait blocks until every dispatched delivery has finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

func (d *Dispatcher) run(task func(ctx context.Context)) {
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		task(ctx)
	}()
}
