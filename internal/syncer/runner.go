package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
)

const defaultInterval = 5 * time.Minute

// Runner serializes orchestrator runs so the periodic loop and manual triggers never overlap.
type Runner struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *zap.Logger

	runMu   sync.Mutex
	stateMu sync.Mutex
	last    *RunResult
}

func NewRunner(orchestrator *Orchestrator, interval time.Duration, logger *zap.Logger) *Runner {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{orchestrator: orchestrator, interval: interval, logger: logger}
}

// Start runs a periodic sync immediately and then on every tick until ctx ends.
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("sync runner stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	if _, err := r.Periodic(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("periodic sync failed", zap.Error(err))
	}
}

func (r *Runner) Periodic(ctx context.Context) (RunResult, error) {
	return r.serialize(func() (RunResult, error) {
		return r.orchestrator.Periodic(ctx)
	})
}

func (r *Runner) Bootstrap(ctx context.Context) (RunResult, error) {
	return r.serialize(func() (RunResult, error) {
		return r.orchestrator.Bootstrap(ctx)
	})
}

func (r *Runner) SyncDate(ctx context.Context, date schedule.Date) (RunResult, error) {
	return r.serialize(func() (RunResult, error) {
		return r.orchestrator.SyncDate(ctx, date)
	})
}

// Last returns the most recent completed run.
func (r *Runner) Last() (RunResult, bool) {
	r.stateMu.Lock()
	defer r.stateMu.Unlock()
	if r.last == nil {
		return RunResult{}, false
	}
	return *r.last, true
}

func (r *Runner) serialize(run func() (RunResult, error)) (RunResult, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	result, err := run()
	if err == nil {
		r.stateMu.Lock()
		r.last = &result
		r.stateMu.Unlock()
	}
	return result, err
}
