// Package syncer drives fetch, reconciliation and persistence runs.
package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
	"github.com/MarcoPoloResearchLab/outagesync/internal/sources"
)

var (
	errMissingWriter   = errors.New("schedule writer is required")
	errMissingFetchers = errors.New("at least one fetcher is required")
	// ErrInvalidDate is returned by SyncDate for an unset date.
	ErrInvalidDate = errors.New("syncer: date is required")
)

// Outcome classifies what a run did with one date.
type Outcome string

const (
	OutcomeSynced    Outcome = "synced"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// ScheduleWriter persists the timeline of one date.
type ScheduleWriter interface {
	Write(ctx context.Context, date schedule.Date, timeline schedule.Timeline, notify bool) (schedule.WriteResult, error)
}

// SourceReport describes one source fetch of a run.
type SourceReport struct {
	Source   schedule.Source `json:"source"`
	Fetched  int             `json:"fetched"`
	Degraded bool            `json:"degraded"`
	Error    string          `json:"error,omitempty"`
}

// DateDetail describes the processing of one date.
type DateDetail struct {
	Date        string              `json:"date"`
	Outcome     Outcome             `json:"outcome"`
	Versions    int                 `json:"versions"`
	ChangeType  schedule.ChangeType `json:"change_type,omitempty"`
	UpdateCount int                 `json:"update_count"`
	Error       string              `json:"error,omitempty"`
}

// RunResult aggregates one run. Skipped counts every date that was not synced, Failed the
// subset that errored.
type RunResult struct {
	RunID      string         `json:"run_id"`
	Mode       schedule.Mode  `json:"mode"`
	StartedAt  time.Time      `json:"started_at"`
	TotalDates int            `json:"total_dates"`
	Synced     int            `json:"synced"`
	Skipped    int            `json:"skipped"`
	Failed     int            `json:"failed"`
	Degraded   bool           `json:"degraded"`
	Sources    []SourceReport `json:"sources"`
	Dates      []DateDetail   `json:"dates"`
}

type Config struct {
	Fetchers []sources.Fetcher
	Writer   ScheduleWriter
	Clock    func() time.Time
	Location *time.Location
	Metrics  *Metrics
	Logger   *zap.Logger
}

// Orchestrator runs the reconciliation pipeline in bootstrap, periodic and single-date modes.
type Orchestrator struct {
	fetchers []sources.Fetcher
	writer   ScheduleWriter
	clock    func() time.Time
	location *time.Location
	metrics  *Metrics
	logger   *zap.Logger
}

func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Writer == nil {
		return nil, errMissingWriter
	}
	if len(cfg.Fetchers) == 0 {
		return nil, errMissingFetchers
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	location := cfg.Location
	if location == nil {
		location = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		fetchers: cfg.Fetchers,
		writer:   cfg.Writer,
		clock:    clock,
		location: location,
		metrics:  cfg.Metrics,
		logger:   logger,
	}, nil
}

// Bootstrap backfills every available date without notifying.
func (o *Orchestrator) Bootstrap(ctx context.Context) (RunResult, error) {
	return o.run(ctx, schedule.ModeBootstrap, schedule.Date{})
}

// Periodic reconciles the retention window and notifies on changes.
func (o *Orchestrator) Periodic(ctx context.Context) (RunResult, error) {
	return o.run(ctx, schedule.ModePeriodic, schedule.Date{})
}

// SyncDate reconciles exactly one date and notifies on changes.
func (o *Orchestrator) SyncDate(ctx context.Context, date schedule.Date) (RunResult, error) {
	if date.IsZero() {
		return RunResult{}, ErrInvalidDate
	}
	return o.run(ctx, schedule.ModeSingleDate, date)
}

func (o *Orchestrator) run(ctx context.Context, mode schedule.Mode, target schedule.Date) (RunResult, error) {
	if err := ctx.Err(); err != nil {
		return RunResult{}, err
	}

	startedAt := o.clock()
	result := RunResult{
		RunID:     newRunID(),
		Mode:      mode,
		StartedAt: startedAt.UTC(),
		Sources:   []SourceReport{},
		Dates:     []DateDetail{},
	}
	logger := o.logger.With(zap.String("run_id", result.RunID), zap.String("mode", string(mode)))
	defer func() {
		o.metrics.observe(result, o.clock().Sub(startedAt))
	}()

	updates, reports := o.fetchAll(ctx, logger)
	result.Sources = reports
	healthy := 0
	for _, report := range reports {
		if report.Degraded {
			result.Degraded = true
			continue
		}
		healthy++
	}
	if healthy == 0 {
		logger.Error("all sources failed", zap.Int("sources", len(reports)))
		return result, nil
	}

	today := schedule.Today(startedAt, o.location)
	kept := schedule.FilterStale(updates, mode, today)
	if mode == schedule.ModeSingleDate {
		kept = schedule.KeepDate(kept, target)
	}
	groups := schedule.GroupByDate(kept)
	dates := schedule.SortedDates(groups)
	result.TotalDates = len(dates)
	notify := mode != schedule.ModeBootstrap

	for _, date := range dates {
		detail := o.syncDate(ctx, logger, date, groups[date], notify)
		switch detail.Outcome {
		case OutcomeSynced:
			result.Synced++
		case OutcomeFailed:
			result.Failed++
			result.Skipped++
		default:
			result.Skipped++
		}
		result.Dates = append(result.Dates, detail)
	}

	logger.Info("sync run finished",
		zap.Int("total_dates", result.TotalDates),
		zap.Int("synced", result.Synced),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Bool("degraded", result.Degraded))
	return result, nil
}

func (o *Orchestrator) syncDate(ctx context.Context, logger *zap.Logger, date schedule.Date, updates []schedule.RawUpdate, notify bool) DateDetail {
	detail := DateDetail{Date: date.String()}
	if err := ctx.Err(); err != nil {
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}

	timeline, err := schedule.BuildTimeline(updates)
	if err != nil {
		logger.Warn("timeline build failed", zap.String("date", detail.Date), zap.Error(err))
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}
	detail.Versions = len(timeline)

	written, err := o.writer.Write(ctx, date, timeline, notify)
	if err != nil {
		logger.Warn("schedule write failed", zap.String("date", detail.Date), zap.Error(err))
		detail.Outcome = OutcomeFailed
		detail.Error = err.Error()
		return detail
	}

	detail.ChangeType = written.ChangeType
	detail.UpdateCount = written.UpdateCount
	if written.Updated {
		detail.Outcome = OutcomeSynced
	} else {
		detail.Outcome = OutcomeUnchanged
	}
	return detail
}

// fetchAll queries every source concurrently. A failing source contributes no updates and a
// degraded report.
func (o *Orchestrator) fetchAll(ctx context.Context, logger *zap.Logger) ([]schedule.RawUpdate, []SourceReport) {
	fetched := make([][]schedule.RawUpdate, len(o.fetchers))
	reports := make([]SourceReport, len(o.fetchers))

	var group errgroup.Group
	for index, fetcher := range o.fetchers {
		index, fetcher := index, fetcher
		group.Go(func() error {
			report := SourceReport{Source: fetcher.Source()}
			updates, err := fetcher.Fetch(ctx)
			if err != nil {
				logger.Warn("source fetch failed",
					zap.String("source", string(report.Source)),
					zap.Error(err))
				report.Degraded = true
				report.Error = err.Error()
				updates = nil
			}
			report.Fetched = len(updates)
			fetched[index] = updates
			reports[index] = report
			return nil
		})
	}
	_ = group.Wait()

	var updates []schedule.RawUpdate
	for _, batch := range fetched {
		updates = append(updates, batch...)
	}
	return updates, reports
}

func newRunID() string {
	value, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return value.String()
}
