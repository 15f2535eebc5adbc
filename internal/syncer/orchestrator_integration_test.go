package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/outagesync/internal/notify"
	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
	"github.com/MarcoPoloResearchLab/outagesync/internal/sources"
)

var syncerDatabaseCounter atomic.Int64

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.ChangeEvent
}

func (n *recordingNotifier) Notify(_ context.Context, event notify.ChangeEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type harness struct {
	writer     *schedule.Writer
	dispatcher *notify.Dispatcher
	notifier   *recordingNotifier
	now        time.Time
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()
	return newHarnessWith(t, now, nil)
}

// newHarnessWith routes dispatched events through wrap before they reach the recorder.
func newHarnessWith(t *testing.T, now time.Time, wrap func(notify.ChangeNotifier) notify.ChangeNotifier) *harness {
	t.Helper()
	dsn := fmt.Sprintf("file:syncer_%d?mode=memory&cache=shared", syncerDatabaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(schedule.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	h := &harness{notifier: &recordingNotifier{}, now: now}
	var delivery notify.ChangeNotifier = h.notifier
	if wrap != nil {
		delivery = wrap(h.notifier)
	}
	h.dispatcher = notify.NewDispatcher(notify.DispatcherConfig{Notifier: delivery})
	writer, err := schedule.NewWriter(schedule.WriterConfig{
		Database:   db,
		Clock:      func() time.Time { return h.now },
		Location:   time.UTC,
		IDProvider: schedule.NewUUIDProvider(),
		Dispatcher: h.dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build writer: %v", err)
	}
	h.writer = writer
	return h
}

func (h *harness) orchestrator(t *testing.T, metrics *Metrics, fetchers ...sources.Fetcher) *Orchestrator {
	t.Helper()
	orchestrator, err := NewOrchestrator(Config{
		Fetchers: fetchers,
		Writer:   h.writer,
		Clock:    func() time.Time { return h.now },
		Location: time.UTC,
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return orchestrator
}

func published(t *testing.T, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("invalid timestamp %q: %v", value, err)
	}
	return &parsed
}

func rawUpdate(sourceID int64, source schedule.Source, date string, publishedAt *time.Time, start, end string) schedule.RawUpdate {
	return schedule.RawUpdate{
		SourceID:    sourceID,
		Source:      source,
		PublishedAt: publishedAt,
		Schedule: schedule.ParsedSchedule{
			Date:   date,
			Queues: []schedule.Queue{{Queue: "1.1", Intervals: []schedule.Interval{{Start: start, End: end}}}},
		},
	}
}

func messaging(updates ...schedule.RawUpdate) sources.StaticFetcher {
	return sources.StaticFetcher{Kind: schedule.SourceMessaging, Updates: updates}
}

func website(updates ...schedule.RawUpdate) sources.StaticFetcher {
	return sources.StaticFetcher{Kind: schedule.SourceWebsite, Updates: updates}
}

func mustParseDate(t *testing.T, value string) schedule.Date {
	t.Helper()
	date, err := schedule.ParseDate(value)
	if err != nil {
		t.Fatalf("invalid date %q: %v", value, err)
	}
	return date
}

func TestPeriodicRetainsTimestamplessWebsiteEntry(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	date := mustParseDate(t, "2024-11-27")
	websiteID := sources.WebsiteSourceID(date, 0)
	orchestrator := h.orchestrator(t, nil,
		messaging(rawUpdate(100, schedule.SourceMessaging, "2024-11-27", published(t, "2024-11-26T10:00:00Z"), "08:00", "12:00")),
		website(rawUpdate(websiteID, schedule.SourceWebsite, "2024-11-27", nil, "08:00", "12:00")),
	)

	result, err := orchestrator.Periodic(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.dispatcher.Wait()
	if result.TotalDates != 1 || result.Synced != 1 {
		t.Fatalf("unexpected result %+v", result)
	}

	stored, err := h.writer.Load(context.Background(), date)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(stored.History) != 1 {
		t.Fatalf("expected exactly 1 history row, got %d", len(stored.History))
	}
	if stored.Metadata.ChangeType != schedule.ChangeTypeNew || stored.Metadata.UpdateCount != 0 {
		t.Fatalf("unexpected metadata %+v", stored.Metadata)
	}
	if stored.Metadata.Source != schedule.SourceWebsite || stored.Metadata.LastSourceID != websiteID {
		t.Fatalf("expected website entry to occupy the slot, got %+v", stored.Metadata)
	}
}

func TestPeriodicRevisionNotifiesOnce(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	first := rawUpdate(1, schedule.SourceMessaging, "2024-11-26", published(t, "2024-11-26T10:00:00Z"), "08:00", "12:00")
	second := rawUpdate(2, schedule.SourceMessaging, "2024-11-26", published(t, "2024-11-26T14:00:00Z"), "09:00", "13:00")

	if _, err := h.orchestrator(t, nil, messaging(first), website()).Periodic(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.dispatcher.Wait()
	if h.notifier.count() != 0 {
		t.Fatalf("first publication for today must not notify, got %d", h.notifier.count())
	}

	result, err := h.orchestrator(t, nil, messaging(first, second), website()).Periodic(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.dispatcher.Wait()

	if result.Synced != 1 || result.Dates[0].ChangeType != schedule.ChangeTypeUpdated || result.Dates[0].UpdateCount != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected exactly one notification, got %d", h.notifier.count())
	}

	stored, err := h.writer.Load(context.Background(), mustParseDate(t, "2024-11-26"))
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if len(stored.Intervals) != 1 || stored.Intervals[0].StartTime != "09:00" || stored.Intervals[0].EndTime != "13:00" {
		t.Fatalf("unexpected authoritative intervals %+v", stored.Intervals)
	}

	again, err := h.orchestrator(t, nil, messaging(first, second), website()).Periodic(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.dispatcher.Wait()
	if again.Synced != 0 || again.Skipped != 1 || again.Failed != 0 {
		t.Fatalf("expected idempotent rerun, got %+v", again)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("no-op rerun must not notify, got %d", h.notifier.count())
	}
}

func TestPeriodicRevisionsInsideDedupeWindowAllNotify(t *testing.T) {
	var h *harness
	h = newHarnessWith(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC), func(next notify.ChangeNotifier) notify.ChangeNotifier {
		return notify.NewDedupeNotifier(notify.DedupeConfig{Next: next, Window: 10 * time.Minute, Clock: func() time.Time { return h.now }})
	})
	tomorrow := "2024-11-27"
	first := rawUpdate(1, schedule.SourceMessaging, tomorrow, published(t, "2024-11-26T08:00:00Z"), "08:00", "12:00")
	second := rawUpdate(2, schedule.SourceMessaging, tomorrow, published(t, "2024-11-26T08:30:00Z"), "09:00", "13:00")
	third := rawUpdate(3, schedule.SourceMessaging, tomorrow, published(t, "2024-11-26T09:02:00Z"), "10:00", "14:00")

	runs := [][]schedule.RawUpdate{{first}, {first, second}, {first, second, third}}
	for index, updates := range runs {
		if _, err := h.orchestrator(t, nil, messaging(updates...), website()).Periodic(context.Background()); err != nil {
			t.Fatalf("run %d: unexpected error: %v", index, err)
		}
		h.dispatcher.Wait()
		h.now = h.now.Add(5 * time.Minute)
	}

	if h.notifier.count() != 3 {
		t.Fatalf("expected every committed revision to notify, got %d", h.notifier.count())
	}
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if h.notifier.events[1].ContentHash == h.notifier.events[2].ContentHash {
		t.Fatalf("expected distinct revision hashes, got %+v", h.notifier.events)
	}
}

func TestPeriodicToleratesSourceFailure(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	orchestrator := h.orchestrator(t, nil,
		messaging(rawUpdate(1, schedule.SourceMessaging, "2024-11-28", published(t, "2024-11-26T07:00:00Z"), "08:00", "12:00")),
		sources.StaticFetcher{Kind: schedule.SourceWebsite, Err: errors.New("site down")},
	)

	result, err := orchestrator.Periodic(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Degraded || result.Synced != 1 {
		t.Fatalf("expected degraded but successful run, got %+v", result)
	}
	if len(result.Sources) != 2 || result.Sources[0].Degraded || !result.Sources[1].Degraded {
		t.Fatalf("unexpected source reports %+v", result.Sources)
	}
	if result.Sources[1].Error == "" {
		t.Fatalf("expected the failure reason to be reported")
	}
}

func TestRunWithAllSourcesFailingReturnsZeroProgress(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	orchestrator := h.orchestrator(t, nil,
		sources.StaticFetcher{Kind: schedule.SourceMessaging, Err: errors.New("channel down")},
		sources.StaticFetcher{Kind: schedule.SourceWebsite, Err: errors.New("site down")},
	)

	result, err := orchestrator.Periodic(context.Background())
	if err != nil {
		t.Fatalf("expected zero-progress result without error, got %v", err)
	}
	if result.TotalDates != 0 || result.Synced != 0 || !result.Degraded {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestPeriodicDropsStaleDates(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	orchestrator := h.orchestrator(t, nil,
		messaging(
			rawUpdate(1, schedule.SourceMessaging, "2024-11-18", nil, "08:00", "12:00"),
			rawUpdate(2, schedule.SourceMessaging, "2024-11-19", nil, "08:00", "12:00"),
		),
		website(),
	)

	result, err := orchestrator.Periodic(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalDates != 1 || result.Dates[0].Date != "2024-11-19" {
		t.Fatalf("expected only the retention window to be processed, got %+v", result.Dates)
	}
	if _, err := h.writer.Load(context.Background(), mustParseDate(t, "2024-11-18")); !errors.Is(err, schedule.ErrScheduleNotFound) {
		t.Fatalf("expected stale date to stay unpersisted, got %v", err)
	}
}

func TestBootstrapBackfillsWithoutNotifying(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	orchestrator := h.orchestrator(t, nil,
		messaging(
			rawUpdate(1, schedule.SourceMessaging, "2024-10-01", nil, "08:00", "12:00"),
			rawUpdate(2, schedule.SourceMessaging, "2024-11-30", published(t, "2024-11-26T07:00:00Z"), "08:00", "12:00"),
		),
		website(),
	)

	result, err := orchestrator.Bootstrap(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.dispatcher.Wait()
	if result.Mode != schedule.ModeBootstrap || result.Synced != 2 {
		t.Fatalf("unexpected result %+v", result)
	}
	if h.notifier.count() != 0 {
		t.Fatalf("bootstrap must not notify, got %d", h.notifier.count())
	}
	if result.Dates[0].Date != "2024-10-01" || result.Dates[1].Date != "2024-11-30" {
		t.Fatalf("expected ascending date processing, got %+v", result.Dates)
	}
}

func TestSyncDateProcessesOnlyRequestedDate(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	orchestrator := h.orchestrator(t, nil,
		messaging(
			rawUpdate(1, schedule.SourceMessaging, "2024-11-27", published(t, "2024-11-26T07:00:00Z"), "08:00", "12:00"),
			rawUpdate(2, schedule.SourceMessaging, "2024-11-28", published(t, "2024-11-26T07:00:00Z"), "08:00", "12:00"),
		),
		website(),
	)

	result, err := orchestrator.SyncDate(context.Background(), mustParseDate(t, "2024-11-28"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h.dispatcher.Wait()
	if result.Mode != schedule.ModeSingleDate || result.TotalDates != 1 || result.Dates[0].Date != "2024-11-28" {
		t.Fatalf("unexpected result %+v", result)
	}
	if h.notifier.count() != 1 {
		t.Fatalf("expected single-date repair to notify, got %d", h.notifier.count())
	}

	if _, err := orchestrator.SyncDate(context.Background(), schedule.Date{}); !errors.Is(err, ErrInvalidDate) {
		t.Fatalf("expected ErrInvalidDate, got %v", err)
	}
}

func TestMalformedDateFailsInIsolation(t *testing.T) {
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	orchestrator := h.orchestrator(t, nil,
		messaging(
			rawUpdate(1, schedule.SourceMessaging, "2024-11-27", nil, "08:00", "07:00"),
			rawUpdate(2, schedule.SourceMessaging, "2024-11-28", nil, "08:00", "12:00"),
		),
		website(),
	)

	result, err := orchestrator.Periodic(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TotalDates != 2 || result.Synced != 1 || result.Failed != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Dates[0].Outcome != OutcomeFailed || result.Dates[0].Error == "" {
		t.Fatalf("expected failure detail, got %+v", result.Dates[0])
	}
}

func TestMetricsRecordRunOutcomes(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics, err := NewMetrics(registry)
	if err != nil {
		t.Fatalf("unexpected metrics error: %v", err)
	}
	h := newHarness(t, time.Date(2024, time.November, 26, 9, 0, 0, 0, time.UTC))
	orchestrator := h.orchestrator(t, metrics,
		messaging(rawUpdate(1, schedule.SourceMessaging, "2024-11-28", nil, "08:00", "12:00")),
		sources.StaticFetcher{Kind: schedule.SourceWebsite, Err: errors.New("site down")},
	)

	if _, err := orchestrator.Periodic(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counterValue(t, registry, "outage_sync_runs_total", map[string]string{"mode": "periodic"}); got != 1 {
		t.Fatalf("expected 1 run, got %v", got)
	}
	if got := counterValue(t, registry, "outage_sync_dates_total", map[string]string{"mode": "periodic", "outcome": "synced"}); got != 1 {
		t.Fatalf("expected 1 synced date, got %v", got)
	}
	if got := counterValue(t, registry, "outage_sync_source_failures_total", map[string]string{"source": "website"}); got != 1 {
		t.Fatalf("expected 1 degraded source, got %v", got)
	}

	if _, err := NewMetrics(registry); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}

func counterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			matched := true
			for _, pair := range metric.GetLabel() {
				if want, ok := labels[pair.GetName()]; ok && want != pair.GetValue() {
					matched = false
				}
			}
			if matched {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNewOrchestratorValidatesConfig(t *testing.T) {
	if _, err := NewOrchestrator(Config{Fetchers: []sources.Fetcher{website()}}); err == nil {
		t.Fatalf("expected missing writer error")
	}
	h := newHarness(t, time.Now())
	if _, err := NewOrchestrator(Config{Writer: h.writer}); err == nil {
		t.Fatalf("expected missing fetchers error")
	}
}
