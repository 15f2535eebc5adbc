package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errInvalidDate       = errors.New("date is required")
	// ErrScheduleNotFound indicates a date without persisted metadata.
	ErrScheduleNotFound = errors.New("schedule: not found")
	noOpLogger          = zap.NewNop()
)

// ServiceError carries a stable operation.reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opWriterNew = "schedule.writer.new"
	opWrite     = "schedule.write"
	opLoad      = "schedule.load"

	queryByDate = "date = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Change describes one committed content change of a date. ContentHash identifies the
// persisted revision.
type Change struct {
	Date        Date
	ChangeType  ChangeType
	ContentHash string
}

// Dispatcher receives change signals after a write commits. push reports whether consumers
// should be notified and reschedule whether near-term reminders must be rebuilt.
type Dispatcher interface {
	Dispatch(change Change, push, reschedule bool)
}

type WriterConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	Location   *time.Location
	IDProvider IDProvider
	Dispatcher Dispatcher
	Logger     *zap.Logger
}

// Writer persists reconciled timelines, one transaction per date.
type Writer struct {
	db         *gorm.DB
	clock      func() time.Time
	location   *time.Location
	idProvider IDProvider
	dispatcher Dispatcher
	logger     *zap.Logger
}

// WriteResult reports the outcome of one Write call.
type WriteResult struct {
	Updated     bool       `json:"updated"`
	ChangeType  ChangeType `json:"change_type"`
	UpdateCount int        `json:"update_count"`
}

// Stored is the persisted view of one date.
type Stored struct {
	Metadata  ScheduleMetadata
	Intervals []OutageInterval
	History   []ScheduleHistory
}

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opWriterNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opWriterNew, "missing_id_provider", errMissingIDProvider)
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
		logger = noOpLogger
	}

	return &Writer{
		db:         cfg.Database,
		clock:      clock,
		location:   location,
		idProvider: cfg.IDProvider,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// Write reconciles the persisted state of date with timeline. Nothing is written when the
// persisted intervals already match the final entry. With notify set, a committed change is
// handed to the dispatcher according to ShouldNotify and IsNearTerm.
func (w *Writer) Write(ctx context.Context, date Date, timeline Timeline, notify bool) (WriteResult, error) {
	if date.IsZero() {
		w.logError(opWrite, "invalid_date", errInvalidDate)
		return WriteResult{}, newServiceError(opWrite, "invalid_date", errInvalidDate)
	}
	dateKey := date.String()

	final, err := timeline.Final()
	if err != nil {
		w.logError(opWrite, "empty_timeline", err, zap.String("date", dateKey))
		return WriteResult{}, newServiceError(opWrite, "empty_timeline", err)
	}
	finalSlots, err := Slots(final.Schedule)
	if err != nil {
		w.logError(opWrite, "final_schedule_invalid", err, zap.String("date", dateKey))
		return WriteResult{}, newServiceError(opWrite, "final_schedule_invalid", err)
	}
	finalContent := canonicalSlots(finalSlots)
	finalHash := hashCanonical(finalContent)

	history, err := w.historyRows(dateKey, timeline)
	if err != nil {
		return WriteResult{}, err
	}

	var result WriteResult
	txErr := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ScheduleMetadata
		hasMetadata := true
		err := tx.Where(queryByDate, dateKey).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			hasMetadata = false
		} else if err != nil {
			w.logError(opWrite, "metadata_select_failed", err, zap.String("date", dateKey))
			return newServiceError(opWrite, "metadata_select_failed", err)
		}

		var persisted []OutageInterval
		if err := tx.Where(queryByDate, dateKey).Find(&persisted).Error; err != nil {
			w.logError(opWrite, "intervals_select_failed", err, zap.String("date", dateKey))
			return newServiceError(opWrite, "intervals_select_failed", err)
		}

		if hasMetadata && w.unchanged(existing, persisted, finalContent, finalHash) {
			result = WriteResult{Updated: false, ChangeType: existing.ChangeType, UpdateCount: existing.UpdateCount}
			return nil
		}

		for _, model := range []any{&OutageInterval{}, &ScheduleHistory{}, &ScheduleMetadata{}} {
			if err := tx.Where(queryByDate, dateKey).Delete(model).Error; err != nil {
				w.logError(opWrite, "delete_failed", err, zap.String("date", dateKey))
				return newServiceError(opWrite, "delete_failed", err)
			}
		}

		if len(finalSlots) > 0 {
			rows := make([]OutageInterval, 0, len(finalSlots))
			for _, slot := range finalSlots {
				rows = append(rows, OutageInterval{
					Date:      dateKey,
					Queue:     slot.Queue,
					StartTime: slot.Start,
					EndTime:   slot.End,
				})
			}
			if err := tx.Create(&rows).Error; err != nil {
				w.logError(opWrite, "intervals_insert_failed", err, zap.String("date", dateKey))
				return newServiceError(opWrite, "intervals_insert_failed", err)
			}
		}

		if err := tx.Create(&history).Error; err != nil {
			w.logError(opWrite, "history_insert_failed", err, zap.String("date", dateKey))
			return newServiceError(opWrite, "history_insert_failed", err)
		}

		changeType := ChangeTypeNew
		if hasMetadata && hadContent(existing, persisted) {
			changeType = ChangeTypeUpdated
		}
		metadata := ScheduleMetadata{
			Date:             dateKey,
			LastSourceID:     final.SourceID,
			Source:           final.Source,
			PublishedAt:      utcPointer(final.PublishedAt),
			FirstPublishedAt: utcPointer(timeline[0].PublishedAt),
			LastUpdatedAt:    w.clock().UTC(),
			UpdateCount:      len(timeline) - 1,
			ChangeType:       changeType,
			ContentHash:      finalHash,
		}
		if err := tx.Create(&metadata).Error; err != nil {
			w.logError(opWrite, "metadata_insert_failed", err, zap.String("date", dateKey))
			return newServiceError(opWrite, "metadata_insert_failed", err)
		}

		result = WriteResult{Updated: true, ChangeType: changeType, UpdateCount: metadata.UpdateCount}
		return nil
	})
	if txErr != nil {
		return WriteResult{}, txErr
	}

	if result.Updated {
		w.logger.Info("schedule written",
			zap.String("date", dateKey),
			zap.String("change_type", string(result.ChangeType)),
			zap.Int("update_count", result.UpdateCount),
			zap.String("source", string(final.Source)),
			zap.Int64("source_id", final.SourceID))
		if notify {
			w.dispatch(Change{Date: date, ChangeType: result.ChangeType, ContentHash: finalHash})
		}
	}
	return result, nil
}

// Load returns the persisted metadata, intervals and history of date.
func (w *Writer) Load(ctx context.Context, date Date) (Stored, error) {
	if date.IsZero() {
		return Stored{}, newServiceError(opLoad, "invalid_date", errInvalidDate)
	}
	dateKey := date.String()
	db := w.db.WithContext(ctx)

	var stored Stored
	err := db.Where(queryByDate, dateKey).Take(&stored.Metadata).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Stored{}, newServiceError(opLoad, "not_found", ErrScheduleNotFound)
	}
	if err != nil {
		w.logError(opLoad, "metadata_select_failed", err, zap.String("date", dateKey))
		return Stored{}, newServiceError(opLoad, "metadata_select_failed", err)
	}
	if err := db.Where(queryByDate, dateKey).
		Order("queue ASC, start_time ASC, end_time ASC").
		Find(&stored.Intervals).Error; err != nil {
		w.logError(opLoad, "intervals_select_failed", err, zap.String("date", dateKey))
		return Stored{}, newServiceError(opLoad, "intervals_select_failed", err)
	}
	if err := db.Where(queryByDate, dateKey).
		Order("position ASC").
		Find(&stored.History).Error; err != nil {
		w.logError(opLoad, "history_select_failed", err, zap.String("date", dateKey))
		return Stored{}, newServiceError(opLoad, "history_select_failed", err)
	}
	return stored, nil
}

// unchanged reports whether the persisted state already reflects the final content.
// Rows that no longer parse count as changed so the write path repairs them.
func (w *Writer) unchanged(existing ScheduleMetadata, persisted []OutageInterval, finalContent, finalHash string) bool {
	if len(persisted) == 0 {
		return finalContent == "" && existing.ContentHash == finalHash
	}
	slots := make([]Slot, 0, len(persisted))
	for _, row := range persisted {
		slots = append(slots, Slot{Queue: row.Queue, Start: row.StartTime, End: row.EndTime})
	}
	persistedContent, err := NormalizeSlots(slots)
	if err != nil {
		w.logger.Warn("persisted intervals unreadable",
			zap.String("date", existing.Date),
			zap.Error(err))
		return false
	}
	return persistedContent == finalContent
}

// hadContent reports whether prior state survived. Metadata without interval rows only counts
// when it recorded an empty schedule; otherwise the write is a recovery and the date starts over.
func hadContent(existing ScheduleMetadata, persisted []OutageInterval) bool {
	return len(persisted) > 0 || existing.ContentHash == hashCanonical("")
}

func (w *Writer) historyRows(dateKey string, timeline Timeline) ([]ScheduleHistory, error) {
	recordedAt := w.clock().UTC()
	rows := make([]ScheduleHistory, 0, len(timeline))
	for position, update := range timeline {
		contentHash, err := Hash(update.Schedule)
		if err != nil {
			w.logError(opWrite, "history_hash_failed", err, zap.String("date", dateKey))
			return nil, newServiceError(opWrite, "history_hash_failed", err)
		}
		payload, err := json.Marshal(update.Schedule)
		if err != nil {
			w.logError(opWrite, "history_encode_failed", err, zap.String("date", dateKey))
			return nil, newServiceError(opWrite, "history_encode_failed", err)
		}
		historyID, err := w.idProvider.NewID()
		if err != nil {
			w.logError(opWrite, "id_generation_failed", err, zap.String("date", dateKey))
			return nil, newServiceError(opWrite, "id_generation_failed", err)
		}
		changeType := ChangeTypeUpdated
		if position == 0 {
			changeType = ChangeTypeNew
		}
		rows = append(rows, ScheduleHistory{
			HistoryID:   historyID,
			Date:        dateKey,
			Position:    position,
			Source:      update.Source,
			SourceID:    update.SourceID,
			PublishedAt: utcPointer(update.PublishedAt),
			ChangeType:  changeType,
			ContentHash: contentHash,
			PayloadJSON: string(payload),
			RecordedAt:  recordedAt,
		})
	}
	return rows, nil
}

func (w *Writer) dispatch(change Change) {
	if w.dispatcher == nil {
		return
	}
	today := Today(w.clock(), w.location)
	push := ShouldNotify(change.Date, today, change.ChangeType)
	reschedule := IsNearTerm(change.Date, today)
	if !push && !reschedule {
		return
	}
	w.dispatcher.Dispatch(change, push, reschedule)
}

func (w *Writer) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	w.logger.Error("schedule writer error", attrs...)
}

func utcPointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}
