package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/outagesync/internal/schedule"
)

const (
	migrationRecomputeUpdateCount = "2025-11-21_recompute_update_count"
	migrationBackfillContentHash  = "2025-11-24_backfill_content_hash"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRecomputeUpdateCount, apply: recomputeUpdateCount},
		{name: migrationBackfillContentHash, apply: backfillContentHash},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// recomputeUpdateCount derives update_count from the stored history of each date.
func recomputeUpdateCount(db *gorm.DB) error {
	return db.Exec(`UPDATE schedule_metadata
SET update_count = (SELECT COUNT(*) - 1 FROM schedule_history WHERE schedule_history.date = schedule_metadata.date)
WHERE EXISTS (SELECT 1 FROM schedule_history WHERE schedule_history.date = schedule_metadata.date)`).Error
}

// backfillContentHash fills content_hash for metadata rows written before the column existed.
func backfillContentHash(db *gorm.DB) error {
	var pending []schedule.ScheduleMetadata
	if err := db.Where("content_hash = ? OR content_hash IS NULL", "").Find(&pending).Error; err != nil {
		return err
	}
	for _, metadata := range pending {
		var rows []schedule.OutageInterval
		if err := db.Where("date = ?", metadata.Date).Find(&rows).Error; err != nil {
			return err
		}
		slots := make([]schedule.Slot, 0, len(rows))
		for _, row := range rows {
			slots = append(slots, schedule.Slot{Queue: row.Queue, Start: row.StartTime, End: row.EndTime})
		}
		contentHash, err := schedule.HashSlots(slots)
		if err != nil {
			return err
		}
		if err := db.Model(&schedule.ScheduleMetadata{}).
			Where("date = ?", metadata.Date).
			Update("content_hash", contentHash).Error; err != nil {
			return err
		}
	}
	return nil
}
