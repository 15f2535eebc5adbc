package schedule

import "time"

// ScheduleMetadata stores the reconciliation state of one date.
type ScheduleMetadata struct {
	Date             string     `gorm:"column:date;primaryKey;size:10;not null"`
	LastSourceID     int64      `gorm:"column:last_source_id;not null"`
	Source           Source     `gorm:"column:source;size:16;not null"`
	PublishedAt      *time.Time `gorm:"column:published_at"`
	FirstPublishedAt *time.Time `gorm:"column:first_published_at"`
	LastUpdatedAt    time.Time  `gorm:"column:last_updated_at;not null"`
	UpdateCount      int        `gorm:"column:update_count;not null;default:0"`
	ChangeType       ChangeType `gorm:"column:change_type;size:16;not null"`
	ContentHash      string     `gorm:"column:content_hash;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduleMetadata) TableName() string {
	return "schedule_metadata"
}

// OutageInterval stores one authoritative outage window of a date.
type OutageInterval struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	Date      string `gorm:"column:date;size:10;not null;index:idx_outage_intervals_date;uniqueIndex:idx_outage_interval_slot,priority:1"`
	Queue     string `gorm:"column:queue;size:32;not null;uniqueIndex:idx_outage_interval_slot,priority:2"`
	StartTime string `gorm:"column:start_time;size:5;not null;uniqueIndex:idx_outage_interval_slot,priority:3"`
	EndTime   string `gorm:"column:end_time;size:5;not null;uniqueIndex:idx_outage_interval_slot,priority:4"`
}

// TableName provides the explicit table binding for GORM.
func (OutageInterval) TableName() string {
	return "outage_intervals"
}

// ScheduleHistory captures one timeline entry of a date for auditing.
type ScheduleHistory struct {
	HistoryID   string     `gorm:"column:history_id;primaryKey;size:64;not null"`
	Date        string     `gorm:"column:date;size:10;not null;index:idx_schedule_history_date,priority:1"`
	Position    int        `gorm:"column:position;not null;index:idx_schedule_history_date,priority:2"`
	Source      Source     `gorm:"column:source;size:16;not null"`
	SourceID    int64      `gorm:"column:source_id;not null"`
	PublishedAt *time.Time `gorm:"column:published_at"`
	ChangeType  ChangeType `gorm:"column:change_type;size:16;not null"`
	ContentHash string     `gorm:"column:content_hash;size:64;not null"`
	PayloadJSON string     `gorm:"column:payload_json;type:text;not null"`
	RecordedAt  time.Time  `gorm:"column:recorded_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (ScheduleHistory) TableName() string {
	return "schedule_history"
}

// Models lists every persisted model for schema migration.
func Models() []any {
	return []any{&ScheduleMetadata{}, &OutageInterval{}, &ScheduleHistory{}}
}
