package repository

import (
	"time"

	"ppekiosk/internal/model"
)

// ValidationRepository stores finished validation sessions.
type ValidationRepository interface {
	// Create operations
	Insert(rec *model.ValidationRecord) (int64, error)

	// Update operations
	SetImagePath(id int64, path string) error

	// Read operations
	GetByID(id int64) (*model.ValidationRecord, error)
	GetAll(filter *model.RecordFilter) ([]model.ValidationRecord, error)
	GetTotalCount(filter *model.RecordFilter) (int, error)
	TaskTotals(since time.Time) ([]model.TaskTotal, error)
	DailySummary(since time.Time) ([]model.DailySummary, error)
}

// EventRepository stores safety and device events.
type EventRepository interface {
	Insert(ev *model.EventRecord) (int64, error)
	GetRecent(limit int) ([]model.EventRecord, error)
}

// ImageRepository stores evidence image metadata.
type ImageRepository interface {
	Insert(img *model.Image) (int64, error)
	GetByValidationID(validationID int64) ([]model.Image, error)
	GetDirectorySize() (int64, error)
}
