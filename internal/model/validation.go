package model

import (
	"time"

	"ppekiosk/internal/dto"
)

// ValidationRecord is one finished validation session.
type ValidationRecord struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	CardID    string         `json:"card_id"`
	Operator  string         `json:"operator"`
	Role      string         `json:"role"`
	TaskID    int            `json:"task_id"`
	Task      string         `json:"task"`
	Status    string         `json:"status"`
	Reason    string         `json:"reason"`
	Expected  dto.ItemCounts `json:"expected"`
	Missing   dto.ItemCounts `json:"missing"`
	ImagePath string         `json:"image_path,omitempty"`
	Location  string         `json:"location"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at"`
}

// RecordFilter contains filtering options for querying validation records.
type RecordFilter struct {
	Status    string
	Task      string
	Operator  string
	StartDate time.Time
	EndDate   time.Time
	Limit     int
	Offset    int
}

// TaskTotal counts outcomes of one task.
type TaskTotal struct {
	Task   string `json:"task"`
	Passed int    `json:"passed"`
	Failed int    `json:"failed"`
}

// DailySummary counts outcomes of one day.
type DailySummary struct {
	Date     string `json:"date"`
	Passed   int    `json:"passed"`
	TimedOut int    `json:"timed_out"`
	Aborted  int    `json:"aborted"`
}
