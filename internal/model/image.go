package model

import "time"

// Image is an evidence frame written to disk.
type Image struct {
	ID           int64     `json:"id"`
	ValidationID int64     `json:"validation_id,omitempty"`
	SessionID    string    `json:"session_id"`
	Category     string    `json:"category"`
	Filename     string    `json:"filename"`
	Timestamp    time.Time `json:"timestamp"`
	FilePath     string    `json:"filepath"`
	FileSize     int64     `json:"filesize"`
}
