package dto

import (
	"image"
	"time"
)

// BufferedSnapshot holds an evidence frame before it is flushed to disk.
type BufferedSnapshot struct {
	Timestamp time.Time
	SessionID string
	Operator  string
	Category  string // "data" for periodic snapshots, or the lowercase final status
	Image     image.Image
	// RecordID links the snapshot to a validation record; zero for periodic snapshots.
	RecordID int64
}
