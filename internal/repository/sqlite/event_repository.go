package sqlite

import (
	"fmt"

	"ppekiosk/internal/model"
)

// EventRepository implements repository.EventRepository for SQLite.
type EventRepository struct {
	db *DB
}

func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Insert(ev *model.EventRecord) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().Exec(`
		INSERT INTO events (type, source, detail, location, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Type, ev.Source, ev.Detail, ev.Location, ev.Timestamp.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}

	return result.LastInsertId()
}

// GetRecent returns the newest events first.
func (r *EventRepository) GetRecent(limit int) ([]model.EventRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Conn().Query(`
		SELECT id, type, source, detail, location, timestamp
		FROM events ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []model.EventRecord
	for rows.Next() {
		var ev model.EventRecord
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.Source, &ev.Detail, &ev.Location, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
