package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"

	"ppekiosk/internal/dto"
	"ppekiosk/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ValidationRepository implements repository.ValidationRepository for SQLite.
type ValidationRepository struct {
	db *DB
}

// NewValidationRepository creates a new SQLite validation repository.
func NewValidationRepository(db *DB) *ValidationRepository {
	return &ValidationRepository{db: db}
}

// Insert adds a finished session.
func (r *ValidationRepository) Insert(rec *model.ValidationRecord) (int64, error) {
	expected, err := json.MarshalToString(orEmpty(rec.Expected))
	if err != nil {
		return 0, fmt.Errorf("failed to encode expected items: %w", err)
	}
	missing, err := json.MarshalToString(orEmpty(rec.Missing))
	if err != nil {
		return 0, fmt.Errorf("failed to encode missing items: %w", err)
	}

	r.db.Lock()
	defer r.db.Unlock()

	result, err := r.db.Conn().Exec(`
		INSERT INTO validations (session_id, card_id, operator, role, task_id, task, status, reason,
			expected, missing, image_path, location, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.CardID, rec.Operator, rec.Role, rec.TaskID, rec.Task, rec.Status, rec.Reason,
		expected, missing, rec.ImagePath, rec.Location, rec.StartedAt.UTC(), rec.EndedAt.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert validation: %w", err)
	}

	return result.LastInsertId()
}

// SetImagePath links the final evidence image to a record.
func (r *ValidationRepository) SetImagePath(id int64, path string) error {
	r.db.Lock()
	defer r.db.Unlock()

	if _, err := r.db.Conn().Exec(`UPDATE validations SET image_path = ? WHERE id = ?`, path, id); err != nil {
		return fmt.Errorf("failed to update validation image: %w", err)
	}
	return nil
}

const validationColumns = `id, session_id, card_id, operator, role, task_id, task, status, reason,
	expected, missing, image_path, location, started_at, ended_at`

// GetByID retrieves a record by its ID; nil when absent.
func (r *ValidationRepository) GetByID(id int64) (*model.ValidationRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rec, err := scanValidation(r.db.Conn().QueryRow(`SELECT `+validationColumns+` FROM validations WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get validation: %w", err)
	}
	return rec, nil
}

// GetAll retrieves records based on filter criteria, newest first.
func (r *ValidationRepository) GetAll(filter *model.RecordFilter) ([]model.ValidationRecord, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := recordWhere(filter)
	query := `SELECT ` + validationColumns + ` FROM validations` + where + ` ORDER BY started_at DESC, id DESC`

	if filter != nil && filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query validations: %w", err)
	}
	defer rows.Close()

	var records []model.ValidationRecord
	for rows.Next() {
		rec, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan validation: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// GetTotalCount returns the number of records matching the filter.
func (r *ValidationRepository) GetTotalCount(filter *model.RecordFilter) (int, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	where, args := recordWhere(filter)
	var count int
	if err := r.db.Conn().QueryRow(`SELECT COUNT(*) FROM validations`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count validations: %w", err)
	}
	return count, nil
}

// TaskTotals returns pass and fail counts per task since the given time.
func (r *ValidationRepository) TaskTotals(since time.Time) ([]model.TaskTotal, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT task,
			SUM(CASE WHEN status = 'PASS' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status <> 'PASS' THEN 1 ELSE 0 END)
		FROM validations
		WHERE started_at >= ?
		GROUP BY task
		ORDER BY task
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query task totals: %w", err)
	}
	defer rows.Close()

	var totals []model.TaskTotal
	for rows.Next() {
		var t model.TaskTotal
		if err := rows.Scan(&t.Task, &t.Passed, &t.Failed); err != nil {
			return nil, fmt.Errorf("failed to scan task total: %w", err)
		}
		totals = append(totals, t)
	}
	return totals, rows.Err()
}

// DailySummary returns outcome counts per UTC day since the given time.
func (r *ValidationRepository) DailySummary(since time.Time) ([]model.DailySummary, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT DATE(started_at) AS day,
			SUM(CASE WHEN status = 'PASS' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'TIMEOUT' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'ABORTED' THEN 1 ELSE 0 END)
		FROM validations
		WHERE started_at >= ?
		GROUP BY day
		ORDER BY day
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query daily summary: %w", err)
	}
	defer rows.Close()

	var days []model.DailySummary
	for rows.Next() {
		var d model.DailySummary
		if err := rows.Scan(&d.Date, &d.Passed, &d.TimedOut, &d.Aborted); err != nil {
			return nil, fmt.Errorf("failed to scan daily summary: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanValidation(row rowScanner) (*model.ValidationRecord, error) {
	var rec model.ValidationRecord
	var expected, missing string
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.CardID, &rec.Operator, &rec.Role, &rec.TaskID, &rec.Task,
		&rec.Status, &rec.Reason, &expected, &missing, &rec.ImagePath, &rec.Location, &rec.StartedAt, &rec.EndedAt); err != nil {
		return nil, err
	}
	if err := json.UnmarshalFromString(expected, &rec.Expected); err != nil {
		return nil, fmt.Errorf("invalid expected items for record %d: %w", rec.ID, err)
	}
	if err := json.UnmarshalFromString(missing, &rec.Missing); err != nil {
		return nil, fmt.Errorf("invalid missing items for record %d: %w", rec.ID, err)
	}
	return &rec, nil
}

func recordWhere(filter *model.RecordFilter) (string, []interface{}) {
	query := " WHERE 1=1"
	args := []interface{}{}
	if filter == nil {
		return query, args
	}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}

	if filter.Task != "" {
		query += " AND task = ?"
		args = append(args, filter.Task)
	}

	if filter.Operator != "" {
		query += " AND operator = ?"
		args = append(args, filter.Operator)
	}

	if !filter.StartDate.IsZero() {
		query += " AND started_at >= ?"
		args = append(args, filter.StartDate.UTC())
	}

	if !filter.EndDate.IsZero() {
		query += " AND started_at < ?"
		args = append(args, filter.EndDate.UTC())
	}

	return query, args
}

func orEmpty(c dto.ItemCounts) dto.ItemCounts {
	if c == nil {
		return dto.ItemCounts{}
	}
	return c
}
