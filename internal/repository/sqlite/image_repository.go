package sqlite

import (
	"database/sql"
	"fmt"

	"ppekiosk/internal/model"
)

// ImageRepository implements repository.ImageRepository for SQLite.
type ImageRepository struct {
	db *DB
}

// NewImageRepository creates a new SQLite image repository.
func NewImageRepository(db *DB) *ImageRepository {
	return &ImageRepository{db: db}
}

// Insert adds a new image record to the database.
func (r *ImageRepository) Insert(img *model.Image) (int64, error) {
	r.db.Lock()
	defer r.db.Unlock()

	var validationID sql.NullInt64
	if img.ValidationID != 0 {
		validationID = sql.NullInt64{Int64: img.ValidationID, Valid: true}
	}

	result, err := r.db.Conn().Exec(`
		INSERT INTO images (validation_id, session_id, category, filename, timestamp, filepath, filesize)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, validationID, img.SessionID, img.Category, img.Filename, img.Timestamp.UTC(), img.FilePath, img.FileSize)
	if err != nil {
		return 0, fmt.Errorf("failed to insert image: %w", err)
	}

	return result.LastInsertId()
}

// GetByValidationID returns the evidence images of one validation record.
func (r *ImageRepository) GetByValidationID(validationID int64) ([]model.Image, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	rows, err := r.db.Conn().Query(`
		SELECT id, COALESCE(validation_id, 0), session_id, category, filename, timestamp, filepath, filesize
		FROM images WHERE validation_id = ? ORDER BY timestamp
	`, validationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query images: %w", err)
	}
	defer rows.Close()

	var images []model.Image
	for rows.Next() {
		var img model.Image
		if err := rows.Scan(&img.ID, &img.ValidationID, &img.SessionID, &img.Category, &img.Filename,
			&img.Timestamp, &img.FilePath, &img.FileSize); err != nil {
			return nil, fmt.Errorf("failed to scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// GetDirectorySize returns the total size of stored images.
func (r *ImageRepository) GetDirectorySize() (int64, error) {
	r.db.RLock()
	defer r.db.RUnlock()

	var size int64
	if err := r.db.Conn().QueryRow(`SELECT COALESCE(SUM(filesize), 0) FROM images`).Scan(&size); err != nil {
		return 0, fmt.Errorf("failed to sum image sizes: %w", err)
	}
	return size, nil
}

// BulkInsert inserts images in a single transaction, skipping paths already recorded.
// It returns the number of rows added.
func (r *ImageRepository) BulkInsert(images []model.Image) (int, error) {
	r.db.Lock()
	defer r.db.Unlock()

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO images (validation_id, session_id, category, filename, timestamp, filepath, filesize)
		VALUES (NULL, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare image statement: %w", err)
	}
	defer stmt.Close()

	added := 0
	for _, img := range images {
		result, err := stmt.Exec(img.SessionID, img.Category, img.Filename, img.Timestamp.UTC(), img.FilePath, img.FileSize)
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s: %w", img.FilePath, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			added++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit images: %w", err)
	}
	return added, nil
}
