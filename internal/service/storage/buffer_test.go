package storage

import (
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppekiosk/internal/config"
	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/model"
	"ppekiosk/internal/repository/sqlite"
)

func newBuffer(t *testing.T, limit int) (*BufferService, *sqlite.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.New(filepath.Join(dir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{ImageDirectory: filepath.Join(dir, "log"), ImageBufferLimit: limit}
	svc := NewBufferService(cfg, logger.Discard(), sqlite.NewImageRepository(db), sqlite.NewValidationRepository(db))
	return svc, db, cfg.ImageDirectory
}

func snapshot(category string, ts time.Time) dto.BufferedSnapshot {
	return dto.BufferedSnapshot{
		Timestamp: ts,
		SessionID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		Operator:  "E1001",
		Category:  category,
		Image:     image.NewRGBA(image.Rect(0, 0, 16, 12)),
	}
}

func TestBufferService_LimitsPeriodicSnapshotsPerSession(t *testing.T) {
	svc, _, _ := newBuffer(t, 2)
	now := time.Now()

	assert.True(t, svc.Add(snapshot(CategoryData, now)))
	assert.True(t, svc.Add(snapshot(CategoryData, now.Add(time.Second))))
	assert.False(t, svc.Add(snapshot(CategoryData, now.Add(2*time.Second))))
	assert.True(t, svc.Add(snapshot("pass", now.Add(3*time.Second))), "final frames are never capped")
	assert.False(t, svc.Add(dto.BufferedSnapshot{Category: CategoryData}), "no image")
	assert.Equal(t, 3, svc.Pending())
}

func TestBufferService_LimitHoldsAcrossFlushes(t *testing.T) {
	svc, _, _ := newBuffer(t, 1)
	now := time.Now()

	require.True(t, svc.Add(snapshot(CategoryData, now)))
	assert.Equal(t, 1, svc.Flush())

	assert.False(t, svc.Add(snapshot(CategoryData, now.Add(3*time.Second))), "cap is per session, not per flush")
	assert.True(t, svc.Add(snapshot("timeout", now.Add(4*time.Second))))
	assert.True(t, svc.Add(snapshot(CategoryData, now.Add(5*time.Second))), "the final frame releases the session's count")
}

func TestBufferService_FlushWritesDatedDirectories(t *testing.T) {
	svc, db, root := newBuffer(t, 5)
	ts := time.Date(2024, 5, 1, 9, 30, 15, 0, time.Local)

	validations := sqlite.NewValidationRepository(db)
	recordID, err := validations.Insert(&model.ValidationRecord{SessionID: "s", Status: "TIMEOUT", StartedAt: ts, EndedAt: ts})
	require.NoError(t, err)

	final := snapshot("TIMEOUT", ts)
	final.RecordID = recordID
	svc.Add(snapshot(CategoryData, ts))
	svc.Add(final)

	assert.Equal(t, 2, svc.Flush())
	assert.Zero(t, svc.Pending())

	dataFiles, err := os.ReadDir(filepath.Join(root, "data", "01_05_24"))
	require.NoError(t, err)
	require.Len(t, dataFiles, 1)
	assert.Equal(t, "09-30-15.000_E1001_0f8fad5b.jpg", dataFiles[0].Name())

	timeoutPath := filepath.Join(root, "timeout", "01_05_24", "09-30-15.000_E1001_0f8fad5b.jpg")
	_, err = os.Stat(timeoutPath)
	require.NoError(t, err)

	rec, err := validations.GetByID(recordID)
	require.NoError(t, err)
	assert.Equal(t, timeoutPath, rec.ImagePath)

	images, err := sqlite.NewImageRepository(db).GetByValidationID(recordID)
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "TIMEOUT", images[0].Category)
}

func TestBufferService_FlushEmptyIsNoop(t *testing.T) {
	svc, _, root := newBuffer(t, 5)
	assert.Zero(t, svc.Flush())
	_, err := os.Stat(root)
	assert.True(t, os.IsNotExist(err))
}

func TestBufferService_WorksWithoutRepositories(t *testing.T) {
	dir := t.TempDir()
	svc := NewBufferService(&config.Config{ImageDirectory: dir, ImageBufferLimit: 1}, logger.Discard(), nil, nil)
	svc.Add(snapshot("pass", time.Now()))
	assert.Equal(t, 1, svc.Flush())
}

func TestScanDirectory_ReadsFlushedLayout(t *testing.T) {
	svc, _, root := newBuffer(t, 5)
	ts := time.Date(2024, 5, 1, 9, 30, 15, 250_000_000, time.Local)
	svc.Add(snapshot(CategoryData, ts))
	svc.Add(snapshot("PASS", ts.Add(time.Second)))
	require.Equal(t, 2, svc.Flush())

	require.NoError(t, os.WriteFile(filepath.Join(root, "stray.jpg"), []byte("x"), 0644))

	var skipped []string
	images, err := ScanDirectory(root, func(path string, err error) { skipped = append(skipped, filepath.Base(path)) })
	require.NoError(t, err)
	assert.Equal(t, []string{"stray.jpg"}, skipped)
	require.Len(t, images, 2)

	byCategory := map[string]model.Image{}
	for _, img := range images {
		byCategory[img.Category] = img
	}
	data := byCategory[CategoryData]
	assert.True(t, ts.Equal(data.Timestamp))
	assert.Equal(t, "0f8fad5b", data.SessionID)
	assert.Positive(t, data.FileSize)

	pass, ok := byCategory["PASS"]
	require.True(t, ok)
	assert.Equal(t, "09-30-16.250_E1001_0f8fad5b.jpg", pass.Filename)
}

func TestParseSnapshotPath_RejectsOtherLayouts(t *testing.T) {
	_, err := ParseSnapshotPath("/log", "/log/pass/01_05_24/not-a-time_E1_abc.jpg")
	assert.Error(t, err)
	_, err = ParseSnapshotPath("/log", "/log/pass/09-30-15.000_E1_abc.jpg")
	assert.Error(t, err)
}
