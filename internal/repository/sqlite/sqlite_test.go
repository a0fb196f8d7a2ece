package sqlite

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppekiosk/internal/dto"
	"ppekiosk/internal/model"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func record(task, status string, started time.Time) *model.ValidationRecord {
	return &model.ValidationRecord{
		SessionID: "s-" + task + "-" + status,
		CardID:    "305419896",
		Operator:  "E1001",
		Role:      "O",
		TaskID:    1,
		Task:      task,
		Status:    status,
		Reason:    "MATCHED",
		Expected:  dto.ItemCounts{"Cap": 1, "Glove": 2},
		Missing:   dto.ItemCounts{"Glove": 1},
		Location:  "H1",
		StartedAt: started,
		EndedAt:   started.Add(12 * time.Second),
	}
}

func TestDatabase_CreatesSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(path)
	require.NoError(t, err)

	version, err := db.Version()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)

	counts, err := db.TableCounts()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"validations": 0, "events": 0, "images": 0}, counts)
}

func TestDatabase_MigrationIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := New(path)
	require.NoError(t, err)
	_, err = NewEventRepository(db).Insert(&model.EventRecord{Type: model.EventEmergencyStop, Timestamp: time.Now()})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()
	counts, err := db.TableCounts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts["events"])
}

func TestValidationRepository_InsertAndGet(t *testing.T) {
	repo := NewValidationRepository(newTestDB(t))
	started := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	id, err := repo.Insert(record("Chemical Analysis", "TIMEOUT", started))
	require.NoError(t, err)
	require.NoError(t, repo.SetImagePath(id, "log/timeout/01_05_24/a.jpg"))

	got, err := repo.GetByID(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Chemical Analysis", got.Task)
	assert.Equal(t, dto.ItemCounts{"Cap": 1, "Glove": 2}, got.Expected)
	assert.Equal(t, dto.ItemCounts{"Glove": 1}, got.Missing)
	assert.Equal(t, "log/timeout/01_05_24/a.jpg", got.ImagePath)
	assert.True(t, got.StartedAt.Equal(started))

	missing, err := repo.GetByID(id + 100)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestValidationRepository_FilterAndCount(t *testing.T) {
	repo := NewValidationRepository(newTestDB(t))
	day := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	for _, rec := range []*model.ValidationRecord{
		record("Chemical Analysis", "PASS", day),
		record("Chemical Analysis", "TIMEOUT", day.Add(time.Hour)),
		record("Manager", "PASS", day.Add(24*time.Hour)),
	} {
		_, err := repo.Insert(rec)
		require.NoError(t, err)
	}

	all, err := repo.GetAll(&model.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Manager", all[0].Task, "newest first")

	passed, err := repo.GetAll(&model.RecordFilter{Status: "PASS"})
	require.NoError(t, err)
	assert.Len(t, passed, 2)

	count, err := repo.GetTotalCount(&model.RecordFilter{StartDate: day, EndDate: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	page, err := repo.GetAll(&model.RecordFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "TIMEOUT", page[0].Status)
}

func TestValidationRepository_Totals(t *testing.T) {
	repo := NewValidationRepository(newTestDB(t))
	day := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	for _, rec := range []*model.ValidationRecord{
		record("Chemical Analysis", "PASS", day),
		record("Chemical Analysis", "TIMEOUT", day.Add(time.Hour)),
		record("Chemical Analysis", "ABORTED", day.Add(2*time.Hour)),
		record("Manager", "PASS", day.Add(24*time.Hour)),
	} {
		_, err := repo.Insert(rec)
		require.NoError(t, err)
	}

	totals, err := repo.TaskTotals(day)
	require.NoError(t, err)
	assert.Equal(t, []model.TaskTotal{
		{Task: "Chemical Analysis", Passed: 1, Failed: 2},
		{Task: "Manager", Passed: 1, Failed: 0},
	}, totals)

	summary, err := repo.DailySummary(day)
	require.NoError(t, err)
	assert.Equal(t, []model.DailySummary{
		{Date: "2024-05-01", Passed: 1, TimedOut: 1, Aborted: 1},
		{Date: "2024-05-02", Passed: 1},
	}, summary)

	later, err := repo.TaskTotals(day.Add(12 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []model.TaskTotal{{Task: "Manager", Passed: 1}}, later)
}

func TestEventRepository_Recent(t *testing.T) {
	repo := NewEventRepository(newTestDB(t))
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	_, err := repo.Insert(&model.EventRecord{Type: model.EventEmergencyStop, Source: "emergency_stop", Location: "H1", Timestamp: base})
	require.NoError(t, err)
	_, err = repo.Insert(&model.EventRecord{Type: model.EventEmergencyCleared, Source: "emergency_stop", Location: "H1", Timestamp: base.Add(time.Minute)})
	require.NoError(t, err)

	events, err := repo.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventEmergencyCleared, events[0].Type)
	assert.Equal(t, model.EventEmergencyStop, events[1].Type)
}

func TestImageRepository_LinksToValidation(t *testing.T) {
	db := newTestDB(t)
	validations := NewValidationRepository(db)
	images := NewImageRepository(db)

	id, err := validations.Insert(record("Manager", "PASS", time.Now()))
	require.NoError(t, err)

	_, err = images.Insert(&model.Image{ValidationID: id, Category: "pass", Filename: "a.jpg", FilePath: "log/pass/a.jpg", FileSize: 100, Timestamp: time.Now()})
	require.NoError(t, err)
	_, err = images.Insert(&model.Image{Category: "data", Filename: "b.jpg", FilePath: "log/data/b.jpg", FileSize: 50, Timestamp: time.Now()})
	require.NoError(t, err)

	linked, err := images.GetByValidationID(id)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "a.jpg", linked[0].Filename)

	size, err := images.GetDirectorySize()
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)
}

func TestImageRepository_BulkInsertSkipsKnownPaths(t *testing.T) {
	db := newTestDB(t)
	images := NewImageRepository(db)

	_, err := images.Insert(&model.Image{Category: "PASS", Filename: "a.jpg", FilePath: "log/pass/a.jpg", FileSize: 10, Timestamp: time.Now()})
	require.NoError(t, err)

	added, err := images.BulkInsert([]model.Image{
		{Category: "PASS", Filename: "a.jpg", FilePath: "log/pass/a.jpg", FileSize: 10, Timestamp: time.Now()},
		{Category: "data", Filename: "b.jpg", FilePath: "log/data/b.jpg", FileSize: 20, Timestamp: time.Now()},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added)

	counts, err := db.TableCounts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts["images"])
}
