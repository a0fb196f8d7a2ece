package handler

import (
	"net/http"
	"strconv"
	"time"

	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/model"
	"ppekiosk/internal/repository"
)

const (
	defaultPageSize = 24
	maxPageSize     = 500
	defaultDays     = 7
)

// DoorOpener releases the door relay.
type DoorOpener interface {
	Open() error
}

// Publisher pushes events to operator screens.
type Publisher interface {
	Publish(ev dto.Event) bool
}

// RecordsPage is served at /api/records.
type RecordsPage struct {
	Records     []model.ValidationRecord `json:"records"`
	Length      int                      `json:"length"`
	TotalPages  int                      `json:"total_pages"`
	CurrentPage int                      `json:"current_page"`
	Limit       int                      `json:"limit"`
}

// Summary is served at /api/summary.
type Summary struct {
	Since      time.Time            `json:"since"`
	Tasks      []model.TaskTotal    `json:"tasks"`
	Days       []model.DailySummary `json:"days"`
	ImageBytes int64                `json:"image_bytes"`
}

// DoorOpenHandler handles POST /api/door/open. It is refused while the interlock is active.
func DoorOpenHandler(door DoorOpener, hub Publisher, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := door.Open(); err != nil {
			logger.Warning("Manual door open refused: %v", err)
			writeError(w, err)
			return
		}
		logger.Info("Door opened manually from %s", r.RemoteAddr)
		if hub != nil {
			hub.Publish(dto.NewEvent(dto.EventDoor, dto.DoorPayload{Open: true, Source: "admin"}))
		}
		writeJSON(w, http.StatusOK, map[string]bool{"open": true})
	}
}

// RecordsHandler returns a filtered page of validation records.
func RecordsHandler(validations repository.ValidationRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page := atoiDefault(q.Get("page"), 1)
		limit := atoiDefault(q.Get("limit"), defaultPageSize)
		if limit > maxPageSize {
			limit = maxPageSize
		}

		filter := &model.RecordFilter{
			Status:    q.Get("status"),
			Task:      q.Get("task"),
			Operator:  q.Get("operator"),
			StartDate: parseDate(q.Get("dateAfter")),
			EndDate:   parseDate(q.Get("dateBefore")),
			Limit:     limit,
			Offset:    (page - 1) * limit,
		}
		// dateBefore is inclusive
		if !filter.EndDate.IsZero() {
			filter.EndDate = filter.EndDate.AddDate(0, 0, 1)
		}

		records, err := validations.GetAll(filter)
		if err != nil {
			logger.Error("Error querying validation records: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []model.ValidationRecord{}
		}

		totalCount, err := validations.GetTotalCount(filter)
		if err != nil {
			logger.Error("Error counting validation records: %v", err)
			totalCount = len(records)
		}

		writeJSON(w, http.StatusOK, RecordsPage{
			Records:     records,
			Length:      totalCount,
			TotalPages:  (totalCount + limit - 1) / limit,
			CurrentPage: page,
			Limit:       limit,
		})
	}
}

// RecordImagesHandler lists the evidence images of one record (?id=).
func RecordImagesHandler(images repository.ImageRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
		if err != nil || id <= 0 {
			http.Error(w, "Record id required", http.StatusBadRequest)
			return
		}
		list, err := images.GetByValidationID(id)
		if err != nil {
			logger.Error("Error querying images of record %d: %v", id, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []model.Image{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// SummaryHandler returns per-task totals and per-day counts for the last ?days= days.
func SummaryHandler(validations repository.ValidationRepository, images repository.ImageRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := atoiDefault(r.URL.Query().Get("days"), defaultDays)
		now := time.Now()
		since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1-days)

		summary := Summary{Since: since}
		var err error
		if summary.Tasks, err = validations.TaskTotals(since); err != nil {
			logger.Error("Error querying task totals: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if summary.Days, err = validations.DailySummary(since); err != nil {
			logger.Error("Error querying daily summary: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if images != nil {
			if summary.ImageBytes, err = images.GetDirectorySize(); err != nil {
				logger.Error("Error getting image directory size: %v", err)
			}
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// EventsHandler returns the most recent safety and device events.
func EventsHandler(events repository.EventRepository, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := atoiDefault(r.URL.Query().Get("limit"), 100)
		if limit > maxPageSize {
			limit = maxPageSize
		}
		list, err := events.GetRecent(limit)
		if err != nil {
			logger.Error("Error querying events: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []model.EventRecord{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// atoiDefault converts string to int or returns a default when conversion fails or value <= 0.
func atoiDefault(s string, def int) int {
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// parseDate parses a local date in the format "2006-01-02" (HTML input format).
func parseDate(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.ParseInLocation("2006-01-02", v, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}
