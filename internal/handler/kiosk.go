// Package handler holds the HTTP handlers of the kiosk: operator actions, status,
// audit queries and log access.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"

	"ppekiosk/internal/catalog"
	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/service"
	"ppekiosk/internal/service/device"
	"ppekiosk/internal/service/interlock"
	"ppekiosk/internal/service/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var validate = validator.New()

// Kiosk is the operator flow controller.
type Kiosk interface {
	Status() service.Status
	HandleCard(cardID string) (dto.AccessPayload, error)
	StartTask(taskID int) (string, error)
	Abort() bool
}

// TaskLister lists the configured tasks.
type TaskLister interface {
	Tasks() []catalog.Task
	TasksForRole(role string) []catalog.Task
}

// SafetyState reports the interlock.
type SafetyState interface {
	State() interlock.State
}

// DeviceReporter is a supervised device.
type DeviceReporter interface {
	Name() string
	Safety() bool
	State() *device.DeviceState
}

// DeviceStatus is the connectivity of one supervised device.
type DeviceStatus struct {
	Name       string    `json:"name"`
	Connected  bool      `json:"connected"`
	Safety     bool      `json:"safety"`
	Retries    uint64    `json:"retries"`
	LastChange time.Time `json:"last_change"`
}

// StatusResponse is served at /api/status.
type StatusResponse struct {
	Kiosk     service.Status  `json:"kiosk"`
	Interlock interlock.State `json:"interlock"`
	Devices   []DeviceStatus  `json:"devices"`
}

type cardRequest struct {
	CardID string `json:"card_id" validate:"required,max=32"`
}

type startRequest struct {
	TaskID int `json:"task_id" validate:"min=1"`
}

// StatusHandler serves the controller, interlock and device state.
func StatusHandler(kiosk Kiosk, safety SafetyState, devices []DeviceReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{
			Kiosk:     kiosk.Status(),
			Interlock: safety.State(),
			Devices:   make([]DeviceStatus, 0, len(devices)),
		}
		for _, d := range devices {
			st := d.State()
			resp.Devices = append(resp.Devices, DeviceStatus{
				Name:       d.Name(),
				Connected:  st.Connected(),
				Safety:     d.Safety(),
				Retries:    st.Retries(),
				LastChange: st.LastChange(),
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// TasksHandler lists every task, or only those of ?role=.
func TasksHandler(tasks TaskLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := tasks.Tasks()
		if role := r.URL.Query().Get("role"); role != "" {
			list = tasks.TasksForRole(role)
		}
		if list == nil {
			list = []catalog.Task{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// CardHandler handles POST /api/card, the manual badge entry.
func CardHandler(kiosk Kiosk, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req cardRequest
		if !decode(w, r, &req) {
			return
		}

		access, err := kiosk.HandleCard(req.CardID)
		if err != nil {
			logger.Debug("Card %s rejected: %v", req.CardID, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, access)
	}
}

// StartTaskHandler handles POST /api/tasks/start.
func StartTaskHandler(kiosk Kiosk, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req startRequest
		if !decode(w, r, &req) {
			return
		}

		id, err := kiosk.StartTask(req.TaskID)
		if err != nil {
			logger.Warning("Task %d not started: %v", req.TaskID, err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id})
	}
}

// AbortHandler handles POST /api/session/abort.
func AbortHandler(kiosk Kiosk) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"aborted": kiosk.Abort()})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<16)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return false
	}
	if err := validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// statusFor maps controller and device errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSuppressed),
		errors.Is(err, session.ErrSuppressed),
		errors.Is(err, device.ErrSuppressed):
		return http.StatusLocked
	case errors.Is(err, service.ErrBusy),
		errors.Is(err, service.ErrNotAuthorized),
		errors.Is(err, session.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, service.ErrAccessDenied),
		errors.Is(err, service.ErrTaskNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, catalog.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, device.ErrNotConnected),
		errors.Is(err, device.ErrNotFound):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
