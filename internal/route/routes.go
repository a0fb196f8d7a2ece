package route

import (
	"net/http"
	"os"
	"path/filepath"

	"ppekiosk/internal/handler"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
	"ppekiosk/internal/middleware"
	"ppekiosk/internal/repository"
)

// StaticDir holds the operator screen pages.
const StaticDir = "static"

// Hub is the operator event stream.
type Hub interface {
	handler.Registrar
	handler.Publisher
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Kiosk       handler.Kiosk
	Tasks       handler.TaskLister
	Safety      handler.SafetyState
	Devices     []handler.DeviceReporter
	Door        handler.DoorOpener
	Hub         Hub
	Validations repository.ValidationRepository
	Events      repository.EventRepository
	Images      repository.ImageRepository
	Metrics     *metrics.Metrics
	AdminKey    string
	Logger      *logger.Logger
}

// dynamicHTMLHandler serves /path as /static/path.html if the file exists; otherwise 404.
func dynamicHTMLHandler(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/" {
		path = "/index"
	}

	filePath := filepath.Join(StaticDir, filepath.Clean("/"+path)+".html")

	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		http.NotFound(w, r)
		return
	}

	http.ServeFile(w, r, filePath)
}

// SetupRoutes registers the operator API, the admin API behind the admin key,
// the event stream, metrics and static pages.
func SetupRoutes(d Deps) http.Handler {
	mux := http.NewServeMux()
	log := d.Logger

	// Static files
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.Dir(StaticDir))))

	// Operator endpoints
	mux.HandleFunc("/ws", handler.WebsocketHandler(d.Hub, log))
	mux.HandleFunc("/api/status", handler.StatusHandler(d.Kiosk, d.Safety, d.Devices))
	mux.HandleFunc("/api/tasks", handler.TasksHandler(d.Tasks))
	mux.HandleFunc("/api/tasks/start", handler.StartTaskHandler(d.Kiosk, log))
	mux.HandleFunc("/api/session/abort", handler.AbortHandler(d.Kiosk))
	mux.HandleFunc("/api/card", handler.CardHandler(d.Kiosk, log))

	// Admin endpoints
	admin := func(h http.Handler) http.Handler { return middleware.AdminOnly(d.AdminKey, log, h) }
	mux.Handle("/api/door/open", admin(handler.DoorOpenHandler(d.Door, d.Hub, log)))
	mux.Handle("/api/records", admin(handler.RecordsHandler(d.Validations, log)))
	mux.Handle("/api/records/images", admin(handler.RecordImagesHandler(d.Images, log)))
	mux.Handle("/api/summary", admin(handler.SummaryHandler(d.Validations, d.Images, log)))
	mux.Handle("/api/events", admin(handler.EventsHandler(d.Events, log)))

	// Log endpoints
	mux.Handle("/logs", admin(handler.ShowLogsHandler(log)))
	mux.Handle("/logs/clear", admin(handler.ClearLogsHandler(log)))

	mux.Handle("/metrics", d.Metrics.Handler())

	// Automatic HTML handler mapping for example: /records -> /static/records.html
	mux.HandleFunc("/", dynamicHTMLHandler)

	return mux
}
