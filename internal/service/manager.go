// Package service holds the kiosk controller that drives one operator through badge,
// task selection, PPE validation and door release.
package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"ppekiosk/internal/catalog"
	"ppekiosk/internal/config"
	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
	"ppekiosk/internal/model"
	"ppekiosk/internal/repository"
	"ppekiosk/internal/service/session"
	"ppekiosk/internal/service/storage"
	"ppekiosk/internal/service/vision"
)

var (
	ErrBusy           = errors.New("kiosk busy")
	ErrAccessDenied   = errors.New("access denied")
	ErrNotAuthorized  = errors.New("no operator authorized")
	ErrTaskNotAllowed = errors.New("task not allowed for operator role")
	ErrSuppressed     = errors.New("suppressed: safety interlock active")
)

// Stage is where the kiosk is in the operator flow.
type Stage string

const (
	StageIdle       Stage = "IDLE"
	StageAuthorized Stage = "AUTHORIZED"
	StageValidating Stage = "VALIDATING"
	StageDone       Stage = "DONE"
)

const rfidResumeDelay = time.Second

// Camera is the capture device used during a session.
type Camera interface {
	Open() error
	Read() (image.Image, error)
	Release()
}

type CardReader interface {
	Suspend()
	Resume()
}

type Door interface {
	Open() error
}

// Publisher pushes events to operator screens.
type Publisher interface {
	Publish(ev dto.Event) bool
}

// Notifier forwards events off-site.
type Notifier interface {
	Notify(ev dto.Event)
}

// Evidence buffers frames for storage.
type Evidence interface {
	Add(snap dto.BufferedSnapshot) bool
}

// Deps are the collaborators of the Manager. Notifier and the repositories may be nil.
type Deps struct {
	Catalog     *catalog.Catalog
	Session     *session.Session
	Queue       *session.FrameQueue
	Gate        session.Gate
	Camera      Camera
	Reader      CardReader
	Door        Door
	Hub         Publisher
	Notifier    Notifier
	Evidence    Evidence
	Validations repository.ValidationRepository
	Events      repository.EventRepository
}

// Settings are the timings of the operator flow.
type Settings struct {
	WorkWidth        int
	WorkHeight       int
	CameraInterval   time.Duration
	CameraRetries    int
	SnapshotInterval time.Duration
	ResetDelay       time.Duration
	DeniedResetDelay time.Duration
	SessionTimeout   time.Duration
	Location         string
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		WorkWidth:        cfg.WorkWidth,
		WorkHeight:       cfg.WorkHeight,
		CameraInterval:   cfg.CameraInterval,
		CameraRetries:    cfg.CameraRetryBudget,
		SnapshotInterval: cfg.SnapshotInterval,
		ResetDelay:       cfg.ResetDelay,
		DeniedResetDelay: cfg.DeniedResetDelay,
		SessionTimeout:   cfg.SessionTimeout,
		Location:         cfg.Location,
	}
}

// Status is the controller view served to the UI.
type Status struct {
	Stage    Stage            `json:"stage"`
	CardID   string           `json:"card_id,omitempty"`
	Operator string           `json:"operator,omitempty"`
	Role     string           `json:"role,omitempty"`
	Task     string           `json:"task,omitempty"`
	Tasks    []catalog.Task   `json:"tasks,omitempty"`
	Session  session.Snapshot `json:"session"`
}

type Manager struct {
	deps     Deps
	settings Settings
	logger   *logger.Logger
	metrics  *metrics.Metrics

	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	resumeDelay time.Duration

	mu           sync.Mutex
	stage        Stage
	cardID       string
	operator     *catalog.Operator
	task         *catalog.Task
	stopCamera   context.CancelFunc
	lastSnapshot time.Time
	resetTimer   *time.Timer
	resumeTimer  *time.Timer

	// bumped by every reset; a start that sees it change was pre-empted
	epoch uint64
}

func NewManager(deps Deps, settings Settings, log *logger.Logger, m *metrics.Metrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	manager := &Manager{
		deps:        deps,
		settings:    settings,
		logger:      log,
		metrics:     m,
		ctx:         ctx,
		cancel:      cancel,
		resumeDelay: rfidResumeDelay,
		stage:       StageIdle,
	}
	manager.logger.Info("Kiosk manager started at %s", settings.Location)
	return manager
}

// HandleCard authorizes the operator behind a scanned card.
func (m *Manager) HandleCard(cardID string) (dto.AccessPayload, error) {
	access := dto.AccessPayload{CardID: cardID}
	if m.deps.Gate != nil && m.deps.Gate.Active() {
		m.logger.Debug("Card %s ignored: interlock active", cardID)
		return access, ErrSuppressed
	}

	m.mu.Lock()
	if m.stage != StageIdle {
		m.mu.Unlock()
		return access, ErrBusy
	}

	op, err := m.deps.Catalog.LookupOperator(cardID)
	if err != nil {
		m.stage = StageDone
		m.cardID = cardID
		m.scheduleResetLocked(m.settings.DeniedResetDelay)
		m.mu.Unlock()

		m.metrics.AccessDenied.Add(1)
		m.logger.Warning("Access denied for card %s", cardID)
		m.suspendReader()
		m.recordEvent(model.EventAccessDenied, cardID, "")
		m.publish(dto.NewEvent(dto.EventAccessDenied, access))
		return access, ErrAccessDenied
	}

	m.stage = StageAuthorized
	m.cardID = cardID
	m.operator = &op
	m.mu.Unlock()

	access.Operator = op.EmpNo
	access.Role = op.Role()
	for _, t := range m.deps.Catalog.TasksForRole(op.Role()) {
		access.Tasks = append(access.Tasks, t.Name)
	}

	m.logger.Info("Access granted to %s (%s)", op.EmpNo, op.Role())
	m.suspendReader()
	m.publish(dto.NewEvent(dto.EventAccessGranted, access))
	return access, nil
}

// StartTask opens the camera and starts a validation session for the authorized operator.
func (m *Manager) StartTask(taskID int) (string, error) {
	if m.deps.Gate != nil && m.deps.Gate.Active() {
		m.logger.Debug("Task %d not started: interlock active", taskID)
		return "", ErrSuppressed
	}

	task, err := m.deps.Catalog.Task(taskID)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.stage != StageAuthorized {
		stage := m.stage
		m.mu.Unlock()
		if stage == StageValidating {
			return "", ErrBusy
		}
		return "", ErrNotAuthorized
	}
	if m.operator == nil {
		m.stage = StageIdle
		m.mu.Unlock()
		return "", ErrNotAuthorized
	}
	if !roleAllowed(task, m.operator.Role()) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrTaskNotAllowed, task.Name)
	}
	m.stage = StageValidating
	m.task = &task
	operator := m.operator.EmpNo
	epoch := m.epoch
	m.mu.Unlock()

	if err := m.deps.Camera.Open(); err != nil {
		m.logger.Error("Failed to open camera: %v", err)
		m.metrics.CameraErrors.Add(1)
		m.publish(dto.NewEvent(dto.EventCameraError, dto.MessagePayload{Message: err.Error()}))
		if m.startCurrent(epoch) {
			m.Reset()
		}
		return "", err
	}

	// armed before Start so an outcome racing this call also stops the loop
	ctx, cancel := context.WithCancel(m.ctx)
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		cancel()
		m.deps.Camera.Release()
		m.logger.Info("Task %s not started: kiosk was reset while opening the camera", task.Name)
		return "", ErrSuppressed
	}
	m.stopCamera = cancel
	m.lastSnapshot = time.Time{}
	m.mu.Unlock()

	id, err := m.deps.Session.Start(task.Expected)
	if err != nil {
		m.releaseCamera()
		m.mu.Lock()
		if m.epoch == epoch && m.stage == StageValidating {
			m.stage = StageAuthorized
			m.task = nil
		}
		m.mu.Unlock()
		return "", err
	}
	if !m.startCurrent(epoch) {
		m.deps.Session.Stop(session.ReasonReset)
		m.deps.Session.Reset()
		return "", ErrSuppressed
	}

	m.wg.Add(1)
	go m.cameraLoop(ctx)

	m.publish(dto.NewEvent(dto.EventValidationStarted, dto.ValidationPayload{
		SessionID: id,
		Task:      task.Name,
		Operator:  operator,
		Status:    string(session.StatusRunning),
		Expected:  task.Expected,
		TimeoutS:  int(m.settings.SessionTimeout / time.Second),
	}))
	return id, nil
}

// cameraLoop feeds normalized frames to the session until cancelled or out of retries.
func (m *Manager) cameraLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.settings.CameraInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, err := m.deps.Camera.Read()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			m.metrics.CameraErrors.Add(1)
			m.logger.Warning("Camera read failed (%d/%d): %v", failures, m.settings.CameraRetries, err)
			if failures >= m.settings.CameraRetries {
				m.logger.Error("Camera lost, aborting validation")
				m.publish(dto.NewEvent(dto.EventCameraError, dto.MessagePayload{Message: "camera disconnected"}))
				m.deps.Session.Stop(session.ReasonCameraLost)
				return
			}
			continue
		}
		failures = 0
		m.deps.Queue.Push(vision.Normalize(frame, m.settings.WorkWidth, m.settings.WorkHeight))
	}
}

// OnDetection implements session.Observer.
func (m *Manager) OnDetection(snap session.Snapshot, result dto.DetectionResult) {
	payload := dto.DetectionPayload{
		SessionID: snap.ID,
		Counts:    result.Counts,
		Expected:  snap.Expected,
		Missing:   snap.Missing,
		LatencyMs: result.Latency.Milliseconds(),
	}
	if result.Annotated != nil {
		if encoded, err := vision.EncodeJPEGBase64(result.Annotated); err == nil {
			payload.Image = encoded
		} else {
			m.logger.Warning("Failed to encode preview: %v", err)
		}
	}
	m.publish(dto.NewEvent(dto.EventDetectionResult, payload))

	now := time.Now()
	m.mu.Lock()
	due := m.lastSnapshot.IsZero() || now.Sub(m.lastSnapshot) >= m.settings.SnapshotInterval
	if due {
		m.lastSnapshot = now
	}
	operator := m.operatorLocked()
	m.mu.Unlock()

	if due && result.Annotated != nil && m.deps.Evidence != nil {
		m.deps.Evidence.Add(dto.BufferedSnapshot{
			Timestamp: now,
			SessionID: snap.ID,
			Operator:  operator,
			Category:  storage.CategoryData,
			Image:     result.Annotated,
		})
	}
}

// OnDone implements session.Observer.
func (m *Manager) OnDone(out session.Outcome) {
	m.releaseCamera()

	if out.Status == session.StatusPass {
		if err := m.deps.Door.Open(); err != nil {
			m.logger.Warning("Door not opened after PASS: %v", err)
		} else {
			m.publish(dto.NewEvent(dto.EventDoor, dto.DoorPayload{Open: true, Source: "validation"}))
		}
	}

	m.mu.Lock()
	rec := &model.ValidationRecord{
		SessionID: out.ID,
		CardID:    m.cardID,
		Operator:  m.operatorLocked(),
		Status:    string(out.Status),
		Reason:    string(out.Reason),
		Expected:  out.Expected,
		Missing:   out.Missing,
		Location:  m.settings.Location,
		StartedAt: out.StartedAt,
		EndedAt:   out.EndedAt,
	}
	if m.operator != nil {
		rec.Role = m.operator.Role()
	}
	if m.task != nil {
		rec.TaskID, rec.Task = m.task.ID, m.task.Name
	}
	if m.stage == StageValidating {
		m.stage = StageDone
		m.scheduleResetLocked(m.settings.ResetDelay)
	}
	m.mu.Unlock()

	if out.Reason != session.ReasonReset {
		m.record(rec, out.Annotated)
	}

	payload := dto.ValidationPayload{
		SessionID: out.ID,
		Task:      rec.Task,
		Operator:  rec.Operator,
		Status:    rec.Status,
		Reason:    rec.Reason,
		Missing:   out.Missing,
		Expected:  out.Expected,
	}
	ev := dto.NewEvent(dto.EventValidationDone, payload)
	m.publish(ev)
	m.notify(ev)
}

func (m *Manager) record(rec *model.ValidationRecord, annotated image.Image) {
	var recordID int64
	if m.deps.Validations != nil {
		id, err := m.deps.Validations.Insert(rec)
		if err != nil {
			m.logger.Error("Failed to record validation %s: %v", rec.SessionID, err)
		}
		recordID = id
	}
	if annotated != nil && m.deps.Evidence != nil {
		m.deps.Evidence.Add(dto.BufferedSnapshot{
			Timestamp: rec.EndedAt,
			SessionID: rec.SessionID,
			Operator:  rec.Operator,
			Category:  rec.Status,
			Image:     annotated,
			RecordID:  recordID,
		})
	}
}

// Abort stops a running validation, or drops an authorized operator.
func (m *Manager) Abort() bool {
	if m.deps.Session.Stop(session.ReasonManual) {
		return true
	}
	m.mu.Lock()
	authorized := m.stage == StageAuthorized
	m.mu.Unlock()
	if authorized {
		m.Reset()
	}
	return authorized
}

// Reset returns the kiosk to IDLE and re-arms the card reader shortly after.
func (m *Manager) Reset() {
	m.reset(true)
}

func (m *Manager) reset(resumeReader bool) {
	m.releaseCamera()
	m.deps.Session.Reset()

	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
		m.resetTimer = nil
	}
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
		m.resumeTimer = nil
	}
	m.stage = StageIdle
	m.cardID = ""
	m.operator = nil
	m.task = nil
	m.epoch++
	if resumeReader {
		m.resumeTimer = time.AfterFunc(m.resumeDelay, m.resumeReader)
	}
	m.mu.Unlock()

	m.logger.Info("Kiosk reset")
	m.publish(dto.NewEvent(dto.EventReset, nil))
}

// startCurrent reports whether no reset happened since a start captured epoch.
func (m *Manager) startCurrent(epoch uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch == epoch
}

func (m *Manager) scheduleResetLocked(delay time.Duration) {
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	m.resetTimer = time.AfterFunc(delay, m.Reset)
}

func (m *Manager) releaseCamera() {
	m.mu.Lock()
	stop := m.stopCamera
	m.stopCamera = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	m.deps.Camera.Release()
}

func (m *Manager) suspendReader() {
	if m.deps.Reader != nil {
		m.deps.Reader.Suspend()
	}
}

func (m *Manager) resumeReader() {
	if m.deps.Reader == nil {
		return
	}
	if m.deps.Gate != nil && m.deps.Gate.Active() {
		return
	}
	m.deps.Reader.Resume()
}

// EmergencyTriggered implements interlock.Listener.
func (m *Manager) EmergencyTriggered(source string) {
	m.recordEvent(model.EventEmergencyStop, source, "")
	ev := dto.NewEvent(dto.EventEmergencyTriggered, dto.EmergencyPayload{Source: source})
	m.publish(ev)
	m.notify(ev)
	m.reset(false)
}

// EmergencyCleared implements interlock.Listener.
func (m *Manager) EmergencyCleared(source string) {
	m.recordEvent(model.EventEmergencyCleared, source, "")
	ev := dto.NewEvent(dto.EventEmergencyCleared, dto.EmergencyPayload{Source: source})
	m.publish(ev)
	m.notify(ev)
}

// DeviceChanged implements interlock.Listener.
func (m *Manager) DeviceChanged(name string, connected bool) {
	m.recordEvent(deviceEventType(name, connected), name, "")
	ev := dto.NewEvent(dto.EventDeviceConnectivity, dto.DevicePayload{Device: name, Connected: connected})
	m.publish(ev)
	m.notify(ev)
}

// Device names used for audit event mapping.
const (
	DeviceDoorBoard = "door-board"
	DeviceRFID      = "rfid"
	DeviceFieldbus  = "fieldbus"
)

func deviceEventType(name string, connected bool) string {
	switch {
	case name == DeviceDoorBoard && connected:
		return model.EventBoardRestored
	case name == DeviceDoorBoard:
		return model.EventBoardDisconnected
	case name == DeviceRFID && connected:
		return model.EventRFIDRestored
	case name == DeviceRFID:
		return model.EventRFIDLost
	case connected:
		return model.EventDeviceRestored
	default:
		return model.EventDeviceLost
	}
}

func (m *Manager) recordEvent(eventType, source, detail string) {
	if m.deps.Events == nil {
		return
	}
	if _, err := m.deps.Events.Insert(&model.EventRecord{
		Type:      eventType,
		Source:    source,
		Detail:    detail,
		Location:  m.settings.Location,
		Timestamp: time.Now(),
	}); err != nil {
		m.logger.Error("Failed to record %s event: %v", eventType, err)
	}
}

func (m *Manager) publish(ev dto.Event) {
	if m.deps.Hub != nil {
		m.deps.Hub.Publish(ev)
	}
}

func (m *Manager) notify(ev dto.Event) {
	if m.deps.Notifier != nil {
		m.deps.Notifier.Notify(ev)
	}
}

func (m *Manager) operatorLocked() string {
	if m.operator == nil {
		return ""
	}
	return m.operator.EmpNo
}

// Status returns the current controller state.
func (m *Manager) Status() Status {
	snap := m.deps.Session.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{Stage: m.stage, CardID: m.cardID, Session: snap}
	if m.operator != nil {
		st.Operator = m.operator.EmpNo
		st.Role = m.operator.Role()
		st.Tasks = m.deps.Catalog.TasksForRole(st.Role)
	}
	if m.task != nil {
		st.Task = m.task.Name
	}
	return st
}

// Shutdown stops the camera loop and pending timers.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	if m.resetTimer != nil {
		m.resetTimer.Stop()
	}
	if m.resumeTimer != nil {
		m.resumeTimer.Stop()
	}
	m.mu.Unlock()
	m.releaseCamera()
	m.wg.Wait()
	m.logger.Info("Kiosk manager stopped")
}

func roleAllowed(task catalog.Task, role string) bool {
	for _, r := range task.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}
