package service

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppekiosk/internal/catalog"
	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
	"ppekiosk/internal/metrics"
	"ppekiosk/internal/model"
	"ppekiosk/internal/repository/sqlite"
	"ppekiosk/internal/service/session"
)

type fakeCamera struct {
	mu       sync.Mutex
	openErr  error
	readErr  error
	opened   bool
	releases int

	// runs at the start of Open, outside the lock
	onOpen func()
}

func (c *fakeCamera) Open() error {
	if c.onOpen != nil {
		c.onOpen()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.openErr != nil {
		return c.openErr
	}
	c.opened = true
	return nil
}

func (c *fakeCamera) Read() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return image.NewRGBA(image.Rect(0, 0, 32, 24)), nil
}

func (c *fakeCamera) Release() {
	c.mu.Lock()
	c.opened = false
	c.releases++
	c.mu.Unlock()
}

func (c *fakeCamera) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

type fakeReader struct{ suspended atomic.Bool }

func (r *fakeReader) Suspend() { r.suspended.Store(true) }
func (r *fakeReader) Resume()  { r.suspended.Store(false) }

type flagGate struct{ active atomic.Bool }

func (g *flagGate) Active() bool { return g.active.Load() }

type fakeDoor struct {
	gate  *flagGate
	opens atomic.Int32
}

func (d *fakeDoor) Open() error {
	if d.gate.Active() {
		return errors.New("suppressed")
	}
	d.opens.Add(1)
	return nil
}

type recordingHub struct {
	mu     sync.Mutex
	events []dto.Event
}

func (h *recordingHub) Publish(ev dto.Event) bool {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	return true
}

func (h *recordingHub) Types() []dto.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	types := make([]dto.EventType, 0, len(h.events))
	for _, ev := range h.events {
		types = append(types, ev.Type)
	}
	return types
}

func (h *recordingHub) Last(t dto.EventType) (dto.Event, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Type == t {
			return h.events[i], true
		}
	}
	return dto.Event{}, false
}

type recordingEvidence struct {
	mu    sync.Mutex
	snaps []dto.BufferedSnapshot
}

func (e *recordingEvidence) Add(snap dto.BufferedSnapshot) bool {
	e.mu.Lock()
	e.snaps = append(e.snaps, snap)
	e.mu.Unlock()
	return true
}

func (e *recordingEvidence) Snapshots() []dto.BufferedSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dto.BufferedSnapshot(nil), e.snaps...)
}

// countingDetector reports whatever counts are currently set.
type countingDetector struct {
	mu     sync.Mutex
	counts dto.ItemCounts
}

func (d *countingDetector) Set(c dto.ItemCounts) {
	d.mu.Lock()
	d.counts = c
	d.mu.Unlock()
}

func (d *countingDetector) Detect(frame image.Image, expected dto.ItemCounts) (dto.DetectionResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return dto.DetectionResult{Counts: d.counts.Clone(), Annotated: frame}, nil
}

type kiosk struct {
	manager     *Manager
	session     *session.Session
	camera      *fakeCamera
	reader      *fakeReader
	gate        *flagGate
	door        *fakeDoor
	hub         *recordingHub
	evidence    *recordingEvidence
	detector    *countingDetector
	validations *sqlite.ValidationRepository
	events      *sqlite.EventRepository
	metrics     *metrics.Metrics
}

func writeCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"_map.json":         `{"Glove": ["Arm"], "Cap": []}`,
		"tasks.json":        `[{"id": 1, "name": "Chemical Analysis", "file": "Chemical.json", "roles": ["O"]}, {"id": 5, "name": "Manager", "file": "Manager.json", "roles": ["M"]}]`,
		"Chemical.json":     `{"Cap": 1, "Glove": 2}`,
		"Manager.json":      `{"ID_Card": 1}`,
		"TestOperator.json": `[{"EmpNo": "123456", "Position": "o"}, {"EmpNo": "42", "Position": "M"}]`,
	}
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0644))
	}
	c, err := catalog.Load(dir)
	require.NoError(t, err)
	return c
}

func newKiosk(t *testing.T) *kiosk {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.New()
	gate := &flagGate{}
	k := &kiosk{
		camera:      &fakeCamera{},
		reader:      &fakeReader{},
		gate:        gate,
		door:        &fakeDoor{gate: gate},
		hub:         &recordingHub{},
		evidence:    &recordingEvidence{},
		detector:    &countingDetector{},
		validations: sqlite.NewValidationRepository(db),
		events:      sqlite.NewEventRepository(db),
		metrics:     m,
	}

	queue := session.NewFrameQueue(m)
	k.session = session.New(queue, k.detector, gate, nil, session.Options{
		Timeout:      5 * time.Second,
		PollInterval: 2 * time.Millisecond,
	}, logger.Discard(), m)

	k.manager = NewManager(Deps{
		Catalog:     writeCatalog(t),
		Session:     k.session,
		Queue:       queue,
		Gate:        gate,
		Camera:      k.camera,
		Reader:      k.reader,
		Door:        k.door,
		Hub:         k.hub,
		Evidence:    k.evidence,
		Validations: k.validations,
		Events:      k.events,
	}, Settings{
		WorkWidth:        64,
		WorkHeight:       48,
		CameraInterval:   time.Millisecond,
		CameraRetries:    3,
		SnapshotInterval: time.Hour,
		ResetDelay:       20 * time.Millisecond,
		DeniedResetDelay: 10 * time.Millisecond,
		SessionTimeout:   5 * time.Second,
		Location:         "H1",
	}, logger.Discard(), m)
	k.manager.resumeDelay = 5 * time.Millisecond
	k.session.SetObserver(k.manager)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.session.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		k.manager.Shutdown()
		cancel()
		<-done
	})
	return k
}

func (k *kiosk) stage() Stage {
	return k.manager.Status().Stage
}

func TestManager_UnknownCardIsDeniedThenReset(t *testing.T) {
	k := newKiosk(t)

	_, err := k.manager.HandleCard("999")
	require.ErrorIs(t, err, ErrAccessDenied)
	assert.Equal(t, StageDone, k.stage())
	assert.Equal(t, uint64(1), k.metrics.AccessDenied.Load())
	assert.Contains(t, k.hub.Types(), dto.EventAccessDenied)

	events, err := k.events.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAccessDenied, events[0].Type)
	assert.Equal(t, "999", events[0].Source)

	require.Eventually(t, func() bool { return k.stage() == StageIdle }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return !k.reader.suspended.Load() }, time.Second, time.Millisecond)
}

func TestManager_KnownCardListsRoleTasks(t *testing.T) {
	k := newKiosk(t)

	access, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	assert.Equal(t, "O", access.Role)
	assert.Equal(t, []string{"Chemical Analysis"}, access.Tasks)
	assert.True(t, k.reader.suspended.Load(), "reader is parked while an operator is at the kiosk")

	st := k.manager.Status()
	assert.Equal(t, StageAuthorized, st.Stage)
	assert.Equal(t, "123456", st.Operator)

	_, err = k.manager.HandleCard("42")
	assert.ErrorIs(t, err, ErrBusy)
}

func TestManager_StartTaskChecksAuthorizationAndRole(t *testing.T) {
	k := newKiosk(t)

	_, err := k.manager.StartTask(1)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	_, err = k.manager.StartTask(77)
	assert.ErrorIs(t, err, catalog.ErrTaskNotFound)

	_, err = k.manager.HandleCard("123456")
	require.NoError(t, err)

	_, err = k.manager.StartTask(5)
	assert.ErrorIs(t, err, ErrTaskNotAllowed)
	assert.Equal(t, StageAuthorized, k.stage())
	assert.False(t, k.camera.Opened())
}

func TestManager_PassOpensDoorAndRecords(t *testing.T) {
	k := newKiosk(t)

	_, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	id, err := k.manager.StartTask(1)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, StageValidating, k.stage())
	assert.True(t, k.camera.Opened())

	k.detector.Set(dto.ItemCounts{"Cap": 1, "Glove": 2})

	require.Eventually(t, func() bool { return k.door.opens.Load() == 1 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		_, ok := k.hub.Last(dto.EventValidationDone)
		return ok
	}, time.Second, time.Millisecond)
	assert.False(t, k.camera.Opened())

	done, _ := k.hub.Last(dto.EventValidationDone)
	payload := done.Payload.(dto.ValidationPayload)
	assert.Equal(t, "PASS", payload.Status)
	assert.Equal(t, "Chemical Analysis", payload.Task)

	records, err := k.validations.GetAll(&model.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, id, rec.SessionID)
	assert.Equal(t, "PASS", rec.Status)
	assert.Equal(t, "MATCHED", rec.Reason)
	assert.Equal(t, "123456", rec.CardID)
	assert.Equal(t, "O", rec.Role)
	assert.Equal(t, 1, rec.TaskID)
	assert.Equal(t, "H1", rec.Location)

	var final *dto.BufferedSnapshot
	for _, snap := range k.evidence.Snapshots() {
		if snap.Category == "PASS" {
			s := snap
			final = &s
		}
	}
	require.NotNil(t, final, "final frame is handed to the evidence buffer")
	assert.Equal(t, rec.ID, final.RecordID)

	require.Eventually(t, func() bool { return k.stage() == StageIdle }, time.Second, time.Millisecond)
}

func TestManager_CameraLossAbortsSession(t *testing.T) {
	k := newKiosk(t)
	k.camera.readErr = errors.New("device unplugged")

	_, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	_, err = k.manager.StartTask(1)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := k.hub.Last(dto.EventValidationDone)
		return ok
	}, 2*time.Second, time.Millisecond)

	done, _ := k.hub.Last(dto.EventValidationDone)
	payload := done.Payload.(dto.ValidationPayload)
	assert.Equal(t, "ABORTED", payload.Status)
	assert.Equal(t, "CAMERA_DISCONNECTED", payload.Reason)
	assert.Contains(t, k.hub.Types(), dto.EventCameraError)
	assert.GreaterOrEqual(t, k.metrics.CameraErrors.Load(), uint64(3))
	assert.Zero(t, k.door.opens.Load())
}

func TestManager_CameraOpenFailureResets(t *testing.T) {
	k := newKiosk(t)
	k.camera.openErr = errors.New("no camera")

	_, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	_, err = k.manager.StartTask(1)
	require.Error(t, err)

	assert.Equal(t, StageIdle, k.stage())
	assert.Equal(t, session.StatusIdle, k.session.Status())
	assert.Contains(t, k.hub.Types(), dto.EventCameraError)
}

func TestManager_EmergencyResetsWithoutResumingReader(t *testing.T) {
	k := newKiosk(t)

	_, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	_, err = k.manager.StartTask(1)
	require.NoError(t, err)

	// the interlock raises the gate, aborts the session, then notifies
	k.gate.active.Store(true)
	require.True(t, k.session.Stop(session.ReasonEmergency))
	k.manager.EmergencyTriggered("emergency_stop")

	assert.Equal(t, StageIdle, k.stage())
	assert.Equal(t, session.StatusIdle, k.session.Status())
	assert.False(t, k.camera.Opened())
	assert.Zero(t, k.door.opens.Load())

	records, err := k.validations.GetAll(&model.RecordFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ABORTED", records[0].Status)
	assert.Equal(t, "EMERGENCY", records[0].Reason)

	events, err := k.events.GetRecent(10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventEmergencyStop, events[0].Type)

	_, err = k.manager.HandleCard("123456")
	assert.ErrorIs(t, err, ErrSuppressed)
	_, err = k.manager.StartTask(1)
	assert.ErrorIs(t, err, ErrSuppressed)

	time.Sleep(30 * time.Millisecond)
	assert.True(t, k.reader.suspended.Load(), "the reader stays parked until the interlock clears")
	assert.Equal(t, StageIdle, k.stage(), "the cancelled post-outcome reset does not fire")
}

// emergency raised by the interlock while the camera is still opening
func (k *kiosk) emergencyDuringOpen() {
	k.camera.onOpen = func() {
		k.camera.onOpen = nil
		k.gate.active.Store(true)
		k.session.Stop(session.ReasonEmergency)
		k.manager.EmergencyTriggered("emergency_stop")
	}
}

func TestManager_EmergencyWhileOpeningCameraLeavesKioskIdle(t *testing.T) {
	k := newKiosk(t)
	k.emergencyDuringOpen()

	_, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	_, err = k.manager.StartTask(1)
	require.ErrorIs(t, err, ErrSuppressed)

	st := k.manager.Status()
	assert.Equal(t, StageIdle, st.Stage)
	assert.Empty(t, st.Operator)
	assert.False(t, k.camera.Opened())
	assert.Equal(t, session.StatusIdle, k.session.Status())
	assert.True(t, k.reader.suspended.Load())

	k.gate.active.Store(false)
	_, err = k.manager.StartTask(1)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	access, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	assert.Equal(t, "O", access.Role)
	_, err = k.manager.StartTask(1)
	require.NoError(t, err)
	assert.Equal(t, StageValidating, k.stage())
}

func TestManager_CameraOpenFailureAfterEmergencyKeepsReaderParked(t *testing.T) {
	k := newKiosk(t)
	k.emergencyDuringOpen()
	k.camera.openErr = errors.New("no camera")

	_, err := k.manager.HandleCard("123456")
	require.NoError(t, err)
	_, err = k.manager.StartTask(1)
	require.Error(t, err)

	assert.Equal(t, StageIdle, k.stage())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, k.reader.suspended.Load(), "the reader stays parked until the interlock clears")
}

func TestManager_AbortAuthorizedOperator(t *testing.T) {
	k := newKiosk(t)

	assert.False(t, k.manager.Abort())

	_, err := k.manager.HandleCard("42")
	require.NoError(t, err)
	assert.True(t, k.manager.Abort())
	assert.Equal(t, StageIdle, k.stage())
	require.Eventually(t, func() bool { return !k.reader.suspended.Load() }, time.Second, time.Millisecond)
}

func TestManager_DeviceChangesAreRecorded(t *testing.T) {
	k := newKiosk(t)

	k.manager.DeviceChanged(DeviceDoorBoard, false)
	k.manager.DeviceChanged(DeviceDoorBoard, true)

	events, err := k.events.GetRecent(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	types := []string{events[0].Type, events[1].Type}
	assert.ElementsMatch(t, []string{model.EventBoardDisconnected, model.EventBoardRestored}, types)

	ev, ok := k.hub.Last(dto.EventDeviceConnectivity)
	require.True(t, ok)
	assert.Equal(t, dto.DevicePayload{Device: DeviceDoorBoard, Connected: true}, ev.Payload)
}

func TestDeviceEventType(t *testing.T) {
	assert.Equal(t, model.EventBoardDisconnected, deviceEventType(DeviceDoorBoard, false))
	assert.Equal(t, model.EventRFIDRestored, deviceEventType(DeviceRFID, true))
	assert.Equal(t, model.EventRFIDLost, deviceEventType(DeviceRFID, false))
	assert.Equal(t, model.EventDeviceLost, deviceEventType(DeviceFieldbus, false))
	assert.Equal(t, model.EventDeviceRestored, deviceEventType("camera", true))
}
