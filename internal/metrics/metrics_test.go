package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.FramesDropped.Add(3)
	m.ObserveDetection(120 * time.Millisecond)
	m.SetDeviceConnected("rfid", true)
	m.DeviceRetry("fieldbus")
	m.SetInterlock(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "kiosk_frames_dropped_total 3")
	assert.Contains(t, body, "kiosk_detections_total 1")
	assert.Contains(t, body, `kiosk_device_connected{device="rfid"} 1`)
	assert.Contains(t, body, `kiosk_device_retries_total{device="fieldbus"} 1`)
	assert.Contains(t, body, "kiosk_interlock_active 1")
	assert.Contains(t, body, "kiosk_detection_latency_seconds_count 1")
}

func TestSetInterlock_Clears(t *testing.T) {
	m := New()
	m.SetInterlock(true)
	m.SetInterlock(false)
	assert.Equal(t, uint64(0), m.InterlockActive.Load())
}
