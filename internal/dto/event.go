package dto

import "time"

// EventType names a message pushed to the operator UI and notifiers.
type EventType string

const (
	EventDetectionResult    EventType = "detection_result"
	EventValidationStarted  EventType = "validation_started"
	EventValidationDone     EventType = "validation_done"
	EventEmergencyTriggered EventType = "emergency_triggered"
	EventEmergencyCleared   EventType = "emergency_cleared"
	EventDeviceConnectivity EventType = "device_connectivity"
	EventCardScanned        EventType = "card_scanned"
	EventAccessGranted      EventType = "access_granted"
	EventAccessDenied       EventType = "access_denied"
	EventCameraError        EventType = "camera_error"
	EventDoor               EventType = "door"
	EventReset              EventType = "reset"
)

// Event is the envelope written to websocket clients.
type Event struct {
	Type    EventType   `json:"type"`
	Time    time.Time   `json:"time"`
	Payload interface{} `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, payload interface{}) Event {
	return Event{Type: t, Time: time.Now(), Payload: payload}
}

type DetectionPayload struct {
	SessionID string     `json:"session_id"`
	Counts    ItemCounts `json:"counts"`
	Expected  ItemCounts `json:"expected"`
	Missing   ItemCounts `json:"missing"`
	Image     string     `json:"image,omitempty"` // base64 JPEG of the annotated frame
	LatencyMs int64      `json:"latency_ms"`
}

type ValidationPayload struct {
	SessionID string     `json:"session_id"`
	Task      string     `json:"task"`
	Operator  string     `json:"operator"`
	Status    string     `json:"status"`
	Reason    string     `json:"reason"`
	Missing   ItemCounts `json:"missing,omitempty"`
	Expected  ItemCounts `json:"expected,omitempty"`
	TimeoutS  int        `json:"timeout_s,omitempty"`
}

type EmergencyPayload struct {
	Source string `json:"source"`
}

type DevicePayload struct {
	Device    string `json:"device"`
	Connected bool   `json:"connected"`
	Retries   uint64 `json:"retries"`
}

type AccessPayload struct {
	CardID   string   `json:"card_id"`
	Operator string   `json:"operator,omitempty"`
	Role     string   `json:"role,omitempty"`
	Tasks    []string `json:"tasks,omitempty"`
}

type DoorPayload struct {
	Open   bool   `json:"open"`
	Source string `json:"source"`
}

type MessagePayload struct {
	Message string `json:"message"`
}
