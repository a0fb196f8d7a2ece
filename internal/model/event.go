package model

import "time"

// Audit event types.
const (
	EventEmergencyStop     = "EMERGENCY_STOP"
	EventEmergencyCleared  = "EMERGENCY_CLEARED"
	EventBoardDisconnected = "BOARD_DISCONNECTED"
	EventBoardRestored     = "BOARD_RESTORED"
	EventRFIDLost          = "RFID_LOST"
	EventRFIDRestored      = "RFID_RESTORED"
	EventDeviceLost        = "DEVICE_LOST"
	EventDeviceRestored    = "DEVICE_RESTORED"
	EventAccessDenied      = "ACCESS_DENIED"
	EventDoorOpened        = "DOOR_OPENED"
)

// EventRecord is a safety or device event.
type EventRecord struct {
	ID        int64     `json:"id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Detail    string    `json:"detail,omitempty"`
	Location  string    `json:"location"`
	Timestamp time.Time `json:"timestamp"`
}
