package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `validate:"min=1,max=65535"`
	AdminKey string `validate:"required"`

	// Detection
	ModelPath        string
	AssetDirectory   string  `validate:"required"`
	MaskPath         string  // optional static region mask (PNG, white = active)
	InferenceSize    int     `validate:"min=32"`
	WorkWidth        int     `validate:"min=1"`
	WorkHeight       int     `validate:"min=1"`
	ConfThreshold    float64 `validate:"gt=0,lte=1"`
	NMSThreshold     float64 `validate:"gt=0,lte=1"`
	RemapIoU         float64 `validate:"gte=0,lte=1"`
	PerClassNMS      bool
	NotAllowed       []string
	EnhanceContrast  bool
	EnhanceSharpen   bool

	// Session
	SessionTimeout      time.Duration `validate:"gt=0"`
	SessionPollInterval time.Duration `validate:"gt=0"`
	CameraIndex         int           `validate:"min=0"`
	CameraInterval      time.Duration `validate:"gt=0"`
	CameraRetryBudget   int           `validate:"min=1"`
	SnapshotInterval    time.Duration `validate:"gt=0"`
	ResetDelay          time.Duration `validate:"gte=0"`
	DeniedResetDelay    time.Duration `validate:"gte=0"`

	// Serial devices
	RFIDVendorID       uint16
	RFIDProductID      uint16
	RFIDBaudRate       int `validate:"min=1200"`
	RFIDReadTimeout    time.Duration
	DoorBoardVendorID  uint16
	DoorBoardProductID uint16
	DoorBoardBaudRate  int `validate:"min=1200"`
	DoorBoardEnabled   bool

	// Fieldbus
	FieldbusHost       string `validate:"required"`
	FieldbusPort       int    `validate:"min=1,max=65535"`
	FieldbusTimeout    time.Duration
	FieldbusUnitID     int `validate:"min=0,max=247"`
	FieldbusSafety     bool
	CoilBase           int `validate:"min=0"`
	DoorChannel        int `validate:"min=0"`
	DoorActiveOpens    bool
	DoorAutoClose      time.Duration `validate:"gte=0"`
	InputBase          int           `validate:"min=0"`
	InputCount         int           `validate:"min=1"`
	EmergencyInput     int           `validate:"min=0"`
	ButtonInput        int           `validate:"min=0"`
	EmergencyActiveLow bool
	ButtonActiveLow    bool

	// Supervision
	InterlockPollInterval time.Duration `validate:"gt=0"`
	WatchdogBackoff       time.Duration `validate:"gt=0"`
	WatchdogCheckInterval time.Duration `validate:"gt=0"`
	LogCooldown           time.Duration `validate:"gt=0"`

	// Storage & logging
	DatabasePath             string `validate:"required"`
	ImageDirectory           string `validate:"required"`
	ImageBufferLimit         int    `validate:"min=1"`
	ImageBufferFlushInterval time.Duration
	LogDirectory             string `validate:"required"`
	LogLevel                 string `validate:"oneof=debug info warning warn error"`
	LogMaxSizeMB             int    `validate:"min=1"`

	// Notifications
	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string
	Location     string
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvAsInt("PORT", 8080),
		AdminKey: getEnv("ADMIN_KEY", "kiosk-admin"),

		ModelPath:        getEnv("MODEL_PATH", filepath.Join(".", "Model", "yolo_XI.onnx")),
		AssetDirectory:   getEnv("ASSET_DIR", filepath.Join(".", "JsonAsset")),
		MaskPath:         getEnv("MASK_PATH", ""),
		InferenceSize:    getEnvAsInt("IMG_SIZE", 640),
		WorkWidth:        getEnvAsInt("WORK_WIDTH", 976),
		WorkHeight:       getEnvAsInt("WORK_HEIGHT", 725),
		ConfThreshold:    getEnvAsFloat("CONF_THRESHOLD", 0.60),
		NMSThreshold:     getEnvAsFloat("NMS_THRESHOLD", 0.70),
		RemapIoU:         getEnvAsFloat("REMAP_IOU", 0.01),
		PerClassNMS:      getEnvAsBool("PER_CLASS_NMS", false),
		NotAllowed:       getEnvAsList("NOT_ALLOWED", []string{"Arm"}),
		EnhanceContrast:  getEnvAsBool("ENHANCE_CONTRAST", true),
		EnhanceSharpen:   getEnvAsBool("ENHANCE_SHARPEN", true),

		SessionTimeout:      getEnvAsDuration("SESSION_TIMEOUT", 30*time.Second),
		SessionPollInterval: getEnvAsDuration("SESSION_POLL_INTERVAL", 200*time.Millisecond),
		CameraIndex:         getEnvAsInt("CAMERA_INDEX", 0),
		CameraInterval:      getEnvAsDuration("CAMERA_INTERVAL", 100*time.Millisecond),
		CameraRetryBudget:   getEnvAsInt("CAMERA_RETRY_BUDGET", 3),
		SnapshotInterval:    getEnvAsDuration("SNAPSHOT_INTERVAL", 3*time.Second),
		ResetDelay:          getEnvAsDuration("RESET_DELAY", 4*time.Second),
		DeniedResetDelay:    getEnvAsDuration("DENIED_RESET_DELAY", 4*time.Second),

		RFIDVendorID:       getEnvAsUint16("RFID_VID", 0x10C4),
		RFIDProductID:      getEnvAsUint16("RFID_PID", 0xEA60),
		RFIDBaudRate:       getEnvAsInt("RFID_BAUD", 19200),
		RFIDReadTimeout:    getEnvAsDuration("RFID_READ_TIMEOUT", 200*time.Millisecond),
		DoorBoardVendorID:  getEnvAsUint16("DOOR_BOARD_VID", 0x1A86),
		DoorBoardProductID: getEnvAsUint16("DOOR_BOARD_PID", 0x7523),
		DoorBoardBaudRate:  getEnvAsInt("DOOR_BOARD_BAUD", 9600),
		DoorBoardEnabled:   getEnvAsBool("DOOR_BOARD_ENABLED", true),

		FieldbusHost:       getEnv("FIELDBUS_HOST", "10.0.0.1"),
		FieldbusPort:       getEnvAsInt("FIELDBUS_PORT", 502),
		FieldbusTimeout:    getEnvAsDuration("FIELDBUS_TIMEOUT", 2*time.Second),
		FieldbusUnitID:     getEnvAsInt("FIELDBUS_UNIT_ID", 1),
		FieldbusSafety:     getEnvAsBool("FIELDBUS_SAFETY", false),
		CoilBase:           getEnvAsInt("COIL_BASE", 16),
		DoorChannel:        getEnvAsInt("DOOR_CHANNEL", 0),
		DoorActiveOpens:    getEnvAsBool("DOOR_ACTIVE_OPENS", true),
		DoorAutoClose:      getEnvAsDuration("DOOR_AUTO_CLOSE", 5*time.Second),
		InputBase:          getEnvAsInt("INPUT_BASE", 0),
		InputCount:         getEnvAsInt("INPUT_COUNT", 12),
		EmergencyInput:     getEnvAsInt("ESTOP_INPUT", 0),
		ButtonInput:        getEnvAsInt("BUTTON_INPUT", 1),
		EmergencyActiveLow: getEnvAsBool("ESTOP_ACTIVE_LOW", true),
		ButtonActiveLow:    getEnvAsBool("BUTTON_ACTIVE_LOW", false),

		InterlockPollInterval: getEnvAsDuration("INTERLOCK_POLL_INTERVAL", 100*time.Millisecond),
		WatchdogBackoff:       getEnvAsDuration("WATCHDOG_BACKOFF", 3*time.Second),
		WatchdogCheckInterval: getEnvAsDuration("WATCHDOG_CHECK_INTERVAL", time.Second),
		LogCooldown:           getEnvAsDuration("LOG_COOLDOWN", 5*time.Second),

		DatabasePath:             getEnv("DB_PATH", filepath.Join(".", "kiosk.db")),
		ImageDirectory:           getEnv("IMAGE_DIR", filepath.Join(".", "log")),
		ImageBufferLimit:         getEnvAsInt("BUFFER_LIMIT", 20),
		ImageBufferFlushInterval: getEnvAsDuration("FLUSH_INTERVAL", 10*time.Second),
		LogDirectory:             getEnv("LOG_DIR", filepath.Join(".", "log", "text")),
		LogLevel:                 strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogMaxSizeMB:             getEnvAsInt("LOG_MAX_SIZE_MB", 50),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTClientID: getEnv("MQTT_CLIENT_ID", "ppe-kiosk"),
		MQTTTopic:    getEnv("MQTT_TOPIC", "ppe/kiosk"),
		Location:     getEnv("LOCATION", "H1"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field consistency.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.EmergencyInput >= c.InputCount || c.ButtonInput >= c.InputCount {
		return fmt.Errorf("invalid configuration: input channels must be below INPUT_COUNT=%d", c.InputCount)
	}
	return nil
}

// FieldbusAddress returns host:port of the fieldbus module.
func (c *Config) FieldbusAddress() string {
	return fmt.Sprintf("%s:%d", c.FieldbusHost, c.FieldbusPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsUint16 accepts decimal or 0x-prefixed hex (USB identifiers are usually written in hex).
func getEnvAsUint16(key string, defaultValue uint16) uint16 {
	if value := os.Getenv(key); value != "" {
		if v, err := strconv.ParseUint(value, 0, 16); err == nil {
			return uint16(v)
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
