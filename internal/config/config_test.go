package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 640, cfg.InferenceSize)
	assert.Equal(t, 976, cfg.WorkWidth)
	assert.Equal(t, 725, cfg.WorkHeight)
	assert.InDelta(t, 0.60, cfg.ConfThreshold, 1e-9)
	assert.InDelta(t, 0.70, cfg.NMSThreshold, 1e-9)
	assert.Equal(t, []string{"Arm"}, cfg.NotAllowed)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.SessionPollInterval)
	assert.Equal(t, uint16(0x10C4), cfg.RFIDVendorID)
	assert.Equal(t, uint16(0xEA60), cfg.RFIDProductID)
	assert.Equal(t, 16, cfg.CoilBase)
	assert.True(t, cfg.EmergencyActiveLow)
	assert.Equal(t, "10.0.0.1:502", cfg.FieldbusAddress())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("ESTOP_ACTIVE_LOW", "false")
	t.Setenv("SESSION_TIMEOUT", "5s")
	t.Setenv("RFID_VID", "0x1234")
	t.Setenv("NOT_ALLOWED", "Arm, Bare_Hand")
	t.Setenv("CONF_THRESHOLD", "0.35")

	cfg, err := Load()
	require.NoError(t, err)

	assert.False(t, cfg.EmergencyActiveLow)
	assert.Equal(t, 5*time.Second, cfg.SessionTimeout)
	assert.Equal(t, uint16(0x1234), cfg.RFIDVendorID)
	assert.Equal(t, []string{"Arm", "Bare_Hand"}, cfg.NotAllowed)
	assert.InDelta(t, 0.35, cfg.ConfThreshold, 1e-9)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("PORT", "abc")
	t.Setenv("SESSION_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeout)
}

func TestLoad_RejectsOutOfRange(t *testing.T) {
	t.Setenv("CONF_THRESHOLD", "1.5")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate_InputChannelsBelowCount(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	cfg.EmergencyInput = cfg.InputCount
	require.Error(t, cfg.Validate())
}
