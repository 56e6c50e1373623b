package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microalign/go-mac/align"
	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/logger"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, "", cfg.Device.Port)
	assert.Equal(t, 115200, cfg.Device.BaudRate)
	assert.Equal(t, device.DefaultFiberCount, cfg.Device.Fibers)
	assert.Equal(t, 1000, cfg.Device.IdentifyTimeoutMs)
	assert.Equal(t, 10000, cfg.Device.CommandTimeoutMs)
	assert.Equal(t, coords.Micrometers, cfg.Device.CalibrationValue())
	assert.Equal(t, align.DefaultStepCapacity, cfg.Alignment.Steps)
	assert.Equal(t, align.DefaultStepTimeout, cfg.Alignment.StepTimeout())
	assert.Equal(t, logger.InfoLevel, cfg.LogLevel())
	assert.Equal(t, "", cfg.Store.Path)
}

func TestDecode(t *testing.T) {
	src := `
log:
  level: debug
device:
  port: /dev/ttyUSB0
  fibers: 4
  command_timeout_ms: 2500
  calibration: percent
alignment:
  steps: 60
  samples: 10
  min_step_bits: 4
  initial_step_bits: 9
store:
  path: /var/lib/macctl/runs.db
`
	cfg, err := Decode(strings.NewReader(src))
	require.NoError(t, err)

	assert.Equal(t, logger.DebugLevel, cfg.LogLevel())
	assert.Equal(t, "/dev/ttyUSB0", cfg.Device.Port)
	assert.Equal(t, 4, cfg.Device.Fibers)
	assert.Equal(t, 2500, cfg.Device.CommandTimeoutMs)
	assert.Equal(t, 1000, cfg.Device.IdentifyTimeoutMs)
	assert.Equal(t, coords.Percent, cfg.Device.CalibrationValue())
	assert.Equal(t, "/var/lib/macctl/runs.db", cfg.Store.Path)

	sc := cfg.Alignment.StartConfig()
	assert.Equal(t, 10, sc.Samples)
	assert.Equal(t, 4, sc.MinStepBits)
	assert.Nil(t, sc.HysteresisKick)
	require.NotNil(t, sc.InitialStepBits)
	assert.Equal(t, 9, *sc.InitialStepBits)
	assert.Equal(t, "START 10 4 0 9\n", sc.Encode())

	dcfg, err := device.NewConfig(cfg.Device.Options()...)
	require.NoError(t, err)
	assert.Equal(t, 4, dcfg.FiberCount())
	assert.Equal(t, 2500*time.Millisecond, dcfg.CommandTimeout())
}

func TestDecode_Empty(t *testing.T) {
	cfg, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestDecode_Invalid(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{name: "unknown key", src: "device:\n  speed: 9600\n"},
		{name: "bad level", src: "log:\n  level: loud\n"},
		{name: "fibers", src: "device:\n  fibers: 100\n"},
		{name: "negative timeout", src: "device:\n  identify_timeout_ms: -5\n"},
		{name: "calibration", src: "device:\n  calibration: inches\n"},
		{name: "samples", src: "alignment:\n  samples: -1\n"},
		{name: "initial step", src: "alignment:\n  initial_step_bits: 13\n"},
		{name: "not yaml", src: "device: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.src))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "macctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("device:\n  port: COM3\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "COM3", cfg.Device.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
