// Package config loads the YAML configuration of the macctl command.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/microalign/go-mac/align"
	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/logger"
	"github.com/microalign/go-mac/transport"
)

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Device    DeviceConfig    `yaml:"device"`
	Alignment AlignmentConfig `yaml:"alignment"`
	Store     StoreConfig     `yaml:"store"`
}

// ---- LOG ----

type LogConfig struct {
	Level string `yaml:"level"`
}

// ---- DEVICE ----

type DeviceConfig struct {
	// Port is the serial port of the controller; empty means discover.
	Port              string `yaml:"port"`
	BaudRate          int    `yaml:"baud_rate"`
	Fibers            int    `yaml:"fibers"`
	IdentifyTimeoutMs int    `yaml:"identify_timeout_ms"`
	CommandTimeoutMs  int    `yaml:"command_timeout_ms"`
	// Calibration is "micrometers" or "percent".
	Calibration string `yaml:"calibration"`
}

// ---- ALIGNMENT ----

type AlignmentConfig struct {
	Steps           int  `yaml:"steps"`
	Samples         int  `yaml:"samples"`
	MinStepBits     int  `yaml:"min_step_bits"`
	HysteresisKick  *int `yaml:"hysteresis_kick"`
	InitialStepBits *int `yaml:"initial_step_bits"`
	StepTimeoutMs   int  `yaml:"step_timeout_ms"`
}

// ---- STORE ----

type StoreConfig struct {
	// Path of the SQLite run database; empty disables persistence.
	Path string `yaml:"path"`
}

// Calibration names accepted in DeviceConfig.Calibration.
const (
	CalibrationMicrometers = "micrometers"
	CalibrationPercent     = "percent"
)

// Alignment defaults of the firmware procedure.
const (
	DefaultSamples     = 5
	DefaultMinStepBits = 5
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	Normalize(cfg)

	return cfg
}

// Load reads, normalizes and validates the configuration file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	defer f.Close()

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

// Decode reads a YAML configuration from r. Unknown keys are rejected.
func Decode(r io.Reader) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Normalize fills unset values with their defaults.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = logger.InfoLevel.String()
	}

	d := &cfg.Device
	if d.BaudRate == 0 {
		d.BaudRate = transport.DefaultBaudRate
	}
	if d.Fibers == 0 {
		d.Fibers = device.DefaultFiberCount
	}
	if d.IdentifyTimeoutMs == 0 {
		d.IdentifyTimeoutMs = int(device.DefaultIdentifyTimeout / time.Millisecond)
	}
	if d.CommandTimeoutMs == 0 {
		d.CommandTimeoutMs = int(device.DefaultCommandTimeout / time.Millisecond)
	}
	if d.Calibration == "" {
		d.Calibration = CalibrationMicrometers
	}

	a := &cfg.Alignment
	if a.Steps == 0 {
		a.Steps = align.DefaultStepCapacity
	}
	if a.Samples == 0 {
		a.Samples = DefaultSamples
	}
	if a.MinStepBits == 0 {
		a.MinStepBits = DefaultMinStepBits
	}
	if a.StepTimeoutMs == 0 {
		a.StepTimeoutMs = int(align.DefaultStepTimeout / time.Millisecond)
	}
}

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if _, err := logger.ParseLevel(cfg.Log.Level); err != nil {
		return err
	}

	d := cfg.Device
	if d.BaudRate <= 0 {
		return fmt.Errorf("device: baud_rate must be positive, got %d", d.BaudRate)
	}
	if d.Fibers < 1 || d.Fibers > device.MaxFiberCount {
		return fmt.Errorf("device: fibers must be in [1, %d], got %d", device.MaxFiberCount, d.Fibers)
	}
	if d.IdentifyTimeoutMs <= 0 || d.CommandTimeoutMs <= 0 {
		return fmt.Errorf("device: timeouts must be positive, got identify=%dms command=%dms",
			d.IdentifyTimeoutMs, d.CommandTimeoutMs)
	}
	if _, err := d.calibration(); err != nil {
		return err
	}

	a := cfg.Alignment
	if a.Steps < 1 {
		return fmt.Errorf("alignment: steps must be positive, got %d", a.Steps)
	}
	if a.Samples < 1 {
		return fmt.Errorf("alignment: samples must be positive, got %d", a.Samples)
	}
	if a.MinStepBits < 0 {
		return fmt.Errorf("alignment: min_step_bits must not be negative, got %d", a.MinStepBits)
	}
	if a.InitialStepBits != nil && (*a.InitialStepBits < 0 || *a.InitialStepBits > 12) {
		return fmt.Errorf("alignment: initial_step_bits must be in [0, 12], got %d", *a.InitialStepBits)
	}
	if a.StepTimeoutMs <= 0 {
		return fmt.Errorf("alignment: step_timeout_ms must be positive, got %d", a.StepTimeoutMs)
	}

	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() logger.Level {
	level, _ := logger.ParseLevel(c.Log.Level)
	return level
}

// Options returns the device options described by d.
func (d DeviceConfig) Options() []device.Option {
	return []device.Option{
		device.WithBaudRate(d.BaudRate),
		device.WithFiberCount(d.Fibers),
		device.WithIdentifyTimeout(time.Duration(d.IdentifyTimeoutMs) * time.Millisecond),
		device.WithCommandTimeout(time.Duration(d.CommandTimeoutMs) * time.Millisecond),
	}
}

// CalibrationValue returns the coordinate calibration named by d.
func (d DeviceConfig) CalibrationValue() coords.Calibration {
	cal, _ := d.calibration()
	return cal
}

func (d DeviceConfig) calibration() (coords.Calibration, error) {
	switch d.Calibration {
	case CalibrationMicrometers:
		return coords.Micrometers, nil
	case CalibrationPercent:
		return coords.Percent, nil
	default:
		return coords.Calibration{}, fmt.Errorf("device: unknown calibration %q", d.Calibration)
	}
}

// StartConfig returns the START parameters described by a.
func (a AlignmentConfig) StartConfig() frame.StartConfig {
	return frame.StartConfig{
		Samples:         a.Samples,
		MinStepBits:     a.MinStepBits,
		HysteresisKick:  a.HysteresisKick,
		InitialStepBits: a.InitialStepBits,
	}
}

// StepTimeout returns the per-reply timeout of an alignment run.
func (a AlignmentConfig) StepTimeout() time.Duration {
	return time.Duration(a.StepTimeoutMs) * time.Millisecond
}
