package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/focusd/internal/stepper"
	"github.com/srg/focusd/pkg/accommodation"
	"github.com/srg/focusd/pkg/actuator"
	"github.com/srg/focusd/pkg/calibration"
	"github.com/srg/focusd/pkg/connection"
	"github.com/srg/focusd/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Peripheral    PeripheralConfig    `yaml:"peripheral"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Accommodation AccommodationConfig `yaml:"accommodation"`
	Calibration   CalibrationConfig   `yaml:"calibration"`
	Loop          LoopConfig          `yaml:"loop"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Actuator      ActuatorConfig      `yaml:"actuator"`
	Stepper       StepperConfig       `yaml:"stepper"`
}

// PeripheralConfig identifies the motor peripheral.
type PeripheralConfig struct {
	DeviceName            string `yaml:"device_name" default:"raspberrypi"`
	ServiceID             string `yaml:"service_id" default:"ec00"`
	WriteCharacteristicID string `yaml:"write_characteristic_id" default:"ec0e"`
	ReadCharacteristicID  string `yaml:"read_characteristic_id" default:"ec0e"`
}

type ConnectionConfig struct {
	RetryTimeout time.Duration `yaml:"retry_timeout" default:"10s"`
	ScanDelay    time.Duration `yaml:"scan_delay" default:"100ms"`
	SettleDelay  time.Duration `yaml:"settle_delay" default:"500ms"`
}

type AccommodationConfig struct {
	UpdateInterval   time.Duration `yaml:"update_interval" default:"125ms"`
	ThresholdPercent float64       `yaml:"threshold_percent" default:"5"`
	// SmoothingAlpha is in [0, 1]; -1 disables smoothing.
	SmoothingAlpha float64 `yaml:"smoothing_alpha" default:"-1"`
}

type CalibrationConfig struct {
	// File is a YAML calibration table; empty selects the built-in table.
	File             string        `yaml:"file"`
	SessionDistances []float64     `yaml:"session_distances"`
	SessionDelay     time.Duration `yaml:"session_delay" default:"500ms"`
}

type LoopConfig struct {
	TickInterval time.Duration `yaml:"tick_interval" default:"10ms"`
}

type MQTTConfig struct {
	// Broker URL such as tcp://localhost:1883; empty disables telemetry.
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id" default:"focusd"`
	TopicPrefix string `yaml:"topic_prefix" default:"focusd"`
}

type ActuatorConfig struct {
	// Command runs the motor driver as a child process, e.g. ["stepperd", "run"].
	Command    []string `yaml:"command"`
	SerialPort string   `yaml:"serial_port"`
	BaudRate   uint     `yaml:"baud_rate" default:"115200"`
}

type StepperConfig struct {
	StepPin         string        `yaml:"step_pin" default:"GPIO20"`
	DirPin          string        `yaml:"dir_pin" default:"GPIO21"`
	EnablePin       string        `yaml:"enable_pin" default:"GPIO16"`
	EnableActiveLow bool          `yaml:"enable_active_low" default:"true"`
	MaxPosition     int           `yaml:"max_position" default:"5500"`
	StepPeriod      time.Duration `yaml:"step_period" default:"500us"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" default:"120s"`
	IdleCheck       time.Duration `yaml:"idle_check" default:"60s"`
	NoiseSteps      int           `yaml:"noise_steps" default:"50"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.Calibration.SessionDistances = append([]float64(nil), calibration.DefaultSessionDistances...)
	return cfg
}

// Load reads a YAML config file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
// Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if err := c.Identity().Validate(); err != nil {
		return fmt.Errorf("peripheral: %w", err)
	}

	positive := map[string]time.Duration{
		"connection.retry_timeout":      c.Connection.RetryTimeout,
		"accommodation.update_interval": c.Accommodation.UpdateInterval,
		"calibration.session_delay":     c.Calibration.SessionDelay,
		"loop.tick_interval":            c.Loop.TickInterval,
		"stepper.idle_timeout":          c.Stepper.IdleTimeout,
		"stepper.idle_check":            c.Stepper.IdleCheck,
	}
	for name, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Connection.ScanDelay < 0 || c.Connection.SettleDelay < 0 {
		return errors.New("connection delays must not be negative")
	}

	if c.Accommodation.ThresholdPercent < 0 {
		return fmt.Errorf("accommodation.threshold_percent must not be negative, got %v", c.Accommodation.ThresholdPercent)
	}
	if a := c.Accommodation.SmoothingAlpha; a != accommodation.SmoothingDisabled && (a < 0 || a > 1) {
		return fmt.Errorf("accommodation.smoothing_alpha must be in [0, 1] or -1, got %v", a)
	}

	for _, d := range c.Calibration.SessionDistances {
		if d <= 0 {
			return fmt.Errorf("calibration.session_distances must be positive, got %v", d)
		}
	}

	if c.Stepper.MaxPosition <= 0 {
		return fmt.Errorf("stepper.max_position must be positive, got %d", c.Stepper.MaxPosition)
	}
	return nil
}

// Level returns the parsed log level, Info if it does not parse.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// Identity returns the configured peripheral identity.
func (c *Config) Identity() connection.Identity {
	return connection.Identity{
		DeviceName:            c.Peripheral.DeviceName,
		ServiceID:             c.Peripheral.ServiceID,
		WriteCharacteristicID: c.Peripheral.WriteCharacteristicID,
		ReadCharacteristicID:  c.Peripheral.ReadCharacteristicID,
	}
}

func (c *Config) ConnectionOptions() *connection.Options {
	return &connection.Options{
		RetryTimeout: c.Connection.RetryTimeout,
		ScanDelay:    c.Connection.ScanDelay,
		SettleDelay:  c.Connection.SettleDelay,
	}
}

func (c *Config) AccommodationOptions() *accommodation.Options {
	return &accommodation.Options{
		UpdateInterval:   c.Accommodation.UpdateInterval,
		ThresholdPercent: c.Accommodation.ThresholdPercent,
	}
}

// CalibrationTable loads the configured table, or the built-in one.
func (c *Config) CalibrationTable() (*calibration.Table, error) {
	if c.Calibration.File == "" {
		return calibration.DefaultTable(), nil
	}
	return calibration.LoadTable(c.Calibration.File)
}

func (c *Config) ActuatorOptions() actuator.Options {
	return actuator.Options{
		Command:    c.Actuator.Command,
		SerialPort: c.Actuator.SerialPort,
		BaudRate:   c.Actuator.BaudRate,
	}
}

func (c *Config) StepperOptions() *stepper.Options {
	return &stepper.Options{
		MaxPosition:     c.Stepper.MaxPosition,
		StepPeriod:      c.Stepper.StepPeriod,
		IdleTimeout:     c.Stepper.IdleTimeout,
		NoiseSteps:      c.Stepper.NoiseSteps,
		EnableActiveLow: c.Stepper.EnableActiveLow,
	}
}

func (c *Config) TelemetryOptions() telemetry.Options {
	return telemetry.Options{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		TopicPrefix: c.MQTT.TopicPrefix,
	}
}
