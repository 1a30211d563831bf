package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/gesture.capture/internal/queue"
)

// DefaultConfigPath is where the service looks for its configuration when no
// path is given on the command line.
const DefaultConfigPath = "config.yaml"

const maxFileSize = 1 * 1024 * 1024 // 1MB

// Config is the root session configuration. Every scalar is a pointer so an
// omitted key falls back to the default returned by its Get* method.
type Config struct {
	InputDataPath *string `yaml:"input_data_path,omitempty"`
	Database      *string `yaml:"database,omitempty"`
	Listen        *string `yaml:"listen,omitempty"`
	DevMode       *bool   `yaml:"dev_mode,omitempty"`
	Participant   *int    `yaml:"participant,omitempty"`

	Queue  QueueConfig   `yaml:"queue"`
	FSR    SerialDevice  `yaml:"fsr"`
	Glove  GloveConfig   `yaml:"glove"`
	Trigno TrignoConfig  `yaml:"trigno"`
	Store  StorageConfig `yaml:"storage"`
}

// QueueConfig tunes the queue and batching shared by every stream.
type QueueConfig struct {
	Capacity      *int    `yaml:"capacity,omitempty"`
	Policy        *string `yaml:"policy,omitempty"` // "block" or "drop_oldest"
	BatchSize     *int    `yaml:"batch_size,omitempty"`
	FlushInterval *string `yaml:"flush_interval,omitempty"`
	PollInterval  *string `yaml:"poll_interval,omitempty"`
}

// SerialDevice configures the FSR array.
type SerialDevice struct {
	Enabled      *bool   `yaml:"enabled,omitempty"`
	Port         *string `yaml:"port,omitempty"` // device path or "auto"
	BaudRate     *int    `yaml:"baud_rate,omitempty"`
	ReadTimeout  *string `yaml:"read_timeout,omitempty"`
	IdleTimeout  *string `yaml:"idle_timeout,omitempty"`
	SilenceAfter *string `yaml:"silence_after,omitempty"`
}

// GloveConfig configures the polled data glove.
type GloveConfig struct {
	SerialDevice `yaml:",inline"`
	DOF          *int    `yaml:"dof,omitempty"` // 18 or 22
	Rate         *int    `yaml:"rate_hz,omitempty"`
	StaleAfter   *string `yaml:"stale_after,omitempty"`
}

// TrignoConfig configures the Trigno base station. Key names follow the
// station's historical configuration file.
type TrignoConfig struct {
	Enabled         *bool    `yaml:"enabled,omitempty"`
	Host            *string  `yaml:"host,omitempty"`
	CmdPort         *int     `yaml:"cmd_port,omitempty"`
	EMGPort         *int     `yaml:"emg_port,omitempty"`
	AuxPort         *int     `yaml:"aux_port,omitempty"`
	Timeout         *float64 `yaml:"timeout,omitempty"` // seconds
	Mode            *int     `yaml:"sensors_mode_number,omitempty"`
	ReadEMG         *bool    `yaml:"read_emg,omitempty"`
	ReadAcc         *bool    `yaml:"read_acc,omitempty"`
	ReadGyro        *bool    `yaml:"read_gyro,omitempty"`
	ReadOrientation *bool    `yaml:"read_orientation,omitempty"`
	SensorIDs       []int    `yaml:"sensor_ids,omitempty"`
	SensorLabels    []string `yaml:"sensors_labels,omitempty"`

	BackwardsCompatibility *bool `yaml:"backwards_compatibility,omitempty"`
	Upsampling             *bool `yaml:"upsampling,omitempty"`

	IdleTimeout     *string `yaml:"idle_timeout,omitempty"`
	StaleAfter      *string `yaml:"stale_after,omitempty"`
	EMGSilenceAfter *string `yaml:"emg_silence_after,omitempty"`
	AuxSilenceAfter *string `yaml:"aux_silence_after,omitempty"`
	RetryAttempts   *int    `yaml:"retry_attempts,omitempty"`
}

// StorageConfig selects where samples are persisted besides the CSV files.
type StorageConfig struct {
	// SQLiteSamples also writes every sample to the session database.
	SQLiteSamples *bool `yaml:"sqlite_samples,omitempty"`
}

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a YAML configuration file. Omitted keys keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .yaml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	cfg := Empty()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks every set field.
func (c *Config) Validate() error {
	var errs []error
	check := func(key string, v *string) {
		if v == nil || *v == "" {
			return
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s '%s': %w", key, *v, err))
			return
		}
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must be non-negative, got %s", key, *v))
		}
	}

	check("queue.flush_interval", c.Queue.FlushInterval)
	check("queue.poll_interval", c.Queue.PollInterval)
	check("fsr.read_timeout", c.FSR.ReadTimeout)
	check("fsr.idle_timeout", c.FSR.IdleTimeout)
	check("fsr.silence_after", c.FSR.SilenceAfter)
	check("glove.read_timeout", c.Glove.ReadTimeout)
	check("glove.idle_timeout", c.Glove.IdleTimeout)
	check("glove.silence_after", c.Glove.SilenceAfter)
	check("glove.stale_after", c.Glove.StaleAfter)
	check("trigno.idle_timeout", c.Trigno.IdleTimeout)
	check("trigno.stale_after", c.Trigno.StaleAfter)
	check("trigno.emg_silence_after", c.Trigno.EMGSilenceAfter)
	check("trigno.aux_silence_after", c.Trigno.AuxSilenceAfter)

	if c.Queue.Capacity != nil && *c.Queue.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must be positive, got %d", *c.Queue.Capacity))
	}
	if c.Queue.BatchSize != nil && *c.Queue.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("queue.batch_size must be positive, got %d", *c.Queue.BatchSize))
	}
	if c.Queue.Policy != nil {
		if _, err := queue.ParsePolicy(*c.Queue.Policy); err != nil {
			errs = append(errs, fmt.Errorf("queue.policy: %w", err))
		}
	}
	if c.Glove.DOF != nil && *c.Glove.DOF != 18 && *c.Glove.DOF != 22 {
		errs = append(errs, fmt.Errorf("glove.dof must be 18 or 22, got %d", *c.Glove.DOF))
	}
	if c.Glove.Rate != nil && *c.Glove.Rate <= 0 {
		errs = append(errs, fmt.Errorf("glove.rate_hz must be positive, got %d", *c.Glove.Rate))
	}
	if c.Trigno.Timeout != nil && *c.Trigno.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("trigno.timeout must be positive, got %g", *c.Trigno.Timeout))
	}
	for _, id := range c.Trigno.SensorIDs {
		if id < 1 || id > 16 {
			errs = append(errs, fmt.Errorf("trigno.sensor_ids must be between 1 and 16, got %d", id))
		}
	}
	for key, p := range map[string]*int{
		"trigno.cmd_port": c.Trigno.CmdPort,
		"trigno.emg_port": c.Trigno.EMGPort,
		"trigno.aux_port": c.Trigno.AuxPort,
	} {
		if p != nil && (*p <= 0 || *p > 65535) {
			errs = append(errs, fmt.Errorf("%s out of range: %d", key, *p))
		}
	}
	return errors.Join(errs...)
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func stringOr(v *string, def string) string {
	if v == nil || *v == "" {
		return def
	}
	return *v
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// GetInputDataPath returns the root directory of the CSV output.
func (c *Config) GetInputDataPath() string { return stringOr(c.InputDataPath, "data") }

// GetDatabase returns the SQLite session database path.
func (c *Config) GetDatabase() string { return stringOr(c.Database, "capture.db") }

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string { return stringOr(c.Listen, ":8080") }

// GetDevMode reports whether simulated devices replace the hardware.
func (c *Config) GetDevMode() bool { return boolOr(c.DevMode, false) }

// GetParticipant returns the participant selected at startup.
func (c *Config) GetParticipant() int { return intOr(c.Participant, 1) }

// GetSQLiteSamples reports whether samples are also stored in the database.
func (c *Config) GetSQLiteSamples() bool { return boolOr(c.Store.SQLiteSamples, false) }

// GetCapacity returns the per-stream queue capacity.
func (q QueueConfig) GetCapacity() int { return intOr(q.Capacity, queue.DefaultCapacity) }

// GetPolicy returns the queue overflow policy.
func (q QueueConfig) GetPolicy() queue.Policy {
	if q.Policy == nil {
		return queue.Block
	}
	p, err := queue.ParsePolicy(*q.Policy)
	if err != nil {
		return queue.Block
	}
	return p
}

// GetBatchSize returns the number of rows per sink write.
func (q QueueConfig) GetBatchSize() int { return intOr(q.BatchSize, 100) }

// GetFlushInterval returns how long a partial batch may wait.
func (q QueueConfig) GetFlushInterval() time.Duration {
	return durationOr(q.FlushInterval, 500*time.Millisecond)
}

// GetPollInterval returns the reader's sleep after an empty read.
func (q QueueConfig) GetPollInterval() time.Duration {
	return durationOr(q.PollInterval, 5*time.Millisecond)
}

// GetEnabled reports whether the device is recorded.
func (s SerialDevice) GetEnabled() bool { return boolOr(s.Enabled, false) }

// GetPort returns the serial device path; "auto" picks the first USB port.
func (s SerialDevice) GetPort() string { return stringOr(s.Port, "auto") }

// GetBaudRate returns the serial speed.
func (s SerialDevice) GetBaudRate() int { return intOr(s.BaudRate, 115200) }

// GetReadTimeout returns the serial read timeout.
func (s SerialDevice) GetReadTimeout() time.Duration {
	return durationOr(s.ReadTimeout, 100*time.Millisecond)
}

// GetIdleTimeout returns how long a port may stay silent before it is
// treated as disconnected.
func (s SerialDevice) GetIdleTimeout() time.Duration {
	return durationOr(s.IdleTimeout, 30*time.Second)
}

// GetSilenceAfter returns the stream silence threshold.
func (s SerialDevice) GetSilenceAfter() time.Duration {
	return durationOr(s.SilenceAfter, 4*time.Second)
}

// GetDOF returns the glove's number of sensors.
func (g GloveConfig) GetDOF() int { return intOr(g.DOF, 18) }

// GetRate returns the glove polling rate in Hz.
func (g GloveConfig) GetRate() int { return intOr(g.Rate, 150) }

// GetInterval returns the glove polling interval.
func (g GloveConfig) GetInterval() time.Duration {
	return time.Second / time.Duration(g.GetRate())
}

// GetStaleAfter returns the unchanged-value threshold of a glove sensor.
func (g GloveConfig) GetStaleAfter() time.Duration {
	return durationOr(g.StaleAfter, 20*time.Second)
}

// GetSilenceAfter returns the glove's silence threshold.
func (g GloveConfig) GetSilenceAfter() time.Duration {
	return durationOr(g.SilenceAfter, 2*time.Second)
}

// GetEnabled reports whether the base station is recorded.
func (t TrignoConfig) GetEnabled() bool { return boolOr(t.Enabled, false) }

// GetHost returns the Trigno Control Utility host.
func (t TrignoConfig) GetHost() string { return stringOr(t.Host, "localhost") }

// GetCmdPort returns the command port.
func (t TrignoConfig) GetCmdPort() int { return intOr(t.CmdPort, 50040) }

// GetEMGPort returns the EMG data port.
func (t TrignoConfig) GetEMGPort() int { return intOr(t.EMGPort, 50043) }

// GetAuxPort returns the auxiliary data port.
func (t TrignoConfig) GetAuxPort() int { return intOr(t.AuxPort, 50044) }

// GetTimeout returns the command reply timeout.
func (t TrignoConfig) GetTimeout() time.Duration {
	if t.Timeout == nil {
		return 5 * time.Second
	}
	return time.Duration(*t.Timeout * float64(time.Second))
}

// GetMode returns the sensor mode set on every sensor.
func (t TrignoConfig) GetMode() int { return intOr(t.Mode, 40) }

// GetReadEMG reports whether the EMG stream is recorded.
func (t TrignoConfig) GetReadEMG() bool { return boolOr(t.ReadEMG, true) }

// GetReadAcc reports whether accelerometer channels are labelled.
func (t TrignoConfig) GetReadAcc() bool { return boolOr(t.ReadAcc, false) }

// GetReadGyro reports whether gyroscope channels are labelled.
func (t TrignoConfig) GetReadGyro() bool { return boolOr(t.ReadGyro, false) }

// GetReadOrientation reports whether orientation quaternions are labelled.
func (t TrignoConfig) GetReadOrientation() bool { return boolOr(t.ReadOrientation, false) }

// ReadAux reports whether the auxiliary stream is recorded.
func (t TrignoConfig) ReadAux() bool {
	return t.GetReadAcc() || t.GetReadGyro() || t.GetReadOrientation()
}

// GetSensorIDs returns the configured sensor numbers.
func (t TrignoConfig) GetSensorIDs() []int {
	if len(t.SensorIDs) == 0 {
		return []int{1}
	}
	return t.SensorIDs
}

// GetSensorLabels returns one label per sensor. When the labels do not match
// the sensor IDs one to one, the IDs are used as labels.
func (t TrignoConfig) GetSensorLabels() []string {
	ids := t.GetSensorIDs()
	if len(t.SensorLabels) == len(ids) {
		return t.SensorLabels
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = fmt.Sprint(id)
	}
	return out
}

// GetIdleTimeout returns how long a data socket may stay silent before it is
// treated as disconnected.
func (t TrignoConfig) GetIdleTimeout() time.Duration {
	return durationOr(t.IdleTimeout, 10*time.Second)
}

// GetStaleAfter returns the unchanged-value threshold of a Trigno channel.
func (t TrignoConfig) GetStaleAfter() time.Duration {
	return durationOr(t.StaleAfter, 5*time.Second)
}

// GetEMGSilenceAfter returns the EMG silence threshold.
func (t TrignoConfig) GetEMGSilenceAfter() time.Duration {
	return durationOr(t.EMGSilenceAfter, time.Second)
}

// GetAuxSilenceAfter returns the auxiliary stream's silence threshold.
func (t TrignoConfig) GetAuxSilenceAfter() time.Duration {
	return durationOr(t.AuxSilenceAfter, time.Second)
}

// GetRetryAttempts returns how many times a bring-up command is tried.
func (t TrignoConfig) GetRetryAttempts() int { return intOr(t.RetryAttempts, 3) }

// Summary lists the enabled devices for the startup log.
func (c *Config) Summary() string {
	var parts []string
	if c.FSR.GetEnabled() {
		parts = append(parts, "fsr@"+c.FSR.GetPort())
	}
	if c.Glove.GetEnabled() {
		parts = append(parts, fmt.Sprintf("glove(%d)@%s", c.Glove.GetDOF(), c.Glove.GetPort()))
	}
	if c.Trigno.GetEnabled() {
		parts = append(parts, fmt.Sprintf("trigno@%s", c.Trigno.GetHost()))
	}
	if len(parts) == 0 {
		return "no devices enabled"
	}
	if c.GetDevMode() {
		return "simulated " + strings.Join(parts, ", ")
	}
	return strings.Join(parts, ", ")
}
