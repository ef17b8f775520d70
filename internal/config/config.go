// Package config loads the sweep thresholds and timing parameters.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingField is returned when a required field is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField is returned when a present field has an unusable value.
	ErrInvalidField = errors.New("invalid field")
)

// Format selects the decoder used by Parse.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFromPath picks a format from the file extension; anything that is not
// .yaml/.yml is treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Config holds the thresholds and timings for one run. It is immutable once
// loaded.
type Config struct {
	// MinSignalDBm is the weakest acceptable station signal (inclusive).
	MinSignalDBm int
	// MaxPingMs is the highest acceptable average RTT (inclusive).
	MaxPingMs float64

	// RegistrationWait is the total time budget for a station to register.
	RegistrationWait time.Duration
	// CheckInterval is the wait before each registration-table query.
	CheckInterval time.Duration
	// RegistrationChecks is the number of registration-table queries per
	// frequency. Derived from RegistrationWait/CheckInterval when not set.
	RegistrationChecks int
	// SettleTime is waited once a station registers, before quality checks.
	SettleTime time.Duration

	PingCount  int
	PingFromAP bool

	FrequencyStepMHz int
	// Cooldown is waited after every bandwidth test.
	Cooldown    time.Duration
	DialTimeout time.Duration

	OutputFile string
	// Interface restricts frequency changes to one wireless interface.
	// Empty means every wireless interface.
	Interface string

	Export ExportConfig
}

// ExportConfig lists the optional sinks each record is published to.
type ExportConfig struct {
	Kafka     KafkaConfig
	Postgres  PostgresConfig
	WebSocket WebSocketConfig
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether the Kafka sink is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 && k.Topic != "" }

type PostgresConfig struct {
	DSN   string
	Table string
}

// Enabled reports whether the Postgres sink is configured.
func (p PostgresConfig) Enabled() bool { return p.DSN != "" }

type WebSocketConfig struct {
	URL string
}

// Enabled reports whether the WebSocket sink is configured.
func (w WebSocketConfig) Enabled() bool { return w.URL != "" }

// Defaults returns the built-in values used for every optional field.
func Defaults() Config {
	return Config{
		MinSignalDBm:     -70,
		CheckInterval:    5 * time.Second,
		SettleTime:       20 * time.Second,
		PingCount:        4,
		PingFromAP:       true,
		FrequencyStepMHz: 5,
		Cooldown:         3 * time.Second,
		DialTimeout:      10 * time.Second,
		OutputFile:       "Results.txt",
		Export: ExportConfig{
			Postgres: PostgresConfig{Table: "sweep_results"},
		},
	}
}

// fileShape is the on-disk layout. Pointers distinguish absent fields from
// zero values so that defaults only fill what the file leaves out.
type fileShape struct {
	Config thresholdsJSON `json:"config" yaml:"config"`
	Export *exportJSON    `json:"export,omitempty" yaml:"export,omitempty"`
}

type thresholdsJSON struct {
	WaitForRegistration *float64 `json:"wait_for_registration" yaml:"wait_for_registration"`
	ValidPingTime       *float64 `json:"valid_ping_time" yaml:"valid_ping_time"`
	MinSignalStrength   *int     `json:"min_signal_strength" yaml:"min_signal_strength"`
	CheckInterval       *float64 `json:"check_interval" yaml:"check_interval"`
	RegistrationRetries *int     `json:"registration_retries" yaml:"registration_retries"`
	SettleTime          *float64 `json:"settle_time" yaml:"settle_time"`
	PingCount           *int     `json:"ping_count" yaml:"ping_count"`
	PingFromAP          *bool    `json:"ping_from_ap" yaml:"ping_from_ap"`
	FrequencyStep       *int     `json:"frequency_step" yaml:"frequency_step"`
	Cooldown            *float64 `json:"cooldown" yaml:"cooldown"`
	DialTimeout         *float64 `json:"dial_timeout" yaml:"dial_timeout"`
	OutputFile          *string  `json:"output_file" yaml:"output_file"`
	Interface           *string  `json:"interface" yaml:"interface"`
}

type exportJSON struct {
	Kafka *struct {
		Brokers []string `json:"brokers" yaml:"brokers"`
		Topic   string   `json:"topic" yaml:"topic"`
	} `json:"kafka,omitempty" yaml:"kafka,omitempty"`
	Postgres *struct {
		DSN   string `json:"dsn" yaml:"dsn"`
		Table string `json:"table" yaml:"table"`
	} `json:"postgres,omitempty" yaml:"postgres,omitempty"`
	WebSocket *struct {
		URL string `json:"url" yaml:"url"`
	} `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	cfg, err := Parse(data, FormatFromPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("load config %q: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data, overlays it on Defaults and validates the result.
func Parse(data []byte, format Format) (Config, error) {
	var raw fileShape
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&raw); err != nil {
			return Config{}, fmt.Errorf("decode json: %w", err)
		}
		if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("decode json: unexpected data after the top-level object")
		}
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (raw fileShape) toConfig() (Config, error) {
	cfg := Defaults()
	t := raw.Config

	if t.ValidPingTime == nil {
		return Config{}, fmt.Errorf("%w: config.valid_ping_time", ErrMissingField)
	}
	if t.WaitForRegistration == nil {
		return Config{}, fmt.Errorf("%w: config.wait_for_registration", ErrMissingField)
	}

	cfg.MaxPingMs = *t.ValidPingTime
	cfg.RegistrationWait = seconds(*t.WaitForRegistration)

	if t.MinSignalStrength != nil {
		cfg.MinSignalDBm = *t.MinSignalStrength
	}
	if t.CheckInterval != nil {
		cfg.CheckInterval = seconds(*t.CheckInterval)
	}
	if t.SettleTime != nil {
		cfg.SettleTime = seconds(*t.SettleTime)
	}
	if t.PingCount != nil {
		cfg.PingCount = *t.PingCount
	}
	if t.PingFromAP != nil {
		cfg.PingFromAP = *t.PingFromAP
	}
	if t.FrequencyStep != nil {
		cfg.FrequencyStepMHz = *t.FrequencyStep
	}
	if t.Cooldown != nil {
		cfg.Cooldown = seconds(*t.Cooldown)
	}
	if t.DialTimeout != nil {
		cfg.DialTimeout = seconds(*t.DialTimeout)
	}
	if t.OutputFile != nil {
		cfg.OutputFile = *t.OutputFile
	}
	if t.Interface != nil {
		cfg.Interface = strings.TrimSpace(*t.Interface)
	}

	if t.RegistrationRetries != nil {
		cfg.RegistrationChecks = *t.RegistrationRetries
	} else if cfg.CheckInterval > 0 {
		cfg.RegistrationChecks = int(math.Ceil(float64(cfg.RegistrationWait) / float64(cfg.CheckInterval)))
		if cfg.RegistrationChecks < 1 {
			cfg.RegistrationChecks = 1
		}
	}

	if e := raw.Export; e != nil {
		if e.Kafka != nil {
			cfg.Export.Kafka = KafkaConfig{Brokers: e.Kafka.Brokers, Topic: e.Kafka.Topic}
		}
		if e.Postgres != nil {
			cfg.Export.Postgres.DSN = e.Postgres.DSN
			if e.Postgres.Table != "" {
				cfg.Export.Postgres.Table = e.Postgres.Table
			}
		}
		if e.WebSocket != nil {
			cfg.Export.WebSocket = WebSocketConfig{URL: e.WebSocket.URL}
		}
	}

	return cfg, nil
}

// Validate rejects values the sweep cannot run with.
func (c Config) Validate() error {
	switch {
	case c.MaxPingMs <= 0:
		return fmt.Errorf("%w: valid_ping_time must be positive, got %v", ErrInvalidField, c.MaxPingMs)
	case c.RegistrationWait < 0:
		return fmt.Errorf("%w: wait_for_registration must not be negative", ErrInvalidField)
	case c.MinSignalDBm > 0:
		return fmt.Errorf("%w: min_signal_strength must be in dBm (<= 0), got %d", ErrInvalidField, c.MinSignalDBm)
	case c.CheckInterval <= 0:
		return fmt.Errorf("%w: check_interval must be positive", ErrInvalidField)
	case c.RegistrationChecks < 1:
		return fmt.Errorf("%w: registration_retries must be at least 1, got %d", ErrInvalidField, c.RegistrationChecks)
	case c.SettleTime < 0:
		return fmt.Errorf("%w: settle_time must not be negative", ErrInvalidField)
	case c.PingCount < 1:
		return fmt.Errorf("%w: ping_count must be at least 1, got %d", ErrInvalidField, c.PingCount)
	case c.FrequencyStepMHz < 1:
		return fmt.Errorf("%w: frequency_step must be at least 1, got %d", ErrInvalidField, c.FrequencyStepMHz)
	case c.Cooldown < 0:
		return fmt.Errorf("%w: cooldown must not be negative", ErrInvalidField)
	case c.DialTimeout <= 0:
		return fmt.Errorf("%w: dial_timeout must be positive", ErrInvalidField)
	case strings.TrimSpace(c.OutputFile) == "":
		return fmt.Errorf("%w: output_file must not be empty", ErrInvalidField)
	}
	if k := c.Export.Kafka; (len(k.Brokers) > 0) != (k.Topic != "") {
		return fmt.Errorf("%w: export.kafka needs both brokers and topic", ErrInvalidField)
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
