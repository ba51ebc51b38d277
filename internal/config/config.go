// Package config loads and validates eldertree configuration.
//
// Configuration is a YAML document. Missing sections keep their defaults;
// unknown keys are rejected so typos surface at startup.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Engine      EngineConfig      `yaml:"engine"`
	Soul        SoulConfig        `yaml:"soul"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Audit       AuditConfig       `yaml:"audit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// EngineConfig controls the background loops.
type EngineConfig struct {
	// DispatchInterval is the EventDispatcher period.
	DispatchInterval time.Duration `yaml:"dispatch_interval" validate:"gt=0"`

	// MaintenanceInterval is the MaintenanceScheduler period.
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" validate:"gt=0"`

	// HandshakeTimeout bounds the CreateBinding test-message round trip.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" validate:"gt=0"`
}

// SoulConfig controls binding creation and decay.
type SoulConfig struct {
	DefaultSyncFrequencyHz   float64 `yaml:"default_sync_frequency_hz" validate:"gt=0,lte=100"`
	EmergencySyncFrequencyHz float64 `yaml:"emergency_sync_frequency_hz" validate:"gt=0,lte=100"`
	MinStrength              float64 `yaml:"min_strength" validate:"gte=0,lte=1"`
	EmergencyStrength        float64 `yaml:"emergency_strength" validate:"gt=0,lte=1"`
	RecoveryThreshold        float64 `yaml:"recovery_threshold" validate:"gte=0,lte=1"`
}

// PersistenceConfig names the state documents.
type PersistenceConfig struct {
	TreePath     string `yaml:"tree_path"`
	BindingsPath string `yaml:"bindings_path"`

	// AutosaveInterval of zero disables periodic saves (shutdown still saves).
	AutosaveInterval time.Duration `yaml:"autosave_interval" validate:"gte=0"`
}

// AuditConfig names the SQLite audit database. Empty disables auditing.
type AuditConfig struct {
	Database string `yaml:"database"`
}

// LoggingConfig selects the zap logger profile.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// MetricsConfig controls the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			DispatchInterval:    time.Second,
			MaintenanceInterval: 5 * time.Minute,
			HandshakeTimeout:    5 * time.Second,
		},
		Soul: SoulConfig{
			DefaultSyncFrequencyHz:   1,
			EmergencySyncFrequencyHz: 10,
			MinStrength:              0.3,
			EmergencyStrength:        0.9,
			RecoveryThreshold:        0.5,
		},
		Persistence: PersistenceConfig{
			TreePath:         "elder_tree_state.json",
			BindingsPath:     "soul_binding_state.json",
			AutosaveInterval: time.Minute,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Namespace(), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}
