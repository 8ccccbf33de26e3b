package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loveCupid/urcu/logger"
	zapfactory "github.com/loveCupid/urcu/logger/zap"
)

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
	Pretty  bool `yaml:"pretty"`
}

type TelemetryConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// StressConfig shapes one run of the stress harness.
type StressConfig struct {
	Structure  string        `yaml:"structure"`  // ja | range | rbtree | queue | deque
	Writers    int           `yaml:"writers"`    // concurrent writer goroutines
	Readers    int           `yaml:"readers"`    // concurrent reader goroutines
	Duration   time.Duration `yaml:"duration"`   // wall-clock budget, 0 = operation-bounded
	Operations int           `yaml:"operations"` // per-writer operation budget, 0 = duration-bounded
	KeySpace   uint64        `yaml:"keySpace"`   // keys drawn from [0, keySpace)
	KeyBits    int           `yaml:"keyBits"`    // judy array key width
	Validate   bool          `yaml:"validate"`   // run invariant validation at quiesce
	Seed       int64         `yaml:"seed"`       // 0 = derive from run id
}

type Config struct {
	Logger    zapfactory.Config `yaml:"logger"`
	Stress    StressConfig      `yaml:"stress"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
}

// LoadConfig loads the configuration from a YAML file at the given
// path. Only syntactic parsing happens here; call Validate afterwards.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given: a
// short concurrent range-map run with console logging.
func Default() *Config {
	return &Config{
		Logger: zapfactory.Config{
			Active:   true,
			Level:    "info",
			Encoding: "console",
			Mode:     "stdout",
		},
		Stress: StressConfig{
			Structure:  "range",
			Writers:    8,
			Readers:    4,
			Duration:   10 * time.Second,
			Operations: 0,
			KeySpace:   1 << 16,
			KeyBits:    64,
			Validate:   true,
		},
	}
}

// ApplyEnvOverrides applies environment variable overrides for the
// deployment-dependent knobs:
//
//	STRESS_STRUCTURE  -> cfg.Stress.Structure
//	STRESS_WRITERS    -> cfg.Stress.Writers
//	STRESS_READERS    -> cfg.Stress.Readers
//	STRESS_DURATION   -> cfg.Stress.Duration (time.ParseDuration)
//	STRESS_OPERATIONS -> cfg.Stress.Operations
//	STRESS_SEED       -> cfg.Stress.Seed
//	LOGGER_LEVEL      -> cfg.Logger.Level
//	LOGGER_ENCODING   -> cfg.Logger.Encoding
//	TRACE_ENABLED     -> cfg.Telemetry.Tracing.Enabled
//
// Invalid numeric values are ignored.
func (cfg *Config) ApplyEnvOverrides() {
	if v := os.Getenv("STRESS_STRUCTURE"); v != "" {
		cfg.Stress.Structure = v
	}
	if v := os.Getenv("STRESS_WRITERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stress.Writers = n
		}
	}
	if v := os.Getenv("STRESS_READERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stress.Readers = n
		}
	}
	if v := os.Getenv("STRESS_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Stress.Duration = d
		}
	}
	if v := os.Getenv("STRESS_OPERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stress.Operations = n
		}
	}
	if v := os.Getenv("STRESS_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Stress.Seed = n
		}
	}
	if v := os.Getenv("LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LOGGER_ENCODING"); v != "" {
		cfg.Logger.Encoding = v
	}
	if v := os.Getenv("TRACE_ENABLED"); v != "" {
		v = strings.ToLower(v)
		cfg.Telemetry.Tracing.Enabled = v == "true" || v == "1" || v == "yes"
	}
}

var validStructures = map[string]bool{
	"ja":     true,
	"range":  true,
	"rbtree": true,
	"queue":  true,
	"deque":  true,
}

// Validate checks the configuration for missing or inconsistent
// fields.
func (cfg *Config) Validate() error {
	s := &cfg.Stress
	if !validStructures[s.Structure] {
		return fmt.Errorf("invalid stress.structure %q", s.Structure)
	}
	if s.Writers < 1 {
		return fmt.Errorf("stress.writers must be >= 1, got %d", s.Writers)
	}
	if s.Readers < 0 {
		return fmt.Errorf("stress.readers must be >= 0, got %d", s.Readers)
	}
	if s.Duration <= 0 && s.Operations <= 0 {
		return fmt.Errorf("one of stress.duration or stress.operations must be positive")
	}
	if s.KeySpace == 0 {
		return fmt.Errorf("stress.keySpace must be positive")
	}
	if s.KeyBits < 8 || s.KeyBits > 64 || s.KeyBits%8 != 0 {
		return fmt.Errorf("stress.keyBits must be a multiple of 8 in [8, 64], got %d", s.KeyBits)
	}
	if s.KeyBits < 64 && s.KeySpace > 1<<uint(s.KeyBits) {
		return fmt.Errorf("stress.keySpace %d exceeds the %d-bit key space", s.KeySpace, s.KeyBits)
	}
	return nil
}

// LogConfig reports the effective configuration through the logger.
func (cfg *Config) LogConfig(lgr logger.Logger) {
	lgr.Info("configuration loaded",
		logger.F("structure", cfg.Stress.Structure),
		logger.F("writers", cfg.Stress.Writers),
		logger.F("readers", cfg.Stress.Readers),
		logger.F("duration", cfg.Stress.Duration.String()),
		logger.F("operations", cfg.Stress.Operations),
		logger.F("keySpace", cfg.Stress.KeySpace),
		logger.F("keyBits", cfg.Stress.KeyBits),
		logger.F("validate", cfg.Stress.Validate),
		logger.F("tracing", cfg.Telemetry.Tracing.Enabled),
	)
}
