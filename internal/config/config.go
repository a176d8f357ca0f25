// Package config loads mkernel settings.
//
// Precedence, lowest first: Default, YAML file, .env file, process
// environment (MKERNEL_ prefix), then command-line flags applied by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/roach88/mkernel/internal/errcode"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "MKERNEL_"

// Config holds every tunable of the kernel, the store and the CLI.
type Config struct {
	Driver string `yaml:"driver" env:"DB_DRIVER"`
	DSN    string `yaml:"dsn" env:"DB_DSN"`

	OrgID  string `yaml:"org" env:"ORG_ID"`
	UserID string `yaml:"user" env:"USER_ID"`

	IdempotencyTTL       time.Duration `yaml:"idempotency_ttl" env:"IDEMPOTENCY_TTL"`
	InFlightPollInterval time.Duration `yaml:"inflight_poll_interval" env:"INFLIGHT_POLL_INTERVAL"`
	InFlightPollMax      time.Duration `yaml:"inflight_poll_max" env:"INFLIGHT_POLL_MAX"`
	InFlightPollAttempts int           `yaml:"inflight_poll_attempts" env:"INFLIGHT_POLL_ATTEMPTS"`
	RetryAfter           time.Duration `yaml:"retry_after" env:"RETRY_AFTER"`

	TraceMaxDepth int `yaml:"trace_max_depth" env:"TRACE_MAX_DEPTH"`

	// LockedStatuses maps an entity status to the error code that rejects
	// mutations while the entity is in it.
	LockedStatuses map[string]string `yaml:"locked_statuses" env:"LOCKED_STATUSES"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	MetricsAddr  string `yaml:"metrics_addr" env:"METRICS_ADDR"`
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string `yaml:"service_name" env:"SERVICE_NAME"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Driver:               "sqlite3",
		DSN:                  "mkernel.db",
		IdempotencyTTL:       7 * 24 * time.Hour,
		InFlightPollInterval: 25 * time.Millisecond,
		InFlightPollMax:      400 * time.Millisecond,
		InFlightPollAttempts: 8,
		RetryAfter:           time.Second,
		TraceMaxDepth:        20,
		LockedStatuses: map[string]string{
			"posted": string(errcode.PostedDocumentImmutable),
			"closed": string(errcode.ClosedFiscalPeriod),
		},
		LogLevel:    "info",
		LogFormat:   "text",
		ServiceName: "mkernel",
	}
}

// Load builds a Config from the defaults, the optional YAML file at path,
// the optional dotenv file and the environment.
// An empty path skips the YAML file; a missing dotenv file is ignored.
func Load(path, dotenv string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", dotenv, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges and that every locked status maps to a registered
// client-fault code.
func (c Config) Validate() error {
	var errs []error
	if c.Driver == "" {
		errs = append(errs, errors.New("driver is required"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency_ttl must be positive"))
	}
	if c.InFlightPollAttempts < 0 {
		errs = append(errs, errors.New("inflight_poll_attempts must not be negative"))
	}
	if c.TraceMaxDepth < 1 {
		errs = append(errs, errors.New("trace_max_depth must be at least 1"))
	}
	for status, raw := range c.LockedStatuses {
		code, err := errcode.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("locked_statuses[%s]: %w", status, err))
			continue
		}
		if !code.ClientFault() {
			errs = append(errs, fmt.Errorf("locked_statuses[%s]: %s is not a client fault", status, code))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// LockedCodes returns LockedStatuses with parsed codes. Call after Validate.
func (c Config) LockedCodes() map[string]errcode.Code {
	out := make(map[string]errcode.Code, len(c.LockedStatuses))
	for status, raw := range c.LockedStatuses {
		if code, err := errcode.Parse(raw); err == nil {
			out[status] = code
		}
	}
	return out
}
