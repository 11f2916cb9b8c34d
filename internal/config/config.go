// Package config loads the service configuration: defaults, then an optional
// YAML file, then GATEKEEPER_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gatekeeper/internal/models"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SupportedSchema is the range of config schema versions this build reads.
const SupportedSchema = "^1.0.0"

const envPrefix = "GATEKEEPER_"

// Load builds the configuration from defaults, the file at configPath (if
// non-empty) and the environment. The result is validated.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := checkSchemaVersion(config.Version); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func checkSchemaVersion(raw string) error {
	if raw == "" {
		return nil
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Errorf("invalid config version %q: %w", raw, err)
	}
	constraint, err := semver.NewConstraint(SupportedSchema)
	if err != nil {
		return fmt.Errorf("invalid schema constraint: %w", err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("unsupported config version %s (supported %s)", v, SupportedSchema)
	}
	return nil
}

func loadFromFile(config *models.Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	// yaml.v3 merges into existing maps; a file that lists tiers replaces the
	// default set rather than adding to it.
	defaultTiers := config.Limits.API.Tiers
	config.Limits.API.Tiers = nil

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if config.Limits.API.Tiers == nil {
		config.Limits.API.Tiers = defaultTiers
	}
	return nil
}

// env applies GATEKEEPER_* overrides and collects parse failures.
type env struct {
	errs []error
}

func (e *env) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *env) fail(name string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
}

func (e *env) stringVar(name string, dst *string) {
	if v, ok := e.lookup(name); ok {
		*dst = v
	}
}

func (e *env) intVar(name string, dst *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = n
	}
}

func (e *env) floatVar(name string, dst *float64) {
	if v, ok := e.lookup(name); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = f
	}
}

func (e *env) boolVar(name string, dst *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = b
	}
}

func (e *env) durationVar(name string, dst *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(name, err)
			return
		}
		*dst = d
	}
}

func (e *env) listVar(name string, dst *[]string) {
	if v, ok := e.lookup(name); ok {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst = out
	}
}

func (e *env) policyVar(prefix string, p *models.Policy) {
	e.intVar(prefix+"_MAX_ATTEMPTS", &p.MaxAttempts)
	e.durationVar(prefix+"_WINDOW", &p.Window)
	e.durationVar(prefix+"_BLOCK_DURATION", &p.BlockDuration)
}

func loadFromEnvironment(config *models.Config) error {
	e := &env{}

	srv := &config.Server
	e.intVar("PORT", &srv.Port)
	e.stringVar("HOST", &srv.Host)
	e.durationVar("READ_TIMEOUT", &srv.ReadTimeout)
	e.durationVar("WRITE_TIMEOUT", &srv.WriteTimeout)
	e.durationVar("IDLE_TIMEOUT", &srv.IdleTimeout)
	e.boolVar("TLS_ENABLED", &srv.TLSEnabled)
	e.stringVar("TLS_CERT_FILE", &srv.TLSCertFile)
	e.stringVar("TLS_KEY_FILE", &srv.TLSKeyFile)
	e.boolVar("OVERLOAD_ENABLED", &srv.Overload.Enabled)
	e.floatVar("OVERLOAD_RPS", &srv.Overload.RequestsPerSecond)
	e.intVar("OVERLOAD_BURST", &srv.Overload.Burst)

	st := &config.Storage
	e.stringVar("STORAGE_TYPE", &st.Type)
	e.durationVar("SWEEP_INTERVAL", &st.SweepInterval)
	e.stringVar("DATABASE_DSN", &st.Database.DSN)
	e.intVar("DATABASE_MAX_OPEN_CONNS", &st.Database.MaxOpenConns)
	e.durationVar("DATABASE_CONN_MAX_LIFETIME", &st.Database.ConnMaxLifetime)
	e.stringVar("REDIS_ADDR", &st.Redis.Addr)
	e.stringVar("REDIS_PASSWORD", &st.Redis.Password)
	e.intVar("REDIS_DB", &st.Redis.DB)
	e.intVar("REDIS_POOL_SIZE", &st.Redis.PoolSize)
	e.intVar("REDIS_MAX_RETRIES", &st.Redis.MaxRetries)
	e.stringVar("REDIS_KEY_PREFIX", &st.Redis.KeyPrefix)
	e.intVar("MEMORY_SHARDS", &st.Memory.Shards)

	lim := &config.Limits
	e.policyVar("LOGIN", &lim.Login)
	e.policyVar("REGISTRATION", &lim.Registration)
	e.boolVar("API_QUOTA_ENABLED", &lim.API.Enabled)
	e.stringVar("API_DEFAULT_TIER", &lim.API.DefaultTier)
	e.boolVar("API_FAIL_OPEN", &lim.API.FailOpen)

	sec := &config.Security
	e.listVar("TRUSTED_PROXIES", &sec.TrustedProxies)
	e.boolVar("ALLOW_REGISTRATION", &sec.AllowRegistration)
	if key, ok := e.lookup("ADMIN_KEY"); ok {
		seedAdmin(sec, key)
	}

	log := &config.Logging
	e.stringVar("LOG_LEVEL", &log.Level)
	e.stringVar("LOG_FORMAT", &log.Format)
	e.stringVar("LOG_OUTPUT", &log.Output)
	e.stringVar("LOG_FILE_PATH", &log.FilePath)

	e.boolVar("METRICS_ENABLED", &config.Metrics.Enabled)
	e.stringVar("METRICS_PATH", &config.Metrics.Path)
	e.intVar("METRICS_PORT", &config.Metrics.Port)

	tr := &config.Observability.Tracing
	e.stringVar("SERVICE_NAME", &config.Observability.ServiceName)
	e.boolVar("TRACING_ENABLED", &tr.Enabled)
	e.stringVar("TRACING_EXPORTER", &tr.Exporter)
	e.floatVar("TRACING_SAMPLE_RATE", &tr.SampleRate)
	e.stringVar("OTLP_ENDPOINT", &tr.OTLPEndpoint)

	return errors.Join(e.errs...)
}

// seedAdmin sets the key of the account named "admin", adding it when absent.
func seedAdmin(sec *models.SecurityConfig, key string) {
	for i := range sec.Accounts {
		if sec.Accounts[i].Name == "admin" {
			sec.Accounts[i].Key = key
			sec.Accounts[i].Admin = true
			return
		}
	}
	sec.Accounts = append(sec.Accounts, models.AccountConfig{Name: "admin", Key: key, Admin: true})
}

// SaveExample writes an example configuration to filePath.
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.Security.Accounts = []models.AccountConfig{
		{Name: "admin", Key: "gk_replace-with-a-long-random-admin-key", Admin: true},
		{Name: "build-bot", Key: "gk_replace-with-a-long-random-key", Tier: "performance"},
	}
	config.Security.TrustedProxies = []string{"10.0.0.0/8"}
	config.Server.TLSCertFile = "/path/to/cert.pem"
	config.Server.TLSKeyFile = "/path/to/key.pem"
	config.Storage.Database.DSN = "file:gatekeeper.db"

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
