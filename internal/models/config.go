// Package models - Service configuration and operational settings.
// This file defines the configuration structures for every service component.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, storage, limits, etc.)
// - Defaults that work out of the box with the in-memory store
// - Validation of every policy at startup so limiter calls never see bad input
// - One fully specified struct; nothing is merged at call time
package models

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// Storage type constants
const (
	StorageTypeMemory   = "memory"
	StorageTypeSQLite   = "sqlite"
	StorageTypePostgres = "postgres"
	StorageTypeRedis    = "redis"
)

// ConfigSchemaVersion is the configuration layout version written by SaveExample.
const ConfigSchemaVersion = "1.0.0"

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP server and overload protection
// - Storage: limiter state backend
// - Limits: login, registration and tiered API quota policies
// - Security: accounts, admin access and proxy trust
// - Logging, Metrics, Observability: ambient operational settings
type Config struct {
	Version       string              `yaml:"version" json:"version"`             // Config schema version (semver)
	Server        ServerConfig        `yaml:"server" json:"server"`               // HTTP server configuration
	Storage       StorageConfig       `yaml:"storage" json:"storage"`             // Limiter state persistence
	Limits        LimitsConfig        `yaml:"limits" json:"limits"`               // Rate limit policies
	Security      SecurityConfig      `yaml:"security" json:"security"`           // Authentication and proxy trust
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`             // Logging and output configuration
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`             // Monitoring and metrics
	Observability ObservabilityConfig `yaml:"observability" json:"observability"` // Tracing
}

type ServerConfig struct {
	Port         int            `yaml:"port" json:"port"`
	Host         string         `yaml:"host" json:"host"`
	ReadTimeout  time.Duration  `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration  `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration  `yaml:"idle_timeout" json:"idle_timeout"`
	TLSEnabled   bool           `yaml:"tls_enabled" json:"tls_enabled"`
	TLSCertFile  string         `yaml:"tls_cert_file" json:"tls_cert_file"`
	TLSKeyFile   string         `yaml:"tls_key_file" json:"tls_key_file"`
	Overload     OverloadConfig `yaml:"overload" json:"overload"`
}

// OverloadConfig caps total request throughput for the whole process, in front
// of the per-identity limiter, so a flood cannot saturate the state store.
type OverloadConfig struct {
	Enabled           bool    `yaml:"enabled" json:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

type StorageConfig struct {
	Type          string         `yaml:"type" json:"type"`
	SweepInterval time.Duration  `yaml:"sweep_interval" json:"sweep_interval"`
	Database      DatabaseConfig `yaml:"database" json:"database"`
	Redis         RedisConfig    `yaml:"redis" json:"redis"`
	Memory        MemoryConfig   `yaml:"memory" json:"memory"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr" json:"addr"`
	Password   string `yaml:"password" json:"password"`
	DB         int    `yaml:"db" json:"db"`
	PoolSize   int    `yaml:"pool_size" json:"pool_size"`
	MaxRetries int    `yaml:"max_retries" json:"max_retries"` // optimistic transaction retries per update
	KeyPrefix  string `yaml:"key_prefix" json:"key_prefix"`
}

type MemoryConfig struct {
	Shards int `yaml:"shards" json:"shards"`
}

// LimitsConfig holds every policy the service enforces. Login and registration
// are brute-force protection; API is the tiered request quota.
type LimitsConfig struct {
	Login        Policy         `yaml:"login" json:"login"`
	Registration Policy         `yaml:"registration" json:"registration"`
	API          APIQuotaConfig `yaml:"api" json:"api"`
}

// APIQuotaConfig maps tier names to policies. FailOpen selects what the quota
// middleware does when the state store is unreachable: true lets requests
// through, false rejects them with 503. Login throttling always fails closed.
type APIQuotaConfig struct {
	Enabled     bool              `yaml:"enabled" json:"enabled"`
	DefaultTier string            `yaml:"default_tier" json:"default_tier"`
	Tiers       map[string]Policy `yaml:"tiers" json:"tiers"`
	FailOpen    bool              `yaml:"fail_open" json:"fail_open"`
}

type SecurityConfig struct {
	Accounts          []AccountConfig `yaml:"accounts" json:"accounts"`
	TrustedProxies    []string        `yaml:"trusted_proxies" json:"trusted_proxies"`
	AllowRegistration bool            `yaml:"allow_registration" json:"allow_registration"`
}

// AccountConfig seeds an account at startup.
type AccountConfig struct {
	Name  string `yaml:"name" json:"name"`
	Key   string `yaml:"key" json:"key"`
	Tier  string `yaml:"tier" json:"tier"`
	Admin bool   `yaml:"admin" json:"admin"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// NewDefaultConfig creates a configuration with working defaults.
//
// Default Values Rationale:
// - Port 8080: Standard non-privileged HTTP port
// - Memory store: no external dependencies
// - Login: 5 attempts per 15 minutes, then a 15 minute lockout
// - Registration: 3 per hour per client, then a 1 hour lockout
// - API tiers: foundation < performance < elite; unknown tiers get foundation
func NewDefaultConfig() *Config {
	return &Config{
		Version: ConfigSchemaVersion,
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
			TLSEnabled:   false,
			Overload: OverloadConfig{
				Enabled:           true,
				RequestsPerSecond: 500,
				Burst:             1000,
			},
		},
		Storage: StorageConfig{
			Type:          StorageTypeMemory,
			SweepInterval: time.Minute,
			Database: DatabaseConfig{
				MaxOpenConns:    10,
				ConnMaxLifetime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:       "localhost:6379",
				PoolSize:   20,
				MaxRetries: 16,
				KeyPrefix:  "gatekeeper:rl:",
			},
			Memory: MemoryConfig{
				Shards: 64,
			},
		},
		Limits: LimitsConfig{
			Login:        Policy{MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: 15 * time.Minute},
			Registration: Policy{MaxAttempts: 3, Window: time.Hour, BlockDuration: time.Hour},
			API: APIQuotaConfig{
				Enabled:     true,
				DefaultTier: "foundation",
				Tiers: map[string]Policy{
					"foundation":  {MaxAttempts: 60, Window: time.Minute, BlockDuration: time.Minute},
					"performance": {MaxAttempts: 300, Window: time.Minute, BlockDuration: 30 * time.Second},
					"elite":       {MaxAttempts: 1200, Window: time.Minute, BlockDuration: 0},
				},
				FailOpen: true,
			},
		},
		Security: SecurityConfig{
			Accounts:          []AccountConfig{},
			TrustedProxies:    []string{},
			AllowRegistration: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "gatekeeper",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Storage.Validate(); err != nil {
		return fmt.Errorf("invalid storage config: %w", err)
	}

	if err := c.Limits.Validate(); err != nil {
		return fmt.Errorf("invalid limits config: %w", err)
	}

	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("invalid security config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	if sc.TLSEnabled {
		if sc.TLSCertFile == "" {
			return errors.New("TLS cert file is required when TLS is enabled")
		}
		if sc.TLSKeyFile == "" {
			return errors.New("TLS key file is required when TLS is enabled")
		}
	}

	if sc.Overload.Enabled {
		if sc.Overload.RequestsPerSecond <= 0 {
			return errors.New("overload requests per second must be positive")
		}
		if sc.Overload.Burst < 1 {
			return errors.New("overload burst must be at least 1")
		}
	}

	return nil
}

func (stc *StorageConfig) Validate() error {
	if stc.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}

	switch stc.Type {
	case StorageTypeMemory:
		if stc.Memory.Shards < 1 {
			return errors.New("memory shards must be at least 1")
		}
	case StorageTypeSQLite, StorageTypePostgres:
		if stc.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", stc.Type)
		}
		if stc.Database.MaxOpenConns < 0 {
			return errors.New("max open connections cannot be negative")
		}
	case StorageTypeRedis:
		if stc.Redis.Addr == "" {
			return errors.New("Redis address is required when storage type is redis")
		}
		if stc.Redis.MaxRetries < 1 {
			return errors.New("Redis max retries must be at least 1")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", stc.Type)
	}

	return nil
}

func (lc *LimitsConfig) Validate() error {
	if err := lc.Login.Validate(); err != nil {
		return fmt.Errorf("login policy: %w", err)
	}

	if err := lc.Registration.Validate(); err != nil {
		return fmt.Errorf("registration policy: %w", err)
	}

	if err := lc.API.Validate(); err != nil {
		return fmt.Errorf("api quota: %w", err)
	}

	return nil
}

func (ac *APIQuotaConfig) Validate() error {
	if len(ac.Tiers) == 0 {
		return errors.New("at least one tier is required")
	}

	if _, ok := ac.Tiers[ac.DefaultTier]; !ok {
		return fmt.Errorf("default tier %q is not defined", ac.DefaultTier)
	}

	for name, p := range ac.Tiers {
		if strings.TrimSpace(name) == "" {
			return errors.New("tier name cannot be empty")
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("tier %q: %w", name, err)
		}
	}

	return nil
}

func (sec *SecurityConfig) Validate() error {
	seen := make(map[string]bool, len(sec.Accounts))
	for _, acct := range sec.Accounts {
		if acct.Name == "" {
			return errors.New("account name cannot be empty")
		}
		if acct.Key == "" {
			return fmt.Errorf("account %q: key cannot be empty", acct.Name)
		}
		if seen[acct.Name] {
			return fmt.Errorf("duplicate account name: %s", acct.Name)
		}
		seen[acct.Name] = true
	}

	if _, err := sec.ParseTrustedProxies(); err != nil {
		return err
	}

	return nil
}

// ParseTrustedProxies converts TrustedProxies into prefixes. Bare addresses
// are accepted as single-host prefixes.
func (sec *SecurityConfig) ParseTrustedProxies() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(sec.TrustedProxies))
	for _, raw := range sec.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if strings.Contains(raw, "/") {
			p, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, vl := range validLevels {
		if lc.Level == vl {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	found = false
	for _, vf := range validFormats {
		if lc.Format == vf {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	found = false
	for _, vo := range validOutputs {
		if lc.Output == vo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	switch oc.Tracing.Exporter {
	case "stdout", "otlp":
	default:
		return fmt.Errorf("invalid tracing exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("tracing sample rate must be between 0 and 1")
	}

	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required when tracing exporter is otlp")
	}

	return nil
}
