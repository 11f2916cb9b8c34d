package storage

import (
	"fmt"

	"gatekeeper/internal/clock"
	"gatekeeper/internal/models"
)

// Factory provides a centralized way to create stores based on configuration.
type Factory struct {
	clock clock.Clock
}

// NewFactory creates a new storage factory. A nil clock selects the wall clock.
func NewFactory(clk clock.Clock) *Factory {
	return &Factory{clock: clk}
}

// Create instantiates a store based on the provided configuration.
// Supported providers:
//   - memory: sharded in-process map (single instance deployments)
//   - sqlite: SQLite file (single instance, survives restarts)
//   - postgres: PostgreSQL (shared by many instances)
//   - redis: Redis (shared by many instances, native expiry)
func (f *Factory) Create(config models.StorageConfig) (Store, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	storeConfig := Config{
		Type:             config.Type,
		ConnectionString: config.Database.DSN,
		MaxOpenConns:     config.Database.MaxOpenConns,
		ConnMaxLifetime:  config.Database.ConnMaxLifetime,
		SweepInterval:    config.SweepInterval,
		Shards:           config.Memory.Shards,
		ManualSweep:      true,
		Redis:            config.Redis,
		Clock:            f.clock,
	}

	switch config.Type {
	case models.StorageTypeMemory:
		return NewMemoryStore(storeConfig)
	case models.StorageTypeSQLite:
		return NewSQLiteStore(storeConfig)
	case models.StorageTypePostgres:
		return NewPostgresStore(storeConfig)
	case models.StorageTypeRedis:
		return NewRedisStore(storeConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{models.StorageTypeMemory, models.StorageTypePostgres, models.StorageTypeRedis, models.StorageTypeSQLite}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeMemory:
		// Memory storage requires no additional configuration
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	case models.StorageTypeRedis:
		if config.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	return nil
}

// NeedsSweeper reports whether a store built by Create relies on an external
// RunSweeper loop. Only redis expires keys natively.
func NeedsSweeper(storageType string) bool {
	return storageType != models.StorageTypeRedis
}
