// Package redis caches patient grace configuration in front of the
// authoritative store.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/grace"
)

// DefaultConfigTTL bounds how stale a cached configuration may be
const DefaultConfigTTL = 10 * time.Minute

const configKeyPrefix = "adherence:grace-config:"

// Options holds Redis connection settings
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a Redis client
func NewClient(opts Options) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Ping tests the Redis connection
func Ping(ctx context.Context, client *redis.Client) error {
	return client.Ping(ctx).Err()
}

// ConfigStore is the authoritative configuration store behind the cache
type ConfigStore interface {
	grace.ConfigSource
	SaveConfig(ctx context.Context, cfg grace.PatientGraceConfig) error
}

// ConfigCache is a read-through cache of PatientGraceConfig. Redis
// failures are logged and bypassed, never surfaced to the caller.
type ConfigCache struct {
	client *redis.Client
	next   ConfigStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewConfigCache wraps next with a Redis cache
func NewConfigCache(client *redis.Client, next ConfigStore, ttl time.Duration, logger *zap.Logger) *ConfigCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultConfigTTL
	}
	return &ConfigCache{client: client, next: next, ttl: ttl, logger: logger}
}

func configKey(patientID string) string {
	return configKeyPrefix + patientID
}

// GetConfig implements grace.ConfigSource
func (c *ConfigCache) GetConfig(ctx context.Context, patientID string) (grace.PatientGraceConfig, error) {
	key := configKey(patientID)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cfg grace.PatientGraceConfig
		if jerr := json.Unmarshal(raw, &cfg); jerr == nil {
			return cfg, nil
		}
		c.logger.Warn("discarding unreadable cached grace config", zap.String("patient_id", patientID))
		c.client.Del(ctx, key)
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("grace config cache unavailable", zap.String("patient_id", patientID), zap.Error(err))
	}

	cfg, err := c.next.GetConfig(ctx, patientID)
	if err != nil {
		return grace.PatientGraceConfig{}, err
	}

	if data, err := json.Marshal(cfg); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Debug("grace config not cached", zap.String("patient_id", patientID), zap.Error(err))
		}
	}
	return cfg, nil
}

// SaveConfig writes through to the store and drops the cached copy
func (c *ConfigCache) SaveConfig(ctx context.Context, cfg grace.PatientGraceConfig) error {
	if err := c.next.SaveConfig(ctx, cfg); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, cfg.PatientID); err != nil {
		c.logger.Warn("stale grace config left in cache until ttl",
			zap.String("patient_id", cfg.PatientID),
			zap.Duration("ttl", c.ttl),
			zap.Error(err))
	}
	return nil
}

// Invalidate removes a patient's cached configuration
func (c *ConfigCache) Invalidate(ctx context.Context, patientID string) error {
	if err := c.client.Del(ctx, configKey(patientID)).Err(); err != nil {
		return fmt.Errorf("invalidate grace config: %w", err)
	}
	return nil
}
