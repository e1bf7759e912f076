package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/marketforge/internal/domain"
)

// ValidationCache implements domain.ValidationCache with JSON values under
// "validation:{key}". Entries expire after ttl so stale values age out.
type ValidationCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewValidationCache creates a ValidationCache backed by the given Client.
func NewValidationCache(c *Client, ttl time.Duration) *ValidationCache {
	return &ValidationCache{rdb: c.Underlying(), ttl: ttl}
}

func validationKey(key string) string {
	return "validation:" + key
}

// GetValidation returns the cached result for key. A miss is (zero, false, nil).
func (vc *ValidationCache) GetValidation(ctx context.Context, key string) (domain.ValidationResult, bool, error) {
	data, err := vc.rdb.Get(ctx, validationKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ValidationResult{}, false, nil
		}
		return domain.ValidationResult{}, false, fmt.Errorf("redis: get validation %s: %w", key, err)
	}

	var v domain.ValidationResult
	if err := json.Unmarshal(data, &v); err != nil {
		return domain.ValidationResult{}, false, fmt.Errorf("redis: decode validation %s: %w", key, err)
	}
	return v, true, nil
}

// SetValidation stores v under key.
func (vc *ValidationCache) SetValidation(ctx context.Context, key string, v domain.ValidationResult) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redis: encode validation %s: %w", key, err)
	}
	if err := vc.rdb.Set(ctx, validationKey(key), data, vc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set validation %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ValidationCache = (*ValidationCache)(nil)
