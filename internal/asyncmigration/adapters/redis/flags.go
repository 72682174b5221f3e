package redis

import (
	"context"
	"errors"
	"fmt"

	"github.com/linkflow-ai/chmigrate/internal/platform/cache"
)

const flagKeyPrefix = "flags:"

// FlagStore keeps flags in Redis where the services that read them can see them.
// A flag that was never set reads as its default.
type FlagStore struct {
	cache    *cache.RedisCache
	defaults map[string]bool
}

// NewFlagStore creates a new Redis flag store
func NewFlagStore(c *cache.RedisCache, defaults map[string]bool) *FlagStore {
	d := make(map[string]bool, len(defaults))
	for k, v := range defaults {
		d[k] = v
	}
	return &FlagStore{cache: c, defaults: d}
}

// Get returns the flag value
func (s *FlagStore) Get(ctx context.Context, name string) (bool, error) {
	var value bool
	err := s.cache.Get(ctx, flagKeyPrefix+name, &value)
	if errors.Is(err, cache.ErrCacheMiss) {
		return s.defaults[name], nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read flag %s: %w", name, err)
	}
	return value, nil
}

// Set stores the flag value without expiry
func (s *FlagStore) Set(ctx context.Context, name string, value bool) error {
	if err := s.cache.Set(ctx, flagKeyPrefix+name, value, 0); err != nil {
		return fmt.Errorf("failed to write flag %s: %w", name, err)
	}
	return nil
}
