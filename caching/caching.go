// Package caching provides the read-through cache used for upload
// status lookups and the counters behind the rate-limit guard. A null
// implementation stands in when Redis is not configured.
package caching

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

type CachingService interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error

	// Increment bumps a fixed-window counter, creating it with the
	// window as TTL, and returns the new count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)
}

// NullCachingService is a no-op cache: every Get misses, every
// Increment reports zero so rate limiting never fires.
type NullCachingService struct{}

func NewNullCachingService() *NullCachingService { return &NullCachingService{} }

func (*NullCachingService) Get(context.Context, string) (string, error) {
	return "", ErrCacheMiss
}

func (*NullCachingService) Set(context.Context, string, string, time.Duration) error {
	return nil
}

func (*NullCachingService) Delete(context.Context, string) error { return nil }

func (*NullCachingService) Increment(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}
