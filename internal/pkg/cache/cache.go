// Package cache owns the Redis connection shared by the job queue and the
// rate limiter.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/SlotBilling/internal/pkg/env"
)

const connectTimeout = 3 * time.Second

var (
	mu     sync.Mutex
	client *redis.Client
)

// Options reads CACHE_HOST, CACHE_PORT, CACHE_PASSWORD and CACHE_DB.
func Options() *redis.Options {
	return &redis.Options{
		Addr:     fmt.Sprintf("%s:%s", env.GetEnv("CACHE_HOST", "localhost"), env.GetEnv("CACHE_PORT", "6379")),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	}
}

// SetupCache connects the shared client. An unreachable server is only
// logged; the queue retries once it comes up.
func SetupCache() {
	c := redis.NewClient(Options())
	SetClient(c)

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		log.Warnf("[Cache] Could not connect to %s: %v", c.Options().Addr, err)
		return
	}
	log.Infof("[Cache] Connected to %s (db %d)", c.Options().Addr, c.Options().DB)
}

// SetClient replaces the shared client, used by tests.
func SetClient(c *redis.Client) {
	mu.Lock()
	defer mu.Unlock()
	client = c
}

// GetClient returns the shared client, connecting on first use.
func GetClient() *redis.Client {
	mu.Lock()
	c := client
	mu.Unlock()
	if c == nil {
		SetupCache()
		return GetClient()
	}
	return c
}

// Ping checks that the cache answers.
func Ping(ctx context.Context) error {
	return GetClient().Ping(ctx).Err()
}
