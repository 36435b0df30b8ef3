package cache

import (
	"net"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/storage/redis"
)

// LimiterDatabase keeps rate-limit counters apart from the job queue.
const LimiterDatabase = 1

// NewFiberStorage returns a fiber.Storage on the cache server in the given
// database, using the shared client's address when one is set up.
func NewFiberStorage(database int) fiber.Storage {
	opts := Options()
	mu.Lock()
	if client != nil {
		opts = client.Options()
	}
	mu.Unlock()

	host, portStr, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		host, portStr = opts.Addr, "6379"
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = 6379
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: database,
	})
}
