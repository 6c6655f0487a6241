// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds everything the server needs to start. DatabaseURL and
// RedisURL are optional: without a database the service runs on the
// in-memory store, and without Redis no cache layer is installed.
type Config struct {
	HTTPAddr        string
	DatabaseURL     string
	RedisURL        string
	CacheTTL        time.Duration
	StartingBalance decimal.Decimal
	RequestTimeout  time.Duration
}

// Load reads configuration from environment variables, applying
// defaults for anything unset.
func Load() (Config, error) {
	c := Config{
		HTTPAddr:        ":8080",
		CacheTTL:        30 * time.Second,
		StartingBalance: decimal.NewFromInt(1000),
		RequestTimeout:  30 * time.Second,
	}

	if addr := os.Getenv("HTTP_ADDR"); addr != "" {
		c.HTTPAddr = addr
	} else if port := os.Getenv("PORT"); port != "" {
		c.HTTPAddr = ":" + port
	}

	c.DatabaseURL = os.Getenv("DATABASE_URL")
	c.RedisURL = os.Getenv("REDIS_URL")

	if raw := os.Getenv("CACHE_TTL"); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return c, fmt.Errorf("invalid CACHE_TTL: %w", err)
		}
		c.CacheTTL = ttl
	}

	if raw := os.Getenv("REQUEST_TIMEOUT"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return c, fmt.Errorf("invalid REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}

	if raw := os.Getenv("STARTING_BALANCE"); raw != "" {
		bal, err := decimal.NewFromString(raw)
		if err != nil {
			return c, fmt.Errorf("invalid STARTING_BALANCE: %w", err)
		}
		if bal.IsNegative() {
			return c, fmt.Errorf("STARTING_BALANCE must not be negative")
		}
		c.StartingBalance = bal
	}

	return c, nil
}
