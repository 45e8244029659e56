// Package store holds the host's Redis-backed state:
//
//   - Catalog version: a counter bumped whenever script tools change on disk.
//     Every host polls it and reloads its catalog when it moves.
//   - Access tokens: short-lived tokens minted for tools, mapped to the
//     identity they were issued for.
//   - Cache: a plain key/value cache with TTL (third-party credentials).
//   - Run log: a capped stream of tool execution records.
//
// Key format: {prefix}{kind}:... with prefix "toolhost:" by default.
package store

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the host writes.
const DefaultPrefix = "toolhost:"

// Connect parses a redis:// URL and returns a client.
func Connect(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}
