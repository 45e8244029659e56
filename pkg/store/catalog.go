package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CatalogVersion is the shared counter that invalidates script-tool catalogs.
type CatalogVersion struct {
	client *redis.Client
	key    string
}

// NewCatalogVersion returns the version counter under prefix.
func NewCatalogVersion(client *redis.Client, prefix string) *CatalogVersion {
	return &CatalogVersion{client: client, key: prefix + "catalog:version"}
}

// Get returns the current version; 0 when it was never bumped.
func (c *CatalogVersion) Get(ctx context.Context) (int64, error) {
	v, err := c.client.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading catalog version: %w", err)
	}
	return v, nil
}

// Bump increments the version and returns the new value.
func (c *CatalogVersion) Bump(ctx context.Context) (int64, error) {
	v, err := c.client.Incr(ctx, c.key).Result()
	if err != nil {
		return 0, fmt.Errorf("bumping catalog version: %w", err)
	}
	return v, nil
}

// Watcher polls a CatalogVersion and calls onChange whenever the value differs
// from the last one it saw, including once on start.
type Watcher struct {
	version  *CatalogVersion
	interval time.Duration
	onChange func(ctx context.Context, version int64)
	logger   *slog.Logger
}

// NewWatcher creates a catalog version watcher.
func NewWatcher(version *CatalogVersion, interval time.Duration, onChange func(ctx context.Context, version int64), logger *slog.Logger) *Watcher {
	return &Watcher{
		version:  version,
		interval: interval,
		onChange: onChange,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.logger.Info("catalog watcher starting", "interval", w.interval.String())

	last := int64(-1)
	last = w.poll(ctx, last)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("catalog watcher stopping")
			return
		case <-ticker.C:
			last = w.poll(ctx, last)
		}
	}
}

func (w *Watcher) poll(ctx context.Context, last int64) int64 {
	v, err := w.version.Get(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("polling catalog version", "error", err)
		}
		return last
	}
	if v != last {
		w.logger.Info("catalog version changed", "from", last, "to", v)
		w.onChange(ctx, v)
	}
	return v
}
