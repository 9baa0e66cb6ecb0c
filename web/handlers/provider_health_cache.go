package handlers

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alienxp03/soulsync/internal/provider"
)

const (
	healthCacheFile = "soulsync-provider-health.json"

	// Failed probes expire sooner than successful ones.
	healthyTTL   = 30 * time.Minute
	unhealthyTTL = time.Minute
)

// providerHealthCache persists completion provider probes across restarts.
type providerHealthCache struct {
	mu        sync.Mutex
	path      string
	healthy   time.Duration
	unhealthy time.Duration
	entries   map[string]provider.HealthStatus
	loadOnce  sync.Once
}

// newProviderHealthCache creates a cache at path, or in the temp dir when
// path is empty. A non-positive ttl keeps the default for healthy entries.
func newProviderHealthCache(path string, ttl time.Duration) *providerHealthCache {
	if path == "" {
		path = filepath.Join(os.TempDir(), healthCacheFile)
	}
	if ttl <= 0 {
		ttl = healthyTTL
	}
	return &providerHealthCache{
		path:      path,
		healthy:   ttl,
		unhealthy: min(ttl, unhealthyTTL),
		entries:   make(map[string]provider.HealthStatus),
	}
}

// GetFresh returns the cached status for name if it has not expired.
func (c *providerHealthCache) GetFresh(name string) (provider.HealthStatus, bool) {
	c.loadOnce.Do(c.load)

	c.mu.Lock()
	defer c.mu.Unlock()

	status, ok := c.entries[name]
	if !ok || status.CheckedAt.IsZero() {
		return provider.HealthStatus{}, false
	}
	ttl := c.healthy
	if !status.Available {
		ttl = c.unhealthy
	}
	if time.Since(status.CheckedAt) > ttl {
		return provider.HealthStatus{}, false
	}
	return status, true
}

// Set records a probe and rewrites the cache file.
func (c *providerHealthCache) Set(name string, status provider.HealthStatus) {
	c.loadOnce.Do(c.load)

	c.mu.Lock()
	c.entries[name] = status
	payload, err := json.MarshalIndent(c.entries, "", "  ")
	c.mu.Unlock()

	if err != nil {
		slog.Warn("Failed to encode provider health cache", "error", err)
		return
	}
	if err := c.write(payload); err != nil {
		slog.Warn("Failed to write provider health cache", "path", c.path, "error", err)
	}
}

func (c *providerHealthCache) load() {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return
	}
	if err != nil {
		slog.Warn("Failed to read provider health cache", "path", c.path, "error", err)
		return
	}

	stored := make(map[string]provider.HealthStatus)
	if err := json.Unmarshal(data, &stored); err != nil {
		slog.Warn("Ignoring corrupt provider health cache", "path", c.path, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, status := range stored {
		if _, ok := c.entries[name]; !ok {
			c.entries[name] = status
		}
	}
}

// write replaces the cache file atomically.
func (c *providerHealthCache) write(payload []byte) error {
	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, healthCacheFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), c.path)
}
