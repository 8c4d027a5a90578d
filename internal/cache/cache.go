// Package cache provides caching for rendered plots and analysis payloads.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Config contains cache configuration.
type Config struct {
	PlotCacheSizeMB  int
	PlotTTL          time.Duration
	PayloadCacheSize int
}

// Manager holds the rendered-plot cache and the analysis payload cache.
// Plot PNGs live in a byte cache with a TTL; JSON payloads for PCA and
// QC responses live in a small LRU keyed per dataset and parameters.
type Manager struct {
	plotCache    *bigcache.BigCache
	payloadCache *lru.Cache[string, []byte]
}

// NewManager creates a new cache manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.PlotTTL <= 0 {
		cfg.PlotTTL = 10 * time.Minute
	}
	if cfg.PayloadCacheSize <= 0 {
		cfg.PayloadCacheSize = 256
	}

	plotCacheConfig := bigcache.Config{
		Shards:             1024,
		LifeWindow:         cfg.PlotTTL,
		CleanWindow:        cfg.PlotTTL / 2,
		MaxEntriesInWindow: 10000,
		MaxEntrySize:       256 * 1024, // rendered PNGs
		HardMaxCacheSize:   cfg.PlotCacheSizeMB,
		Verbose:            false,
	}

	plotCache, err := bigcache.New(context.Background(), plotCacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create plot cache: %w", err)
	}

	payloadCache, err := lru.New[string, []byte](cfg.PayloadCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	return &Manager{
		plotCache:    plotCache,
		payloadCache: payloadCache,
	}, nil
}

// GetPlot retrieves a rendered plot from cache.
func (m *Manager) GetPlot(key string) ([]byte, bool) {
	data, err := m.plotCache.Get(key)
	if err != nil {
		return nil, false
	}
	return data, true
}

// SetPlot stores a rendered plot in cache.
func (m *Manager) SetPlot(key string, data []byte) error {
	return m.plotCache.Set(key, data)
}

// GetPayload retrieves an analysis payload from cache.
func (m *Manager) GetPayload(key string) ([]byte, bool) {
	return m.payloadCache.Get(key)
}

// SetPayload stores an analysis payload in cache.
func (m *Manager) SetPayload(key string, data []byte) {
	m.payloadCache.Add(key, data)
}

// PCAKey generates a cache key for a PCA scatter payload.
func PCAKey(ds string, pcX, pcY int, trait string) string {
	return fmt.Sprintf("pca:%s:%d-%d:%s", ds, pcX, pcY, trait)
}

// QCKey generates a cache key for a dataset QC payload.
func QCKey(ds string) string {
	return "qc:" + ds
}

// DEPlotKey generates a cache key for a volcano or MA payload derived
// from a finished job.
func DEPlotKey(ds, jobID, kind string) string {
	return fmt.Sprintf("deplot:%s:%s:%s", ds, jobID, kind)
}

// PNGKey derives the rendered-image key for a payload key at a size.
func PNGKey(base string, width, height int) string {
	return fmt.Sprintf("%s:png:%dx%d", base, width, height)
}

// Stats returns cache statistics.
func (m *Manager) Stats() map[string]interface{} {
	return map[string]interface{}{
		"plot_cache_len":    m.plotCache.Len(),
		"plot_cache_cap":    m.plotCache.Capacity(),
		"payload_cache_len": m.payloadCache.Len(),
	}
}

// Close closes the cache manager.
func (m *Manager) Close() error {
	return m.plotCache.Close()
}
