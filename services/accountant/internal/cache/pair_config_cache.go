package cache

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
)

type ConfigStore interface {
	ListPairConfigs(ctx context.Context) ([]model.PairConfig, error)
}

type RefreshMetrics interface {
	ObserveRefresh(duration time.Duration)
	SetCacheSize(size int)
	IncRefreshError()
}

// PairConfigCache holds fee terms and fractions keyed by (pair, direction, user level).
type PairConfigCache struct {
	mu          sync.RWMutex
	configs     map[string]model.PairConfig
	lastRefresh time.Time
}

func NewPairConfigCache() *PairConfigCache {
	return &PairConfigCache{
		configs: make(map[string]model.PairConfig),
	}
}

func (c *PairConfigCache) Load(ctx context.Context, store ConfigStore) error {
	configs, err := store.ListPairConfigs(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]model.PairConfig, len(configs))
	for _, cfg := range configs {
		if cfg.Validate() != nil {
			continue
		}
		next[cfg.Key()] = cfg
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs = next
	c.lastRefresh = time.Now()
	return nil
}

func (c *PairConfigCache) Refresh(ctx context.Context, store ConfigStore) error {
	return c.Load(ctx, store)
}

func (c *PairConfigCache) Set(cfg model.PairConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configs == nil {
		c.configs = make(map[string]model.PairConfig)
	}
	c.configs[cfg.Key()] = cfg
}

// Lookup prefers the row for userLevel and falls back to the default level.
func (c *PairConfigCache) Lookup(pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, level := range []string{userLevel, model.DefaultUserLevel} {
		if level == "" {
			continue
		}
		if cfg, ok := c.configs[model.PairConfigKey(pair, direction, level)]; ok {
			found := cfg
			return &found, true
		}
	}
	return nil, false
}

// All returns the cached rows ordered by key.
func (c *PairConfigCache) All() []model.PairConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.PairConfig, 0, len(c.configs))
	for _, cfg := range c.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (c *PairConfigCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.configs)
}

func (c *PairConfigCache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *PairConfigCache) StartAutoRefresh(ctx context.Context, store ConfigStore, interval time.Duration, metrics RefreshMetrics, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		logger.Warn("pair config cache refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				start := time.Now()
				err := c.Refresh(refreshCtx, store)
				cancel()
				if err != nil {
					logger.Error("pair config cache refresh failed", "error", err)
					if metrics != nil {
						metrics.IncRefreshError()
					}
					continue
				}
				if metrics != nil {
					metrics.ObserveRefresh(time.Since(start))
					metrics.SetCacheSize(c.Size())
				}
				logger.Debug("pair config cache refreshed", "configs", c.Size())
			}
		}
	}()
}
