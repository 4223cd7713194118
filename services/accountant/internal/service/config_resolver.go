package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opexdev/backoffice/services/accountant/internal/model"
	"github.com/opexdev/backoffice/services/accountant/internal/storage"
)

type PairConfigCache interface {
	Lookup(pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, bool)
	Set(cfg model.PairConfig)
}

type PairConfigStore interface {
	FindPairConfig(ctx context.Context, pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, error)
}

type UserLevelStore interface {
	Get(ctx context.Context, uuid string) (string, bool, error)
	Set(ctx context.Context, uuid, level string) error
}

// ConfigResolver finds the fee terms for an order: cache first, then the store,
// falling back from the user's level to the default level.
type ConfigResolver struct {
	cache   PairConfigCache
	store   PairConfigStore
	levels  UserLevelStore
	logger  *slog.Logger
	metrics *Metrics
}

func NewConfigResolver(cache PairConfigCache, store PairConfigStore, levels UserLevelStore, logger *slog.Logger, metrics *Metrics) *ConfigResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigResolver{
		cache:   cache,
		store:   store,
		levels:  levels,
		logger:  logger,
		metrics: metrics,
	}
}

// UserLevel returns hint when set and remembers it, else the cached level,
// else the default level.
func (r *ConfigResolver) UserLevel(ctx context.Context, uuid, hint string) (string, error) {
	hint = strings.TrimSpace(hint)
	if r.levels == nil {
		if hint == "" {
			return model.DefaultUserLevel, nil
		}
		return hint, nil
	}
	if hint != "" {
		if err := r.levels.Set(ctx, uuid, hint); err != nil {
			r.logger.Warn("cache user level failed", "uuid", uuid, "error", err)
		}
		return hint, nil
	}
	level, ok, err := r.levels.Get(ctx, uuid)
	if err != nil {
		return "", fmt.Errorf("lookup user level: %w", err)
	}
	if !ok {
		return model.DefaultUserLevel, nil
	}
	return level, nil
}

func (r *ConfigResolver) Resolve(ctx context.Context, pair model.Pair, direction model.Direction, userLevel string) (*model.PairConfig, error) {
	if r.cache != nil {
		if cfg, ok := r.cache.Lookup(pair, direction, userLevel); ok {
			r.metrics.incConfigLookup("cache")
			return cfg, nil
		}
	}
	if r.store == nil {
		r.metrics.incConfigLookup("miss")
		return nil, fmt.Errorf("%w: %s %s %s", ErrPairConfigNotFound, pair, direction, userLevel)
	}

	levels := []string{userLevel}
	if userLevel != model.DefaultUserLevel {
		levels = append(levels, model.DefaultUserLevel)
	}
	for _, level := range levels {
		cfg, err := r.store.FindPairConfig(ctx, pair, direction, level)
		if errors.Is(err, storage.ErrPairConfigNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load pair config: %w", err)
		}
		if r.cache != nil {
			r.cache.Set(*cfg)
		}
		r.metrics.incConfigLookup("store")
		return cfg, nil
	}
	r.metrics.incConfigLookup("miss")
	return nil, fmt.Errorf("%w: %s %s %s", ErrPairConfigNotFound, pair, direction, userLevel)
}
