package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/metrics"
	"github.com/iamashishnishad/abnormal/internal/repository"
)

// statsCacheTTL bounds staleness of the cached snapshot; mutations also
// invalidate it eagerly.
const statsCacheTTL = 30 * time.Second

// StatsService computes aggregate storage statistics with optional caching.
type StatsService struct {
	statsRepo repository.StatsRepository
	cache     repository.Cache
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// NewStatsService creates a new StatsService.
func NewStatsService(
	statsRepo repository.StatsRepository,
	cache repository.Cache,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *StatsService {
	return &StatsService{
		statsRepo: statsRepo,
		cache:     cache,
		metrics:   m,
		logger:    logger.With().Str("service", "stats").Logger(),
	}
}

// Snapshot returns current storage statistics. The snapshot comes from a
// single aggregate query, so its counters are mutually consistent.
func (s *StatsService) Snapshot(ctx context.Context) (*domain.StorageStats, error) {
	if cached := s.fromCache(ctx); cached != nil {
		return cached, nil
	}

	stats, err := s.statsRepo.Snapshot(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to compute stats")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	s.toCache(ctx, stats)

	if s.metrics != nil {
		s.metrics.DedupRatio.Set(stats.Efficiency())
	}

	return stats, nil
}

func (s *StatsService) fromCache(ctx context.Context) *domain.StorageStats {
	if s.cache == nil {
		return nil
	}

	data, err := s.cache.Get(ctx, repository.Keys.StorageStats())
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			s.logger.Debug().Err(err).Msg("stats cache read failed")
		}
		return nil
	}

	stats := &domain.StorageStats{}
	if err := json.Unmarshal(data, stats); err != nil {
		s.logger.Debug().Err(err).Msg("stats cache entry corrupt")
		return nil
	}
	return stats
}

func (s *StatsService) toCache(ctx context.Context, stats *domain.StorageStats) {
	if s.cache == nil {
		return
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, repository.Keys.StorageStats(), data, statsCacheTTL); err != nil {
		s.logger.Debug().Err(err).Msg("stats cache write failed")
	}
}
