package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/iamashishnishad/abnormal/internal/domain"
	"github.com/iamashishnishad/abnormal/internal/repository"
)

// dateLayout is the wire format for search date bounds.
const dateLayout = "2006-01-02"

// QueryService validates search parameters and runs file queries.
type QueryService struct {
	fileRepo repository.FileRepository
	logger   zerolog.Logger
}

// NewQueryService creates a new QueryService.
func NewQueryService(fileRepo repository.FileRepository, logger zerolog.Logger) *QueryService {
	return &QueryService{
		fileRepo: fileRepo,
		logger:   logger.With().Str("service", "query").Logger(),
	}
}

// SearchParams are raw, unvalidated query parameters as received on the wire.
type SearchParams struct {
	Query     string
	FileType  string
	MinSize   string
	MaxSize   string
	StartDate string
	EndDate   string
}

// Search parses and validates the raw parameters, then returns matching
// records, newest first. Unknown or malformed values are rejected rather
// than silently ignored.
func (s *QueryService) Search(ctx context.Context, params SearchParams) ([]*domain.FileRecord, error) {
	filter, err := s.parseFilter(params)
	if err != nil {
		return nil, err
	}

	records, err := s.fileRepo.Search(ctx, filter)
	if err != nil {
		s.logger.Error().Err(err).Msg("search failed")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}

	return records, nil
}

// List returns all records, newest first.
func (s *QueryService) List(ctx context.Context) ([]*domain.FileRecord, error) {
	records, err := s.fileRepo.Search(ctx, domain.SearchFilter{})
	if err != nil {
		s.logger.Error().Err(err).Msg("list failed")
		return nil, fmt.Errorf("%w: %v", ErrInternalError, err)
	}
	return records, nil
}

func (s *QueryService) parseFilter(params SearchParams) (domain.SearchFilter, error) {
	filter := domain.SearchFilter{
		Query:    params.Query,
		FileType: params.FileType,
	}

	if params.MinSize != "" {
		n, err := strconv.ParseInt(params.MinSize, 10, 64)
		if err != nil || n < 0 {
			return filter, domain.InvalidQuery("min_size", "must be a non-negative integer")
		}
		filter.MinSize = &n
	}

	if params.MaxSize != "" {
		n, err := strconv.ParseInt(params.MaxSize, 10, 64)
		if err != nil || n < 0 {
			return filter, domain.InvalidQuery("max_size", "must be a non-negative integer")
		}
		filter.MaxSize = &n
	}

	if filter.MinSize != nil && filter.MaxSize != nil && *filter.MinSize > *filter.MaxSize {
		return filter, domain.InvalidQuery("min_size", "must not exceed max_size")
	}

	if params.StartDate != "" {
		t, err := time.Parse(dateLayout, params.StartDate)
		if err != nil {
			return filter, domain.InvalidQuery("start_date", "must be formatted YYYY-MM-DD")
		}
		filter.StartDate = &t
	}

	if params.EndDate != "" {
		t, err := time.Parse(dateLayout, params.EndDate)
		if err != nil {
			return filter, domain.InvalidQuery("end_date", "must be formatted YYYY-MM-DD")
		}
		// Inclusive through the end of the named day.
		end := t.Add(24*time.Hour - time.Nanosecond)
		filter.EndDate = &end
	}

	if filter.StartDate != nil && filter.EndDate != nil && filter.StartDate.After(*filter.EndDate) {
		return filter, domain.InvalidQuery("start_date", "must not be after end_date")
	}

	return filter, nil
}
