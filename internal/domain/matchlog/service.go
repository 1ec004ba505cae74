package matchlog

import (
	"context"
	"time"
)

// MatchingStats is the aggregated view served to operators.
type MatchingStats struct {
	WindowHours        int         `json:"window_hours"`
	Total              int         `json:"total"`
	NewPatientsCreated int         `json:"new_patients_created"`
	MobileAppMatches   int         `json:"mobile_app_matches"`
	Merges             int         `json:"merges"`
	ByType             []TypeCount `json:"by_type"`
}

// Service exposes read access to the decision trail.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Recent(ctx context.Context, limit, offset int) ([]*Entry, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) LastEntryAt(ctx context.Context) (*time.Time, error) {
	return s.repo.LastEntryAt(ctx)
}

// MatchingStats aggregates decisions over the trailing window.
func (s *Service) MatchingStats(ctx context.Context, window time.Duration) (*MatchingStats, error) {
	counts, err := s.repo.TypeCounts(ctx, time.Now().Add(-window))
	if err != nil {
		return nil, err
	}

	stats := &MatchingStats{
		WindowHours: int(window.Hours()),
		ByType:      counts,
	}
	for _, tc := range counts {
		stats.Total += tc.Count
		stats.NewPatientsCreated += tc.Created
		switch tc.MatchType {
		case MatchMobileAppNew, MatchMobileAppUpdate:
			stats.MobileAppMatches += tc.Count
		case MatchMergedOnUpdate, MatchManualMerge:
			stats.Merges += tc.Count
		}
	}
	return stats, nil
}
