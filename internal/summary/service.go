// Package summary is the read side: per-student aggregates over the invoice
// and fine ledgers, served through a short TTL cache. The cache is a
// projection; every miss recomputes from the ledgers.
package summary

import (
	"context"
	"fmt"
	"time"

	"bursar/internal/cache"
	"bursar/internal/core"
)

// Store provides the ledger aggregates.
type Store interface {
	FeeSummary(ctx context.Context, studentID string, asOf time.Time) (core.FeeSummary, error)
	FineSummary(ctx context.Context, studentID string) (core.FineSummary, error)
}

type Service struct {
	store Store
	cache *cache.LRUCache[core.StudentSummary]
}

// New creates a summary service. A zero ttl still works; entries just expire
// immediately, which degrades to uncached reads.
func New(store Store, maxEntries int, ttl time.Duration) *Service {
	return &Service{
		store: store,
		cache: cache.NewLRUCache[core.StudentSummary](maxEntries, ttl),
	}
}

// Cache exposes the underlying cache for cleanup registration.
func (s *Service) Cache() *cache.LRUCache[core.StudentSummary] {
	return s.cache
}

// StudentSummary returns both projections for a student. Cached per student
// per calendar day, because the overdue count is day-dependent.
func (s *Service) StudentSummary(ctx context.Context, studentID string, asOf time.Time) (core.StudentSummary, error) {
	key := cacheKey(studentID, asOf)
	if cached, ok := s.cache.Get(key); ok {
		return cached, nil
	}

	fees, err := s.store.FeeSummary(ctx, studentID, asOf)
	if err != nil {
		return core.StudentSummary{}, fmt.Errorf("fee summary: %w", err)
	}
	fines, err := s.store.FineSummary(ctx, studentID)
	if err != nil {
		return core.StudentSummary{}, fmt.Errorf("fine summary: %w", err)
	}

	out := core.StudentSummary{Fees: fees, Fines: fines}
	s.cache.Set(key, out)
	return out, nil
}

// Invalidate drops a student's cached summary. Called after any write that
// touches their ledgers.
func (s *Service) Invalidate(studentID string, asOf time.Time) {
	s.cache.Delete(cacheKey(studentID, asOf))
}

func cacheKey(studentID string, asOf time.Time) string {
	return studentID + ":" + core.DayKey(asOf)
}
