// Package records is the quota-limited resource of the application: free
// users may keep a small number of records, paid users are unlimited, and
// export and analytics are paid-only.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/pulse-entitlements/internal/billing/identity"
)

// DefaultFreeLimit is the number of records a free user may keep.
const DefaultFreeLimit = 3

const maxNameLength = 200

var (
	// ErrFreeLimitReached is returned when a free user is at the record quota.
	ErrFreeLimitReached = errors.New("free plan limit reached")
	// ErrInvalidName is returned for empty or oversized record names.
	ErrInvalidName = errors.New("record name must be 1-200 characters")
)

// AccessChecker is the part of the access gate the service needs.
type AccessChecker interface {
	CheckAccessFor(ctx context.Context, userID string) bool
	RequireAccess(ctx context.Context) error
}

// Analytics summarizes a user's records.
type Analytics struct {
	TotalRecords  int            `json:"total_records"`
	CreatedLast7  int            `json:"created_last_7_days"`
	CreatedLast30 int            `json:"created_last_30_days"`
	PerDay        map[string]int `json:"per_day"`
}

// Service applies plan limits to record operations.
type Service struct {
	store     Store
	gate      AccessChecker
	identity  identity.Provider
	freeLimit int
	now       func() time.Time
}

// NewService creates a Service. A non-positive freeLimit selects DefaultFreeLimit.
func NewService(store Store, gate AccessChecker, provider identity.Provider, freeLimit int) *Service {
	if freeLimit <= 0 {
		freeLimit = DefaultFreeLimit
	}
	return &Service{
		store:     store,
		gate:      gate,
		identity:  provider,
		freeLimit: freeLimit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// FreeLimit returns the free-tier record quota.
func (s *Service) FreeLimit() int {
	return s.freeLimit
}

// Create stores a new record for the current user. Users without elevated
// access are limited to FreeLimit records.
func (s *Service) Create(ctx context.Context, name string) (*Record, error) {
	userID, err := s.identity.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return nil, ErrInvalidName
	}

	limit := s.freeLimit
	if s.gate.CheckAccessFor(ctx, userID) {
		limit = 0
	}

	rec := &Record{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Name:      name,
		CreatedAt: s.now(),
	}
	ok, err := s.store.CreateWithinLimit(ctx, rec, limit)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w (%d records)", ErrFreeLimitReached, s.freeLimit)
	}
	return rec, nil
}

// List returns the current user's records.
func (s *Service) List(ctx context.Context) ([]*Record, error) {
	userID, err := s.identity.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListByUser(ctx, userID)
}

// Export returns all of the current user's records. Paid only.
func (s *Service) Export(ctx context.Context) ([]*Record, error) {
	if err := s.gate.RequireAccess(ctx); err != nil {
		return nil, err
	}
	return s.List(ctx)
}

// Analytics summarizes the current user's records. Paid only.
func (s *Service) Analytics(ctx context.Context) (*Analytics, error) {
	if err := s.gate.RequireAccess(ctx); err != nil {
		return nil, err
	}
	recs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := &Analytics{TotalRecords: len(recs), PerDay: make(map[string]int)}
	for _, r := range recs {
		age := now.Sub(r.CreatedAt)
		if age <= 7*24*time.Hour {
			out.CreatedLast7++
		}
		if age <= 30*24*time.Hour {
			out.CreatedLast30++
			out.PerDay[r.CreatedAt.Format(time.DateOnly)]++
		}
	}
	return out, nil
}
