package claims

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a claim does not exist.
var ErrNotFound = errors.New("claim not found")

// ErrStateConflict is returned when an operation is not permitted from the
// claim's current status.
var ErrStateConflict = errors.New("operation not allowed in current claim status")

type ClaimRepository interface {
	Create(ctx context.Context, c *Claim) error
	GetByID(ctx context.Context, id uuid.UUID) (*Claim, error)
	Update(ctx context.Context, c *Claim) error
	List(ctx context.Context, filters SearchFilters, limit, offset int) ([]*Claim, int, error)
	Statistics(ctx context.Context) (*Statistics, error)
}

type LineItemRepository interface {
	CreateBatch(ctx context.Context, items []*ClaimLineItem) error
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*ClaimLineItem, error)
}

type EventRepository interface {
	Append(ctx context.Context, e *ClaimEvent) error
	ListByClaim(ctx context.Context, claimID uuid.UUID) ([]*ClaimEvent, error)
}
