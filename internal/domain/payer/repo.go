package payer

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrForwardNotFound is returned when a forward record does not exist.
var ErrForwardNotFound = errors.New("forward not found")

// ErrNotPollable is returned when a status check is requested for a forward
// that has not been delivered yet or is already terminal.
var ErrNotPollable = errors.New("forward is not awaiting payer status")

type ForwardRepository interface {
	Create(ctx context.Context, f *Forward) error
	GetByID(ctx context.Context, id uuid.UUID) (*Forward, error)
	GetActiveByClaim(ctx context.Context, claimID uuid.UUID) (*Forward, error)
	Update(ctx context.Context, f *Forward) error
	// ListNeedingAction returns non-terminal forwards whose next action time
	// has passed, or that have no scheduled time at all. The durability
	// sweep and startup recovery both run on this query.
	ListNeedingAction(ctx context.Context, now time.Time) ([]*Forward, error)
	// DeleteTerminalBefore removes terminal forwards completed before the
	// cutoff and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
