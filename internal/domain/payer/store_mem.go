package payer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemForwardStore is an in-memory ForwardRepository used in tests and when
// running without a database.
type MemForwardStore struct {
	mu       sync.RWMutex
	forwards map[uuid.UUID]*Forward
}

func NewMemForwardStore() *MemForwardStore {
	return &MemForwardStore{forwards: make(map[uuid.UUID]*Forward)}
}

func (s *MemForwardStore) Create(_ context.Context, f *Forward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	now := time.Now()
	f.CreatedAt = now
	f.UpdatedAt = now
	cp := *f
	s.forwards[f.ID] = &cp
	return nil
}

func (s *MemForwardStore) GetByID(_ context.Context, id uuid.UUID) (*Forward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.forwards[id]
	if !ok {
		return nil, ErrForwardNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *MemForwardStore) GetActiveByClaim(_ context.Context, claimID uuid.UUID) (*Forward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Forward
	for _, f := range s.forwards {
		if f.ClaimID != claimID || f.Status.IsTerminal() {
			continue
		}
		if latest == nil || f.CreatedAt.After(latest.CreatedAt) {
			latest = f
		}
	}
	if latest == nil {
		return nil, ErrForwardNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *MemForwardStore) Update(_ context.Context, f *Forward) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.forwards[f.ID]; !ok {
		return ErrForwardNotFound
	}
	f.UpdatedAt = time.Now()
	cp := *f
	s.forwards[f.ID] = &cp
	return nil
}

func (s *MemForwardStore) ListNeedingAction(_ context.Context, now time.Time) ([]*Forward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Forward
	for _, f := range s.forwards {
		if f.Status.IsTerminal() {
			continue
		}
		if f.NextAttempt == nil || !f.NextAttempt.After(now) {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemForwardStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, f := range s.forwards {
		if f.Status.IsTerminal() && f.CompletedAt != nil && f.CompletedAt.Before(cutoff) {
			delete(s.forwards, id)
			n++
		}
	}
	return n, nil
}
