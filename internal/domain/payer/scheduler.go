package payer

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// jobKind distinguishes the two timer-driven actions on a forward.
type jobKind int

const (
	jobDeliver jobKind = iota
	jobPoll
)

type jobKey struct {
	kind      jobKind
	forwardID uuid.UUID
}

// Scheduler schedules a single pending action per (kind, forward). The
// gateway depends on this interface so tests can substitute a synchronous
// implementation.
type Scheduler interface {
	Schedule(kind jobKind, forwardID uuid.UUID, delay time.Duration, fn func())
	Cancel(forwardID uuid.UUID)
	Stop()
}

// timerScheduler backs the scheduler with in-process timers. Scheduling a
// job that is already pending is a no-op; the durability sweep picks up
// anything a lost timer would have missed.
type timerScheduler struct {
	mu     sync.Mutex
	timers map[jobKey]*time.Timer
}

func newTimerScheduler() *timerScheduler {
	return &timerScheduler{timers: make(map[jobKey]*time.Timer)}
}

func (s *timerScheduler) Schedule(kind jobKind, forwardID uuid.UUID, delay time.Duration, fn func()) {
	key := jobKey{kind: kind, forwardID: forwardID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, pending := s.timers[key]; pending {
		return
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		fn()
	})
}

// Cancel stops every pending timer for the forward.
func (s *timerScheduler) Cancel(forwardID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kind := range []jobKind{jobDeliver, jobPoll} {
		key := jobKey{kind: kind, forwardID: forwardID}
		if t, ok := s.timers[key]; ok {
			t.Stop()
			delete(s.timers, key)
		}
	}
}

// Stop cancels all pending timers.
func (s *timerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
