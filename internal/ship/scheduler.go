package ship

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"bay/internal/logging"
)

// Scheduler fires a per-ship expiry action when its TTL elapses. Rearming a
// ship supersedes any pending timer: each Arm bumps the ship's epoch and the
// timer callback only acts if its epoch is still current, so exactly one
// expiry fires per ship per life-cycle and it reflects the latest TTL.
//
// Timers are in-process only; a restart loses them.
type Scheduler struct {
	expire func(shipID string)

	mu     sync.Mutex
	epochs map[string]uint64
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewScheduler builds a scheduler invoking expire when a ship's TTL fires.
func NewScheduler(expire func(shipID string)) *Scheduler {
	return &Scheduler{
		expire: expire,
		epochs: make(map[string]uint64),
		done:   make(chan struct{}),
	}
}

// Arm schedules expiry of shipID after ttl. The latest Arm wins.
func (s *Scheduler) Arm(shipID string, ttl time.Duration) {
	s.mu.Lock()
	s.epochs[shipID]++
	epoch := s.epochs[shipID]
	s.mu.Unlock()

	logging.L().Debug("ttl armed",
		zap.String("ship_id", shipID),
		zap.Duration("ttl", ttl))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		timer := time.NewTimer(ttl)
		defer timer.Stop()

		select {
		case <-s.done:
			return
		case <-timer.C:
		}

		s.mu.Lock()
		current := s.epochs[shipID] == epoch
		if current {
			delete(s.epochs, shipID)
		}
		s.mu.Unlock()

		if current {
			s.expire(shipID)
		}
	}()
}

// Cancel supersedes any pending timer for shipID without firing it. The
// epoch is bumped rather than deleted so a stale timer can never match a
// later re-arm.
func (s *Scheduler) Cancel(shipID string) {
	s.mu.Lock()
	s.epochs[shipID]++
	s.mu.Unlock()
}

// Stop prevents all pending timers from firing and waits for their
// goroutines to drain.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}
