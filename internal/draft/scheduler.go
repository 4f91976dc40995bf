package draft

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Scheduler re-invokes a draft for a task at a later time. Retries are
// persisted on the task as NextRetryAt, so a lost timer is recovered by the
// worker sweep.
type Scheduler interface {
	Schedule(orgID, taskID uuid.UUID, at time.Time)
	Cancel(taskID uuid.UUID)
}

// RetryFunc runs a due retry.
type RetryFunc func(ctx context.Context, orgID, taskID uuid.UUID)

// TimerScheduler fires retries from in-process timers.
type TimerScheduler struct {
	mu      sync.Mutex
	fn      RetryFunc
	timers  map[uuid.UUID]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
}

var _ Scheduler = (*TimerScheduler)(nil)

// NewTimerScheduler creates a scheduler. Bind must be called before the
// first timer fires.
func NewTimerScheduler() *TimerScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &TimerScheduler{
		timers: make(map[uuid.UUID]*time.Timer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bind sets the function timers call.
func (s *TimerScheduler) Bind(fn RetryFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
}

// Schedule replaces any pending timer for the task.
func (s *TimerScheduler) Schedule(orgID, taskID uuid.UUID, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if t, ok := s.timers[taskID]; ok {
		t.Stop()
	}

	delay := max(time.Until(at), 0)
	s.timers[taskID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, taskID)
		fn := s.fn
		if s.stopped || fn == nil {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		log.Debug().Str("task_id", taskID.String()).Msg("Retry timer fired")
		fn(s.ctx, orgID, taskID)
	})

	log.Debug().
		Str("task_id", taskID.String()).
		Dur("delay", delay).
		Msg("Retry scheduled")
}

// Cancel drops the pending timer for the task, if any.
func (s *TimerScheduler) Cancel(taskID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[taskID]; ok {
		t.Stop()
		delete(s.timers, taskID)
	}
}

// Pending reports the number of armed timers.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop disarms every timer and waits for running retries to finish.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
