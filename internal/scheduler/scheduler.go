// Package scheduler implements the Scheduler component: admission control
// for chunk writes. It bounds total in-flight work across every session,
// bounds in-flight work per session, and fails fast with Overloaded rather
// than let a queue grow without limit.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/chunkflow/coordinator/internal/coordinator"
)

// Config bounds the Scheduler's concurrency and queueing behavior.
type Config struct {
	MaxParallelWrites     int
	MaxParallelPerSession int
	PerSessionQueueBound  int
	AdmitTimeout          time.Duration
}

// Release must be called exactly once to give a slot back, whether the
// admitted work succeeded or failed.
type Release func()

// Scheduler meters chunk-write admission. The zero value is not usable;
// build one with New.
type Scheduler struct {
	cfg Config

	global chan struct{}

	mu       sync.Mutex
	sessions map[string]*sessionQueue
}

type sessionQueue struct {
	sem    chan struct{} // per-session concurrency cap
	queued int           // requests currently inside Admit, waiting for a per-session or global slot
}

func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		global:   make(chan struct{}, cfg.MaxParallelWrites),
		sessions: make(map[string]*sessionQueue),
	}
}

func (s *Scheduler) sessionFor(handle string) *sessionQueue {
	s.mu.Lock()
	defer s.mu.Unlock()

	sq, ok := s.sessions[handle]
	if !ok {
		sq = &sessionQueue{sem: make(chan struct{}, s.cfg.MaxParallelPerSession)}
		s.sessions[handle] = sq
	}
	return sq
}

// Admit blocks until a slot is available for handle, or returns Overloaded
// if the session's bounded queue is already full, or Timeout if cfg.AdmitTimeout
// elapses first. On success the caller must invoke the returned Release
// exactly once, after the admitted work (success or failure) completes.
func (s *Scheduler) Admit(ctx context.Context, handle string) (Release, error) {
	sq := s.sessionFor(handle)

	s.mu.Lock()
	if sq.queued >= s.cfg.PerSessionQueueBound {
		s.mu.Unlock()
		return nil, coordinator.New(coordinator.KindOverloaded, "session has too many chunk writes already queued")
	}
	sq.queued++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		sq.queued--
		s.mu.Unlock()
	}()

	admitCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.AdmitTimeout > 0 {
		admitCtx, cancel = context.WithTimeout(ctx, s.cfg.AdmitTimeout)
		defer cancel()
	}

	// Acquire the per-session slot first, so that a session saturating its
	// own cap cannot starve the rest of its admitted writes behind the
	// global cap.
	select {
	case sq.sem <- struct{}{}:
	case <-admitCtx.Done():
		return nil, classifyAdmitErr(admitCtx, ctx)
	}

	select {
	case s.global <- struct{}{}:
		return s.release(sq), nil
	case <-admitCtx.Done():
		<-sq.sem
		return nil, classifyAdmitErr(admitCtx, ctx)
	}
}

func (s *Scheduler) release(sq *sessionQueue) Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.global
			<-sq.sem
		})
	}
}

func classifyAdmitErr(admitCtx, callerCtx context.Context) error {
	if callerCtx.Err() != nil {
		return coordinator.Wrap(coordinator.KindCancelled, "admission cancelled", callerCtx.Err())
	}
	return coordinator.Wrap(coordinator.KindTimeout, "admission timed out", admitCtx.Err())
}

// Forget drops bookkeeping for a handle once its session is terminal, so a
// long-lived Coordinator process does not accumulate one sessionQueue per
// upload ever attempted.
func (s *Scheduler) Forget(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, handle)
}

// InFlight reports the number of chunk writes currently holding a global slot.
func (s *Scheduler) InFlight() int {
	return len(s.global)
}
