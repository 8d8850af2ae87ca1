package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chunkflow/coordinator/internal/logger"
	"github.com/chunkflow/coordinator/internal/models"
)

// ReaperConfig bounds the Reaper's two periodic jobs.
type ReaperConfig struct {
	Interval       time.Duration // how often both jobs run
	StaleThreshold time.Duration // non-terminal sessions idle longer than this are aborted
	Retention      time.Duration // completed sessions older than this have artifacts purged
}

// Reaper periodically aborts stale non-terminal sessions and purges
// artifacts for completed sessions past their retention window. It never
// touches a session whose lastActivityAt is within StaleThreshold, and
// never purges a Completed session before Retention has elapsed.
type Reaper struct {
	mgr *Manager
	cfg ReaperConfig
	log *logger.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewReaper(mgr *Manager, cfg ReaperConfig, log *logger.Logger) *Reaper {
	return &Reaper{mgr: mgr, cfg: cfg, log: log}
}

func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("session: reaper already running")
	}
	r.running = true
	r.stopChan = make(chan struct{})

	r.wg.Add(2)
	go r.staleAbortJob()
	go r.retentionPurgeJob()

	r.log.Info("reaper started")
	return nil
}

func (r *Reaper) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return fmt.Errorf("session: reaper not running")
	}
	close(r.stopChan)
	r.wg.Wait()
	r.running = false
	r.log.Info("reaper stopped")
	return nil
}

func (r *Reaper) staleAbortJob() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.abortStaleSessions()
		case <-r.stopChan:
			return
		}
	}
}

func (r *Reaper) retentionPurgeJob() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.purgeExpiredArtifacts()
		case <-r.stopChan:
			return
		}
	}
}

func (r *Reaper) abortStaleSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.StaleThreshold)
	stale, err := r.mgr.store.ScanByLastActivityBefore(ctx, cutoff, []models.Status{models.StatusInitialized, models.StatusReceiving})
	if err != nil {
		r.log.Error("scanning for stale sessions", err)
		return
	}

	for _, rec := range stale {
		if err := r.mgr.Abort(ctx, rec.Handle); err != nil {
			r.log.Error(fmt.Sprintf("reaping stale session %s", rec.Handle), err)
		}
	}

	if len(stale) > 0 {
		r.log.WithField("count", len(stale)).Info("reaper aborted stale sessions")
	}
}

func (r *Reaper) purgeExpiredArtifacts() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Interval)
	defer cancel()

	cutoff := time.Now().Add(-r.cfg.Retention)
	expired, err := r.mgr.store.ScanCompletedBefore(ctx, cutoff)
	if err != nil {
		r.log.Error("scanning for expired completed sessions", err)
		return
	}

	for _, rec := range expired {
		if err := r.mgr.blobs.DeleteSessionArtifacts(ctx, rec.Handle, true); err != nil {
			r.log.Error(fmt.Sprintf("purging artifacts for %s", rec.Handle), err)
			continue
		}
		if err := r.mgr.store.Delete(ctx, rec.Handle); err != nil {
			r.log.Error(fmt.Sprintf("deleting expired record %s", rec.Handle), err)
		}
	}

	if len(expired) > 0 {
		r.log.WithField("count", len(expired)).Info("reaper purged expired artifacts")
	}
}
