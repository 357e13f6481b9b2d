// Package scheduler owns retry timing for jobs parked in RETRYING. It is the
// single release authority: the automatic backoff timer and the manual
// "retry now" action both go through it, so a job can never be resubmitted by
// two pathways at once.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// ReleaseFunc is invoked exactly once when a scheduled job is released back
// for submission
type ReleaseFunc func(jobID string)

type pendingRelease struct {
	timer *time.Timer
}

// Scheduler tracks at most one pending release per job id
type Scheduler struct {
	mu      sync.Mutex
	pending map[string]*pendingRelease
	release ReleaseFunc
	logger  *slog.Logger
	stopped bool
}

// New creates a scheduler that hands released jobs to release
func New(release ReleaseFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		pending: make(map[string]*pendingRelease),
		release: release,
		logger:  logger,
	}
}

// Schedule arms a release for jobID after delay. Returns false without
// side effects if a release is already pending for the job or the scheduler
// is stopped.
func (s *Scheduler) Schedule(jobID string, delay time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return false
	}
	if _, exists := s.pending[jobID]; exists {
		s.logger.Warn("Release already pending for job, ignoring duplicate schedule",
			slog.String("job_id", jobID),
		)
		return false
	}

	s.pending[jobID] = &pendingRelease{
		timer: time.AfterFunc(delay, func() {
			s.fire(jobID)
		}),
	}

	s.logger.Info("Retry scheduled",
		slog.String("job_id", jobID),
		slog.Duration("delay", delay),
	)
	return true
}

// fire removes the pending entry and invokes the release callback. A
// concurrent Cancel or ReleaseNow that removed the entry first wins; the
// callback then does not run.
func (s *Scheduler) fire(jobID string) {
	s.mu.Lock()
	_, exists := s.pending[jobID]
	if exists {
		delete(s.pending, jobID)
	}
	s.mu.Unlock()

	if exists {
		s.release(jobID)
	}
}

// Cancel drops a pending release. After Cancel returns true, the release
// callback will not run for that scheduling.
func (s *Scheduler) Cancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, exists := s.pending[jobID]
	if !exists {
		return false
	}

	p.timer.Stop()
	delete(s.pending, jobID)

	s.logger.Info("Pending retry canceled",
		slog.String("job_id", jobID),
	)
	return true
}

// ReleaseNow collapses a pending release to immediate: the timer is dropped
// and the callback runs once, synchronously. No-op when nothing is pending,
// so a manual retry can never race the automatic timer into a double
// submission.
func (s *Scheduler) ReleaseNow(jobID string) bool {
	s.mu.Lock()
	p, exists := s.pending[jobID]
	if exists {
		p.timer.Stop()
		delete(s.pending, jobID)
	}
	s.mu.Unlock()

	if !exists {
		return false
	}

	s.logger.Info("Pending retry released immediately",
		slog.String("job_id", jobID),
	)
	s.release(jobID)
	return true
}

// Pending reports whether a release is currently pending for jobID
func (s *Scheduler) Pending(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.pending[jobID]
	return exists
}

// Stop cancels every pending release and rejects new scheduling. Used during
// shutdown; parked jobs are recovered from the store on restart.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for jobID, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, jobID)
	}
}
