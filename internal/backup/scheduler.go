package backup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one backup run. *Runner.Run satisfies it.
type Job func(ctx context.Context) (*Result, error)

// Scheduler runs periodic backups in a background goroutine and serializes
// them with on-demand runs.
type Scheduler struct {
	job      Job
	interval time.Duration
	mu       sync.Mutex // one backup at a time (scheduled + on-demand)
	last     *Result
	lastAt   time.Time
	stop     chan struct{}
	done     chan struct{}
}

// NewScheduler starts a scheduler calling job every interval. With a zero
// interval no goroutine is started and only RunOnce takes backups.
func NewScheduler(job Job, interval time.Duration) *Scheduler {
	s := &Scheduler{
		job:      job,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if interval > 0 {
		go s.run()
	} else {
		close(s.done)
	}
	return s
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-ticker.C:
			if _, err := s.RunOnce(context.Background()); err != nil {
				slog.Error("scheduled backup failed", "error", err)
			}
		case <-s.stop:
			return
		}
	}
}

// RunOnce takes a single backup, waiting for any run already in progress.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.job(ctx)
	if res != nil {
		s.last, s.lastAt = res, time.Now()
	}
	return res, err
}

// Last returns the most recent result and when it finished, if any.
func (s *Scheduler) Last() (*Result, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt
}

// Shutdown stops the periodic scheduler and waits for it to finish.
func (s *Scheduler) Shutdown() {
	close(s.stop)
	<-s.done
}
