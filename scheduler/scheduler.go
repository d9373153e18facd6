// Copyright (c) 2025 Daniel Kuo.
// Source-available; no permission granted to use, copy, modify, or distribute. See LICENSE.

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one unit of periodic work. Errors are logged and the job runs
// again on the next tick.
type Job func(ctx context.Context) error

type namedJob struct {
	name string
	run  Job
}

type Scheduler struct {
	interval time.Duration

	mu   sync.Mutex
	jobs []namedJob
}

func New(interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{interval: interval}
}

// Add registers a job; jobs run in the order they were added
func (s *Scheduler) Add(name string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, namedJob{name: name, run: job})
}

// RunOnce runs every job a single time
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	jobs := make([]namedJob, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, j := range jobs {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		if err := j.run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("scheduled job failed", "job", j.name, "error", err)
			continue
		}
		slog.Debug("scheduled job finished", "job", j.name, "duration_ms", time.Since(start).Milliseconds())
	}
}

// Run ticks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}
