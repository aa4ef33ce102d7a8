package ecpsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Runner is the part of the synchronizer the scheduler drives.
type Runner interface {
	PerformFullSync(ctx context.Context) (SyncResult, error)
	PerformIncrementalSync(ctx context.Context) (SyncResult, error)
}

// Scheduler runs a full sync at start and an incremental sync on every tick.
// A tick that lands while a run is in flight is skipped.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a scheduler.
func NewScheduler(runner Runner, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{runner: runner, interval: interval, logger: logger.With(slog.String("component", "ecpsync.scheduler"))}
}

// Start launches the loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

// Stop ends the loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	// Runs are not cancelled mid-pass; only the loop observes ctx.
	runCtx := context.WithoutCancel(ctx)
	s.trigger(runCtx, SyncFull)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.trigger(runCtx, SyncIncremental)
		}
	}
}

func (s *Scheduler) trigger(ctx context.Context, typ SyncType) {
	var err error
	if typ == SyncFull {
		_, err = s.runner.PerformFullSync(ctx)
	} else {
		_, err = s.runner.PerformIncrementalSync(ctx)
	}
	switch {
	case errors.Is(err, ErrSyncInProgress):
		s.logger.Info("sync skipped, previous run still active", slog.String("sync_type", string(typ)))
	case err != nil:
		s.logger.Error("scheduled sync", slog.String("sync_type", string(typ)), slog.Any("error", err))
	}
}
