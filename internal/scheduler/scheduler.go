// Package scheduler retries failed channel archives on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"
)

// DefaultCron runs the retry every fifteen minutes.
const DefaultCron = "*/15 * * * *"

// errorBackoff is how long the loop waits after the cron expression fails to evaluate.
const errorBackoff = 30 * time.Second

// Retrier is the archive operation the scheduler drives.
type Retrier interface {
	RetryFailed(ctx context.Context) (int, error)
}

// ArchiveRetryScheduler runs Retrier.RetryFailed whenever the cron expression fires.
type ArchiveRetryScheduler struct {
	retrier Retrier
	cron    string
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
}

// New creates a scheduler. An empty expression falls back to DefaultCron.
func New(retrier Retrier, expr string, logger zerolog.Logger) (*ArchiveRetryScheduler, error) {
	if expr == "" {
		expr = DefaultCron
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &ArchiveRetryScheduler{
		retrier: retrier,
		cron:    expr,
		logger:  logger.With().Str("component", "archive_retry").Logger(),
		now:     time.Now,
	}, nil
}

// Start runs the schedule. It blocks until ctx is canceled.
func (s *ArchiveRetryScheduler) Start(ctx context.Context) {
	s.logger.Info().Str("cron", s.cron).Msg("archive retry scheduler starting")
	for {
		wait, err := s.untilNext()
		if err != nil {
			s.logger.Error().Err(err).Str("cron", s.cron).Msg("next tick failed")
			wait = errorBackoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("archive retry scheduler stopping")
			return
		case <-timer.C:
			if err == nil {
				s.RunOnce(ctx)
			}
		}
	}
}

func (s *ArchiveRetryScheduler) untilNext() (time.Duration, error) {
	now := s.now()
	next, err := gronx.NextTickAfter(s.cron, now, false)
	if err != nil {
		return 0, err
	}
	wait := next.Sub(now)
	if wait < time.Second {
		wait = time.Second
	}
	return wait, nil
}

// RunOnce retries failed archives now. Overlapping calls are skipped.
// It reports whether a retry ran.
func (s *ArchiveRetryScheduler) RunOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug().Msg("previous retry still running")
		return false
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	started := s.now()
	completed, err := s.retrier.RetryFailed(ctx)
	ev := s.logger.Info()
	if err != nil {
		ev = s.logger.Warn().Err(err)
	}
	ev.Int("completed", completed).Dur("took", s.now().Sub(started)).Msg("archive retry finished")
	return true
}
