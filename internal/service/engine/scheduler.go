package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"perpbot/internal/store"
)

type Ticker interface {
	Tick(ctx context.Context, sessionID string) TickResult
}

// Scheduler runs one scheduling pass: every due session is ticked once, a
// bounded number at a time. A failing session never affects the others.
type Scheduler struct {
	store   store.Store
	ticker  Ticker
	batch   int
	timeout time.Duration
	now     func() time.Time
	logger  *zap.Logger
}

func NewScheduler(st store.Store, ticker Ticker, batch int, timeout time.Duration, logger *zap.Logger) *Scheduler {
	if batch <= 0 {
		batch = 8
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   st,
		ticker:  ticker,
		batch:   batch,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

func (s *Scheduler) RunPass(ctx context.Context) ([]TickResult, error) {
	due, err := s.store.ListDueSessions(ctx, s.now())
	if err != nil {
		return nil, err
	}
	results := make([]TickResult, len(due))
	var g errgroup.Group
	g.SetLimit(s.batch)
	for i, sess := range due {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			results[i] = s.ticker.Tick(tctx, sess.ID)
			return nil
		})
	}
	_ = g.Wait()

	var executed, failed int
	for _, r := range results {
		if r.Executed {
			executed++
		}
		if r.Error != "" {
			failed++
		}
	}
	s.logger.Info("scheduling pass",
		zap.Int("due", len(due)),
		zap.Int("executed", executed),
		zap.Int("failed", failed))
	return results, nil
}

// Run is the cron job body.
func (s *Scheduler) Run(ctx context.Context) {
	if _, err := s.RunPass(ctx); err != nil {
		s.logger.Error("scheduling pass failed", zap.Error(err))
	}
}
