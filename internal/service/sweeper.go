package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const sweepTimeout = time.Minute

// Sweeper cancels waiting holds past their pickup deadline on a fixed
// schedule. A failed cycle is logged and retried on the next tick.
type Sweeper struct {
	svc      *Service
	log      *zap.Logger
	interval time.Duration
	cron     *cron.Cron
}

func NewSweeper(svc *Service, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{
		svc:      svc,
		log:      log.Named("sweeper"),
		interval: interval,
		// a cycle that outruns the interval is skipped, never overlapped
		cron: cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

func (s *Sweeper) Start() error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), s.run); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("sweeper stop timed out")
	}
}

func (s *Sweeper) run() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("sweep panicked", zap.Any("panic", r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	swept, err := s.svc.SweepExpired(ctx)
	if err != nil {
		s.log.Error("sweep expired holds", zap.Error(err))
		return
	}
	if swept > 0 {
		s.log.Info("expired holds cancelled", zap.Int("count", swept))
	}
}
