package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Sweeper interface {
	Sweep(ctx context.Context) (SweepResult, error)
}

type Replayer interface {
	ReplaySweep(ctx context.Context, pageSize int) (int, error)
}

type SchedulerConfig struct {
	OutboxInterval time.Duration
	ReplayInterval time.Duration
	ReplayPageSize int
	// RunTimeout bounds a single sweep.
	RunTimeout time.Duration
}

// Scheduler runs the outbox sweep and the buffered event replay sweep on
// tickers. Trigger requests an extra outbox sweep without waiting for it.
type Scheduler struct {
	outbox  Sweeper
	replay  Replayer
	cfg     SchedulerConfig
	logger  *slog.Logger
	metrics *Metrics
	trigger chan struct{}
	wg      sync.WaitGroup
}

func NewScheduler(outbox Sweeper, replay Replayer, cfg SchedulerConfig, logger *slog.Logger, metrics *Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Second
	}
	return &Scheduler{
		outbox:  outbox,
		replay:  replay,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		trigger: make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s.outbox != nil && s.cfg.OutboxInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "outbox", s.cfg.OutboxInterval, s.trigger, s.RunOutbox)
	} else {
		s.logger.Warn("outbox sweep disabled")
	}
	if s.replay != nil && s.cfg.ReplayInterval > 0 {
		s.wg.Add(1)
		go s.loop(ctx, "replay", s.cfg.ReplayInterval, nil, s.RunReplay)
	} else {
		s.logger.Warn("replay sweep disabled")
	}
}

// Wait blocks until every loop started by Start has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger reports false when a sweep request is already pending.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context, job string, interval time.Duration, trigger <-chan struct{}, run func(context.Context) error) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-trigger:
		}
		if err := run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("background sweep failed", "job", job, "error", err)
		}
	}
}

func (s *Scheduler) RunOutbox(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	_, err := s.outbox.Sweep(ctx)
	s.metrics.incRun("outbox", status(err))
	return err
}

func (s *Scheduler) RunReplay(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
	defer cancel()
	n, err := s.replay.ReplaySweep(ctx, s.cfg.ReplayPageSize)
	if n > 0 {
		s.logger.Info("replayed buffered events", "count", n)
	}
	s.metrics.incRun("replay", status(err))
	return err
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
