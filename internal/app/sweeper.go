package app

import (
	"context"
	"time"

	"battle-quiz-service/pkg/logger"
)

const defaultSweepInterval = 5 * time.Second

// SweeperConfig controls the background timeouts.
type SweeperConfig struct {
	Interval    time.Duration
	IdleTimeout time.Duration
	// Retention is how long settled state stays readable before Pruner evicts it.
	Retention time.Duration
	Pruner    Pruner
}

// Sweeper runs the periodic housekeeping: waiting timeouts, expired disconnect
// grace periods, idle matches and settlements that failed on the hot path.
type Sweeper struct {
	matchmaker *Matchmaker
	matches    *Orchestrator
	presence   Presence
	cfg        SweeperConfig
	now        func() time.Time
	log        logger.Logger
}

func NewSweeper(mm *Matchmaker, matches *Orchestrator, presence Presence, cfg SweeperConfig, log logger.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Sweeper{
		matchmaker: mm,
		matches:    matches,
		presence:   presence,
		cfg:        cfg,
		now:        time.Now,
		log:        log,
	}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info(ctx, "sweeper started", logger.Duration("interval", s.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info(ctx, "sweeper stopped")
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// SweepStats counts what a single pass did.
type SweepStats struct {
	WaitingExpired int
	Abandoned      int
	IdleVoided     int
	Settled        int
	Pruned         int
}

// Sweep runs one pass. Each step logs and swallows its own errors so one broken
// store call does not starve the others.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats

	if s.matchmaker != nil {
		n, err := s.matchmaker.ExpireWaiting(ctx)
		if err != nil {
			s.log.Warn(ctx, "expire waiting failed", logger.Error(err))
		}
		stats.WaitingExpired = n
	}

	if s.presence != nil {
		for _, userID := range s.presence.ExpiredDisconnects(s.now()) {
			if err := s.matches.Abandon(ctx, userID, s.presence.Online); err != nil {
				s.log.Warn(ctx, "abandon matches failed", logger.String("user", userID), logger.Error(err))
				continue
			}
			stats.Abandoned++
		}
	}

	n, err := s.matches.VoidIdle(ctx, s.cfg.IdleTimeout)
	if err != nil {
		s.log.Warn(ctx, "void idle matches failed", logger.Error(err))
	}
	stats.IdleVoided = n

	n, err = s.matches.RetrySettlements(ctx)
	if err != nil {
		s.log.Warn(ctx, "settlement retry failed", logger.Error(err))
	}
	stats.Settled = n

	if s.cfg.Pruner != nil && s.cfg.Retention > 0 {
		n, err = s.cfg.Pruner.Prune(ctx, s.now().Add(-s.cfg.Retention))
		if err != nil {
			s.log.Warn(ctx, "prune failed", logger.Error(err))
		}
		stats.Pruned = n
	}

	if stats != (SweepStats{}) {
		s.log.Debug(ctx, "sweep finished",
			logger.Int("waiting_expired", stats.WaitingExpired),
			logger.Int("abandoned", stats.Abandoned),
			logger.Int("idle_voided", stats.IdleVoided),
			logger.Int("settled", stats.Settled),
			logger.Int("pruned", stats.Pruned))
	}
	return stats
}
