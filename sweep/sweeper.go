// Package sweep is the periodic reconciliation pass. The core is reactive,
// so nothing on a write path owns time: stuck sessions, dispatches orphaned
// by a crash, and stale derived fields are all detected here and only here.
package sweep

import (
	"context"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/KevinDyerAU/NytroAI-sub008/publisher"
	"github.com/KevinDyerAU/NytroAI-sub008/repository"
	"github.com/KevinDyerAU/NytroAI-sub008/repository/models"
)

// WorkflowDispatcher delivers an acquired-but-unattempted dispatch.
type WorkflowDispatcher interface {
	Deliver(ctx context.Context, sessionID string)
}

// Config bounds the sweep's timing decisions.
type Config struct {
	// Interval between sweep passes.
	Interval time.Duration
	// StuckTimeout is how long a session may sit in dispatched or
	// validating without an update before it is failed.
	StuckTimeout time.Duration
	// DispatchGrace is how old an unattempted DispatchRecord must be
	// before the sweep assumes the acquiring process died and delivers it.
	DispatchGrace time.Duration
}

type Sweeper struct {
	cfg        Config
	repo       *repository.Repository
	dispatcher WorkflowDispatcher
	broker     *publisher.Broker
	logger     cmtlog.Logger
}

func NewSweeper(cfg Config, repo *repository.Repository, dispatcher WorkflowDispatcher, broker *publisher.Broker, logger cmtlog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.StuckTimeout <= 0 {
		cfg.StuckTimeout = 5 * time.Minute
	}
	if cfg.DispatchGrace <= 0 {
		cfg.DispatchGrace = time.Minute
	}
	return &Sweeper{
		cfg:        cfg,
		repo:       repo,
		dispatcher: dispatcher,
		broker:     broker,
		logger:     logger,
	}
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
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

// RunOnce performs one reconciliation pass: fail timed-out sessions, deliver
// dispatches that were acquired but never attempted, and refresh derived
// fields that a partial failure may have left stale.
func (s *Sweeper) RunOnce(ctx context.Context) {
	s.failStuckSessions()
	s.deliverOrphanedDispatches(ctx)
	s.reconcileAggregates()
}

func (s *Sweeper) failStuckSessions() {
	cutoff := time.Now().UTC().Add(-s.cfg.StuckTimeout)
	ids, repoErr := s.repo.ListStuckSessions(cutoff)
	if repoErr != nil {
		s.logger.Error("Sweep failed to list stuck sessions", "err", repoErr)
		return
	}
	for _, id := range ids {
		msg := "validation timed out: no progress within " + s.cfg.StuckTimeout.String()
		if repoErr := s.repo.MarkSessionFailed(id, msg); repoErr != nil {
			s.logger.Error("Sweep failed to time out session", "session", id, "err", repoErr)
			continue
		}
		s.logger.Info("Session timed out", "session", id)
		s.publish(id)
	}
}

// deliverOrphanedDispatches picks up DispatchRecords whose acquiring process
// died before the first delivery attempt. Records with at least one attempt
// are never redelivered: the attempt may have reached the workflow, and a
// duplicate start is exactly what the guard exists to prevent.
func (s *Sweeper) deliverOrphanedDispatches(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.cfg.DispatchGrace)
	ids, repoErr := s.repo.ListUnattemptedDispatches(cutoff)
	if repoErr != nil {
		s.logger.Error("Sweep failed to list pending dispatches", "err", repoErr)
		return
	}
	for _, id := range ids {
		s.logger.Info("Delivering orphaned dispatch", "session", id)
		s.dispatcher.Deliver(ctx, id)
	}
}

func (s *Sweeper) reconcileAggregates() {
	ids, repoErr := s.repo.ListSessionsByStatus(
		models.SessionValidating, models.SessionInProgress, models.SessionPartial)
	if repoErr != nil {
		s.logger.Error("Sweep failed to list active sessions", "err", repoErr)
		return
	}
	for _, id := range ids {
		snap, repoErr := s.repo.RecomputeSession(id)
		if repoErr != nil {
			s.logger.Error("Sweep failed to recompute session", "session", id, "err", repoErr)
			continue
		}
		s.broker.Publish(*snap)
	}
}

func (s *Sweeper) publish(sessionID string) {
	snap, repoErr := s.repo.GetStatus(sessionID)
	if repoErr != nil {
		s.logger.Error("Sweep failed to read snapshot", "session", sessionID, "err", repoErr)
		return
	}
	s.broker.Publish(*snap)
}
