package service

import (
	"context"
	"time"

	"github.com/medflow/stock-ledger/pkg/logger"
)

// MaintenanceJobs is what the scheduler drives; StockService implements it
type MaintenanceJobs interface {
	SweepExpired(ctx context.Context) (int, error)
	ReconcileAll(ctx context.Context) (ReconcileReport, error)
}

// Scheduler runs the expiry sweep and the aggregate reconciliation
// periodically. A zero interval disables the corresponding job.
type Scheduler struct {
	jobs              MaintenanceJobs
	sweepInterval     time.Duration
	reconcileInterval time.Duration
	logger            *logger.Logger
	cancel            context.CancelFunc
	done              chan struct{}
}

// NewScheduler creates a new maintenance scheduler
func NewScheduler(jobs MaintenanceJobs, sweepInterval, reconcileInterval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{
		jobs:              jobs,
		sweepInterval:     sweepInterval,
		reconcileInterval: reconcileInterval,
		logger:            log.WithComponent("scheduler"),
	}
}

// Start starts the scheduler in a background goroutine.
// Both jobs run once immediately and then on every tick.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.logger.Info().
			Dur("sweep_interval", s.sweepInterval).
			Dur("reconcile_interval", s.reconcileInterval).
			Msg("maintenance scheduler started")

		sweep := newTicker(s.sweepInterval)
		defer sweep.stop()
		reconcile := newTicker(s.reconcileInterval)
		defer reconcile.stop()

		if sweep.enabled() {
			s.runSweep(ctx)
		}
		if reconcile.enabled() {
			s.runReconcile(ctx)
		}

		for {
			select {
			case <-ctx.Done():
				s.logger.Info().Msg("maintenance scheduler stopped")
				return
			case <-sweep.c():
				s.runSweep(ctx)
			case <-reconcile.c():
				s.runReconcile(ctx)
			}
		}
	}()
}

// Stop stops the scheduler goroutine and waits for a running job to finish
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	start := time.Now()
	n, err := s.jobs.SweepExpired(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("lots", n).Msg("expiry sweep finished with errors")
		return
	}
	s.logger.Debug().Int("lots", n).Dur("duration", time.Since(start)).Msg("expiry sweep cycle done")
}

func (s *Scheduler) runReconcile(ctx context.Context) {
	start := time.Now()
	report, err := s.jobs.ReconcileAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Int("drifted", report.Drifted).Msg("reconcile finished with errors")
		return
	}
	s.logger.Debug().
		Int("products", report.Products).
		Int("drifted", report.Drifted).
		Dur("duration", time.Since(start)).
		Msg("reconcile cycle done")
}

// ticker is a time.Ticker that never fires when its interval is zero
type ticker struct {
	t *time.Ticker
}

func newTicker(d time.Duration) ticker {
	if d <= 0 {
		return ticker{}
	}
	return ticker{t: time.NewTicker(d)}
}

func (t ticker) enabled() bool { return t.t != nil }

func (t ticker) c() <-chan time.Time {
	if t.t == nil {
		return nil
	}
	return t.t.C
}

func (t ticker) stop() {
	if t.t != nil {
		t.t.Stop()
	}
}
