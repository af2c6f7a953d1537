// Package maintenance runs periodic store upkeep: backup and compaction via
// PerformMaintenance, the document count gauge and the store's health.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/certstore/pkg/metrics"
	"github.com/cuemby/certstore/pkg/types"
	"github.com/rs/zerolog"
)

// Store is the part of the store the runner drives
type Store interface {
	Backend() string
	IsInitialised(ctx context.Context) bool
	CountAll(ctx context.Context, filter *types.ManagedCertificateFilter) (int, error)
	PerformMaintenance(ctx context.Context) error
}

// Runner calls PerformMaintenance on a fixed interval
type Runner struct {
	store    Store
	interval time.Duration
	logger   zerolog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewRunner creates a runner; nothing happens until Start
func NewRunner(store Store, interval time.Duration, logger zerolog.Logger) *Runner {
	return &Runner{
		store:    store,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start refreshes health and metrics immediately, then runs maintenance on
// every tick until Stop is called or ctx is done
func (r *Runner) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	go func() {
		defer close(r.doneCh)
		defer ticker.Stop()

		r.refresh(ctx)

		for {
			select {
			case <-ticker.C:
				_ = r.RunOnce(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.Info().Dur("interval", r.interval).Msg("Maintenance scheduler started")
}

// Stop ends the loop and waits for a run in progress to finish
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	<-r.doneCh
}

// RunOnce performs one maintenance pass. Errors are logged and reported in
// health; they never stop the scheduler.
func (r *Runner) RunOnce(ctx context.Context) error {
	if !r.refresh(ctx) {
		r.logger.Warn().Msg("Store not initialised, skipping maintenance")
		return nil
	}

	timer := metrics.NewTimer()
	err := r.store.PerformMaintenance(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("Maintenance failed")
		metrics.UpdateComponent(metrics.ComponentMaintenance, false, err.Error())
		return err
	}

	metrics.UpdateComponent(metrics.ComponentMaintenance, true, "")
	r.logger.Info().Dur("duration", timer.Duration()).Msg("Maintenance completed")

	r.refresh(ctx)
	return nil
}

// refresh updates the store health component and document gauge, and
// reports whether the store is usable
func (r *Runner) refresh(ctx context.Context) bool {
	if !r.store.IsInitialised(ctx) {
		metrics.UpdateComponent(metrics.ComponentStore, false, "not initialised")
		return false
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	count, err := r.store.CountAll(ctx, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to count documents")
		return true
	}
	metrics.DocumentsTotal.WithLabelValues(r.store.Backend()).Set(float64(count))
	return true
}
