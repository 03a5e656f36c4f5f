package recovery

import (
	"context"
	"log"
	"time"

	"reliable-ops/internal/config"
	"reliable-ops/internal/telemetry"
)

// Scheduler periodically sweeps for stuck transactions and drives them
// through the recovery service. It provides best-effort priority/age
// ordering, not strict ordering.
type Scheduler struct {
	svc   *Service
	store TransactionStore

	interval       time.Duration
	retryDelay     time.Duration
	batchSize      int
	interItemDelay time.Duration
}

// NewScheduler builds a sweep scheduler from config.
func NewScheduler(cfg config.Config, svc *Service, store TransactionStore) *Scheduler {
	return &Scheduler{
		svc:            svc,
		store:          store,
		interval:       cfg.SchedulerInterval,
		retryDelay:     cfg.RetryDelay,
		batchSize:      cfg.SweepBatchSize,
		interItemDelay: cfg.InterItemDelay,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Printf("recovery sweep: %v", err)
			}
		}
	}
}

// SweepOnce finds one batch of recoverable transactions and attempts each in
// turn. A failure on one item never aborts the sweep, and a fixed delay
// between items throttles load on downstream systems.
func (s *Scheduler) SweepOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.retryDelay)
	batch, err := s.store.ListRecoverable(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, err
	}
	telemetry.SweepBatchGauge.Set(float64(len(batch)))
	if len(batch) == 0 {
		return 0, nil
	}
	log.Printf("recovery sweep: %d candidate(s)", len(batch))

	recovered := 0
	for i, tx := range batch {
		if i > 0 && s.interItemDelay > 0 {
			select {
			case <-ctx.Done():
				return recovered, ctx.Err()
			case <-time.After(s.interItemDelay):
			}
		}
		ok, err := s.svc.Recover(ctx, tx.ID)
		if err != nil {
			log.Printf("recover %s: %v", tx.ID, err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, nil
}
