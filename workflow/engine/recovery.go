package engine

import (
	"context"
	"time"

	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/store"
)

// RecoveryScanner periodically re-enqueues every non-terminal workflow.
// It backstops crashed workers and dropped wakes: requests legitimately
// parked or running elsewhere fail lease acquisition and are skipped.
type RecoveryScanner struct {
	store    store.Store
	pool     *Pool
	interval time.Duration
	log      *logger.Logger
}

// NewRecoveryScanner creates a scanner with the given interval.
func NewRecoveryScanner(st store.Store, pool *Pool, interval time.Duration, log *logger.Logger) *RecoveryScanner {
	return &RecoveryScanner{store: st, pool: pool, interval: interval, log: log}
}

// Run scans immediately, then on a ticker until ctx is done.
func (r *RecoveryScanner) Run(ctx context.Context) {
	r.scan(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("recovery scanner stopped")
			return
		case <-ticker.C:
			r.scan(ctx)
		}
	}
}

func (r *RecoveryScanner) scan(ctx context.Context) {
	ids, err := r.store.ListPendingResumable(ctx)
	if err != nil {
		r.log.Error("recovery scan failed", "error", err)
		return
	}
	if len(ids) > 0 {
		r.log.Info("recovery scan found resumable workflows", "count", len(ids))
	}
	for _, id := range ids {
		r.pool.Enqueue(id)
	}
}
