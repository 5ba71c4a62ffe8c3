package approval

import (
	"context"
	"time"

	"github.com/meridianhealth/researchflow/common/logger"
	"github.com/meridianhealth/researchflow/common/metrics"
	"github.com/meridianhealth/researchflow/common/store"
)

// Sweeper expires pending approvals past their SLA deadline and wakes the
// affected workflows. The gate handler observes the timed_out status on
// resume and routes it as a rejection or an escalation per the timeout
// policy; the sweeper itself never touches workflow documents.
type Sweeper struct {
	store    store.Store
	waker    Waker
	interval time.Duration
	log      *logger.Logger
}

// NewSweeper creates a sweeper with the given interval.
func NewSweeper(st store.Store, waker Waker, interval time.Duration, log *logger.Logger) *Sweeper {
	return &Sweeper{store: st, waker: waker, interval: interval, log: log}
}

// Run sweeps on a ticker until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("approval sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("approval sweeper stopped")
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx, time.Now()); err != nil {
				s.log.Error("approval sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("approvals timed out", "count", n)
			}
		}
	}
}

// Sweep expires overdue approvals once and returns how many it expired.
// Idempotent: any sweeper process may run it concurrently.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := s.store.ExpirePendingApprovals(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, approval := range expired {
		metrics.ApprovalsTimedOut.WithLabelValues(string(approval.Type)).Inc()
		metrics.PendingApprovals.WithLabelValues(string(approval.Type)).Dec()
		s.log.Warn("approval passed SLA deadline",
			"approval_id", approval.ApprovalID,
			"request_id", approval.RequestID,
			"type", string(approval.Type),
			"sla_deadline", approval.SLADeadline)

		if err := s.waker.Wake(ctx, approval.RequestID, CauseTimeout); err != nil {
			s.log.Error("failed to wake workflow after timeout",
				"request_id", approval.RequestID, "error", err)
		}
	}
	return len(expired), nil
}
