package membership

import (
	"context"
	"log/slog"
	"time"
)

// Reconciler polls the gateway for pending payments whose callback never
// arrived and feeds the answer through HandleCallback.
type Reconciler struct {
	manager *Manager
	minAge  time.Duration
	log     *slog.Logger
}

// NewReconciler creates a reconciler that only looks at payments older than minAge
func NewReconciler(m *Manager, minAge time.Duration, log *slog.Logger) *Reconciler {
	return &Reconciler{
		manager: m,
		minAge:  minAge,
		log:     log,
	}
}

// Start runs the reconcile loop until ctx is done. A non-positive interval
// disables it.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.log.Info("reconciler disabled: RECONCILE_INTERVAL not set")
		return
	}

	r.log.Info("reconciler started", "interval", interval, "min_age", r.minAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error("reconcile pending payments", "error", err)
			}
		}
	}
}

// RunOnce checks every stale pending payment once and returns how many were
// confirmed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	pending, err := r.manager.PendingPayments()
	if err != nil {
		return 0, err
	}

	cutoff := r.manager.clock.Now().Add(-r.minAge)
	confirmed := 0

	for _, p := range pending {
		if ctx.Err() != nil {
			return confirmed, ctx.Err()
		}
		if p.CreatedAt.After(cutoff) {
			continue
		}

		st, err := r.manager.PaymentStatus(ctx, p.PaymentID)
		if err != nil {
			r.log.Warn("poll payment status", "error", err, "payment_id", p.PaymentID)
			continue
		}

		outcome, err := r.manager.HandleCallback(ctx, Event{
			PaymentID:     p.PaymentID,
			PaymentStatus: st.PaymentStatus,
			PayAddress:    st.PayAddress,
			PayAmount:     st.PayAmount,
			ActuallyPaid:  st.ActuallyPaid,
			PayCurrency:   st.PayCurrency,
			OrderID:       st.OrderID,
		})
		if err != nil {
			r.log.Error("apply polled status", "error", err, "payment_id", p.PaymentID, "status", st.PaymentStatus)
			continue
		}
		if outcome == OutcomeSuccess {
			confirmed++
			r.log.Info("payment confirmed by reconciler", "payment_id", p.PaymentID, "user_id", p.UserID)
		}
	}

	return confirmed, nil
}
