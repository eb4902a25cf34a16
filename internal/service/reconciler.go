package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/greenledger/internal/domain"
)

// ReconcileReport summarises one sweep over stranded settlements.
type ReconcileReport struct {
	Found     int
	Recovered int
	Pending   int
	Busy      int
	Failed    int
}

// Reconciler periodically looks for sell sagas stuck between the token
// transfer and the custodian payment and, when autoRetry is set, resumes
// them.
type Reconciler struct {
	settlements *SettlementService
	staleAfter  time.Duration
	autoRetry   bool
	now         func() time.Time
	logger      *slog.Logger

	// alerted remembers the saga version last alerted on, so an unchanged
	// saga raises one alert rather than one per sweep.
	alerted map[string]int64
}

// NewReconciler creates a Reconciler. Sagas untouched for less than
// staleAfter are left alone so in-flight requests are not raced.
func NewReconciler(settlements *SettlementService, staleAfter time.Duration, autoRetry bool, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		settlements: settlements,
		staleAfter:  staleAfter,
		autoRetry:   autoRetry,
		now:         time.Now,
		logger:      logger.With(slog.String("component", "reconciler")),
		alerted:     make(map[string]int64),
	}
}

// Sweep runs one reconciliation pass.
func (r *Reconciler) Sweep(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	stranded, err := r.settlements.ListStranded(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return report, err
	}
	report.Found = len(stranded)

	for _, st := range stranded {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if !r.autoRetry {
			r.logger.WarnContext(ctx, "stranded settlement awaiting operator",
				slog.String("settlement_id", st.ID),
				slog.String("status", string(st.Status)),
				slog.String("seller", st.Seller),
				slog.Time("updated_at", st.UpdatedAt),
			)
			r.alertOnce(ctx, st)
			continue
		}

		_, err := r.settlements.RetrySettlement(ctx, st.ID)
		switch {
		case err == nil:
			report.Recovered++
			delete(r.alerted, st.ID)
		case errors.Is(err, domain.ErrConflict):
			report.Busy++
		case errors.Is(err, domain.ErrReceiptPending):
			report.Pending++
			r.alertOnce(ctx, st)
		default:
			report.Failed++
			r.logger.WarnContext(ctx, "settlement retry failed",
				slog.String("settlement_id", st.ID),
				slog.String("error", err.Error()),
			)
			r.alertOnce(ctx, st)
		}
	}

	if report.Found > 0 {
		r.logger.InfoContext(ctx, "reconcile sweep finished",
			slog.Int("found", report.Found),
			slog.Int("recovered", report.Recovered),
			slog.Int("pending", report.Pending),
			slog.Int("busy", report.Busy),
			slog.Int("failed", report.Failed),
		)
	}
	return report, nil
}

func (r *Reconciler) alertOnce(ctx context.Context, st domain.SellSettlement) {
	if v, ok := r.alerted[st.ID]; ok && v == st.Version {
		return
	}
	r.alerted[st.ID] = st.Version
	r.settlements.alertStranded(ctx, st)
}

// Run sweeps every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "reconcile sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
