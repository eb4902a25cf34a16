package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/greenledger/internal/domain"
	"github.com/alanyoungcy/greenledger/internal/notify"
)

func TestReconciler_SweepRecoversStrandedSagas(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()
	seedSettlement(t, f, domain.SettlementPaymentFailed, paymentHash.Hex())
	f.chain.On("Receipt", mock.Anything, paymentHash).Return(confirmed(paymentHash), nil).Once()

	r := NewReconciler(f.svc, time.Minute, true, nil)
	report, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Found: 1, Recovered: 1}, report)
	assert.Equal(t, 1, f.txs.count(domain.TxTypeSell))
}

func TestReconciler_SkipsFreshSagas(t *testing.T) {
	f := newSettlementFixture(t)
	st := seedSettlement(t, f, domain.SettlementPaymentFailed, paymentHash.Hex())
	st.UpdatedAt = time.Now()
	require.NoError(t, f.settlements.Update(context.Background(), st))

	r := NewReconciler(f.svc, time.Hour, true, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Found)
}

func TestReconciler_ReportOnlyWithoutAutoRetry(t *testing.T) {
	f := newSettlementFixture(t)
	seedSettlement(t, f, domain.SettlementTransferConfirmed, "")

	r := NewReconciler(f.svc, time.Minute, false, nil)
	report, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Found: 1}, report)
	f.chain.AssertNotCalled(t, "SubmitPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, f.alerts.got, 1)
	assert.Equal(t, notify.EventPartialSettlement, f.alerts.got[0].Event)
	assert.Equal(t, "saga-1", f.alerts.got[0].Fields["settlement"])

	// An unchanged saga is not re-alerted on the next sweep.
	_, err = r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.alerts.got, 1)
}

func TestReconciler_InFlightSagaCountedBusy(t *testing.T) {
	f := newSettlementFixture(t)
	seedSettlement(t, f, domain.SettlementTransferConfirmed, "")
	f.svc = f.newService(func(d *SettlementDeps) { d.Locks = lockHeld{} })

	report, err := NewReconciler(f.svc, time.Minute, true, nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ReconcileReport{Found: 1, Busy: 1}, report)
	assert.Empty(t, f.alerts.got)
}

func TestReconciler_PendingCounted(t *testing.T) {
	f := newSettlementFixture(t)
	ctx := context.Background()
	seedSettlement(t, f, domain.SettlementPaymentSubmitted, paymentHash.Hex())
	f.chain.On("Receipt", mock.Anything, paymentHash).Return(pending(paymentHash), nil).Once()

	report, err := NewReconciler(f.svc, time.Minute, true, nil).Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
}
