package reconcile

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"marketplace-wallet/internal/audit"
	"marketplace-wallet/internal/dispatch"
	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/events"
	"marketplace-wallet/internal/store"
	"marketplace-wallet/internal/wallet"
	"marketplace-wallet/internal/withdrawal"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCrediter struct{ mock.Mock }

func (m *mockCrediter) Credit(ctx context.Context, clientID string, amount decimal.Decimal, meta wallet.CreditMeta) (wallet.CreditResult, error) {
	args := m.Called(ctx, clientID, amount, meta)
	return args.Get(0).(wallet.CreditResult), args.Error(1)
}

func (m *mockCrediter) Currency() string { return "NGN" }

type mockOrders struct{ mock.Mock }

func (m *mockOrders) MarkOrderPaid(ctx context.Context, p OrderPayment) error {
	return m.Called(ctx, p).Error(0)
}

type mockPayouts struct{ mock.Mock }

func (m *mockPayouts) MarkPaid(ctx context.Context, id, adminID string, opts withdrawal.MarkPaidOptions) (withdrawal.Result, error) {
	args := m.Called(ctx, id, adminID, opts)
	return args.Get(0).(withdrawal.Result), args.Error(1)
}

func topUp(ref, clientID, amount string) VerifiedPayment {
	return VerifiedPayment{
		Provider:  domain.ProviderPaystack,
		Reference: ref,
		Amount:    decimal.RequireFromString(amount),
		Currency:  "NGN",
		Status:    "success",
		Metadata:  map[string]any{"purpose": "wallet_topup", "clientId": clientID},
		Source:    SourceWebhook,
		Event:     "charge.success",
	}
}

func TestReconcile_TopUpCredits(t *testing.T) {
	cred := &mockCrediter{}
	repo := audit.NewMemoryRepo()
	a := NewAdapter(cred, WithAudit(audit.NewService(repo, nil)))

	cred.On("Credit", mock.Anything, "client-1", decimal.RequireFromString("1000"), mock.MatchedBy(func(m wallet.CreditMeta) bool {
		return m.Reason == domain.ReasonTopUp && m.Provider == domain.ProviderPaystack && m.ProviderReference == "R1"
	})).Return(wallet.CreditResult{Entry: domain.Entry{ID: "e1"}, Balance: decimal.RequireFromString("1000")}, nil).Once()

	res, err := a.Reconcile(context.Background(), topUp("R1", "client-1", "1000"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	assert.Equal(t, "e1", res.Entry.ID)
	cred.AssertExpectations(t)

	recs := repo.ByReference("paystack", "R1")
	require.Len(t, recs, 2)
	assert.Equal(t, audit.WebhookEvent("charge.success"), recs[0].Event)
	assert.Equal(t, audit.EventWalletTopUp, recs[1].Event)
	assert.Equal(t, "client-1", recs[0].ClientID)
}

func TestReconcile_AcceptsSnakeCaseMetadata(t *testing.T) {
	cred := &mockCrediter{}
	a := NewAdapter(cred)
	p := topUp("R2", "", "250")
	p.Metadata = map[string]any{"type": "WALLET_TOPUP", "client_id": "client-9"}

	cred.On("Credit", mock.Anything, "client-9", mock.Anything, mock.Anything).
		Return(wallet.CreditResult{Duplicate: true}, nil).Once()

	res, err := a.Reconcile(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	cred.AssertExpectations(t)
}

func TestReconcile_IgnoresAndRejects(t *testing.T) {
	cred := &mockCrediter{}
	a := NewAdapter(cred)
	ctx := context.Background()

	failed := topUp("R3", "client-1", "1000")
	failed.Status = "failed"
	res, err := a.Reconcile(ctx, failed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	usd := topUp("R4", "client-1", "1000")
	usd.Currency = "USD"
	_, err = a.Reconcile(ctx, usd)
	assert.ErrorIs(t, err, domain.ErrValidation)

	noClient := topUp("R5", "", "1000")
	res, err = a.Reconcile(ctx, noClient)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	plain := topUp("R6", "client-1", "1000")
	plain.Metadata = nil
	res, err = a.Reconcile(ctx, plain)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	cred.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_OrderPaymentNeverTouchesLedger(t *testing.T) {
	cred := &mockCrediter{}
	orders := &mockOrders{}
	a := NewAdapter(cred, WithOrders(orders))

	p := topUp("ORD-REF", "", "4500")
	p.Metadata = map[string]any{"order_id": 77}
	orders.On("MarkOrderPaid", mock.Anything, OrderPayment{
		OrderID: "77", Provider: domain.ProviderPaystack, Reference: "ORD-REF",
		Amount: decimal.RequireFromString("4500"), Currency: "NGN",
	}).Return(nil).Once()

	res, err := a.Reconcile(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderPaid, res.Outcome)
	assert.Equal(t, "77", res.OrderID)
	orders.AssertExpectations(t)
	cred.AssertNotCalled(t, "Credit", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcile_RetriesTransientFailures(t *testing.T) {
	cred := &mockCrediter{}
	a := NewAdapter(cred, WithRetry(3, time.Millisecond))

	cred.On("Credit", mock.Anything, "client-1", mock.Anything, mock.Anything).
		Return(wallet.CreditResult{}, fmt.Errorf("%w: lock timeout", domain.ErrTransient)).Twice()
	cred.On("Credit", mock.Anything, "client-1", mock.Anything, mock.Anything).
		Return(wallet.CreditResult{Entry: domain.Entry{ID: "e1"}}, nil).Once()

	res, err := a.Reconcile(context.Background(), topUp("R7", "client-1", "10"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCredited, res.Outcome)
	cred.AssertNumberOfCalls(t, "Credit", 3)
}

func TestReconcile_GivesUpAfterMaxAttempts(t *testing.T) {
	cred := &mockCrediter{}
	a := NewAdapter(cred, WithRetry(2, time.Millisecond))

	cred.On("Credit", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(wallet.CreditResult{}, domain.ErrTransient)

	_, err := a.Reconcile(context.Background(), topUp("R8", "client-1", "10"))
	assert.ErrorIs(t, err, domain.ErrTransient)
	cred.AssertNumberOfCalls(t, "Credit", 2)
}

func TestReconcile_WebhookAndRedirectCollapseIntoOneCredit(t *testing.T) {
	st := store.NewMemory()
	rec := &events.Recorder{}
	w := wallet.NewService(st, "NGN", wallet.WithEvents(events.NewEmitter(dispatch.Inline{}, rec)))
	a := NewAdapter(w)
	ctx := context.Background()

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 6)
	for i := 0; i < 6; i++ {
		p := topUp("R1", "client-1", "1000")
		if i%2 == 1 {
			p.Source = SourceRedirect
			p.Event = ""
		}
		wg.Add(1)
		go func(p VerifiedPayment) {
			defer wg.Done()
			res, err := a.Reconcile(ctx, p)
			assert.NoError(t, err)
			outcomes <- res.Outcome
		}(p)
	}
	wg.Wait()
	close(outcomes)

	credited := 0
	for o := range outcomes {
		if o == OutcomeCredited {
			credited++
		}
	}
	assert.Equal(t, 1, credited)

	bal, err := w.GetBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.RequireFromString("1000")))
	assert.Len(t, rec.OfType(events.WalletCredited), 1)
}

func TestConfirmPayout(t *testing.T) {
	payouts := &mockPayouts{}
	a := NewAdapter(&mockCrediter{}, WithPayouts(payouts))
	ctx := context.Background()
	wd1, wd2, wd3 := uuid.NewString(), uuid.NewString(), uuid.NewString()

	payouts.On("MarkPaid", mock.Anything, wd1, "provider:paystack", withdrawal.MarkPaidOptions{
		Provider: domain.ProviderPaystack, ProviderReference: "TRF-1", Note: "confirmed by transfer.success",
	}).Return(withdrawal.Result{Outcome: withdrawal.OutcomePaid, Request: domain.WithdrawalRequest{ClientID: "c"}}, nil).Once()

	res, err := a.ConfirmPayout(ctx, PayoutConfirmation{
		Provider: domain.ProviderPaystack, Reference: "TRF-1", WithdrawalID: wd1, Status: "success", Event: "transfer.success",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomePayoutConfirmed, res.Outcome)
	assert.Equal(t, "c", res.ClientID)

	res, err = a.ConfirmPayout(ctx, PayoutConfirmation{Provider: domain.ProviderPaystack, Reference: "TRF-2", Status: "failed", WithdrawalID: wd2})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	payouts.On("MarkPaid", mock.Anything, wd3, mock.Anything, mock.Anything).
		Return(withdrawal.Result{}, domain.ErrInvalidStateTransition).Once()
	res, err = a.ConfirmPayout(ctx, PayoutConfirmation{Provider: domain.ProviderPaystack, Reference: "TRF-3", Status: "success", WithdrawalID: wd3})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	payouts.AssertExpectations(t)
}

func TestConfirmPayout_MalformedWithdrawalIDIsAcknowledged(t *testing.T) {
	payouts := &mockPayouts{}
	a := NewAdapter(&mockCrediter{}, WithPayouts(payouts))

	res, err := a.ConfirmPayout(context.Background(), PayoutConfirmation{
		Provider: domain.ProviderFlutterwave, Reference: "TRF-17", WithdrawalID: "WD-17", Status: "successful", Event: "transfer.completed",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	payouts.AssertNotCalled(t, "MarkPaid", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestInitTopUp(t *testing.T) {
	repo := audit.NewMemoryRepo()
	a := NewAdapter(&mockCrediter{}, WithAudit(audit.NewService(repo, nil)))
	ctx := context.Background()

	intent, err := a.InitTopUp(ctx, "client-1", decimal.RequireFromString("2500"), domain.ProviderFlutterwave)
	require.NoError(t, err)
	assert.Regexp(t, `^TOPUP-[0-9A-Z]{26}$`, intent.Reference)
	assert.Equal(t, "NGN", intent.Currency)
	assert.Equal(t, "wallet_topup", intent.Metadata["purpose"])
	assert.Equal(t, "client-1", intent.Metadata["clientId"])

	recs := repo.ByReference("flutterwave", intent.Reference)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.EventInit, recs[0].Event)

	_, err = a.InitTopUp(ctx, "client-1", decimal.RequireFromString("10"), domain.ProviderAdmin)
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = a.InitTopUp(ctx, "client-1", decimal.Zero, domain.ProviderPaystack)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
