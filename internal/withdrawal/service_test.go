package withdrawal

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketplace-wallet/internal/dispatch"
	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/events"
	"marketplace-wallet/internal/store"
	"marketplace-wallet/internal/wallet"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var bank = domain.Destination{BankCode: "058", BankName: "GTBank", AccountNumber: "0123456789", AccountName: "Ada Obi"}

type harness struct {
	store  *store.Memory
	wallet *wallet.Service
	svc    *Service
	events *events.Recorder
	now    time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		store:  store.NewMemory(),
		events: &events.Recorder{},
		now:    time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }
	em := events.NewEmitter(dispatch.Inline{}, h.events)
	h.wallet = wallet.NewService(h.store, "NGN", wallet.WithEvents(em), wallet.WithClock(clock))
	if cfg.Currency == "" {
		cfg.Currency = "NGN"
	}
	h.svc = NewService(h.store, h.wallet, cfg, WithEvents(em), WithClock(clock))
	return h
}

func defaultConfig() Config {
	return Config{
		Min:          amt("1000"),
		KYCThreshold: amt("50000"),
		DailyCap:     amt("200000"),
		WeeklyCap:    amt("500000"),
	}
}

func (h *harness) fund(t *testing.T, clientID, amount string) {
	t.Helper()
	_, err := h.wallet.Credit(context.Background(), clientID, amt(amount), wallet.CreditMeta{Reason: domain.ReasonTopUp})
	require.NoError(t, err)
}

func (h *harness) create(t *testing.T, clientID, amount string) domain.WithdrawalRequest {
	t.Helper()
	w, err := h.svc.Create(context.Background(), CreateRequest{
		ClientID: clientID, Amount: amt(amount), Method: domain.MethodBankTransfer, Destination: bank,
	})
	require.NoError(t, err)
	return w
}

func (h *harness) withdrawalDebits(t *testing.T, clientID string) []domain.Entry {
	t.Helper()
	hist, err := h.wallet.History(context.Background(), clientID, 100, 0)
	require.NoError(t, err)
	var out []domain.Entry
	for _, e := range hist {
		if e.Reason == domain.ReasonWithdrawal {
			out = append(out, e)
		}
	}
	return out
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing client", CreateRequest{Amount: amt("5000"), Method: domain.MethodBankTransfer, Destination: bank}},
		{"zero amount", CreateRequest{ClientID: "c", Amount: decimal.Zero, Method: domain.MethodBankTransfer, Destination: bank}},
		{"unknown method", CreateRequest{ClientID: "c", Amount: amt("5000"), Method: "cheque", Destination: bank}},
		{"bank without account number", CreateRequest{ClientID: "c", Amount: amt("5000"), Method: domain.MethodBankTransfer,
			Destination: domain.Destination{BankCode: "058", AccountName: "Ada"}}},
		{"mobile money bad phone", CreateRequest{ClientID: "c", Amount: amt("5000"), Method: domain.MethodMobileMoney,
			Destination: domain.Destination{Network: "MTN", PhoneNumber: "0803"}}},
		{"below minimum", CreateRequest{ClientID: "c", Amount: amt("999.99"), Method: domain.MethodBankTransfer, Destination: bank}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.Create(ctx, tc.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	list, err := h.svc.List(ctx, domain.WithdrawalFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreate_MobileMoneyKeepsOnlyMobileFields(t *testing.T) {
	h := newHarness(t, defaultConfig())
	w, err := h.svc.Create(context.Background(), CreateRequest{
		ClientID: "c", Amount: amt("2000"), Method: domain.MethodMobileMoney,
		Destination: domain.Destination{Network: "MTN", PhoneNumber: "+2348031234567", BankCode: "stray"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, w.Status)
	assert.Empty(t, w.Destination.BankCode)
	assert.Equal(t, "+2348031234567", w.Destination.PhoneNumber)
}

func TestCreate_KYCThreshold(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	_, err := h.svc.Create(ctx, CreateRequest{ClientID: "c", Amount: amt("50000"), Method: domain.MethodBankTransfer, Destination: bank})
	assert.ErrorIs(t, err, domain.ErrKYCRequired, "amount equal to the threshold needs KYC")

	h.create(t, "c", "49999.99")

	h.store.SetKYC("c", true)
	h.create(t, "c", "50000")
}

func TestCreate_WeeklyCapRejectsBeforeAnyRow(t *testing.T) {
	h := newHarness(t, defaultConfig())
	h.store.SetKYC("c", true)

	_, err := h.svc.Create(context.Background(), CreateRequest{
		ClientID: "c", Amount: amt("600000"), Method: domain.MethodBankTransfer, Destination: bank,
	})
	require.ErrorIs(t, err, domain.ErrLimitExceeded)

	list, err := h.svc.ListForClient(context.Background(), "c", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreate_RollingCaps(t *testing.T) {
	cfg := defaultConfig()
	cfg.DailyCap = amt("100000")
	cfg.WeeklyCap = amt("250000")
	h := newHarness(t, cfg)
	h.store.SetKYC("c", true)
	ctx := context.Background()

	h.create(t, "c", "60000")
	h.create(t, "c", "40000")

	_, err := h.svc.Create(ctx, CreateRequest{ClientID: "c", Amount: amt("1000"), Method: domain.MethodBankTransfer, Destination: bank})
	var le *domain.LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, domain.WindowDaily, le.Window)
	assert.True(t, le.Used.Equal(amt("100000")))

	// Next day the daily window has rolled but the weekly one has not.
	h.now = h.now.Add(25 * time.Hour)
	h.create(t, "c", "100000")
	h.now = h.now.Add(25 * time.Hour)
	h.create(t, "c", "50000")

	_, err = h.svc.Create(ctx, CreateRequest{ClientID: "c", Amount: amt("1000"), Method: domain.MethodBankTransfer, Destination: bank})
	require.ErrorAs(t, err, &le)
	assert.Equal(t, domain.WindowWeekly, le.Window)
}

func TestCreate_DeclinedRequestsDoNotCountAgainstCaps(t *testing.T) {
	cfg := defaultConfig()
	cfg.DailyCap = amt("10000")
	h := newHarness(t, cfg)
	ctx := context.Background()

	w := h.create(t, "c", "10000")
	_, err := h.svc.Decline(ctx, w.ID, "admin-1", "wrong account")
	require.NoError(t, err)

	h.create(t, "c", "10000")
}

func TestCreate_ConcurrentRequestsRespectCap(t *testing.T) {
	cfg := defaultConfig()
	cfg.DailyCap = amt("10000")
	h := newHarness(t, cfg)
	ctx := context.Background()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Create(ctx, CreateRequest{ClientID: "c", Amount: amt("4000"), Method: domain.MethodBankTransfer, Destination: bank})
			if err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, domain.ErrLimitExceeded)
		}()
	}
	wg.Wait()
	assert.Equal(t, 2, ok)
}

func TestApprove_MarkPaidTooTakesOneDebit(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "10000")
	w := h.create(t, "c", "4000")

	res, err := h.svc.Approve(ctx, w.ID, "admin-1", ApproveOptions{MarkPaidToo: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Equal(t, domain.WithdrawalPaid, res.Request.Status)
	require.NotNil(t, res.Entry)
	assert.Equal(t, w.ID, res.Entry.RelatedWithdrawalID)
	assert.Equal(t, res.Entry.ID, res.Request.DebitEntryID)
	assert.True(t, res.Balance.Equal(amt("6000")))

	assert.Len(t, h.withdrawalDebits(t, "c"), 1)
	assert.Len(t, h.events.OfType(events.WithdrawalPaid), 1)
	assert.Len(t, h.events.OfType(events.WalletDebited), 1)
}

func TestApproveThenMarkPaid_ExactlyOneDebit(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "10000")
	w := h.create(t, "c", "4000")

	approved, err := h.svc.Approve(ctx, w.ID, "admin-1", ApproveOptions{Note: "ok"})
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalApproved, approved.Request.Status)

	paid, err := h.svc.MarkPaid(ctx, w.ID, "admin-2", MarkPaidOptions{Provider: domain.ProviderPaystack, ProviderReference: "TRF-1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, paid.Outcome)
	assert.Nil(t, paid.Entry, "debit was already taken at approval")
	assert.Equal(t, approved.Request.DebitEntryID, paid.Request.DebitEntryID)
	assert.Equal(t, "TRF-1", paid.Request.ProviderReference)

	again, err := h.svc.MarkPaid(ctx, w.ID, "admin-2", MarkPaidOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyPaid, again.Outcome)

	assert.Len(t, h.withdrawalDebits(t, "c"), 1)
	bal, err := h.wallet.GetBalance(ctx, "c")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("6000")))
}

func TestMarkPaid_AloneDebitsOnce(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "5000")
	w := h.create(t, "c", "5000")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.MarkPaid(ctx, w.ID, "admin-1", MarkPaidOptions{ProviderReference: "PAYOUT-7"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	debits := h.withdrawalDebits(t, "c")
	require.Len(t, debits, 1)
	assert.Equal(t, domain.ProviderPayout, debits[0].Provider)
	bal, err := h.wallet.GetBalance(ctx, "c")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestMarkPaid_ReusesDebitFoundByReference(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "9000")
	w := h.create(t, "c", "3000")

	_, err := h.svc.Approve(ctx, w.ID, "admin-1", ApproveOptions{Provider: domain.ProviderFlutterwave, ProviderReference: "FLW-9"})
	require.NoError(t, err)

	res, err := h.svc.MarkPaid(ctx, w.ID, "admin-1", MarkPaidOptions{Provider: domain.ProviderFlutterwave, ProviderReference: "FLW-9"})
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, res.Outcome)
	assert.Len(t, h.withdrawalDebits(t, "c"), 1)
}

func TestMarkPaid_ReferenceOfAnotherRequestConflicts(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "9000")
	first := h.create(t, "c", "2000")
	second := h.create(t, "c", "2000")

	_, err := h.svc.Approve(ctx, first.ID, "admin-1", ApproveOptions{MarkPaidToo: true, ProviderReference: "SAME"})
	require.NoError(t, err)

	_, err = h.svc.MarkPaid(ctx, second.ID, "admin-1", MarkPaidOptions{ProviderReference: "SAME"})
	assert.ErrorIs(t, err, domain.ErrReferenceConflict)

	got, err := h.svc.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, got.Status)
}

func TestApprove_InsufficientFundsChangesNothing(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "1500")
	w := h.create(t, "c", "2000")

	res, err := h.svc.Approve(ctx, w.ID, "admin-1", ApproveOptions{MarkPaidToo: true})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientFunds, res.Outcome)
	assert.True(t, res.Balance.Equal(amt("1500")))

	got, err := h.svc.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalPending, got.Status)
	assert.Empty(t, h.withdrawalDebits(t, "c"))

	res, err = h.svc.MarkPaid(ctx, w.ID, "admin-1", MarkPaidOptions{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeInsufficientFunds, res.Outcome)
}

func TestApprove_RequiresPending(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "9000")
	w := h.create(t, "c", "2000")

	_, err := h.svc.Approve(ctx, w.ID, "admin-1", ApproveOptions{})
	require.NoError(t, err)
	_, err = h.svc.Approve(ctx, w.ID, "admin-1", ApproveOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	_, err = h.svc.Approve(ctx, "missing", "admin-1", ApproveOptions{})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.svc.Approve(ctx, w.ID, "", ApproveOptions{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecline(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "c", "9000")
	w := h.create(t, "c", "2000")

	declined, err := h.svc.Decline(ctx, w.ID, "admin-1", " bank details mismatch ")
	require.NoError(t, err)
	assert.Equal(t, domain.WithdrawalDeclined, declined.Status)
	assert.Equal(t, "bank details mismatch", declined.AdminNote)

	_, err = h.svc.Decline(ctx, w.ID, "admin-1", "")
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	_, err = h.svc.MarkPaid(ctx, w.ID, "admin-1", MarkPaidOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)
	_, err = h.svc.Approve(ctx, w.ID, "admin-1", ApproveOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidStateTransition)

	assert.Empty(t, h.withdrawalDebits(t, "c"))
	bal, err := h.wallet.GetBalance(ctx, "c")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("9000")))
	assert.Len(t, h.events.OfType(events.WithdrawalDeclined), 1)
}

func TestList(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	h.fund(t, "a", "9000")

	first := h.create(t, "a", "1000")
	h.now = h.now.Add(time.Minute)
	h.create(t, "a", "1500")
	h.create(t, "b", "2000")
	_, err := h.svc.Approve(ctx, first.ID, "admin-1", ApproveOptions{})
	require.NoError(t, err)

	mine, err := h.svc.ListForClient(ctx, "a", 0, 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.True(t, mine[0].Amount.Equal(amt("1500")), "newest first")

	pending, err := h.svc.List(ctx, domain.WithdrawalFilter{Status: domain.WithdrawalPending})
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	_, err = h.svc.List(ctx, domain.WithdrawalFilter{Status: "lost"})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
