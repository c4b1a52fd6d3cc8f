package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"marketplace-wallet/internal/dispatch"
	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/events"
	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func amt(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store   *store.Memory
	svc     *Service
	events  *events.Recorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st := store.NewMemory()
	rec := &events.Recorder{}
	m := metrics.New()
	svc := NewService(st, "NGN",
		WithEvents(events.NewEmitter(dispatch.Inline{}, rec)),
		WithMetrics(m),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	)
	return fixture{store: st, svc: svc, events: rec, metrics: m}
}

func (f fixture) seed(t *testing.T, clientID, amount string) {
	t.Helper()
	_, err := f.svc.Credit(context.Background(), clientID, amt(amount), CreditMeta{
		Reason: domain.ReasonManualCredit, Provider: domain.ProviderAdmin, ProviderReference: "seed-" + clientID,
	})
	require.NoError(t, err)
}

func TestCredit_ConcurrentDuplicateDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	results := make([]CreditResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Credit(ctx, "client-1", amt("1000"), CreditMeta{
				Reason: domain.ReasonTopUp, Provider: domain.ProviderPaystack, ProviderReference: "R1",
			})
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			applied++
		}
		assert.Equal(t, results[0].Entry.ID, results[i].Entry.ID, "every caller sees the same entry")
	}
	assert.Equal(t, 1, applied)

	bal, err := f.svc.GetBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("1000")), "balance %s", bal)

	hist, err := f.svc.History(ctx, "client-1", 50, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Len(t, f.events.OfType(events.WalletCredited), 1)
}

func TestCredit_SameReferenceDifferentProviderIsDistinct(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Credit(ctx, "client-1", amt("100"), CreditMeta{Provider: domain.ProviderPaystack, ProviderReference: "X"})
	require.NoError(t, err)
	res, err := f.svc.Credit(ctx, "client-1", amt("100"), CreditMeta{Provider: domain.ProviderFlutterwave, ProviderReference: "X"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.True(t, res.Balance.Equal(amt("200")))
}

func TestCredit_WithoutReferenceIsNeverDeduplicated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Credit(ctx, "client-1", amt("50"), CreditMeta{Reason: domain.ReasonRefund})
		require.NoError(t, err)
	}
	bal, err := f.svc.GetBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("100")))
}

func TestDebitIfEnough_SecondDebitFailsWithoutError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "client-1", "500")

	first, err := f.svc.DebitIfEnough(ctx, "client-1", amt("500"), DebitMeta{OrderID: "order-1"})
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.True(t, first.Balance.IsZero())

	second, err := f.svc.DebitIfEnough(ctx, "client-1", amt("500"), DebitMeta{OrderID: "order-2"})
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.True(t, second.Balance.IsZero())
	assert.Empty(t, second.Entry.ID)

	hist, err := f.svc.History(ctx, "client-1", 50, 0)
	require.NoError(t, err)
	assert.Len(t, hist, 2, "seed credit plus one debit")
}

func TestDebitIfEnough_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "client-1", "1000")

	const n = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.DebitIfEnough(ctx, "client-1", amt("300"), DebitMeta{})
			assert.NoError(t, err)
			if res.Success {
				mu.Lock()
				success++
				mu.Unlock()
			}
			assert.False(t, res.Balance.IsNegative())
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, success)
	bal, err := f.svc.GetBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("100")), "balance %s", bal)
}

func TestDebitIfEnough_ReferenceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "client-1", "1000")

	meta := DebitMeta{Provider: domain.ProviderWallet, ProviderReference: "ORDER-9", OrderID: "9"}
	first, err := f.svc.DebitIfEnough(ctx, "client-1", amt("400"), meta)
	require.NoError(t, err)
	again, err := f.svc.DebitIfEnough(ctx, "client-1", amt("400"), meta)
	require.NoError(t, err)

	assert.True(t, again.Success)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)
	assert.True(t, again.Balance.Equal(amt("600")))
}

func TestDebitIfEnough_ReferenceOfAnotherClientConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "alice", "1000")
	f.seed(t, "bob", "1000")

	_, err := f.svc.DebitIfEnough(ctx, "alice", amt("400"), DebitMeta{ProviderReference: "R1", OrderID: "A-1"})
	require.NoError(t, err)

	res, err := f.svc.DebitIfEnough(ctx, "bob", amt("900"), DebitMeta{ProviderReference: "R1", OrderID: "B-7"})
	require.ErrorIs(t, err, domain.ErrReferenceConflict)
	assert.False(t, res.Success)
	assert.Empty(t, res.Entry.ClientID, "no foreign entry in the result")

	bal, err := f.svc.GetBalance(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("1000")), "balance %s", bal)
}

func TestDebitIfEnough_ReferenceReusedForNewOrderConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "alice", "1000")

	_, err := f.svc.DebitIfEnough(ctx, "alice", amt("400"), DebitMeta{ProviderReference: "R1", OrderID: "A-1"})
	require.NoError(t, err)

	_, err = f.svc.DebitIfEnough(ctx, "alice", amt("500"), DebitMeta{ProviderReference: "R1", OrderID: "A-2"})
	require.ErrorIs(t, err, domain.ErrReferenceConflict)
	_, err = f.svc.DebitIfEnough(ctx, "alice", amt("500"), DebitMeta{ProviderReference: "R1", OrderID: "A-1"})
	require.ErrorIs(t, err, domain.ErrReferenceConflict, "same order, different amount")

	bal, err := f.svc.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("600")), "balance %s", bal)
	assert.Len(t, f.events.OfType(events.WalletDebited), 1)
}

// blindStore hides committed entries from the in-transaction reference lookup,
// so inserts fall through to the unique key check as they would when a
// concurrent writer on another account commits first.
type blindStore struct{ *store.Memory }

func (b blindStore) InTx(ctx context.Context, fn store.TxFunc) error {
	return b.Memory.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, blindTx{tx})
	})
}

type blindTx struct{ store.Tx }

func (t blindTx) Entries() store.EntryRepository { return blindEntries{t.Tx.Entries()} }

type blindEntries struct{ store.EntryRepository }

func (blindEntries) FindByReference(context.Context, domain.Provider, string, domain.Direction) (domain.Entry, bool, error) {
	return domain.Entry{}, false, nil
}

func TestUniqueKeyCollisionIsReportedAsDuplicate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "client-1", "1000")

	credit := CreditMeta{Provider: domain.ProviderPaystack, ProviderReference: "PS-1"}
	first, err := f.svc.Credit(ctx, "client-1", amt("250"), credit)
	require.NoError(t, err)
	debit := DebitMeta{ProviderReference: "ORDER-1", OrderID: "1"}
	paid, err := f.svc.DebitIfEnough(ctx, "client-1", amt("100"), debit)
	require.NoError(t, err)

	blind := NewService(blindStore{f.store}, "NGN", WithEvents(events.NewEmitter(dispatch.Inline{}, f.events)))

	again, err := blind.Credit(ctx, "client-1", amt("250"), credit)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.Entry.ID, again.Entry.ID)

	repaid, err := blind.DebitIfEnough(ctx, "client-1", amt("100"), debit)
	require.NoError(t, err)
	assert.True(t, repaid.Success)
	assert.True(t, repaid.Duplicate)
	assert.Equal(t, paid.Entry.ID, repaid.Entry.ID)

	_, err = blind.DebitIfEnough(ctx, "client-1", amt("100"), DebitMeta{ProviderReference: "ORDER-1", OrderID: "2"})
	require.ErrorIs(t, err, domain.ErrReferenceConflict)

	bal, err := f.svc.GetBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("1150")), "balance %s", bal)
	assert.Len(t, f.events.OfType(events.WalletCredited), 2)
	assert.Len(t, f.events.OfType(events.WalletDebited), 1)
}

func TestCreditThenDebit_RoundTripsBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "client-1", "250.50")

	_, err := f.svc.Credit(ctx, "client-1", amt("99.99"), CreditMeta{Provider: domain.ProviderPaystack, ProviderReference: "T-1"})
	require.NoError(t, err)
	res, err := f.svc.DebitIfEnough(ctx, "client-1", amt("99.99"), DebitMeta{})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.True(t, res.Balance.Equal(amt("250.50")))

	hist, err := f.svc.History(ctx, "client-1", 50, 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	assert.Equal(t, domain.DirectionDebit, hist[0].Direction, "newest first")
	assert.True(t, hist[0].BalanceAfter.Equal(amt("250.50")))
	assert.True(t, hist[1].BalanceAfter.Equal(amt("350.49")))
}

func TestBalanceMatchesLedgerSum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "client-1", "1000")

	for _, a := range []string{"10", "20.25", "300"} {
		_, err := f.svc.DebitIfEnough(ctx, "client-1", amt(a), DebitMeta{})
		require.NoError(t, err)
	}
	_, err := f.svc.Credit(ctx, "client-1", amt("5.5"), CreditMeta{Reason: domain.ReasonRefund})
	require.NoError(t, err)

	hist, err := f.svc.History(ctx, "client-1", 100, 0)
	require.NoError(t, err)
	sum := decimal.Zero
	for _, e := range hist {
		sum = sum.Add(e.Signed())
	}
	bal, err := f.svc.GetBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, sum.Equal(bal), "ledger sum %s balance %s", sum, bal)
}

func TestMutationsValidateBeforeIO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name string
		call func() error
	}{
		{"zero credit", func() error {
			_, err := f.svc.Credit(ctx, "client-1", decimal.Zero, CreditMeta{})
			return err
		}},
		{"negative debit", func() error {
			_, err := f.svc.DebitIfEnough(ctx, "client-1", amt("-1"), DebitMeta{})
			return err
		}},
		{"sub-cent credit", func() error {
			_, err := f.svc.Credit(ctx, "client-1", amt("1.005"), CreditMeta{})
			return err
		}},
		{"missing client", func() error {
			_, err := f.svc.Credit(ctx, " ", amt("1"), CreditMeta{})
			return err
		}},
		{"debit reason on credit", func() error {
			_, err := f.svc.Credit(ctx, "client-1", amt("1"), CreditMeta{Reason: domain.ReasonPurchase})
			return err
		}},
		{"reference without provider", func() error {
			_, err := f.svc.Credit(ctx, "client-1", amt("1"), CreditMeta{ProviderReference: "R"})
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.call(), domain.ErrValidation)
		})
	}

	_, err := f.store.AccountByClient(ctx, "client-1")
	assert.ErrorIs(t, err, domain.ErrNotFound, "no account is created by rejected calls")
}

func TestCredit_RollsBackWhenCommitFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "client-1", "100")

	boom := errors.New("commit failed")
	f.store.BeforeCommit = func() error { return boom }
	_, err := f.svc.Credit(ctx, "client-1", amt("50"), CreditMeta{Provider: domain.ProviderPaystack, ProviderReference: "R-fail"})
	require.ErrorIs(t, err, boom)
	f.store.BeforeCommit = nil

	bal, err := f.svc.GetBalance(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(amt("100")))
	_, found, err := f.store.FindEntryByReference(ctx, domain.ProviderPaystack, "R-fail", domain.DirectionCredit)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, f.events.OfType(events.WalletCredited), 1, "only the seed credit is announced")

	res, err := f.svc.Credit(ctx, "client-1", amt("50"), CreditMeta{Provider: domain.ProviderPaystack, ProviderReference: "R-fail"})
	require.NoError(t, err)
	assert.False(t, res.Duplicate, "retry after rollback applies")
}

func TestInTx_LockTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	f.store.LockTimeout = 20 * time.Millisecond

	hold := make(chan struct{})
	entered := make(chan struct{})
	go func() {
		_ = f.store.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered
	defer close(hold)

	_, err := f.svc.Credit(context.Background(), "client-1", amt("1"), CreditMeta{})
	assert.ErrorIs(t, err, domain.ErrTransient)
}

func TestHistory_DoesNotCreateAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	hist, err := f.svc.History(ctx, "ghost", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, hist)
	_, err = f.store.AccountByClient(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAdminCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.AdminCredit(ctx, "client-1", AdminCreditRequest{AdminID: "admin-1", Amount: amt("10")})
	assert.ErrorIs(t, err, domain.ErrValidation, "reference is required")

	_, err = f.svc.AdminCredit(ctx, "client-1", AdminCreditRequest{AdminID: "admin-1", Amount: amt("10"), Reference: "A", Reason: domain.ReasonTopUp})
	assert.ErrorIs(t, err, domain.ErrValidation)

	req := AdminCreditRequest{AdminID: "admin-1", Amount: amt("75"), Reason: domain.ReasonRefund, Reference: "REFUND-1", OrderID: "o-1"}
	first, err := f.svc.AdminCredit(ctx, "client-1", req)
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderAdmin, first.Entry.Provider)
	assert.Equal(t, "o-1", first.Entry.RelatedOrderID)

	again, err := f.svc.AdminCredit(ctx, "client-1", req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.True(t, again.Balance.Equal(amt("75")))
}

func TestExternalIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.LockExternalIdentifier(ctx, "client-1")
	assert.ErrorIs(t, err, domain.ErrValidation, "nothing to lock yet")

	a, err := f.svc.SetExternalIdentifier(ctx, "client-1", "+2348000000001")
	require.NoError(t, err)
	assert.Equal(t, "+2348000000001", a.ExternalIdentifier)

	a, err = f.svc.SetExternalIdentifier(ctx, "client-1", "+2348000000002")
	require.NoError(t, err)
	assert.False(t, a.IdentifierLocked)

	a, err = f.svc.LockExternalIdentifier(ctx, "client-1")
	require.NoError(t, err)
	assert.True(t, a.IdentifierLocked)
	_, err = f.svc.LockExternalIdentifier(ctx, "client-1")
	require.NoError(t, err)

	_, err = f.svc.SetExternalIdentifier(ctx, "client-1", "+2348000000003")
	assert.ErrorIs(t, err, domain.ErrIdentifierLocked)
	_, err = f.svc.SetExternalIdentifier(ctx, "client-1", "+2348000000002")
	assert.NoError(t, err, "re-setting the locked value is a no-op")
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "client-1", "42")

	sum, err := f.svc.Summary(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, "NGN", sum.Currency)
	assert.True(t, sum.Balance.Equal(amt("42")))
	assert.NotEmpty(t, sum.AccountID)
}
