package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"marketplace-wallet/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store with the same contract as Postgres.
// One transaction runs at a time; it works on a copy of the state that
// replaces the committed state only when fn succeeds. Intended for tests and local runs.
type Memory struct {
	sem   chan struct{}
	state *memState

	// LockTimeout bounds how long InTx waits for the store lock. Zero waits for ctx.
	LockTimeout time.Duration

	// BeforeCommit, when set, runs after fn succeeds and can force a rollback.
	BeforeCommit func() error
}

type memState struct {
	accounts    map[string]domain.Account // by client id
	entries     []domain.Entry
	withdrawals map[string]domain.WithdrawalRequest
	kyc         map[string]bool
}

func NewMemory() *Memory {
	m := &Memory{
		sem: make(chan struct{}, 1),
		state: &memState{
			accounts:    map[string]domain.Account{},
			withdrawals: map[string]domain.WithdrawalRequest{},
			kyc:         map[string]bool{},
		},
	}
	return m
}

func (s *memState) clone() *memState {
	out := &memState{
		accounts:    make(map[string]domain.Account, len(s.accounts)),
		entries:     make([]domain.Entry, len(s.entries)),
		withdrawals: make(map[string]domain.WithdrawalRequest, len(s.withdrawals)),
		kyc:         make(map[string]bool, len(s.kyc)),
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	copy(out.entries, s.entries)
	for k, v := range s.withdrawals {
		out.withdrawals[k] = v
	}
	for k, v := range s.kyc {
		out.kyc[k] = v
	}
	return out
}

func (m *Memory) acquire(ctx context.Context) error {
	if m.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.LockTimeout)
		defer cancel()
	}
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
	}
}

func (m *Memory) release() { <-m.sem }

func (m *Memory) InTx(ctx context.Context, fn TxFunc) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	work := m.state.clone()
	if err := fn(ctx, &memTx{st: work}); err != nil {
		return err
	}
	if m.BeforeCommit != nil {
		if err := m.BeforeCommit(); err != nil {
			return err
		}
	}
	m.state = work
	return nil
}

// read runs fn against the committed state.
func (m *Memory) read(ctx context.Context, fn func(st *memState) error) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()
	return fn(m.state)
}

// SetKYC marks a client's KYC verification flag.
func (m *Memory) SetKYC(clientID string, verified bool) {
	_ = m.read(context.Background(), func(st *memState) error {
		st.kyc[clientID] = verified
		return nil
	})
}

// --- Reader ---

func (m *Memory) AccountByClient(ctx context.Context, clientID string) (domain.Account, error) {
	var out domain.Account
	err := m.read(ctx, func(st *memState) error {
		a, ok := st.accounts[clientID]
		if !ok {
			return domain.ErrNotFound
		}
		out = a
		return nil
	})
	return out, err
}

func (m *Memory) FindEntryByReference(ctx context.Context, provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool, error) {
	var (
		out   domain.Entry
		found bool
	)
	err := m.read(ctx, func(st *memState) error {
		out, found = st.findByReference(provider, ref, dir)
		return nil
	})
	return out, found, err
}

func (m *Memory) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]domain.Entry, error) {
	out := make([]domain.Entry, 0)
	err := m.read(ctx, func(st *memState) error {
		for i := len(st.entries) - 1; i >= 0; i-- {
			if st.entries[i].AccountID == accountID {
				out = append(out, st.entries[i])
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, limit, offset), nil
}

func (m *Memory) EntriesBetween(ctx context.Context, clientID string, from, to time.Time) ([]domain.Entry, error) {
	out := make([]domain.Entry, 0)
	err := m.read(ctx, func(st *memState) error {
		for _, e := range st.entries {
			if clientID != "" && e.ClientID != clientID {
				continue
			}
			if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (m *Memory) WithdrawalByID(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	var out domain.WithdrawalRequest
	err := m.read(ctx, func(st *memState) error {
		w, ok := st.withdrawals[id]
		if !ok {
			return domain.ErrNotFound
		}
		out = w
		return nil
	})
	return out, err
}

func (m *Memory) ListWithdrawals(ctx context.Context, f domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error) {
	out := make([]domain.WithdrawalRequest, 0)
	err := m.read(ctx, func(st *memState) error {
		for _, w := range st.withdrawals {
			if f.ClientID != "" && w.ClientID != f.ClientID {
				continue
			}
			if f.Status != "" && w.Status != f.Status {
				continue
			}
			out = append(out, w)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, f.Limit, f.Offset), nil
}

func (m *Memory) KYCVerified(ctx context.Context, clientID string) (bool, error) {
	var ok bool
	err := m.read(ctx, func(st *memState) error {
		ok = st.kyc[clientID]
		return nil
	})
	return ok, err
}

func page[T any](in []T, limit, offset int) []T {
	limit, offset = domain.NormalizePage(limit, offset)
	if offset >= len(in) {
		return []T{}
	}
	end := offset + limit
	if end > len(in) {
		end = len(in)
	}
	return in[offset:end]
}

// --- transaction ---

type memTx struct {
	st *memState
}

func (t *memTx) Accounts() AccountRepository       { return memAccounts{st: t.st} }
func (t *memTx) Entries() EntryRepository          { return memEntries{st: t.st} }
func (t *memTx) Withdrawals() WithdrawalRepository { return memWithdrawals{st: t.st} }

func (t *memTx) KYCVerified(ctx context.Context, clientID string) (bool, error) {
	return t.st.kyc[clientID], nil
}

type memAccounts struct{ st *memState }

func (r memAccounts) GetOrCreate(ctx context.Context, clientID string, now time.Time) (domain.Account, error) {
	if a, ok := r.st.accounts[clientID]; ok {
		return a, nil
	}
	a := domain.Account{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Balance:   decimal.Zero,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.st.accounts[clientID] = a
	return a, nil
}

// LockByClient needs no extra work: the whole transaction already holds the store lock.
func (r memAccounts) LockByClient(ctx context.Context, clientID string, now time.Time) (domain.Account, error) {
	return r.GetOrCreate(ctx, clientID, now)
}

func (r memAccounts) byID(accountID string) (domain.Account, bool) {
	for _, a := range r.st.accounts {
		if a.ID == accountID {
			return a, true
		}
	}
	return domain.Account{}, false
}

func (r memAccounts) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, now time.Time) (domain.Account, error) {
	a, ok := r.byID(accountID)
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	next := a.Balance.Add(delta)
	if next.IsNegative() {
		return domain.Account{}, fmt.Errorf("apply delta %s: %w", delta.StringFixed(2), domain.ErrInsufficientFunds)
	}
	a.Balance = next
	a.UpdatedAt = now
	r.st.accounts[a.ClientID] = a
	return a, nil
}

func (r memAccounts) SetIdentifier(ctx context.Context, accountID, identifier string, locked bool, now time.Time) (domain.Account, error) {
	a, ok := r.byID(accountID)
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	a.ExternalIdentifier = identifier
	a.IdentifierLocked = locked
	a.UpdatedAt = now
	r.st.accounts[a.ClientID] = a
	return a, nil
}

type memEntries struct{ st *memState }

func (s *memState) findByReference(provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool) {
	if ref == "" {
		return domain.Entry{}, false
	}
	for _, e := range s.entries {
		if e.Provider == provider && e.ProviderReference == ref && e.Direction == dir {
			return e, true
		}
	}
	return domain.Entry{}, false
}

func (r memEntries) FindByReference(ctx context.Context, provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool, error) {
	e, ok := r.st.findByReference(provider, ref, dir)
	return e, ok, nil
}

func (r memEntries) FindByWithdrawal(ctx context.Context, withdrawalID string) (domain.Entry, bool, error) {
	for _, e := range r.st.entries {
		if withdrawalID != "" && e.RelatedWithdrawalID == withdrawalID {
			return e, true, nil
		}
	}
	return domain.Entry{}, false, nil
}

// Insert enforces the same unique keys as the Postgres partial indexes.
func (r memEntries) Insert(ctx context.Context, e domain.Entry) error {
	for _, x := range r.st.entries {
		switch {
		case x.ID == e.ID:
			return fmt.Errorf("insert entry: %w: wallet_entries_pkey", domain.ErrDuplicateReference)
		case e.ProviderReference != "" && x.Provider == e.Provider && x.ProviderReference == e.ProviderReference && x.Direction == e.Direction:
			return fmt.Errorf("insert entry: %w: wallet_entries_%s_ref_key", domain.ErrDuplicateReference, e.Direction)
		case e.RelatedWithdrawalID != "" && x.RelatedWithdrawalID == e.RelatedWithdrawalID:
			return fmt.Errorf("insert entry: %w: wallet_entries_withdrawal_key", domain.ErrDuplicateReference)
		}
	}
	r.st.entries = append(r.st.entries, e)
	return nil
}

type memWithdrawals struct{ st *memState }

func (r memWithdrawals) Insert(ctx context.Context, w domain.WithdrawalRequest) error {
	if _, ok := r.st.withdrawals[w.ID]; ok {
		return fmt.Errorf("insert withdrawal %s: duplicate id", w.ID)
	}
	r.st.withdrawals[w.ID] = w
	return nil
}

func (r memWithdrawals) Lock(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	w, ok := r.st.withdrawals[id]
	if !ok {
		return domain.WithdrawalRequest{}, domain.ErrNotFound
	}
	return w, nil
}

func (r memWithdrawals) Update(ctx context.Context, w domain.WithdrawalRequest) error {
	if _, ok := r.st.withdrawals[w.ID]; !ok {
		return domain.ErrNotFound
	}
	r.st.withdrawals[w.ID] = w
	return nil
}

func (r memWithdrawals) SumSince(ctx context.Context, clientID string, since time.Time, statuses []domain.WithdrawalStatus) (decimal.Decimal, error) {
	sum := decimal.Zero
	for _, w := range r.st.withdrawals {
		if w.ClientID != clientID || w.CreatedAt.Before(since) {
			continue
		}
		for _, s := range statuses {
			if w.Status == s {
				sum = sum.Add(w.Amount)
				break
			}
		}
	}
	return sum, nil
}
