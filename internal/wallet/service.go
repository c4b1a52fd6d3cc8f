package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/events"
	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/internal/store"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Service is the only code path allowed to change an account balance.
//
// Money invariants:
// - No balance update without a ledger entry, and both commit together
// - Ledger is append-only (immutable)
// - Every mutation holds the account row lock from read to write
//
// Side effects (events) are emitted only after commit.
type Service struct {
	store    store.Store
	currency string
	events   *events.Emitter
	metrics  *metrics.Metrics

	// clock is injectable for deterministic tests.
	clock func() time.Time
	newID func() string
}

type Option func(*Service)

func WithEvents(e *events.Emitter) Option     { return func(s *Service) { s.events = e } }
func WithMetrics(m *metrics.Metrics) Option   { return func(s *Service) { s.metrics = m } }
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func NewService(st store.Store, currency string, opts ...Option) *Service {
	s := &Service{
		store:    st,
		currency: currency,
		clock:    time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) Currency() string { return s.currency }

func (s *Service) now() time.Time { return s.clock().UTC() }

// GetOrCreateAccount returns the client's account, creating it on first access.
func (s *Service) GetOrCreateAccount(ctx context.Context, clientID string) (domain.Account, error) {
	if err := validateClient(clientID); err != nil {
		return domain.Account{}, err
	}
	a, err := s.store.AccountByClient(ctx, clientID)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, err
	}
	err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		a, err = tx.Accounts().GetOrCreate(ctx, clientID, s.now())
		return err
	})
	return a, err
}

func (s *Service) GetBalance(ctx context.Context, clientID string) (decimal.Decimal, error) {
	a, err := s.GetOrCreateAccount(ctx, clientID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Balance, nil
}

// Summary returns the balance view shown to the client.
func (s *Service) Summary(ctx context.Context, clientID string) (Balance, error) {
	a, err := s.GetOrCreateAccount(ctx, clientID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		ClientID:           a.ClientID,
		AccountID:          a.ID,
		Currency:           s.currency,
		Balance:            a.Balance,
		ExternalIdentifier: a.ExternalIdentifier,
		IdentifierLocked:   a.IdentifierLocked,
	}, nil
}

// History returns the client's entries newest first. It never creates an account.
func (s *Service) History(ctx context.Context, clientID string, limit, offset int) ([]domain.Entry, error) {
	if err := validateClient(clientID); err != nil {
		return nil, err
	}
	a, err := s.store.AccountByClient(ctx, clientID)
	if errors.Is(err, domain.ErrNotFound) {
		return []domain.Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	limit, offset = domain.NormalizePage(limit, offset)
	return s.store.ListEntries(ctx, a.ID, limit, offset)
}

// Credit adds amount to the client's balance. Replays of the same
// (provider, reference) return the original entry with Duplicate=true.
func (s *Service) Credit(ctx context.Context, clientID string, amount decimal.Decimal, meta CreditMeta) (CreditResult, error) {
	if err := validateClient(clientID); err != nil {
		return CreditResult{}, err
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return CreditResult{}, err
	}
	if meta.Reason == "" {
		meta.Reason = domain.ReasonTopUp
	}
	if !isCreditReason(meta.Reason) {
		return CreditResult{}, domain.Invalid("reason", fmt.Sprintf("%q is not a credit reason", meta.Reason))
	}
	if err := validateProvider(meta.Provider, meta.ProviderReference); err != nil {
		return CreditResult{}, err
	}

	start := time.Now()
	now := s.now()
	var out CreditResult

	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.Accounts().LockByClient(ctx, clientID, now)
		if err != nil {
			return err
		}
		if existing, ok, err := alreadyPosted(ctx, tx, meta.Provider, meta.ProviderReference, domain.DirectionCredit); err != nil {
			return err
		} else if ok {
			out = CreditResult{Entry: existing, Balance: acct.Balance, Duplicate: true}
			return nil
		}

		entry := domain.Entry{
			ID:                s.newID(),
			AccountID:         acct.ID,
			ClientID:          clientID,
			Amount:            amount,
			Direction:         domain.DirectionCredit,
			Reason:            meta.Reason,
			Provider:          meta.Provider,
			ProviderReference: meta.ProviderReference,
			RelatedOrderID:    meta.OrderID,
			Note:              meta.Note,
			RawPayload:        meta.Raw,
			CreatedAt:         now,
		}
		posted, acct, err := post(ctx, tx, acct, entry, now)
		if err != nil {
			return err
		}
		out = CreditResult{Entry: posted, Balance: acct.Balance}
		return nil
	})
	s.metrics.ObserveTx("credit", start)

	if errors.Is(err, domain.ErrDuplicateReference) {
		existing, bal, rerr := s.recoverDuplicate(ctx, clientID, meta.Provider, meta.ProviderReference, domain.DirectionCredit, err)
		if rerr != nil {
			s.metrics.Credit(string(meta.Provider), "error")
			return CreditResult{}, rerr
		}
		s.metrics.Credit(string(meta.Provider), "duplicate")
		return CreditResult{Entry: existing, Balance: bal, Duplicate: true}, nil
	}
	if err != nil {
		s.metrics.Credit(string(meta.Provider), "error")
		return CreditResult{}, err
	}

	if out.Duplicate {
		s.metrics.Credit(string(meta.Provider), "duplicate")
		return out, nil
	}
	s.metrics.Credit(string(meta.Provider), "applied")
	s.Announce(ctx, out.Entry)
	return out, nil
}

var errShortFunds = errors.New("wallet: balance below amount")

// DebitIfEnough takes amount from the balance only if the balance covers it.
// Insufficient funds is reported as Success=false, never as an error.
func (s *Service) DebitIfEnough(ctx context.Context, clientID string, amount decimal.Decimal, meta DebitMeta) (DebitResult, error) {
	if err := validateClient(clientID); err != nil {
		return DebitResult{}, err
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return DebitResult{}, err
	}
	meta = debitDefaults(meta)
	if err := validateDebitMeta(meta); err != nil {
		return DebitResult{}, err
	}

	start := time.Now()
	now := s.now()
	var out DebitResult

	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.Accounts().LockByClient(ctx, clientID, now)
		if err != nil {
			return err
		}
		if existing, ok, err := alreadyPosted(ctx, tx, meta.Provider, meta.ProviderReference, domain.DirectionDebit); err != nil {
			return err
		} else if ok {
			if !sameDebit(existing, clientID, amount, meta) {
				return fmt.Errorf("debit %s/%s: %w", meta.Provider, meta.ProviderReference, domain.ErrReferenceConflict)
			}
			out = DebitResult{Success: true, Balance: acct.Balance, Entry: existing, Duplicate: true}
			return nil
		}

		// Compare inside the lock; a read outside it would race.
		if acct.Balance.LessThan(amount) {
			out = DebitResult{Success: false, Balance: acct.Balance}
			return errShortFunds
		}

		posted, acct, err := s.PostDebit(ctx, tx, acct, amount, meta, now)
		if err != nil {
			return err
		}
		out = DebitResult{Success: true, Balance: acct.Balance, Entry: posted}
		return nil
	})
	s.metrics.ObserveTx("debit", start)

	switch {
	case errors.Is(err, errShortFunds):
		s.metrics.Debit(string(meta.Reason), "insufficient_funds")
		return out, nil
	case errors.Is(err, domain.ErrInsufficientFunds):
		// Storage CHECK refused a negative balance; treat like the in-lock check.
		bal, berr := s.GetBalance(ctx, clientID)
		if berr != nil {
			return DebitResult{}, berr
		}
		s.metrics.Debit(string(meta.Reason), "insufficient_funds")
		return DebitResult{Success: false, Balance: bal}, nil
	case errors.Is(err, domain.ErrDuplicateReference):
		existing, bal, rerr := s.recoverDuplicate(ctx, clientID, meta.Provider, meta.ProviderReference, domain.DirectionDebit, err)
		if rerr != nil {
			s.metrics.Debit(string(meta.Reason), "error")
			return DebitResult{}, rerr
		}
		if !sameDebit(existing, clientID, amount, meta) {
			s.metrics.Debit(string(meta.Reason), "conflict")
			return DebitResult{}, fmt.Errorf("debit %s/%s: %w", meta.Provider, meta.ProviderReference, domain.ErrReferenceConflict)
		}
		s.metrics.Debit(string(meta.Reason), "duplicate")
		return DebitResult{Success: true, Balance: bal, Entry: existing, Duplicate: true}, nil
	case errors.Is(err, domain.ErrReferenceConflict):
		s.metrics.Debit(string(meta.Reason), "conflict")
		return DebitResult{}, err
	case err != nil:
		s.metrics.Debit(string(meta.Reason), "error")
		return DebitResult{}, err
	}

	if out.Duplicate {
		s.metrics.Debit(string(meta.Reason), "duplicate")
		return out, nil
	}
	s.metrics.Debit(string(meta.Reason), "applied")
	s.Announce(ctx, out.Entry)
	return out, nil
}

// PostDebit writes a debit inside an existing transaction.
// The caller must hold the lock on acct and have checked the balance under it.
func (s *Service) PostDebit(ctx context.Context, tx store.Tx, acct domain.Account, amount decimal.Decimal, meta DebitMeta, now time.Time) (domain.Entry, domain.Account, error) {
	meta = debitDefaults(meta)
	entry := domain.Entry{
		ID:                  s.newID(),
		AccountID:           acct.ID,
		ClientID:            acct.ClientID,
		Amount:              amount,
		Direction:           domain.DirectionDebit,
		Reason:              meta.Reason,
		Provider:            meta.Provider,
		ProviderReference:   meta.ProviderReference,
		RelatedOrderID:      meta.OrderID,
		RelatedWithdrawalID: meta.WithdrawalID,
		Note:                meta.Note,
		RawPayload:          meta.Raw,
		CreatedAt:           now,
	}
	return post(ctx, tx, acct, entry, now)
}

// post applies the entry's delta to the locked account and appends the entry.
func post(ctx context.Context, tx store.Tx, acct domain.Account, e domain.Entry, now time.Time) (domain.Entry, domain.Account, error) {
	updated, err := tx.Accounts().ApplyDelta(ctx, acct.ID, e.Signed(), now)
	if err != nil {
		return domain.Entry{}, domain.Account{}, err
	}
	e.BalanceAfter = updated.Balance
	if err := tx.Entries().Insert(ctx, e); err != nil {
		return domain.Entry{}, domain.Account{}, err
	}
	return e, updated, nil
}

// Announce emits the committed entry as a wallet event.
func (s *Service) Announce(ctx context.Context, e domain.Entry) {
	typ := events.WalletCredited
	if e.Direction == domain.DirectionDebit {
		typ = events.WalletDebited
	}
	s.events.Emit(ctx, events.Event{
		Type:         typ,
		ClientID:     e.ClientID,
		Amount:       e.Amount,
		Currency:     s.currency,
		Balance:      e.BalanceAfter.StringFixed(domain.MoneyScale),
		EntryID:      e.ID,
		WithdrawalID: e.RelatedWithdrawalID,
		OrderID:      e.RelatedOrderID,
		Provider:     string(e.Provider),
		Reference:    e.ProviderReference,
		Status:       string(e.Reason),
	})
}

// AdminCredit posts a manual credit or refund on behalf of an admin.
func (s *Service) AdminCredit(ctx context.Context, clientID string, req AdminCreditRequest) (CreditResult, error) {
	if strings.TrimSpace(req.AdminID) == "" {
		return CreditResult{}, domain.Invalid("admin_id", "required")
	}
	if strings.TrimSpace(req.Reference) == "" {
		return CreditResult{}, domain.Invalid("reference", "required")
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManualCredit
	}
	if req.Reason != domain.ReasonManualCredit && req.Reason != domain.ReasonRefund {
		return CreditResult{}, domain.Invalid("reason", "must be manual_credit or refund")
	}
	raw, err := json.Marshal(map[string]string{"admin_id": req.AdminID, "note": req.Note})
	if err != nil {
		return CreditResult{}, err
	}
	return s.Credit(ctx, clientID, req.Amount, CreditMeta{
		Reason:            req.Reason,
		Provider:          domain.ProviderAdmin,
		ProviderReference: req.Reference,
		OrderID:           req.OrderID,
		Note:              req.Note,
		Raw:               raw,
	})
}

const maxIdentifierLen = 64

// SetExternalIdentifier sets the user-facing alias while it is unlocked.
func (s *Service) SetExternalIdentifier(ctx context.Context, clientID, identifier string) (domain.Account, error) {
	if err := validateClient(clientID); err != nil {
		return domain.Account{}, err
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.Account{}, domain.Invalid("identifier", "required")
	}
	if len(identifier) > maxIdentifierLen {
		return domain.Account{}, domain.Invalid("identifier", "too long")
	}

	var out domain.Account
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.Accounts().LockByClient(ctx, clientID, s.now())
		if err != nil {
			return err
		}
		if acct.IdentifierLocked {
			if acct.ExternalIdentifier == identifier {
				out = acct
				return nil
			}
			return domain.ErrIdentifierLocked
		}
		out, err = tx.Accounts().SetIdentifier(ctx, acct.ID, identifier, false, s.now())
		return err
	})
	return out, err
}

// LockExternalIdentifier freezes the current alias. Locking twice is a no-op.
func (s *Service) LockExternalIdentifier(ctx context.Context, clientID string) (domain.Account, error) {
	if err := validateClient(clientID); err != nil {
		return domain.Account{}, err
	}
	var out domain.Account
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		acct, err := tx.Accounts().LockByClient(ctx, clientID, s.now())
		if err != nil {
			return err
		}
		if acct.IdentifierLocked {
			out = acct
			return nil
		}
		if acct.ExternalIdentifier == "" {
			return domain.Invalid("identifier", "set an identifier before locking it")
		}
		out, err = tx.Accounts().SetIdentifier(ctx, acct.ID, acct.ExternalIdentifier, true, s.now())
		return err
	})
	return out, err
}

func validateClient(clientID string) error {
	if strings.TrimSpace(clientID) == "" {
		return domain.Invalid("client_id", "required")
	}
	return nil
}

func validateProvider(p domain.Provider, ref string) error {
	if p != "" && !p.Valid() {
		return domain.Invalid("provider", fmt.Sprintf("unknown provider %q", p))
	}
	if ref != "" && p == "" {
		return domain.Invalid("provider", "required with a provider reference")
	}
	return nil
}

func isCreditReason(r domain.Reason) bool {
	return r == domain.ReasonTopUp || r == domain.ReasonRefund || r == domain.ReasonManualCredit
}

func debitDefaults(m DebitMeta) DebitMeta {
	if m.Reason == "" {
		m.Reason = domain.ReasonPurchase
	}
	if m.Provider == "" {
		m.Provider = domain.ProviderWallet
	}
	return m
}

func validateDebitMeta(m DebitMeta) error {
	if m.Reason != domain.ReasonPurchase && m.Reason != domain.ReasonWithdrawal {
		return domain.Invalid("reason", fmt.Sprintf("%q is not a debit reason", m.Reason))
	}
	return validateProvider(m.Provider, m.ProviderReference)
}
