package withdrawal

import (
	"context"
	"errors"
	"strings"
	"time"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/events"
	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/internal/store"
	"marketplace-wallet/internal/wallet"
	"marketplace-wallet/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger is the debit path the workflow needs from the wallet.
type Ledger interface {
	PostDebit(ctx context.Context, tx store.Tx, acct domain.Account, amount decimal.Decimal, meta wallet.DebitMeta, now time.Time) (domain.Entry, domain.Account, error)
	Announce(ctx context.Context, e domain.Entry)
}

// Service runs the withdrawal state machine:
//
//	pending -> approved -> paid
//	pending -> paid
//	pending -> declined
//
// Exactly one debit is taken per request, by whichever of Approve or MarkPaid runs first.
type Service struct {
	store    store.Store
	ledger   Ledger
	cfg      Config
	validate *validator.Validate
	events   *events.Emitter
	metrics  *metrics.Metrics
	clock    func() time.Time
}

type Option func(*Service)

func WithEvents(e *events.Emitter) Option     { return func(s *Service) { s.events = e } }
func WithMetrics(m *metrics.Metrics) Option   { return func(s *Service) { s.metrics = m } }
func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func NewService(st store.Store, ledger Ledger, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    st,
		ledger:   ledger,
		cfg:      cfg,
		validate: newValidator(),
		clock:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) now() time.Time { return s.clock().UTC() }

var errShortFunds = errors.New("withdrawal: balance below amount")

// Create files a pending request after the minimum, KYC and rolling cap checks.
// It does not touch the wallet balance.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.WithdrawalRequest, error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	if req.ClientID == "" {
		return domain.WithdrawalRequest{}, s.reject("validation", domain.Invalid("client_id", "required"))
	}
	if err := domain.ValidateAmount("amount", req.Amount); err != nil {
		return domain.WithdrawalRequest{}, s.reject("validation", err)
	}
	if err := validateDestination(s.validate, req.Method, req.Destination); err != nil {
		return domain.WithdrawalRequest{}, s.reject("validation", err)
	}
	if req.Amount.LessThan(s.cfg.Min) {
		return domain.WithdrawalRequest{}, s.reject("below_minimum",
			domain.Invalid("amount", "below the minimum withdrawal of "+s.cfg.Min.StringFixed(domain.MoneyScale)))
	}

	now := s.now()
	w := domain.WithdrawalRequest{
		ID:          uuid.NewString(),
		ClientID:    req.ClientID,
		Amount:      req.Amount,
		Currency:    s.cfg.Currency,
		Method:      req.Method,
		Destination: normalizeDestination(req.Method, req.Destination),
		Status:      domain.WithdrawalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if s.cfg.KYCThreshold.IsPositive() && req.Amount.GreaterThanOrEqual(s.cfg.KYCThreshold) {
			ok, err := tx.KYCVerified(ctx, req.ClientID)
			if err != nil {
				return err
			}
			if !ok {
				return domain.ErrKYCRequired
			}
		}

		// The account lock serializes concurrent requests from one client so the
		// rolling sums below cannot be raced past a cap.
		if _, err := tx.Accounts().LockByClient(ctx, req.ClientID, now); err != nil {
			return err
		}
		if err := s.checkCap(ctx, tx, req.ClientID, req.Amount, now, domain.WindowDaily, 24*time.Hour, s.cfg.DailyCap); err != nil {
			return err
		}
		if err := s.checkCap(ctx, tx, req.ClientID, req.Amount, now, domain.WindowWeekly, 7*24*time.Hour, s.cfg.WeeklyCap); err != nil {
			return err
		}
		return tx.Withdrawals().Insert(ctx, w)
	})
	if err != nil {
		var le *domain.LimitError
		switch {
		case errors.Is(err, domain.ErrKYCRequired):
			return domain.WithdrawalRequest{}, s.reject("kyc_required", err)
		case errors.As(err, &le):
			return domain.WithdrawalRequest{}, s.reject(le.Window+"_cap", err)
		}
		s.metrics.Withdrawal("create", "error")
		return domain.WithdrawalRequest{}, err
	}

	s.metrics.Withdrawal("create", "pending")
	logger.From(ctx).Info("withdrawal: request created",
		"withdrawal_id", w.ID, "client_id", w.ClientID, "amount", w.Amount.StringFixed(domain.MoneyScale), "method", w.Method)
	s.emit(ctx, events.WithdrawalCreated, w)
	return w, nil
}

func (s *Service) checkCap(ctx context.Context, tx store.Tx, clientID string, amount decimal.Decimal, now time.Time, window string, span time.Duration, limit decimal.Decimal) error {
	if !limit.IsPositive() {
		return nil
	}
	used, err := tx.Withdrawals().SumSince(ctx, clientID, now.Add(-span), domain.ActiveWithdrawalStatuses)
	if err != nil {
		return err
	}
	if used.Add(amount).GreaterThan(limit) {
		return &domain.LimitError{Window: window, Cap: limit, Used: used, Requested: amount}
	}
	return nil
}

// Approve takes the debit for a pending request and moves it to approved, or to paid
// with MarkPaidToo. Short funds leave everything unchanged.
func (s *Service) Approve(ctx context.Context, id, adminID string, opts ApproveOptions) (Result, error) {
	if err := requireIDs(id, adminID); err != nil {
		return Result{}, err
	}
	if err := validateProviderRef(opts.Provider, opts.ProviderReference); err != nil {
		return Result{}, err
	}

	now := s.now()
	var out Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Withdrawals().Lock(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != domain.WithdrawalPending {
			return domain.ErrInvalidStateTransition
		}

		entry, bal, err := s.debit(ctx, tx, w, opts.Provider, opts.ProviderReference, opts.Note, now)
		if errors.Is(err, errShortFunds) {
			out = Result{Request: w, Outcome: OutcomeInsufficientFunds, Balance: bal}
			return err
		}
		if err != nil {
			return err
		}

		w.Status = domain.WithdrawalApproved
		out.Outcome = OutcomeApproved
		if opts.MarkPaidToo {
			w.Status = domain.WithdrawalPaid
			out.Outcome = OutcomePaid
		}
		w.AdminID = adminID
		w.AdminNote = opts.Note
		w.DebitEntryID = entry.ID
		setPayoutRef(&w, opts.Provider, opts.ProviderReference)
		w.UpdatedAt = now
		if err := tx.Withdrawals().Update(ctx, w); err != nil {
			return err
		}
		out.Request, out.Entry, out.Balance = w, &entry, bal
		return nil
	})
	if errors.Is(err, errShortFunds) {
		s.metrics.Withdrawal("approve", string(OutcomeInsufficientFunds))
		return out, nil
	}
	if err != nil {
		s.metrics.Withdrawal("approve", outcomeLabel(err))
		return Result{}, err
	}

	s.settled(ctx, "approve", adminID, out)
	return out, nil
}

// MarkPaid confirms payout. It is idempotent: a paid request is returned as is.
// An existing debit for the request, found by payout reference or by link, is reused;
// otherwise the debit is taken here.
func (s *Service) MarkPaid(ctx context.Context, id, adminID string, opts MarkPaidOptions) (Result, error) {
	if err := requireIDs(id, adminID); err != nil {
		return Result{}, err
	}
	if err := validateProviderRef(opts.Provider, opts.ProviderReference); err != nil {
		return Result{}, err
	}

	now := s.now()
	var out Result
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Withdrawals().Lock(ctx, id)
		if err != nil {
			return err
		}
		switch w.Status {
		case domain.WithdrawalPaid:
			out = Result{Request: w, Outcome: OutcomeAlreadyPaid}
			return nil
		case domain.WithdrawalDeclined:
			return domain.ErrInvalidStateTransition
		}

		existing, found, err := s.existingDebit(ctx, tx, w, opts.Provider, opts.ProviderReference)
		if err != nil {
			return err
		}

		var taken *domain.Entry
		if found {
			w.DebitEntryID = existing.ID
			out.Balance = existing.BalanceAfter
		} else {
			entry, bal, err := s.debit(ctx, tx, w, opts.Provider, opts.ProviderReference, opts.Note, now)
			if errors.Is(err, errShortFunds) {
				out = Result{Request: w, Outcome: OutcomeInsufficientFunds, Balance: bal}
				return err
			}
			if err != nil {
				return err
			}
			w.DebitEntryID = entry.ID
			out.Balance = bal
			taken = &entry
		}

		w.Status = domain.WithdrawalPaid
		if w.AdminID == "" || taken != nil {
			w.AdminID = adminID
		}
		if opts.Note != "" {
			w.AdminNote = opts.Note
		}
		setPayoutRef(&w, opts.Provider, opts.ProviderReference)
		w.UpdatedAt = now
		if err := tx.Withdrawals().Update(ctx, w); err != nil {
			return err
		}
		out.Request, out.Entry, out.Outcome = w, taken, OutcomePaid
		return nil
	})
	if errors.Is(err, errShortFunds) {
		s.metrics.Withdrawal("mark_paid", string(OutcomeInsufficientFunds))
		return out, nil
	}
	if err != nil {
		s.metrics.Withdrawal("mark_paid", outcomeLabel(err))
		return Result{}, err
	}
	if out.Outcome == OutcomeAlreadyPaid {
		s.metrics.Withdrawal("mark_paid", string(OutcomeAlreadyPaid))
		return out, nil
	}

	s.settled(ctx, "mark_paid", adminID, out)
	return out, nil
}

// Decline closes a pending request without touching the wallet.
func (s *Service) Decline(ctx context.Context, id, adminID, note string) (domain.WithdrawalRequest, error) {
	if err := requireIDs(id, adminID); err != nil {
		return domain.WithdrawalRequest{}, err
	}

	var out domain.WithdrawalRequest
	err := s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.Withdrawals().Lock(ctx, id)
		if err != nil {
			return err
		}
		if w.Status != domain.WithdrawalPending {
			return domain.ErrInvalidStateTransition
		}
		w.Status = domain.WithdrawalDeclined
		w.AdminID = adminID
		w.AdminNote = strings.TrimSpace(note)
		w.UpdatedAt = s.now()
		if err := tx.Withdrawals().Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		s.metrics.Withdrawal("decline", outcomeLabel(err))
		return domain.WithdrawalRequest{}, err
	}

	s.metrics.Withdrawal("decline", string(OutcomeDeclined))
	logger.From(ctx).Info("withdrawal: declined", "withdrawal_id", out.ID, "admin_id", adminID)
	s.emit(ctx, events.WithdrawalDeclined, out)
	return out, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	if strings.TrimSpace(id) == "" {
		return domain.WithdrawalRequest{}, domain.Invalid("id", "required")
	}
	return s.store.WithdrawalByID(ctx, id)
}

// ListForClient returns the client's requests newest first.
func (s *Service) ListForClient(ctx context.Context, clientID string, limit, offset int) ([]domain.WithdrawalRequest, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, domain.Invalid("client_id", "required")
	}
	return s.List(ctx, domain.WithdrawalFilter{ClientID: clientID, Limit: limit, Offset: offset})
}

func (s *Service) List(ctx context.Context, f domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error) {
	if f.Status != "" {
		switch f.Status {
		case domain.WithdrawalPending, domain.WithdrawalApproved, domain.WithdrawalDeclined, domain.WithdrawalPaid:
		default:
			return nil, domain.Invalid("status", "unknown withdrawal status")
		}
	}
	f.Limit, f.Offset = domain.NormalizePage(f.Limit, f.Offset)
	return s.store.ListWithdrawals(ctx, f)
}

// debit locks the client's account and takes the withdrawal debit, or returns
// errShortFunds with the current balance.
func (s *Service) debit(ctx context.Context, tx store.Tx, w domain.WithdrawalRequest, provider domain.Provider, ref, note string, now time.Time) (domain.Entry, decimal.Decimal, error) {
	acct, err := tx.Accounts().LockByClient(ctx, w.ClientID, now)
	if err != nil {
		return domain.Entry{}, decimal.Zero, err
	}
	if acct.Balance.LessThan(w.Amount) {
		return domain.Entry{}, acct.Balance, errShortFunds
	}
	if provider == "" {
		provider = domain.ProviderAdmin
		if ref != "" {
			provider = domain.ProviderPayout
		}
	}
	entry, acct, err := s.ledger.PostDebit(ctx, tx, acct, w.Amount, wallet.DebitMeta{
		Reason:            domain.ReasonWithdrawal,
		Provider:          provider,
		ProviderReference: ref,
		WithdrawalID:      w.ID,
		Note:              note,
	}, now)
	if errors.Is(err, domain.ErrDuplicateReference) {
		return domain.Entry{}, decimal.Zero, domain.ErrReferenceConflict
	}
	if err != nil {
		return domain.Entry{}, decimal.Zero, err
	}
	return entry, acct.Balance, nil
}

// existingDebit looks for a debit already taken for w, first by payout reference
// and then by the withdrawal link.
func (s *Service) existingDebit(ctx context.Context, tx store.Tx, w domain.WithdrawalRequest, provider domain.Provider, ref string) (domain.Entry, bool, error) {
	if ref != "" {
		if provider == "" {
			provider = domain.ProviderPayout
		}
		e, ok, err := tx.Entries().FindByReference(ctx, provider, ref, domain.DirectionDebit)
		if err != nil {
			return domain.Entry{}, false, err
		}
		if ok {
			if e.RelatedWithdrawalID != w.ID {
				return domain.Entry{}, false, domain.ErrReferenceConflict
			}
			return e, true, nil
		}
	}
	return tx.Entries().FindByWithdrawal(ctx, w.ID)
}

// settled runs the post-commit side effects of Approve and MarkPaid.
func (s *Service) settled(ctx context.Context, action, adminID string, r Result) {
	s.metrics.Withdrawal(action, string(r.Outcome))
	logger.From(ctx).Info("withdrawal: settled",
		"withdrawal_id", r.Request.ID, "client_id", r.Request.ClientID, "admin_id", adminID,
		"status", r.Request.Status, "debit_entry_id", r.Request.DebitEntryID, "debited", r.Entry != nil)

	if r.Entry != nil {
		s.ledger.Announce(ctx, *r.Entry)
	}
	typ := events.WithdrawalApproved
	if r.Request.Status == domain.WithdrawalPaid {
		typ = events.WithdrawalPaid
	}
	s.emit(ctx, typ, r.Request)
}

func (s *Service) emit(ctx context.Context, typ events.Type, w domain.WithdrawalRequest) {
	s.events.Emit(ctx, events.Event{
		Type:         typ,
		ClientID:     w.ClientID,
		Amount:       w.Amount,
		Currency:     w.Currency,
		EntryID:      w.DebitEntryID,
		WithdrawalID: w.ID,
		Provider:     string(w.Provider),
		Reference:    w.ProviderReference,
		Status:       string(w.Status),
	})
}

func (s *Service) reject(reason string, err error) error {
	s.metrics.WithdrawalRejected(reason)
	return err
}

func setPayoutRef(w *domain.WithdrawalRequest, provider domain.Provider, ref string) {
	if ref == "" {
		return
	}
	if provider == "" {
		provider = domain.ProviderPayout
	}
	w.Provider = provider
	w.ProviderReference = ref
}

func requireIDs(id, adminID string) error {
	if strings.TrimSpace(id) == "" {
		return domain.Invalid("id", "required")
	}
	if strings.TrimSpace(adminID) == "" {
		return domain.Invalid("admin_id", "required")
	}
	return nil
}

func validateProviderRef(p domain.Provider, ref string) error {
	if p != "" && !p.Valid() {
		return domain.Invalid("provider", "unknown provider")
	}
	if p != "" && ref == "" {
		return domain.Invalid("provider_reference", "required with a provider")
	}
	return nil
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "invalid_status"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrReferenceConflict):
		return "reference_conflict"
	case errors.Is(err, domain.ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
