package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-wallet/internal/audit"
	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/events"
	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/internal/wallet"
	"marketplace-wallet/internal/withdrawal"
	"marketplace-wallet/pkg/logger"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Crediter is the wallet credit path.
type Crediter interface {
	Credit(ctx context.Context, clientID string, amount decimal.Decimal, meta wallet.CreditMeta) (wallet.CreditResult, error)
	Currency() string
}

// PayoutConfirmer settles a withdrawal once the provider reports the transfer.
type PayoutConfirmer interface {
	MarkPaid(ctx context.Context, id, adminID string, opts withdrawal.MarkPaidOptions) (withdrawal.Result, error)
}

type OrderPayment struct {
	OrderID   string
	Provider  domain.Provider
	Reference string
	Amount    decimal.Decimal
	Currency  string
}

// OrderMarker hands a settled order payment to the order subsystem.
// It may see the same payment more than once and must be idempotent by Reference.
type OrderMarker interface {
	MarkOrderPaid(ctx context.Context, p OrderPayment) error
}

// EventOrderMarker announces order payments as order.paid events.
type EventOrderMarker struct {
	Events *events.Emitter
}

func (m EventOrderMarker) MarkOrderPaid(ctx context.Context, p OrderPayment) error {
	m.Events.Emit(ctx, events.Event{
		Type:      events.OrderPaid,
		Amount:    p.Amount,
		Currency:  p.Currency,
		OrderID:   p.OrderID,
		Provider:  string(p.Provider),
		Reference: p.Reference,
		Status:    "paid",
	})
	return nil
}

// Adapter turns verified provider results into ledger effects.
//
// A webhook and a redirect verification for the same charge may arrive in any
// order, concurrently or repeatedly; crediting is keyed by (provider, reference)
// so they collapse into one entry.
type Adapter struct {
	wallet  Crediter
	payouts PayoutConfirmer
	orders  OrderMarker
	audit   *audit.Service
	metrics *metrics.Metrics

	maxAttempts int
	backoff     time.Duration
}

type Option func(*Adapter)

func WithPayouts(p PayoutConfirmer) Option  { return func(a *Adapter) { a.payouts = p } }
func WithOrders(o OrderMarker) Option       { return func(a *Adapter) { a.orders = o } }
func WithAudit(s *audit.Service) Option     { return func(a *Adapter) { a.audit = s } }
func WithMetrics(m *metrics.Metrics) Option { return func(a *Adapter) { a.metrics = m } }
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(a *Adapter) { a.maxAttempts, a.backoff = attempts, backoff }
}

func NewAdapter(w Crediter, opts ...Option) *Adapter {
	a := &Adapter{
		wallet:      w,
		maxAttempts: 3,
		backoff:     100 * time.Millisecond,
	}
	for _, o := range opts {
		o(a)
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = 1
	}
	return a
}

// Reconcile applies one verified payment. Wallet top-ups credit the client's wallet;
// order payments are handed to the OrderMarker and never touch the ledger.
func (a *Adapter) Reconcile(ctx context.Context, p VerifiedPayment) (Result, error) {
	log := logger.From(ctx).With("provider", p.Provider, "reference", p.Reference, "source", p.Source)

	a.audit.Submit(ctx, auditRecord(p, auditEvent(p), topUpClient(p.Metadata), orderID(p.Metadata)))

	res, err := a.reconcile(ctx, p)
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
		log.Warn("reconcile: payment not applied", "err", err)
	} else if res.Outcome == OutcomeIgnored {
		log.Info("reconcile: payment ignored", "reason", res.Reason)
	}
	a.metrics.Reconciled(string(p.Provider), string(p.Source), outcome)
	return res, err
}

func (a *Adapter) reconcile(ctx context.Context, p VerifiedPayment) (Result, error) {
	if !p.Provider.Valid() {
		return Result{}, domain.Invalid("provider", "unknown provider")
	}
	if strings.TrimSpace(p.Reference) == "" {
		return Result{}, domain.Invalid("reference", "required")
	}
	if !p.Succeeded() {
		return Result{Outcome: OutcomeIgnored, Reason: "status " + p.Status}, nil
	}
	if !strings.EqualFold(p.Currency, a.wallet.Currency()) {
		return Result{}, domain.Invalid("currency", fmt.Sprintf("%s payments cannot settle a %s ledger", p.Currency, a.wallet.Currency()))
	}
	if err := domain.ValidateAmount("amount", p.Amount); err != nil {
		return Result{}, err
	}

	if isWalletTopUp(p.Metadata) {
		clientID := topUpClient(p.Metadata)
		if clientID == "" {
			return Result{Outcome: OutcomeIgnored, Reason: "wallet top-up without client id"}, nil
		}
		return a.creditTopUp(ctx, clientID, p)
	}

	if oid := orderID(p.Metadata); oid != "" {
		if a.orders == nil {
			return Result{Outcome: OutcomeIgnored, OrderID: oid, Reason: "no order marker configured"}, nil
		}
		err := a.orders.MarkOrderPaid(ctx, OrderPayment{
			OrderID:   oid,
			Provider:  p.Provider,
			Reference: p.Reference,
			Amount:    p.Amount,
			Currency:  strings.ToUpper(p.Currency),
		})
		if err != nil {
			return Result{}, fmt.Errorf("mark order %s paid: %w", oid, err)
		}
		return Result{Outcome: OutcomeOrderPaid, OrderID: oid}, nil
	}

	return Result{Outcome: OutcomeIgnored, Reason: "neither wallet top-up nor order payment"}, nil
}

func (a *Adapter) creditTopUp(ctx context.Context, clientID string, p VerifiedPayment) (Result, error) {
	meta := wallet.CreditMeta{
		Reason:            domain.ReasonTopUp,
		Provider:          p.Provider,
		ProviderReference: p.Reference,
		Note:              "wallet top-up via " + string(p.Provider),
		Raw:               p.Raw,
	}

	var (
		cr  wallet.CreditResult
		err error
	)
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		cr, err = a.wallet.Credit(ctx, clientID, p.Amount, meta)
		if err == nil || !errors.Is(err, domain.ErrTransient) || attempt == a.maxAttempts {
			break
		}
		logger.From(ctx).Warn("reconcile: transient credit failure, retrying",
			"provider", p.Provider, "reference", p.Reference, "attempt", attempt, "err", err)
		if werr := sleep(ctx, a.backoff*time.Duration(attempt)); werr != nil {
			return Result{}, err
		}
	}
	if err != nil {
		return Result{}, err
	}

	res := Result{Outcome: OutcomeCredited, ClientID: clientID, Entry: &cr.Entry, Balance: cr.Balance}
	if cr.Duplicate {
		res.Outcome = OutcomeDuplicate
		return res, nil
	}
	a.audit.Submit(ctx, auditRecord(p, audit.EventWalletTopUp, clientID, ""))
	return res, nil
}

// ConfirmPayout settles the withdrawal named by a successful transfer notice.
func (a *Adapter) ConfirmPayout(ctx context.Context, pc PayoutConfirmation) (Result, error) {
	log := logger.From(ctx).With("provider", pc.Provider, "reference", pc.Reference, "withdrawal_id", pc.WithdrawalID)

	a.audit.Submit(ctx, audit.Record{
		Provider:          string(pc.Provider),
		ProviderReference: pc.Reference,
		Event:             audit.WebhookEvent(pc.Event),
		Status:            pc.Status,
		Payload:           pc.Raw,
	})

	if a.payouts == nil {
		return Result{Outcome: OutcomeIgnored, Reason: "payout confirmation not configured"}, nil
	}
	if !pc.Succeeded() {
		log.Warn("reconcile: payout not successful", "status", pc.Status)
		return Result{Outcome: OutcomeIgnored, Reason: "status " + pc.Status}, nil
	}
	if pc.WithdrawalID == "" {
		return Result{Outcome: OutcomeIgnored, Reason: "transfer carries no withdrawal id"}, nil
	}
	if _, err := uuid.Parse(pc.WithdrawalID); err != nil {
		log.Warn("reconcile: payout names a malformed withdrawal id")
		a.metrics.Reconciled(string(pc.Provider), "payout", "rejected")
		return Result{Outcome: OutcomeIgnored, Reason: "withdrawal id is not a uuid"}, nil
	}

	wr, err := a.payouts.MarkPaid(ctx, pc.WithdrawalID, "provider:"+string(pc.Provider), withdrawal.MarkPaidOptions{
		Provider:          pc.Provider,
		ProviderReference: pc.Reference,
		Note:              "confirmed by " + pc.Event,
	})
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidStateTransition), errors.Is(err, domain.ErrReferenceConflict):
		log.Warn("reconcile: payout confirmation rejected", "err", err)
		a.metrics.Reconciled(string(pc.Provider), "payout", "rejected")
		return Result{Outcome: OutcomeIgnored, Reason: err.Error()}, nil
	case err != nil:
		a.metrics.Reconciled(string(pc.Provider), "payout", "error")
		return Result{}, err
	}

	res := Result{ClientID: wr.Request.ClientID, Entry: wr.Entry, Balance: wr.Balance, Outcome: OutcomePayoutConfirmed}
	if wr.Outcome == withdrawal.OutcomeInsufficientFunds {
		// The transfer went out but the wallet cannot cover it; an admin has to resolve this.
		log.Error("reconcile: payout settled without funds to debit", "balance", wr.Balance.StringFixed(domain.MoneyScale))
		res.Outcome = OutcomePayoutPending
	}
	a.metrics.Reconciled(string(pc.Provider), "payout", string(res.Outcome))
	return res, nil
}

// HandleNotification routes a parsed webhook to Reconcile or ConfirmPayout.
func (a *Adapter) HandleNotification(ctx context.Context, provider domain.Provider, n Notification) (Result, error) {
	switch {
	case n.Payment != nil:
		return a.Reconcile(ctx, *n.Payment)
	case n.Payout != nil:
		return a.ConfirmPayout(ctx, *n.Payout)
	}
	a.audit.Submit(ctx, audit.Record{Provider: string(provider), Event: audit.WebhookEvent(n.Event), Payload: n.Raw})
	a.metrics.Reconciled(string(provider), string(SourceWebhook), string(OutcomeIgnored))
	return Result{Outcome: OutcomeIgnored, Reason: "unhandled event " + n.Event}, nil
}

// InitTopUp issues the reference and metadata a client passes to the provider checkout.
func (a *Adapter) InitTopUp(ctx context.Context, clientID string, amount decimal.Decimal, provider domain.Provider) (TopUpIntent, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return TopUpIntent{}, domain.Invalid("client_id", "required")
	}
	if err := domain.ValidateAmount("amount", amount); err != nil {
		return TopUpIntent{}, err
	}
	if provider != domain.ProviderPaystack && provider != domain.ProviderFlutterwave {
		return TopUpIntent{}, domain.Invalid("provider", "must be paystack or flutterwave")
	}

	intent := TopUpIntent{
		Provider:  provider,
		Reference: topUpRefPrefix + ulid.Make().String(),
		Amount:    amount,
		Currency:  a.wallet.Currency(),
		Metadata: map[string]any{
			"purpose":  purposeWalletTopUp,
			"clientId": clientID,
		},
	}
	a.audit.Submit(ctx, audit.Record{
		Provider:          string(provider),
		ProviderReference: intent.Reference,
		Event:             audit.EventInit,
		ClientID:          clientID,
		Amount:            &intent.Amount,
		Currency:          intent.Currency,
		Status:            "initialized",
	})
	return intent, nil
}

func auditEvent(p VerifiedPayment) audit.EventType {
	if p.Source == SourceWebhook && p.Event != "" {
		return audit.WebhookEvent(p.Event)
	}
	return audit.EventVerification
}

func auditRecord(p VerifiedPayment, ev audit.EventType, clientID, orderID string) audit.Record {
	amount := p.Amount
	return audit.Record{
		Provider:          string(p.Provider),
		ProviderReference: p.Reference,
		Event:             ev,
		ClientID:          clientID,
		OrderID:           orderID,
		Amount:            &amount,
		Currency:          strings.ToUpper(p.Currency),
		Status:            p.Status,
		Payload:           p.Raw,
	}
}

// payoutWithdrawalID picks the withdrawal a transfer settles: metadata first, then
// the transfer reference. Only uuids can name a withdrawal.
func payoutWithdrawalID(meta map[string]any, reference string) string {
	for _, id := range []string{withdrawalID(meta), reference} {
		if _, err := uuid.Parse(id); err == nil {
			return id
		}
	}
	return ""
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
