package events

import (
	"context"
	"sync"
	"time"

	"marketplace-wallet/internal/dispatch"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Type string

const (
	WalletCredited     Type = "wallet.credited"
	WalletDebited      Type = "wallet.debited"
	WithdrawalCreated  Type = "withdrawal.created"
	WithdrawalApproved Type = "withdrawal.approved"
	WithdrawalPaid     Type = "withdrawal.paid"
	WithdrawalDeclined Type = "withdrawal.declined"
	OrderPaid          Type = "order.paid"
)

// Event is the payload handed to notification and order collaborators.
type Event struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	ClientID     string          `json:"client_id,omitempty"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	Balance      string          `json:"balance,omitempty"`
	EntryID      string          `json:"entry_id,omitempty"`
	WithdrawalID string          `json:"withdrawal_id,omitempty"`
	OrderID      string          `json:"order_id,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Status       string          `json:"status,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Publisher delivers events to an external sink.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Emitter publishes events asynchronously through a dispatcher.
// A nil *Emitter drops events.
type Emitter struct {
	sub dispatch.Submitter
	pub Publisher
	now func() time.Time
}

func NewEmitter(sub dispatch.Submitter, pub Publisher) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	return &Emitter{sub: sub, pub: pub, now: time.Now}
}

// Emit must only be called after the ledger transaction that produced e has committed.
func (em *Emitter) Emit(ctx context.Context, e Event) {
	if em == nil || em.sub == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = em.now().UTC()
	}
	em.sub.Submit(ctx, "event:"+string(e.Type), func(ctx context.Context) error {
		return em.pub.Publish(ctx, e)
	})
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Close() error { return nil }

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns recorded events with type t.
func (r *Recorder) OfType(t Type) []Event {
	out := make([]Event, 0)
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
