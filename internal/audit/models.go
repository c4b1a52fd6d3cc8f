package audit

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Record is an immutable, append-only trail of one payment-provider interaction.
//
// Invariants:
// - Records are never updated or deleted.
// - Records are best-effort and never authoritative; the ledger entry is.
//
// Storage (Postgres): table payment_audit_records, INSERT-only.
type Record struct {
	ID                string `json:"id" db:"id"`
	Provider          string `json:"provider" db:"provider"`
	ProviderReference string `json:"provider_reference,omitempty" db:"provider_reference"`

	// Event indicates the stage of the payment flow the record was taken at.
	Event EventType `json:"event" db:"event"`

	ClientID string           `json:"client_id,omitempty" db:"client_id"`
	OrderID  string           `json:"order_id,omitempty" db:"order_id"`
	Amount   *decimal.Decimal `json:"amount,omitempty" db:"amount"`
	Currency string           `json:"currency,omitempty" db:"currency"`
	Status   string           `json:"status,omitempty" db:"status"`

	// Payload is the provider's raw JSON, stored as received.
	Payload json.RawMessage `json:"payload,omitempty" db:"payload"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventInit         EventType = "init"
	EventVerification EventType = "verification"
	EventWalletTopUp  EventType = "wallet_topup"
)

// WebhookEvent names a record taken from a provider webhook, e.g. "webhook:charge.success".
func WebhookEvent(providerEvent string) EventType {
	return EventType("webhook:" + providerEvent)
}
