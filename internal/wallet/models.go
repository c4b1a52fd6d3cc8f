package wallet

import (
	"encoding/json"

	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

// CreditMeta describes where a credit came from.
// A non-empty ProviderReference makes the credit idempotent per Provider.
type CreditMeta struct {
	Reason            domain.Reason
	Provider          domain.Provider
	ProviderReference string
	OrderID           string
	Note              string
	Raw               json.RawMessage
}

type CreditResult struct {
	Entry   domain.Entry    `json:"entry"`
	Balance decimal.Decimal `json:"balance"`
	// Duplicate is true when the reference was already credited; nothing changed.
	Duplicate bool `json:"duplicate"`
}

// DebitMeta describes a debit. Reason defaults to purchase and Provider to wallet.
type DebitMeta struct {
	Reason            domain.Reason
	Provider          domain.Provider
	ProviderReference string
	OrderID           string
	WithdrawalID      string
	Note              string
	Raw               json.RawMessage
}

// DebitResult is the outcome of DebitIfEnough. Success=false means insufficient funds:
// no entry was written and Balance is the unchanged balance.
type DebitResult struct {
	Success   bool            `json:"success"`
	Balance   decimal.Decimal `json:"balance"`
	Entry     domain.Entry    `json:"entry,omitempty"`
	Duplicate bool            `json:"duplicate,omitempty"`
}

// AdminCreditRequest is a privileged credit. Reference is required and makes the call idempotent.
type AdminCreditRequest struct {
	AdminID   string          `json:"admin_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    domain.Reason   `json:"reason"`
	Reference string          `json:"reference"`
	OrderID   string          `json:"order_id,omitempty"`
	Note      string          `json:"note,omitempty"`
}

type Balance struct {
	ClientID  string          `json:"client_id"`
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Balance   decimal.Decimal `json:"balance"`

	ExternalIdentifier string `json:"external_identifier,omitempty"`
	IdentifierLocked   bool   `json:"identifier_locked"`
}
