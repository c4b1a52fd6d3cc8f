package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Account is the per-client wallet.
// Invariant: Balance equals the sum of credits minus the sum of debits over the
// account's entries, and is never negative at rest.
type Account struct {
	ID       string          `json:"id" db:"id"`
	ClientID string          `json:"client_id" db:"client_id"`
	Balance  decimal.Decimal `json:"balance" db:"balance"`

	// ExternalIdentifier is a user-facing alias (e.g. a phone number).
	// Settable until IdentifierLocked is true.
	ExternalIdentifier string `json:"external_identifier,omitempty" db:"external_identifier"`
	IdentifierLocked   bool   `json:"identifier_locked" db:"identifier_locked"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Direction string

const (
	DirectionCredit Direction = "credit"
	DirectionDebit  Direction = "debit"
)

type Reason string

const (
	ReasonTopUp        Reason = "topup"
	ReasonPurchase     Reason = "purchase"
	ReasonRefund       Reason = "refund"
	ReasonWithdrawal   Reason = "withdrawal"
	ReasonManualCredit Reason = "manual_credit"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonTopUp, ReasonPurchase, ReasonRefund, ReasonWithdrawal, ReasonManualCredit:
		return true
	default:
		return false
	}
}

type Provider string

const (
	ProviderPaystack    Provider = "paystack"
	ProviderFlutterwave Provider = "flutterwave"
	ProviderWallet      Provider = "wallet"
	ProviderAdmin       Provider = "admin"
	ProviderPayout      Provider = "payout_provider"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderPaystack, ProviderFlutterwave, ProviderWallet, ProviderAdmin, ProviderPayout:
		return true
	default:
		return false
	}
}

// Entry is an immutable, append-only ledger row affecting exactly one account.
//
// Uniqueness: a non-empty (Provider, ProviderReference) pair appears on at most
// one credit and at most one debit. RelatedWithdrawalID appears on at most one entry.
type Entry struct {
	ID        string          `json:"id" db:"id"`
	AccountID string          `json:"account_id" db:"account_id"`
	ClientID  string          `json:"client_id" db:"client_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Direction Direction       `json:"direction" db:"direction"`
	Reason    Reason          `json:"reason" db:"reason"`

	Provider          Provider `json:"provider,omitempty" db:"provider"`
	ProviderReference string   `json:"provider_reference,omitempty" db:"provider_reference"`

	RelatedOrderID      string `json:"related_order_id,omitempty" db:"related_order_id"`
	RelatedWithdrawalID string `json:"related_withdrawal_id,omitempty" db:"related_withdrawal_id"`

	Note       string          `json:"note,omitempty" db:"note"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty" db:"raw_payload"`

	// BalanceAfter is the account balance immediately after this entry was applied.
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Signed returns the amount as a balance delta.
func (e Entry) Signed() decimal.Decimal {
	if e.Direction == DirectionDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalDeclined WithdrawalStatus = "declined"
	WithdrawalPaid     WithdrawalStatus = "paid"
)

// Terminal reports whether no further transition is allowed.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalDeclined || s == WithdrawalPaid
}

// ActiveWithdrawalStatuses are the statuses counted against rolling caps.
var ActiveWithdrawalStatuses = []WithdrawalStatus{WithdrawalPending, WithdrawalApproved, WithdrawalPaid}

type WithdrawalMethod string

const (
	MethodBankTransfer WithdrawalMethod = "bank_transfer"
	MethodMobileMoney  WithdrawalMethod = "mobile_money"
)

// Destination carries payout details. Which fields are required depends on the method.
type Destination struct {
	BankCode      string `json:"bank_code,omitempty"`
	BankName      string `json:"bank_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`
	AccountName   string `json:"account_name,omitempty"`

	Network     string `json:"network,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

type WithdrawalRequest struct {
	ID          string           `json:"id" db:"id"`
	ClientID    string           `json:"client_id" db:"client_id"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	Currency    string           `json:"currency" db:"currency"`
	Method      WithdrawalMethod `json:"method" db:"method"`
	Destination Destination      `json:"destination" db:"destination"`
	Status      WithdrawalStatus `json:"status" db:"status"`

	AdminID   string `json:"admin_id,omitempty" db:"admin_id"`
	AdminNote string `json:"admin_note,omitempty" db:"admin_note"`

	// Payout-side reference, set when the transfer is confirmed.
	Provider          Provider `json:"provider,omitempty" db:"provider"`
	ProviderReference string   `json:"provider_reference,omitempty" db:"provider_reference"`

	// DebitEntryID links to the single debit taken for this request.
	DebitEntryID string `json:"debit_entry_id,omitempty" db:"debit_entry_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// WithdrawalFilter narrows admin listings. Zero values mean "any".
type WithdrawalFilter struct {
	ClientID string
	Status   WithdrawalStatus
	Limit    int
	Offset   int
}
