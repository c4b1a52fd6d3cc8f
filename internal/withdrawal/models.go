package withdrawal

import (
	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

// Config is the withdrawal policy. A zero cap disables that window.
type Config struct {
	Currency     string
	Min          decimal.Decimal
	KYCThreshold decimal.Decimal
	DailyCap     decimal.Decimal
	WeeklyCap    decimal.Decimal
}

type CreateRequest struct {
	ClientID    string                  `json:"client_id"`
	Amount      decimal.Decimal         `json:"amount"`
	Method      domain.WithdrawalMethod `json:"method"`
	Destination domain.Destination      `json:"destination"`
}

// ApproveOptions controls Approve. With MarkPaidToo the request goes straight to paid.
type ApproveOptions struct {
	MarkPaidToo       bool
	Provider          domain.Provider
	ProviderReference string
	Note              string
}

// MarkPaidOptions carries the payout-side confirmation, when there is one.
type MarkPaidOptions struct {
	Provider          domain.Provider
	ProviderReference string
	Note              string
}

type Outcome string

const (
	OutcomeApproved          Outcome = "approved"
	OutcomePaid              Outcome = "paid"
	OutcomeAlreadyPaid       Outcome = "already_paid"
	OutcomeDeclined          Outcome = "declined"
	OutcomeInsufficientFunds Outcome = "insufficient_funds"
)

// Result reports a workflow transition. Entry is set only when this call took the debit.
// OutcomeInsufficientFunds means nothing changed; Balance is the unchanged balance.
type Result struct {
	Request domain.WithdrawalRequest `json:"request"`
	Entry   *domain.Entry            `json:"entry,omitempty"`
	Outcome Outcome                  `json:"outcome"`
	Balance decimal.Decimal          `json:"balance"`
}
