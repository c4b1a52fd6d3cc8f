package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// WalletSummaryRequest aggregates ledger entries in [Range.From, Range.To).
// An empty ClientID summarises every wallet.
type WalletSummaryRequest struct {
	ClientID string    `json:"client_id,omitempty"`
	Range    TimeRange `json:"range"`
}

// WalletSummary is derived from immutable ledger entries only.
type WalletSummary struct {
	ClientID string    `json:"client_id,omitempty"`
	Currency string    `json:"currency"`
	Range    TimeRange `json:"range"`

	Entries     int             `json:"entries"`
	TotalCredit decimal.Decimal `json:"total_credit"`
	TotalDebit  decimal.Decimal `json:"total_debit"`
	NetDelta    decimal.Decimal `json:"net_delta"`

	TopUps        decimal.Decimal `json:"topups"`
	Refunds       decimal.Decimal `json:"refunds"`
	ManualCredits decimal.Decimal `json:"manual_credits"`
	Purchases     decimal.Decimal `json:"purchases"`
	Withdrawals   decimal.Decimal `json:"withdrawals"`

	// ByProvider totals credits per payment provider, e.g. paystack vs flutterwave.
	ByProvider map[string]decimal.Decimal `json:"by_provider"`
}
