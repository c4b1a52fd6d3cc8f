package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

type Source string

const (
	SourceWebhook  Source = "webhook"
	SourceRedirect Source = "redirect"
)

// VerifiedPayment is a provider result that has already been authenticated,
// either by webhook signature or by a server-side verify call.
type VerifiedPayment struct {
	Provider  domain.Provider
	Reference string
	Amount    decimal.Decimal
	Currency  string
	// Status is the provider's own status string, lower-cased.
	Status   string
	Metadata map[string]any
	Raw      json.RawMessage
	Source   Source
	// Event is the provider event name for webhooks, e.g. charge.success.
	Event string
}

// Succeeded reports whether the provider considers the charge settled.
func (p VerifiedPayment) Succeeded() bool {
	switch strings.ToLower(p.Status) {
	case "success", "successful", "completed":
		return true
	}
	return false
}

// PayoutConfirmation is a provider notice that a transfer to a client settled.
type PayoutConfirmation struct {
	Provider     domain.Provider
	Reference    string
	WithdrawalID string
	Status       string
	Event        string
	Raw          json.RawMessage
}

func (p PayoutConfirmation) Succeeded() bool {
	switch strings.ToLower(p.Status) {
	case "success", "successful":
		return true
	}
	return false
}

// Notification is a parsed webhook: a charge, a payout, or something we do not act on.
type Notification struct {
	Payment *VerifiedPayment
	Payout  *PayoutConfirmation
	// Event is set for every notification, including ignored ones.
	Event string
	Raw   json.RawMessage
}

type Outcome string

const (
	OutcomeCredited        Outcome = "credited"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeOrderPaid       Outcome = "order_paid"
	OutcomeIgnored         Outcome = "ignored"
	OutcomePayoutConfirmed Outcome = "payout_confirmed"
	OutcomePayoutPending   Outcome = "payout_pending"
)

type Result struct {
	Outcome  Outcome         `json:"outcome"`
	ClientID string          `json:"client_id,omitempty"`
	OrderID  string          `json:"order_id,omitempty"`
	Entry    *domain.Entry   `json:"entry,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
	// Reason explains an ignored notification.
	Reason string `json:"reason,omitempty"`
}

// TopUpIntent is handed to the client to start a provider checkout.
type TopUpIntent struct {
	Provider  domain.Provider `json:"provider"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Metadata  map[string]any  `json:"metadata"`
}

const (
	purposeWalletTopUp = "wallet_topup"
	topUpRefPrefix     = "TOPUP-"
)

// metaString returns the first non-empty value among keys, stringified.
func metaString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case json.Number:
			s = t.String()
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func isWalletTopUp(m map[string]any) bool {
	return strings.EqualFold(metaString(m, "purpose", "type"), purposeWalletTopUp)
}

func topUpClient(m map[string]any) string { return metaString(m, "clientId", "client_id") }

func orderID(m map[string]any) string { return metaString(m, "orderId", "order_id") }

func withdrawalID(m map[string]any) string { return metaString(m, "withdrawalId", "withdrawal_id") }
