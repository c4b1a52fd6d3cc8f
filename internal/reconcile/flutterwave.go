package reconcile

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

// HeaderFlutterwaveHash carries the secret hash configured on the Flutterwave dashboard.
const HeaderFlutterwaveHash = "verif-hash"

func VerifyFlutterwaveHash(secretHash, header string) error {
	if secretHash == "" || header == "" {
		return ErrBadSignature
	}
	if subtle.ConstantTimeCompare([]byte(secretHash), []byte(strings.TrimSpace(header))) != 1 {
		return ErrBadSignature
	}
	return nil
}

type flutterwaveEnvelope struct {
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	MetaData json.RawMessage `json:"meta_data"`
}

// flutterwaveCharge amounts are in major units.
type flutterwaveCharge struct {
	TxRef    string          `json:"tx_ref"`
	FlwRef   string          `json:"flw_ref"`
	Amount   json.Number     `json:"amount"`
	Currency string          `json:"currency"`
	Status   string          `json:"status"`
	Meta     json.RawMessage `json:"meta"`
}

type flutterwaveTransfer struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Meta      json.RawMessage `json:"meta"`
}

// ParseFlutterwaveWebhook decodes a hash-checked Flutterwave webhook body.
func ParseFlutterwaveWebhook(body []byte) (Notification, error) {
	var env flutterwaveEnvelope
	if err := decodeJSON(body, &env); err != nil {
		return Notification{}, fmt.Errorf("flutterwave webhook: %w", err)
	}
	n := Notification{Event: env.Event, Raw: json.RawMessage(body)}

	switch env.Event {
	case "charge.completed":
		var ch flutterwaveCharge
		if err := decodeJSON(env.Data, &ch); err != nil {
			return Notification{}, fmt.Errorf("flutterwave charge: %w", err)
		}
		// Webhooks put custom metadata beside data; verify responses put it inside.
		if len(env.MetaData) > 0 && len(decodeMetadata(ch.Meta)) == 0 {
			ch.Meta = env.MetaData
		}
		p, err := ch.payment(SourceWebhook, body)
		if err != nil {
			return Notification{}, err
		}
		p.Event = env.Event
		n.Payment = &p
	case "transfer.completed":
		var tr flutterwaveTransfer
		if err := decodeJSON(env.Data, &tr); err != nil {
			return Notification{}, fmt.Errorf("flutterwave transfer: %w", err)
		}
		meta := decodeMetadata(tr.Meta)
		if len(meta) == 0 {
			meta = decodeMetadata(env.MetaData)
		}
		n.Payout = &PayoutConfirmation{
			Provider:     domain.ProviderFlutterwave,
			Reference:    tr.Reference,
			WithdrawalID: payoutWithdrawalID(meta, tr.Reference),
			Status:       strings.ToLower(tr.Status),
			Event:        env.Event,
			Raw:          json.RawMessage(body),
		}
	}
	return n, nil
}

func (ch flutterwaveCharge) payment(src Source, raw []byte) (VerifiedPayment, error) {
	amount, err := decimal.NewFromString(ch.Amount.String())
	if err != nil {
		return VerifiedPayment{}, domain.Invalid("amount", "not a number")
	}
	return VerifiedPayment{
		Provider:  domain.ProviderFlutterwave,
		Reference: ch.TxRef,
		Amount:    amount,
		Currency:  strings.ToUpper(ch.Currency),
		Status:    strings.ToLower(ch.Status),
		Metadata:  decodeMetadata(ch.Meta),
		Raw:       json.RawMessage(raw),
		Source:    src,
	}, nil
}

// FlutterwaveVerifier calls GET /transactions/verify_by_reference?tx_ref=.
type FlutterwaveVerifier struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewFlutterwaveVerifier(baseURL, secretKey string, client *http.Client) *FlutterwaveVerifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &FlutterwaveVerifier{baseURL: strings.TrimRight(baseURL, "/"), secretKey: secretKey, httpClient: client}
}

type flutterwaveVerifyResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (v *FlutterwaveVerifier) Verify(ctx context.Context, reference string) (VerifiedPayment, error) {
	if strings.TrimSpace(reference) == "" {
		return VerifiedPayment{}, domain.Invalid("reference", "required")
	}
	endpoint := v.baseURL + "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	body, err := getJSON(ctx, v.httpClient, endpoint, "Bearer "+v.secretKey)
	if err != nil {
		return VerifiedPayment{}, fmt.Errorf("flutterwave verify %s: %w", reference, err)
	}

	var resp flutterwaveVerifyResponse
	if err := decodeJSON(body, &resp); err != nil {
		return VerifiedPayment{}, fmt.Errorf("flutterwave verify %s: %w", reference, err)
	}
	if !strings.EqualFold(resp.Status, "success") {
		return VerifiedPayment{}, fmt.Errorf("flutterwave verify %s: %s", reference, resp.Message)
	}
	var ch flutterwaveCharge
	if err := decodeJSON(resp.Data, &ch); err != nil {
		return VerifiedPayment{}, fmt.Errorf("flutterwave verify %s: %w", reference, err)
	}
	if ch.TxRef != reference {
		return VerifiedPayment{}, fmt.Errorf("flutterwave verify %s: provider returned tx_ref %q", reference, ch.TxRef)
	}
	return ch.payment(SourceRedirect, body)
}
