package reconcile

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

// HeaderPaystackSignature carries the hex HMAC-SHA512 of the raw body keyed by the secret key.
const HeaderPaystackSignature = "x-paystack-signature"

var ErrBadSignature = errors.New("webhook signature mismatch")

// VerifyPaystackSignature checks the webhook signature in constant time.
func VerifyPaystackSignature(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrBadSignature
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(body)
	want := mac.Sum(nil)

	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(want, got) {
		return ErrBadSignature
	}
	return nil
}

type paystackEnvelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// paystackCharge is the shared shape of charge webhooks and verify responses.
// Amount is in the minor unit (kobo).
type paystackCharge struct {
	Reference string          `json:"reference"`
	Amount    json.Number     `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Metadata  json.RawMessage `json:"metadata"`
}

type paystackTransfer struct {
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Amount    json.Number     `json:"amount"`
	Metadata  json.RawMessage `json:"metadata"`
}

// ParsePaystackWebhook decodes a signature-checked Paystack webhook body.
func ParsePaystackWebhook(body []byte) (Notification, error) {
	var env paystackEnvelope
	if err := decodeJSON(body, &env); err != nil {
		return Notification{}, fmt.Errorf("paystack webhook: %w", err)
	}
	n := Notification{Event: env.Event, Raw: json.RawMessage(body)}

	switch env.Event {
	case "charge.success":
		var ch paystackCharge
		if err := decodeJSON(env.Data, &ch); err != nil {
			return Notification{}, fmt.Errorf("paystack charge: %w", err)
		}
		p, err := ch.payment(SourceWebhook, body)
		if err != nil {
			return Notification{}, err
		}
		p.Event = env.Event
		n.Payment = &p
	case "transfer.success", "transfer.failed", "transfer.reversed":
		var tr paystackTransfer
		if err := decodeJSON(env.Data, &tr); err != nil {
			return Notification{}, fmt.Errorf("paystack transfer: %w", err)
		}
		meta := decodeMetadata(tr.Metadata)
		n.Payout = &PayoutConfirmation{
			Provider:     domain.ProviderPaystack,
			Reference:    tr.Reference,
			WithdrawalID: payoutWithdrawalID(meta, tr.Reference),
			Status:       strings.ToLower(tr.Status),
			Event:        env.Event,
			Raw:          json.RawMessage(body),
		}
	}
	return n, nil
}

func (ch paystackCharge) payment(src Source, raw []byte) (VerifiedPayment, error) {
	minor, err := decimal.NewFromString(ch.Amount.String())
	if err != nil {
		return VerifiedPayment{}, domain.Invalid("amount", "not a number")
	}
	return VerifiedPayment{
		Provider:  domain.ProviderPaystack,
		Reference: ch.Reference,
		Amount:    minor.Shift(-domain.MoneyScale),
		Currency:  strings.ToUpper(ch.Currency),
		Status:    strings.ToLower(ch.Status),
		Metadata:  decodeMetadata(ch.Metadata),
		Raw:       json.RawMessage(raw),
		Source:    src,
	}, nil
}

// Verifier confirms a payment reference server-side with the provider.
// Calls happen before any ledger transaction opens.
type Verifier interface {
	Verify(ctx context.Context, reference string) (VerifiedPayment, error)
}

// PaystackVerifier calls GET /transaction/verify/:reference.
type PaystackVerifier struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
}

func NewPaystackVerifier(baseURL, secretKey string, client *http.Client) *PaystackVerifier {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &PaystackVerifier{baseURL: strings.TrimRight(baseURL, "/"), secretKey: secretKey, httpClient: client}
}

type paystackVerifyResponse struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (v *PaystackVerifier) Verify(ctx context.Context, reference string) (VerifiedPayment, error) {
	if strings.TrimSpace(reference) == "" {
		return VerifiedPayment{}, domain.Invalid("reference", "required")
	}
	endpoint := v.baseURL + "/transaction/verify/" + url.PathEscape(reference)
	body, err := getJSON(ctx, v.httpClient, endpoint, "Bearer "+v.secretKey)
	if err != nil {
		return VerifiedPayment{}, fmt.Errorf("paystack verify %s: %w", reference, err)
	}

	var resp paystackVerifyResponse
	if err := decodeJSON(body, &resp); err != nil {
		return VerifiedPayment{}, fmt.Errorf("paystack verify %s: %w", reference, err)
	}
	if !resp.Status {
		return VerifiedPayment{}, fmt.Errorf("paystack verify %s: %s", reference, resp.Message)
	}
	var ch paystackCharge
	if err := decodeJSON(resp.Data, &ch); err != nil {
		return VerifiedPayment{}, fmt.Errorf("paystack verify %s: %w", reference, err)
	}
	if ch.Reference != reference {
		return VerifiedPayment{}, fmt.Errorf("paystack verify %s: provider returned reference %q", reference, ch.Reference)
	}
	return ch.payment(SourceRedirect, body)
}

// ErrProviderUnavailable marks provider HTTP failures worth retrying later.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

const maxProviderBody = 1 << 20

func getJSON(ctx context.Context, client *http.Client, endpoint, authorization string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrProviderUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrNotFound
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("provider rejected request: status %d", resp.StatusCode)
	}
	return body, nil
}

func decodeJSON(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// decodeMetadata accepts an object or a JSON-encoded string holding one.
// Anything else yields an empty map.
func decodeMetadata(raw json.RawMessage) map[string]any {
	out := map[string]any{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return out
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return out
		}
		raw = []byte(s)
	}
	if err := decodeJSON(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
