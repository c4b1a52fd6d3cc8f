package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Credit("paystack", "applied")
	m.Debit("purchase", "insufficient_funds")
	m.Withdrawal("approve", "approved")
	m.WithdrawalRejected("kyc_required")
	m.ObserveTx("credit", time.Now())
	m.DispatchFailed("audit")
	assert.NotNil(t, m.Handler())
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.Credit("paystack", "applied")
	m.Credit("paystack", "applied")
	m.Credit("paystack", "duplicate")
	m.WithdrawalRejected("weekly_limit")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.creditsTotal.WithLabelValues("paystack", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.creditsTotal.WithLabelValues("paystack", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.withdrawalRejections.WithLabelValues("weekly_limit")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.Debit("withdrawal", "applied")

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "wallet_ledger_debits_total")
}
