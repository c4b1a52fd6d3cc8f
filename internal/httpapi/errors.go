package httpapi

import (
	"errors"
	"net/http"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/reconcile"
	"marketplace-wallet/internal/reporting"
	"marketplace-wallet/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// writeError maps domain errors onto HTTP responses. Unknown errors become 500 and are logged.
func writeError(c *gin.Context, err error) {
	var (
		verr *domain.ValidationError
		lerr *domain.LimitError
	)
	switch {
	case errors.As(err, &lerr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":     lerr.Error(),
			"code":      "limit_exceeded",
			"window":    lerr.Window,
			"cap":       lerr.Cap.StringFixed(domain.MoneyScale),
			"used":      lerr.Used.StringFixed(domain.MoneyScale),
			"requested": lerr.Requested.StringFixed(domain.MoneyScale),
		})
	case errors.As(err, &verr):
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error": verr.Error(),
			"code":  "validation_failed",
			"field": verr.Field,
		})
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid range", "code": "validation_failed"})
	case errors.Is(err, domain.ErrKYCRequired):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": err.Error(), "code": "kyc_required"})
	case errors.Is(err, domain.ErrInsufficientFunds):
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance", "code": "insufficient_funds"})
	case errors.Is(err, domain.ErrInvalidStateTransition):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "invalid_status"})
	case errors.Is(err, domain.ErrReferenceConflict):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "reference_conflict"})
	case errors.Is(err, domain.ErrIdentifierLocked):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": err.Error(), "code": "identifier_locked"})
	case errors.Is(err, domain.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found", "code": "not_found"})
	case errors.Is(err, domain.ErrTransient):
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try again", "code": "transient"})
	case errors.Is(err, reconcile.ErrProviderUnavailable):
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": "payment provider unavailable", "code": "provider_unavailable"})
	default:
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func insufficient(c *gin.Context, balance decimal.Decimal) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
		"error":   "insufficient balance",
		"code":    "insufficient_funds",
		"balance": balance.StringFixed(domain.MoneyScale),
	})
}
