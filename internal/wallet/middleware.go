package wallet

import (
	"context"
	"net/http"
	"strings"

	"marketplace-wallet/internal/auth"
	"marketplace-wallet/internal/rbac"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const headerOrderAmount = "X-Order-Amount"

// BalanceService is the minimal wallet service interface needed by middleware.
type BalanceService interface {
	GetBalance(ctx context.Context, clientID string) (decimal.Decimal, error)
}

// RequireSufficientBalance rejects a wallet payment early when the balance obviously
// cannot cover it. It is a fast path only; DebitIfEnough remains authoritative.
//
// - Reads the order amount from header: X-Order-Amount (decimal)
// - Uses auth context for the client id and role
// - admin and super_admin bypass
func RequireSufficientBalance(svc BalanceService) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsAdmin(role) {
			c.Next()
			return
		}

		clientID, err := auth.UserID(c.Request.Context())
		if err != nil || clientID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "client identity required"})
			return
		}

		raw := strings.TrimSpace(c.GetHeader(headerOrderAmount))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "order amount required"})
			return
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil || !amount.IsPositive() {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "order amount invalid"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), clientID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal.LessThan(amount) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient balance",
				"code":    "insufficient_funds",
				"balance": bal.StringFixed(2),
			})
			return
		}

		c.Next()
	}
}
