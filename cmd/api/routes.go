package main

import (
	"database/sql"
	"net/http"
	"time"

	"marketplace-wallet/internal/httpapi"
	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/internal/rbac"
	"marketplace-wallet/internal/wallet"
	"marketplace-wallet/pkg/utils"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	handlers httpapi.Handlers
	webhooks httpapi.Webhooks
	authMW   gin.HandlerFunc
	metrics  *metrics.Metrics

	// limiter caps concurrent webhook processing per provider; nil disables the cap.
	limiter httpapi.SlotLimiter
	// db backs /readyz; nil reports ready.
	db *sql.DB
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	h := d.handlers

	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if d.db != nil {
			if err := utils.HealthCheck(c.Request.Context(), d.db, 2*time.Second); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(d.metrics.Handler()))

	// Provider webhooks (public, authenticated by signature).
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/paystack", httpapi.LimitConcurrency(d.limiter, "webhooks:paystack"), d.webhooks.Paystack)
		hooks.POST("/flutterwave", httpapi.LimitConcurrency(d.limiter, "webhooks:flutterwave"), d.webhooks.Flutterwave)
	}

	// Token refresh needs no access token.
	r.POST("/v1/auth/refresh", h.Refresh)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(d.authMW)
	{
		v1.GET("/me", h.Me)

		// WALLET routes (client, vendor, rider)
		w := v1.Group("/wallet")
		w.Use(rbac.RequireWalletOwner())
		{
			w.GET("", h.GetWallet)
			w.GET("/transactions", h.ListTransactions)
			w.PUT("/identifier", h.SetIdentifier)
			w.POST("/identifier/lock", h.LockIdentifier)
			w.POST("/topups", h.InitTopUp)
			w.POST("/pay", wallet.RequireSufficientBalance(h.Wallet), h.PayOrder)
		}

		payments := v1.Group("/payments")
		payments.Use(rbac.RequireWalletOwner())
		{
			payments.GET("/:provider/verify", h.VerifyPayment)
		}

		// WITHDRAWAL routes
		withdrawals := v1.Group("/withdrawals")
		withdrawals.Use(rbac.RequireWalletOwner())
		{
			withdrawals.POST("", h.CreateWithdrawal)
			withdrawals.GET("", h.ListWithdrawals)
		}

		// ADMIN routes
		// Hidden service role is intentionally NOT included.
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin, rbac.RoleSuperAdmin))
		{
			admin.GET("/withdrawals", h.AdminListWithdrawals)
			admin.POST("/withdrawals/:id/approve", h.AdminApproveWithdrawal)
			admin.POST("/withdrawals/:id/mark-paid", h.AdminMarkPaid)
			admin.POST("/withdrawals/:id/decline", h.AdminDecline)

			admin.GET("/wallets/:client_id", h.AdminGetWallet)
			admin.POST("/wallets/:client_id/credit", h.AdminCredit)

			admin.GET("/reports/wallet-summary", h.WalletSummaryReport)
		}
	}
}
