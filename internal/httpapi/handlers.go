package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"marketplace-wallet/internal/auth"
	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/rbac"
	"marketplace-wallet/internal/reconcile"
	"marketplace-wallet/internal/reporting"
	"marketplace-wallet/internal/wallet"
	"marketplace-wallet/internal/withdrawal"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth        *auth.Manager
	Wallet      *wallet.Service
	Withdrawals *withdrawal.Service
	Reconcile   *reconcile.Adapter
	Reporting   *reporting.Service

	// Verifiers confirm redirect references server-side, keyed by provider.
	Verifiers map[domain.Provider]reconcile.Verifier
}

// --- Auth ---

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

// Refresh exchanges a refresh token for a new pair with the role the token
// was granted. Admin sessions are not renewable and must sign in again.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "refresh_token required"})
		return
	}
	now := time.Now()
	claims, err := h.Auth.Verify(req.RefreshToken, auth.TokenTypeRefresh, now)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	if rbac.IsHiddenRole(claims.Role) || rbac.IsAdmin(claims.Role) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "role cannot be refreshed"})
		return
	}
	pair, err := h.Auth.IssuePair(now, claims.UserID, claims.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// Me echoes the identity extracted from the access token.
func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- Wallet ---

func (h Handlers) GetWallet(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	bal, err := h.Wallet.Summary(c.Request.Context(), clientID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h Handlers) ListTransactions(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	entries, err := h.Wallet.History(c.Request.Context(), clientID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": entries, "limit": limit, "offset": offset})
}

type identifierRequest struct {
	Identifier string `json:"identifier"`
}

func (h Handlers) SetIdentifier(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	var req identifierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	acct, err := h.Wallet.SetExternalIdentifier(c.Request.Context(), clientID, req.Identifier)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h Handlers) LockIdentifier(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	acct, err := h.Wallet.LockExternalIdentifier(c.Request.Context(), clientID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

type topUpRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	Provider domain.Provider `json:"provider"`
}

// InitTopUp returns the reference and metadata the client hands to the provider checkout.
func (h Handlers) InitTopUp(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	intent, err := h.Reconcile.InitTopUp(c.Request.Context(), clientID, req.Amount, req.Provider)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, intent)
}

type payRequest struct {
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

// PayOrder debits the wallet for an order. RequireSufficientBalance runs first as a fast path.
func (h Handlers) PayOrder(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	var req payRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(c, domain.Invalid("order_id", "required"))
		return
	}
	if hdr := strings.TrimSpace(c.GetHeader("X-Order-Amount")); hdr != "" {
		if v, err := decimal.NewFromString(hdr); err != nil || !v.Equal(req.Amount) {
			writeError(c, domain.Invalid("amount", "does not match X-Order-Amount"))
			return
		}
	}

	res, err := h.Wallet.DebitIfEnough(c.Request.Context(), clientID, req.Amount, wallet.DebitMeta{
		Reason:            domain.ReasonPurchase,
		Provider:          domain.ProviderWallet,
		ProviderReference: req.Reference,
		OrderID:           req.OrderID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Success {
		insufficient(c, res.Balance)
		return
	}
	c.JSON(http.StatusOK, res)
}

// VerifyPayment handles the checkout redirect: the reference is confirmed with the
// provider before any ledger work, then reconciled like a webhook.
func (h Handlers) VerifyPayment(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	provider := domain.Provider(strings.ToLower(c.Param("provider")))
	v, found := h.Verifiers[provider]
	if !found {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	ref := strings.TrimSpace(c.Query("reference"))
	if ref == "" {
		writeError(c, domain.Invalid("reference", "required"))
		return
	}

	p, err := v.Verify(c.Request.Context(), ref)
	if err != nil {
		writeError(c, err)
		return
	}
	res, err := h.Reconcile.Reconcile(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	if res.ClientID != "" && res.ClientID != clientID {
		res = reconcile.Result{Outcome: res.Outcome}
	}
	c.JSON(http.StatusOK, res)
}

// --- Withdrawals ---

type withdrawalRequest struct {
	Amount      decimal.Decimal         `json:"amount"`
	Method      domain.WithdrawalMethod `json:"method"`
	Destination domain.Destination      `json:"destination"`
}

func (h Handlers) CreateWithdrawal(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	w, err := h.Withdrawals.Create(c.Request.Context(), withdrawal.CreateRequest{
		ClientID:    clientID,
		Amount:      req.Amount,
		Method:      req.Method,
		Destination: req.Destination,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h Handlers) ListWithdrawals(c *gin.Context) {
	clientID, ok := callerID(c)
	if !ok {
		return
	}
	limit, offset := pageParams(c)
	items, err := h.Withdrawals.ListForClient(c.Request.Context(), clientID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

// --- Admin ---

func (h Handlers) AdminListWithdrawals(c *gin.Context) {
	limit, offset := pageParams(c)
	items, err := h.Withdrawals.List(c.Request.Context(), domain.WithdrawalFilter{
		ClientID: c.Query("client_id"),
		Status:   domain.WithdrawalStatus(c.Query("status")),
		Limit:    limit,
		Offset:   offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

type approveRequest struct {
	MarkPaid          bool            `json:"mark_paid"`
	Provider          domain.Provider `json:"provider,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Note              string          `json:"note,omitempty"`
}

func (h Handlers) AdminApproveWithdrawal(c *gin.Context) {
	adminID, ok := callerID(c)
	if !ok {
		return
	}
	id, ok := withdrawalParam(c)
	if !ok {
		return
	}
	var req approveRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.Withdrawals.Approve(c.Request.Context(), id, adminID, withdrawal.ApproveOptions{
		MarkPaidToo:       req.MarkPaid,
		Provider:          req.Provider,
		ProviderReference: req.ProviderReference,
		Note:              req.Note,
	})
	writeWithdrawalResult(c, res, err)
}

type markPaidRequest struct {
	Provider          domain.Provider `json:"provider,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	Note              string          `json:"note,omitempty"`
}

func (h Handlers) AdminMarkPaid(c *gin.Context) {
	adminID, ok := callerID(c)
	if !ok {
		return
	}
	id, ok := withdrawalParam(c)
	if !ok {
		return
	}
	var req markPaidRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	res, err := h.Withdrawals.MarkPaid(c.Request.Context(), id, adminID, withdrawal.MarkPaidOptions{
		Provider:          req.Provider,
		ProviderReference: req.ProviderReference,
		Note:              req.Note,
	})
	writeWithdrawalResult(c, res, err)
}

type declineRequest struct {
	Note string `json:"note,omitempty"`
}

func (h Handlers) AdminDecline(c *gin.Context) {
	adminID, ok := callerID(c)
	if !ok {
		return
	}
	id, ok := withdrawalParam(c)
	if !ok {
		return
	}
	var req declineRequest
	if !bindOptionalJSON(c, &req) {
		return
	}
	w, err := h.Withdrawals.Decline(c.Request.Context(), id, adminID, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type adminCreditRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reason    domain.Reason   `json:"reason"`
	Reference string          `json:"reference"`
	OrderID   string          `json:"order_id,omitempty"`
	Note      string          `json:"note,omitempty"`
}

// AdminCredit performs a privileged wallet credit (refund or manual credit).
// RBAC: admin or super_admin.
func (h Handlers) AdminCredit(c *gin.Context) {
	adminID, ok := callerID(c)
	if !ok {
		return
	}
	var req adminCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res, err := h.Wallet.AdminCredit(c.Request.Context(), c.Param("client_id"), wallet.AdminCreditRequest{
		AdminID:   adminID,
		Amount:    req.Amount,
		Reason:    req.Reason,
		Reference: req.Reference,
		OrderID:   req.OrderID,
		Note:      req.Note,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h Handlers) AdminGetWallet(c *gin.Context) {
	clientID := c.Param("client_id")
	bal, err := h.Wallet.Summary(c.Request.Context(), clientID)
	if err != nil {
		writeError(c, err)
		return
	}
	limit, offset := pageParams(c)
	entries, err := h.Wallet.History(c.Request.Context(), clientID, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": bal, "transactions": entries})
}

func (h Handlers) WalletSummaryReport(c *gin.Context) {
	from, err1 := time.Parse(time.RFC3339, c.Query("from"))
	to, err2 := time.Parse(time.RFC3339, c.Query("to"))
	if err1 != nil || err2 != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from and to must be RFC3339 timestamps"})
		return
	}
	out, err := h.Reporting.WalletSummary(c.Request.Context(), reporting.WalletSummaryRequest{
		ClientID: c.Query("client_id"),
		Range:    reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- helpers ---

func callerID(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil || uid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

// withdrawalParam rejects ids that cannot name a withdrawal before they reach the store.
func withdrawalParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found", "code": "not_found"})
		return "", false
	}
	return id, true
}

// pageParams reads limit/offset; bad values fall back to defaults and NormalizePage clamps.
func pageParams(c *gin.Context) (int, int) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	return domain.NormalizePage(limit, offset)
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	return true
}

func writeWithdrawalResult(c *gin.Context, res withdrawal.Result, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Outcome == withdrawal.OutcomeInsufficientFunds {
		c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{
			"error":   "insufficient balance",
			"code":    "insufficient_funds",
			"balance": res.Balance.StringFixed(domain.MoneyScale),
			"request": res.Request,
		})
		return
	}
	c.JSON(http.StatusOK, res)
}
