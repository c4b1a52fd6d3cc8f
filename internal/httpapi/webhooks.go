package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/metrics"
	"marketplace-wallet/internal/reconcile"
	"marketplace-wallet/pkg/logger"
	"marketplace-wallet/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const maxWebhookBody = 1 << 20

// Webhooks receives provider callbacks. Bodies are authenticated before parsing.
//
// Response policy: 2xx tells the provider to stop redelivering. Permanent problems
// (bad payload fields, currency mismatch) are acknowledged and logged; transient
// failures return 5xx so the provider retries.
type Webhooks struct {
	Adapter *reconcile.Adapter
	Metrics *metrics.Metrics

	PaystackSecretKey     string
	FlutterwaveSecretHash string
}

func (h Webhooks) Paystack(c *gin.Context) {
	h.handle(c, domain.ProviderPaystack,
		func(body []byte) error {
			return reconcile.VerifyPaystackSignature(h.PaystackSecretKey, body, c.GetHeader(reconcile.HeaderPaystackSignature))
		},
		reconcile.ParsePaystackWebhook,
	)
}

func (h Webhooks) Flutterwave(c *gin.Context) {
	h.handle(c, domain.ProviderFlutterwave,
		func([]byte) error {
			return reconcile.VerifyFlutterwaveHash(h.FlutterwaveSecretHash, c.GetHeader(reconcile.HeaderFlutterwaveHash))
		},
		reconcile.ParseFlutterwaveWebhook,
	)
}

func (h Webhooks) handle(c *gin.Context, provider domain.Provider, verify func([]byte) error, parse func([]byte) (reconcile.Notification, error)) {
	log := logger.FromGin(c).With("provider", provider)
	ctx := logger.With(c.Request.Context(), log)

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.Metrics.Webhook(string(provider), "read_error")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	if err := verify(body); err != nil {
		log.Warn("webhook rejected", "err", err)
		h.Metrics.Webhook(string(provider), "bad_signature")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}
	n, err := parse(body)
	if err != nil {
		log.Warn("webhook malformed", "err", err)
		h.Metrics.Webhook(string(provider), "malformed")
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}

	res, err := h.Adapter.HandleNotification(ctx, provider, n)
	switch {
	case err == nil:
		h.Metrics.Webhook(string(provider), string(res.Outcome))
		c.JSON(http.StatusOK, gin.H{"status": "ok", "outcome": res.Outcome})
	case errors.Is(err, domain.ErrValidation):
		log.Error("webhook not applied", "event", n.Event, "err", err)
		h.Metrics.Webhook(string(provider), "rejected")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
	case errors.Is(err, domain.ErrTransient):
		h.Metrics.Webhook(string(provider), "retry")
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "try again"})
	default:
		log.Error("webhook failed", "event", n.Event, "err", err)
		h.Metrics.Webhook(string(provider), "error")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// SlotLimiter caps concurrent work under a key.
type SlotLimiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisSlots shares the cap across API replicas.
type RedisSlots struct {
	RDB   redis.Scripter
	Limit int
	// TTL bounds how long a crashed holder can keep a slot.
	TTL time.Duration
}

func (s RedisSlots) Acquire(ctx context.Context, key string) (bool, error) {
	return utils.AcquireSlot(ctx, s.RDB, key, s.Limit, s.TTL)
}

func (s RedisSlots) Release(ctx context.Context, key string) error {
	return utils.ReleaseSlot(ctx, s.RDB, key)
}

// LimitConcurrency answers 503 when every slot for key is taken.
// If the limiter itself fails the request proceeds uncapped.
func LimitConcurrency(l SlotLimiter, key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if l == nil {
			c.Next()
			return
		}
		ok, err := l.Acquire(c.Request.Context(), key)
		if err != nil {
			logger.FromGin(c).Warn("concurrency limiter unavailable", "key", key, "err", err)
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", "2")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "busy, retry later"})
			return
		}
		defer func() {
			// Release even when the client went away.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(c.Request.Context()), time.Second)
			defer cancel()
			if err := l.Release(ctx, key); err != nil {
				logger.FromGin(c).Warn("concurrency slot release failed", "key", key, "err", err)
			}
		}()
		c.Next()
	}
}
