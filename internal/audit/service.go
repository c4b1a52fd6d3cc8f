package audit

import (
	"context"
	"errors"
	"time"

	"marketplace-wallet/internal/dispatch"
	"marketplace-wallet/pkg/logger"

	"github.com/google/uuid"
)

// Repository is the persistence contract for payment audit records.
//
// It MUST be append-only.
// There are no Update/Delete methods.
type Repository interface {
	Append(ctx context.Context, r Record) error
}

// Service records payment audit trails.
//
// IMPORTANT:
// - Audit is internal-only.
// - Callers should treat audit logging as best-effort; use Submit from request paths.
type Service struct {
	repo  Repository
	sub   dispatch.Submitter
	clock func() time.Time
}

// NewService returns a Service. sub runs Submit calls; nil runs them inline.
func NewService(repo Repository, sub dispatch.Submitter) *Service {
	if sub == nil {
		sub = dispatch.Inline{}
	}
	return &Service{repo: repo, sub: sub, clock: time.Now}
}

var ErrInvalidRecord = errors.New("audit: invalid record")

func (s *Service) Append(ctx context.Context, r Record) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if r.Provider == "" || r.Event == "" {
		return ErrInvalidRecord
	}

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, r)
}

// Submit appends r after the caller returns. Failures are logged and retried by
// the dispatcher, never reported to the caller. A nil *Service drops the record.
func (s *Service) Submit(ctx context.Context, r Record) {
	if s == nil {
		return
	}
	ok := s.sub.Submit(ctx, "audit:"+string(r.Event), func(ctx context.Context) error {
		return s.Append(ctx, r)
	})
	if !ok {
		logger.From(ctx).Warn("audit: record dropped", "provider", r.Provider, "reference", r.ProviderReference, "event", r.Event)
	}
}
