package reporting

import (
	"context"
	"errors"
	"time"

	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// IMPORTANT:
// - Implementations should query immutable sources (the wallet ledger).
type Repository interface {
	EntriesBetween(ctx context.Context, clientID string, from, to time.Time) ([]domain.Entry, error)
}

type Service struct {
	repo     Repository
	currency string
}

func NewService(repo Repository, currency string) *Service {
	return &Service{repo: repo, currency: currency}
}

// maxRange bounds one summary query.
const maxRange = 366 * 24 * time.Hour

func (s *Service) WalletSummary(ctx context.Context, req WalletSummaryRequest) (WalletSummary, error) {
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return WalletSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > maxRange {
		return WalletSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return WalletSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.EntriesBetween(ctx, req.ClientID, req.Range.From.UTC(), req.Range.To.UTC())
	if err != nil {
		return WalletSummary{}, err
	}

	out := WalletSummary{
		ClientID:   req.ClientID,
		Currency:   s.currency,
		Range:      req.Range,
		ByProvider: map[string]decimal.Decimal{},
	}
	for _, e := range rows {
		out.Entries++
		if e.Direction == domain.DirectionCredit {
			out.TotalCredit = out.TotalCredit.Add(e.Amount)
			if e.Provider != "" {
				out.ByProvider[string(e.Provider)] = out.ByProvider[string(e.Provider)].Add(e.Amount)
			}
		} else {
			out.TotalDebit = out.TotalDebit.Add(e.Amount)
		}

		switch e.Reason {
		case domain.ReasonTopUp:
			out.TopUps = out.TopUps.Add(e.Amount)
		case domain.ReasonRefund:
			out.Refunds = out.Refunds.Add(e.Amount)
		case domain.ReasonManualCredit:
			out.ManualCredits = out.ManualCredits.Add(e.Amount)
		case domain.ReasonPurchase:
			out.Purchases = out.Purchases.Add(e.Amount)
		case domain.ReasonWithdrawal:
			out.Withdrawals = out.Withdrawals.Add(e.Amount)
		}
	}
	out.NetDelta = out.TotalCredit.Sub(out.TotalDebit)
	return out, nil
}
