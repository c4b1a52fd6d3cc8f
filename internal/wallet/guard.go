package wallet

import (
	"context"
	"errors"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/internal/store"
	"marketplace-wallet/pkg/logger"

	"github.com/shopspring/decimal"
)

// alreadyPosted is the in-transaction idempotency check. It must run after the
// account row lock is taken so that two deliveries of the same event for one
// client serialize on the lock and the second one sees the first one's entry.
// An empty reference is never deduplicated.
func alreadyPosted(ctx context.Context, tx store.Tx, provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool, error) {
	if ref == "" {
		return domain.Entry{}, false, nil
	}
	return tx.Entries().FindByReference(ctx, provider, ref, dir)
}

// sameDebit reports whether e is the debit the caller is replaying. A debit
// reference is client supplied, so a hit on another client, order or amount is
// a conflict and must never be reported as success.
func sameDebit(e domain.Entry, clientID string, amount decimal.Decimal, meta DebitMeta) bool {
	return e.ClientID == clientID &&
		e.RelatedOrderID == meta.OrderID &&
		e.RelatedWithdrawalID == meta.WithdrawalID &&
		e.Amount.Equal(amount)
}

// recoverDuplicate handles the last-resort path: the insert hit the storage unique
// index (a concurrent writer on another account won). The transaction has rolled
// back; the committed winner is re-read and reported as a duplicate.
func (s *Service) recoverDuplicate(ctx context.Context, clientID string, provider domain.Provider, ref string, dir domain.Direction, cause error) (domain.Entry, decimal.Decimal, error) {
	if ref == "" {
		return domain.Entry{}, decimal.Zero, cause
	}
	existing, ok, err := s.store.FindEntryByReference(ctx, provider, ref, dir)
	if err != nil {
		return domain.Entry{}, decimal.Zero, err
	}
	if !ok {
		// The clash was on another key (e.g. withdrawal link); surface it.
		return domain.Entry{}, decimal.Zero, cause
	}
	if existing.ClientID != clientID {
		logger.From(ctx).Warn("wallet: reference already posted to another client",
			"provider", provider, "reference", ref, "client_id", clientID, "owner_client_id", existing.ClientID)
	}
	bal, err := s.GetBalance(ctx, clientID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.Entry{}, decimal.Zero, err
	}
	return existing, bal, nil
}
