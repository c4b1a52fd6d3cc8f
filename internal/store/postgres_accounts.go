package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/pkg/utils"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const accountColumns = `id, client_id, balance, external_identifier, identifier_locked, created_at, updated_at`

const accountByClientQuery = `SELECT ` + accountColumns + ` FROM wallet_accounts WHERE client_id = $1`

type pgAccounts struct {
	q querier
}

func (r pgAccounts) GetOrCreate(ctx context.Context, clientID string, now time.Time) (domain.Account, error) {
	if err := r.ensure(ctx, clientID, now); err != nil {
		return domain.Account{}, err
	}
	return selectAccount(ctx, r.q, accountByClientQuery, clientID)
}

func (r pgAccounts) LockByClient(ctx context.Context, clientID string, now time.Time) (domain.Account, error) {
	if err := r.ensure(ctx, clientID, now); err != nil {
		return domain.Account{}, err
	}
	// Serializes every balance mutation for this client until the transaction ends.
	return selectAccount(ctx, r.q, accountByClientQuery+` FOR UPDATE`, clientID)
}

// ensure inserts the account if absent. ON CONFLICT makes concurrent first access safe.
func (r pgAccounts) ensure(ctx context.Context, clientID string, now time.Time) error {
	const q = `
INSERT INTO wallet_accounts (id, client_id, balance, identifier_locked, created_at, updated_at)
VALUES ($1, $2, 0, FALSE, $3, $3)
ON CONFLICT (client_id) DO NOTHING
`
	_, err := r.q.ExecContext(ctx, q, uuid.NewString(), clientID, now)
	return err
}

func (r pgAccounts) ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, now time.Time) (domain.Account, error) {
	const q = `
UPDATE wallet_accounts
SET balance = balance + $2, updated_at = $3
WHERE id = $1
RETURNING ` + accountColumns
	a, err := selectAccount(ctx, r.q, q, accountID, delta, now)
	if err != nil && utils.IsCheckViolation(err) {
		return domain.Account{}, fmt.Errorf("apply delta %s: %w", delta.StringFixed(2), domain.ErrInsufficientFunds)
	}
	return a, err
}

func (r pgAccounts) SetIdentifier(ctx context.Context, accountID, identifier string, locked bool, now time.Time) (domain.Account, error) {
	const q = `
UPDATE wallet_accounts
SET external_identifier = $2, identifier_locked = $3, updated_at = $4
WHERE id = $1
RETURNING ` + accountColumns
	return selectAccount(ctx, r.q, q, accountID, nullString(identifier), locked, now)
}

func selectAccount(ctx context.Context, q querier, query string, args ...any) (domain.Account, error) {
	var (
		a     domain.Account
		ident sql.NullString
	)
	err := q.QueryRowContext(ctx, query, args...).Scan(
		&a.ID,
		&a.ClientID,
		&a.Balance,
		&ident,
		&a.IdentifierLocked,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Account{}, domain.ErrNotFound
		}
		return domain.Account{}, err
	}
	a.ExternalIdentifier = ident.String
	return a, nil
}
