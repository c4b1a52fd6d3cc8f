package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/pkg/utils"
)

const entryColumns = `id, account_id, client_id, amount, direction, reason, provider, provider_reference,
       related_order_id, related_withdrawal_id, note, raw_payload, balance_after, created_at`

type pgEntries struct {
	q querier
}

func (r pgEntries) FindByReference(ctx context.Context, provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool, error) {
	q := `SELECT ` + entryColumns + `
FROM wallet_entries
WHERE provider = $1 AND provider_reference = $2 AND direction = $3
LIMIT 1`
	return findEntry(ctx, r.q, q, string(provider), ref, string(dir))
}

func (r pgEntries) FindByWithdrawal(ctx context.Context, withdrawalID string) (domain.Entry, bool, error) {
	q := `SELECT ` + entryColumns + `
FROM wallet_entries
WHERE related_withdrawal_id = $1
LIMIT 1`
	return findEntry(ctx, r.q, q, withdrawalID)
}

func (r pgEntries) Insert(ctx context.Context, e domain.Entry) error {
	const q = `
INSERT INTO wallet_entries (
  id, account_id, client_id, amount, direction, reason, provider, provider_reference,
  related_order_id, related_withdrawal_id, note, raw_payload, balance_after, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
`
	var raw any
	if len(e.RawPayload) > 0 {
		raw = string(e.RawPayload)
	}
	_, err := r.q.ExecContext(ctx, q,
		e.ID,
		e.AccountID,
		e.ClientID,
		e.Amount,
		string(e.Direction),
		string(e.Reason),
		nullString(string(e.Provider)),
		nullString(e.ProviderReference),
		nullString(e.RelatedOrderID),
		nullString(e.RelatedWithdrawalID),
		e.Note,
		raw,
		e.BalanceAfter,
		e.CreatedAt,
	)
	if name, ok := utils.IsUniqueViolation(err); ok {
		return fmt.Errorf("insert entry: %w: %s", domain.ErrDuplicateReference, name)
	}
	return err
}

func findEntry(ctx context.Context, q querier, query string, args ...any) (domain.Entry, bool, error) {
	e, err := scanEntry(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Entry{}, false, nil
		}
		return domain.Entry{}, false, err
	}
	return e, true, nil
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]domain.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntry(s rowScanner) (domain.Entry, error) {
	var (
		e                 domain.Entry
		direction, reason string
		provider, ref     sql.NullString
		orderID, wdID     sql.NullString
		raw               []byte
	)
	if err := s.Scan(
		&e.ID,
		&e.AccountID,
		&e.ClientID,
		&e.Amount,
		&direction,
		&reason,
		&provider,
		&ref,
		&orderID,
		&wdID,
		&e.Note,
		&raw,
		&e.BalanceAfter,
		&e.CreatedAt,
	); err != nil {
		return domain.Entry{}, err
	}
	e.Direction = domain.Direction(direction)
	e.Reason = domain.Reason(reason)
	e.Provider = domain.Provider(provider.String)
	e.ProviderReference = ref.String
	e.RelatedOrderID = orderID.String
	e.RelatedWithdrawalID = wdID.String
	if len(raw) > 0 {
		e.RawPayload = append([]byte(nil), raw...)
	}
	return e, nil
}
