package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

const withdrawalColumns = `id, client_id, amount, currency, method, destination, status, admin_id, admin_note,
       provider, provider_reference, debit_entry_id, created_at, updated_at`

type pgWithdrawals struct {
	q querier
}

func (r pgWithdrawals) Insert(ctx context.Context, w domain.WithdrawalRequest) error {
	const q = `
INSERT INTO withdrawal_requests (
  id, client_id, amount, currency, method, destination, status, admin_id, admin_note,
  provider, provider_reference, debit_entry_id, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)
`
	dest, err := json.Marshal(w.Destination)
	if err != nil {
		return fmt.Errorf("encode destination: %w", err)
	}
	_, err = r.q.ExecContext(ctx, q,
		w.ID,
		w.ClientID,
		w.Amount,
		w.Currency,
		string(w.Method),
		string(dest),
		string(w.Status),
		nullString(w.AdminID),
		w.AdminNote,
		nullString(string(w.Provider)),
		nullString(w.ProviderReference),
		nullString(w.DebitEntryID),
		w.CreatedAt,
		w.UpdatedAt,
	)
	return err
}

func (r pgWithdrawals) Lock(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	return selectWithdrawal(ctx, r.q, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`, id)
}

func (r pgWithdrawals) Update(ctx context.Context, w domain.WithdrawalRequest) error {
	const q = `
UPDATE withdrawal_requests
SET status = $2, admin_id = $3, admin_note = $4, provider = $5, provider_reference = $6,
    debit_entry_id = $7, updated_at = $8
WHERE id = $1
`
	res, err := r.q.ExecContext(ctx, q,
		w.ID,
		string(w.Status),
		nullString(w.AdminID),
		w.AdminNote,
		nullString(string(w.Provider)),
		nullString(w.ProviderReference),
		nullString(w.DebitEntryID),
		w.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r pgWithdrawals) SumSince(ctx context.Context, clientID string, since time.Time, statuses []domain.WithdrawalStatus) (decimal.Decimal, error) {
	if len(statuses) == 0 {
		return decimal.Zero, nil
	}
	args := []any{clientID, since}
	marks := make([]string, 0, len(statuses))
	for _, s := range statuses {
		args = append(args, string(s))
		marks = append(marks, fmt.Sprintf("$%d", len(args)))
	}
	q := `
SELECT COALESCE(SUM(amount), 0)
FROM withdrawal_requests
WHERE client_id = $1 AND created_at >= $2 AND status IN (` + strings.Join(marks, ",") + `)`

	var sum decimal.Decimal
	if err := r.q.QueryRowContext(ctx, q, args...).Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func selectWithdrawal(ctx context.Context, q querier, query string, args ...any) (domain.WithdrawalRequest, error) {
	w, err := scanWithdrawal(q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.WithdrawalRequest{}, domain.ErrNotFound
		}
		return domain.WithdrawalRequest{}, err
	}
	return w, nil
}

func scanWithdrawal(s rowScanner) (domain.WithdrawalRequest, error) {
	var (
		w                                  domain.WithdrawalRequest
		method, status                     string
		dest                               []byte
		adminID, provider, ref, debitEntry sql.NullString
	)
	if err := s.Scan(
		&w.ID,
		&w.ClientID,
		&w.Amount,
		&w.Currency,
		&method,
		&dest,
		&status,
		&adminID,
		&w.AdminNote,
		&provider,
		&ref,
		&debitEntry,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		return domain.WithdrawalRequest{}, err
	}
	if len(dest) > 0 {
		if err := json.Unmarshal(dest, &w.Destination); err != nil {
			return domain.WithdrawalRequest{}, fmt.Errorf("decode destination for %s: %w", w.ID, err)
		}
	}
	w.Method = domain.WithdrawalMethod(method)
	w.Status = domain.WithdrawalStatus(status)
	w.AdminID = adminID.String
	w.Provider = domain.Provider(provider.String)
	w.ProviderReference = ref.String
	w.DebitEntryID = debitEntry.String
	return w, nil
}
