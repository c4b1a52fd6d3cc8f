package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-wallet/internal/domain"
	"marketplace-wallet/pkg/utils"
)

// NOTE: This store assumes schema.sql has been applied (see Migrate).
// All SQL for the ledger lives in this package; callers only see the repository interfaces.

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Postgres struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgres wraps an open pool. lockTimeout bounds row-lock waits per transaction.
func NewPostgres(db *sql.DB, lockTimeout time.Duration) *Postgres {
	return &Postgres{db: db, lockTimeout: lockTimeout}
}

func (p *Postgres) InTx(ctx context.Context, fn TxFunc) error {
	err := utils.WithTx(ctx, p.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx *sql.Tx) error {
		if err := utils.SetLocalLockTimeout(ctx, tx, p.lockTimeout); err != nil {
			return err
		}
		return fn(ctx, &pgTx{q: tx})
	})
	return classify(err)
}

// classify maps driver failures onto the domain taxonomy without re-wrapping domain errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrDuplicateReference) {
		return err
	}
	if name, ok := utils.IsUniqueViolation(err); ok {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateReference, name)
	}
	if utils.IsTransient(err) {
		return fmt.Errorf("%w: %v", domain.ErrTransient, err)
	}
	return err
}

type pgTx struct {
	q querier
}

func (t *pgTx) Accounts() AccountRepository       { return pgAccounts{q: t.q} }
func (t *pgTx) Entries() EntryRepository          { return pgEntries{q: t.q} }
func (t *pgTx) Withdrawals() WithdrawalRepository { return pgWithdrawals{q: t.q} }

func (t *pgTx) KYCVerified(ctx context.Context, clientID string) (bool, error) {
	return kycVerified(ctx, t.q, clientID)
}

// --- Reader ---

func (p *Postgres) AccountByClient(ctx context.Context, clientID string) (domain.Account, error) {
	a, err := selectAccount(ctx, p.db, accountByClientQuery, clientID)
	return a, classify(err)
}

func (p *Postgres) FindEntryByReference(ctx context.Context, provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool, error) {
	e, ok, err := pgEntries{q: p.db}.FindByReference(ctx, provider, ref, dir)
	return e, ok, classify(err)
}

func (p *Postgres) ListEntries(ctx context.Context, accountID string, limit, offset int) ([]domain.Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM wallet_entries
WHERE account_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2 OFFSET $3`
	out, err := queryEntries(ctx, p.db, q, accountID, limit, offset)
	return out, classify(err)
}

func (p *Postgres) EntriesBetween(ctx context.Context, clientID string, from, to time.Time) ([]domain.Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM wallet_entries
WHERE created_at >= $1 AND created_at < $2 AND ($3 = '' OR client_id = $3)
ORDER BY created_at, id`
	out, err := queryEntries(ctx, p.db, q, from, to, clientID)
	return out, classify(err)
}

func (p *Postgres) WithdrawalByID(ctx context.Context, id string) (domain.WithdrawalRequest, error) {
	w, err := selectWithdrawal(ctx, p.db, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	return w, classify(err)
}

func (p *Postgres) ListWithdrawals(ctx context.Context, f domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error) {
	limit, offset := domain.NormalizePage(f.Limit, f.Offset)

	var (
		where []string
		args  []any
	)
	if f.ClientID != "" {
		args = append(args, f.ClientID)
		where = append(where, fmt.Sprintf("client_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString(`SELECT ` + withdrawalColumns + ` FROM withdrawal_requests`)
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	args = append(args, limit, offset)
	fmt.Fprintf(&b, " ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := make([]domain.WithdrawalRequest, 0, limit)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, classify(rows.Err())
}

func (p *Postgres) KYCVerified(ctx context.Context, clientID string) (bool, error) {
	ok, err := kycVerified(ctx, p.db, clientID)
	return ok, classify(err)
}

// kycVerified treats a missing client row as unverified.
func kycVerified(ctx context.Context, q querier, clientID string) (bool, error) {
	var verified bool
	err := q.QueryRowContext(ctx, `SELECT kyc_verified FROM clients WHERE id = $1`, clientID).Scan(&verified)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return verified, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
