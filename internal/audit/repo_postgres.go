package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepo appends to payment_audit_records.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

const insertRecord = `
INSERT INTO payment_audit_records
  (id, provider, provider_reference, event, client_id, order_id, amount, currency, status, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

func (r *PostgresRepo) Append(ctx context.Context, rec Record) error {
	var amount any
	if rec.Amount != nil {
		amount = rec.Amount.StringFixed(2)
	}
	var payload any
	if len(rec.Payload) > 0 {
		payload = []byte(rec.Payload)
	}
	_, err := r.db.ExecContext(ctx, insertRecord,
		rec.ID,
		rec.Provider,
		nullable(rec.ProviderReference),
		string(rec.Event),
		nullable(rec.ClientID),
		nullable(rec.OrderID),
		amount,
		nullable(rec.Currency),
		nullable(rec.Status),
		payload,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append payment audit record: %w", err)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
