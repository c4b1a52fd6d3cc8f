package domain

import "github.com/shopspring/decimal"

// MoneyScale is the number of decimal places stored for every amount.
const MoneyScale = 2

// ValidateAmount rejects non-positive amounts and sub-minor-unit precision.
func ValidateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return Invalid(field, "must be greater than zero")
	}
	if !amount.Round(MoneyScale).Equal(amount) {
		return Invalid(field, "must have at most 2 decimal places")
	}
	return nil
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// NormalizePage clamps limit/offset for history and listing queries.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
