package store

import (
	"context"
	"time"

	"marketplace-wallet/internal/domain"

	"github.com/shopspring/decimal"
)

// Store is the durable home of accounts, ledger entries and withdrawal requests.
//
// Guarantees:
// - InTx runs fn atomically. Any error from fn or from commit rolls everything back.
// - Row locks taken inside fn (LockByClient, Withdrawals().Lock) are held until fn returns.
// - Lock waits are bounded; exceeding the bound surfaces as domain.ErrTransient.
// - Reader methods observe committed state only.
type Store interface {
	Reader
	InTx(ctx context.Context, fn TxFunc) error
}

// TxFunc is the unit of work executed inside a ledger transaction.
type TxFunc func(ctx context.Context, tx Tx) error

// Tx exposes one repository per entity, bound to a single transaction.
type Tx interface {
	Accounts() AccountRepository
	Entries() EntryRepository
	Withdrawals() WithdrawalRepository
	KYCVerified(ctx context.Context, clientID string) (bool, error)
}

type AccountRepository interface {
	// GetOrCreate returns the client's account, creating it with zero balance if absent.
	// Concurrent callers never create two accounts for one client.
	GetOrCreate(ctx context.Context, clientID string, now time.Time) (domain.Account, error)

	// LockByClient is GetOrCreate followed by an exclusive row lock on the account.
	LockByClient(ctx context.Context, clientID string, now time.Time) (domain.Account, error)

	// ApplyDelta adds delta to the balance and returns the updated account.
	// A result below zero fails with domain.ErrInsufficientFunds.
	ApplyDelta(ctx context.Context, accountID string, delta decimal.Decimal, now time.Time) (domain.Account, error)

	SetIdentifier(ctx context.Context, accountID, identifier string, locked bool, now time.Time) (domain.Account, error)
}

type EntryRepository interface {
	FindByReference(ctx context.Context, provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool, error)
	FindByWithdrawal(ctx context.Context, withdrawalID string) (domain.Entry, bool, error)

	// Insert appends e. A taken (provider, reference, direction) or withdrawal link
	// fails with domain.ErrDuplicateReference.
	Insert(ctx context.Context, e domain.Entry) error
}

type WithdrawalRepository interface {
	Insert(ctx context.Context, w domain.WithdrawalRequest) error
	// Lock loads the request with an exclusive row lock.
	Lock(ctx context.Context, id string) (domain.WithdrawalRequest, error)
	Update(ctx context.Context, w domain.WithdrawalRequest) error
	// SumSince totals request amounts created at or after since with one of statuses.
	SumSince(ctx context.Context, clientID string, since time.Time, statuses []domain.WithdrawalStatus) (decimal.Decimal, error)
}

// Reader serves non-transactional queries for the UI and reporting layers.
type Reader interface {
	AccountByClient(ctx context.Context, clientID string) (domain.Account, error)
	FindEntryByReference(ctx context.Context, provider domain.Provider, ref string, dir domain.Direction) (domain.Entry, bool, error)
	// ListEntries returns entries newest first.
	ListEntries(ctx context.Context, accountID string, limit, offset int) ([]domain.Entry, error)
	// EntriesBetween returns entries in [from, to), oldest first. Empty clientID means all clients.
	EntriesBetween(ctx context.Context, clientID string, from, to time.Time) ([]domain.Entry, error)
	WithdrawalByID(ctx context.Context, id string) (domain.WithdrawalRequest, error)
	ListWithdrawals(ctx context.Context, f domain.WithdrawalFilter) ([]domain.WithdrawalRequest, error)
	KYCVerified(ctx context.Context, clientID string) (bool, error)
}
