package credits

import (
	"context"
	"strings"
	"time"
)

// Ledger entry reasons. The ledger is append-only; the reason tags why a
// signed movement happened.
const (
	ReasonPurchase    = "purchase"
	ReasonConsumption = "consumption"
	ReasonAdjustment  = "adjustment"
)

// MetadataKeyUnitCredits is the line-item metadata key consulted when a price
// identifier has no pack rule: it carries a per-unit credit count supplied by
// the upstream billing catalog.
const MetadataKeyUnitCredits = "unit_credits"

// LedgerEntry is a single immutable signed credit movement.
type LedgerEntry struct {
	EntryID   string
	UserID    string
	Delta     int64
	Reason    string
	SourceID  string // idempotency key, empty when none was supplied
	Metadata  string // JSON blob describing the originating event
	CreatedAt time.Time
}

// EntryInput describes a ledger entry to append.
type EntryInput struct {
	UserID    string
	Delta     int64
	Reason    string
	SourceID  string
	Metadata  string
	CreatedAt time.Time
}

// Balance is the materialized per-user credit row, kept in lockstep with the
// ledger inside the same transaction.
type Balance struct {
	UserID     string
	Balance    int64
	ExpiresAt  *time.Time
	LastPack   string
	AutoExtend bool
}

// LineItem is one purchased line of an upstream checkout.
type LineItem struct {
	PriceID  string
	Quantity int64
	Metadata map[string]string
}

// PurchaseEvent is the purchase-completion payload delivered (at least once)
// by the payment collaborator. SourceID must be stable across redeliveries of
// the same purchase, e.g. the payment identifier.
type PurchaseEvent struct {
	SourceID   string
	PayerEmail string
	LineItems  []LineItem
}

// DeductRequest asks to consume credits for one unit of work. SourceID is the
// job identifier and doubles as the idempotency key for safe retries.
type DeductRequest struct {
	UserID   string
	Amount   int64
	Reason   string
	SourceID string
}

// DeductResult reports the post-deduction state. ThresholdCrossed is set only
// when this call newly crossed a low-balance threshold.
type DeductResult struct {
	Balance          Balance
	Entry            LedgerEntry
	ThresholdCrossed *int64
}

// BalanceMutator is the narrow contract for reading and writing one user's
// balance row under an exclusive lock. Tests substitute in-memory fakes.
type BalanceMutator interface {
	// LockBalance inserts the row if absent and returns it locked for the
	// remainder of the enclosing transaction.
	LockBalance(ctx context.Context, userID string) (Balance, error)
	SaveBalance(ctx context.Context, balance Balance) error
}

// Store is the persistence contract used by Service. AppendEntry reports
// ErrDuplicateSourceID when (userID, sourceID) was already committed, so the
// engine never inspects storage-engine error codes.
type Store interface {
	BalanceMutator
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	AppendEntry(ctx context.Context, input EntryInput) (LedgerEntry, error)
	EntryBySource(ctx context.Context, userID string, sourceID string) (LedgerEntry, error)
	ListEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)
	GetBalance(ctx context.Context, userID string) (Balance, error)
	HasAlert(ctx context.Context, userID string, threshold int64) (bool, error)
	RecordAlert(ctx context.Context, userID string, threshold int64, sentAt time.Time) error
	ExpireBalances(ctx context.Context, now time.Time) (int64, error)
}

// UserResolver maps a payer email to a user identifier, creating the user on
// first sight. The default implementation is the store itself; deployments
// with an external identity service inject their own.
type UserResolver interface {
	ResolveUser(ctx context.Context, email string) (string, error)
}

// Notifier receives low-balance alert requests after the owning transaction
// committed. Delivery is at-least-once and outside any lock.
type Notifier interface {
	NotifyLowBalance(ctx context.Context, userID string, threshold int64, balance int64) error
}

func validateUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", WrapError(errorOperationValidate, errorSubjectUser, errorCodeEmpty, ErrInvalidUserID)
	}
	return trimmed, nil
}

func validateEmail(raw string) (string, error) {
	trimmed := strings.TrimSpace(strings.ToLower(raw))
	if trimmed == "" || !strings.Contains(trimmed, "@") {
		return "", WrapError(errorOperationValidate, errorSubjectUser, errorCodeEmail, ErrInvalidEmail)
	}
	return trimmed, nil
}

func validateSourceID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", WrapError(errorOperationValidate, errorSubjectEntry, errorCodeEmpty, ErrInvalidSourceID)
	}
	return trimmed, nil
}
