package credits

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store + UserResolver. txMu held for the whole
// transaction gives the same serialization the row lock provides, and a
// snapshot taken at transaction start gives rollback; mu guards the maps for
// reads outside any transaction.
type stubStore struct {
	txMu     sync.Mutex
	mu       sync.Mutex
	users    map[string]string // email -> userID
	entries  []LedgerEntry
	balances map[string]Balance
	alerts   map[string]time.Time // userID|threshold -> sentAt
	nextID   int

	saveError   error
	alertError  error
	expireError error
}

func newStubStore() *stubStore {
	return &stubStore{
		users:    make(map[string]string),
		balances: make(map[string]Balance),
		alerts:   make(map[string]time.Time),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	store.mu.Lock()
	snapshot := store.snapshot()
	store.mu.Unlock()
	err := fn(ctx, store)
	if err != nil {
		store.mu.Lock()
		store.restore(snapshot)
		store.mu.Unlock()
	}
	return err
}

type stubSnapshot struct {
	entries  []LedgerEntry
	balances map[string]Balance
	alerts   map[string]time.Time
}

func (store *stubStore) snapshot() stubSnapshot {
	entries := make([]LedgerEntry, len(store.entries))
	copy(entries, store.entries)
	balances := make(map[string]Balance, len(store.balances))
	for key, value := range store.balances {
		balances[key] = value
	}
	alerts := make(map[string]time.Time, len(store.alerts))
	for key, value := range store.alerts {
		alerts[key] = value
	}
	return stubSnapshot{entries: entries, balances: balances, alerts: alerts}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.entries = snapshot.entries
	store.balances = snapshot.balances
	store.alerts = snapshot.alerts
}

func (store *stubStore) ResolveUser(ctx context.Context, email string) (string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if userID, ok := store.users[email]; ok {
		return userID, nil
	}
	userID := fmt.Sprintf("user-%d", len(store.users)+1)
	store.users[email] = userID
	return userID, nil
}

func (store *stubStore) LockBalance(ctx context.Context, userID string) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if balance, ok := store.balances[userID]; ok {
		return balance, nil
	}
	balance := Balance{UserID: userID}
	store.balances[userID] = balance
	return balance, nil
}

func (store *stubStore) SaveBalance(ctx context.Context, balance Balance) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saveError != nil {
		return store.saveError
	}
	store.balances[balance.UserID] = balance
	return nil
}

func (store *stubStore) AppendEntry(ctx context.Context, input EntryInput) (LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if input.SourceID != "" {
		for _, entry := range store.entries {
			if entry.UserID == input.UserID && entry.SourceID == input.SourceID {
				return LedgerEntry{}, ErrDuplicateSourceID
			}
		}
	}
	store.nextID++
	entry := LedgerEntry{
		EntryID:   fmt.Sprintf("entry-%d", store.nextID),
		UserID:    input.UserID,
		Delta:     input.Delta,
		Reason:    input.Reason,
		SourceID:  input.SourceID,
		Metadata:  input.Metadata,
		CreatedAt: input.CreatedAt,
	}
	store.entries = append(store.entries, entry)
	return entry, nil
}

func (store *stubStore) EntryBySource(ctx context.Context, userID string, sourceID string) (LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, entry := range store.entries {
		if entry.UserID == userID && entry.SourceID == sourceID {
			return entry, nil
		}
	}
	return LedgerEntry{}, ErrUnknownEntry
}

func (store *stubStore) ListEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	listed := make([]LedgerEntry, 0, limit)
	for index := len(store.entries) - 1; index >= 0 && len(listed) < limit; index-- {
		if store.entries[index].UserID == userID {
			listed = append(listed, store.entries[index])
		}
	}
	return listed, nil
}

func (store *stubStore) GetBalance(ctx context.Context, userID string) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if balance, ok := store.balances[userID]; ok {
		return balance, nil
	}
	return Balance{UserID: userID}, nil
}

func (store *stubStore) HasAlert(ctx context.Context, userID string, threshold int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.alertError != nil {
		return false, store.alertError
	}
	_, ok := store.alerts[alertKey(userID, threshold)]
	return ok, nil
}

func (store *stubStore) RecordAlert(ctx context.Context, userID string, threshold int64, sentAt time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.alerts[alertKey(userID, threshold)] = sentAt
	return nil
}

func (store *stubStore) ExpireBalances(ctx context.Context, now time.Time) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.expireError != nil {
		return 0, store.expireError
	}
	var affected int64
	for userID, balance := range store.balances {
		if balance.ExpiresAt != nil && !balance.ExpiresAt.After(now) && balance.Balance > 0 {
			balance.Balance = 0
			store.balances[userID] = balance
			affected++
		}
	}
	return affected, nil
}

func alertKey(userID string, threshold int64) string {
	return fmt.Sprintf("%s|%d", userID, threshold)
}

// ledgerSum recomputes a user's balance from the append-only ledger.
func (store *stubStore) ledgerSum(userID string) int64 {
	store.mu.Lock()
	defer store.mu.Unlock()
	var sum int64
	for _, entry := range store.entries {
		if entry.UserID == userID {
			sum += entry.Delta
		}
	}
	return sum
}

// recordingNotifier captures alert requests for assertions.
type recordingNotifier struct {
	mu    sync.Mutex
	calls []notifiedAlert
	err   error
}

type notifiedAlert struct {
	userID    string
	threshold int64
	balance   int64
}

func (notifier *recordingNotifier) NotifyLowBalance(ctx context.Context, userID string, threshold int64, balance int64) error {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.calls = append(notifier.calls, notifiedAlert{userID: userID, threshold: threshold, balance: balance})
	return notifier.err
}

func (notifier *recordingNotifier) alerts() []notifiedAlert {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	copied := make([]notifiedAlert, len(notifier.calls))
	copy(copied, notifier.calls)
	return copied
}

func mustNewService(test *testing.T, store Store, options ...ServiceOption) *Service {
	test.Helper()
	table := mustPackTable(test)
	service, err := NewService(store, table, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustPackTable(test *testing.T) *PackTable {
	test.Helper()
	table, err := NewPackTable([]PackRule{
		{PackKey: "starter", PriceID: "price_starter3", Credits: 3, ValidityMonths: 2, Label: "Starter"},
		{PackKey: "bulk10", PriceID: "price_bulk10", Credits: 10, ValidityMonths: 6, Label: "Bulk 10"},
		{PackKey: "bulk25", PriceID: "price_bulk25", Credits: 25, ValidityMonths: 12, GraceDays: 14, AutoExtend: true, Label: "Bulk 25"},
	})
	if err != nil {
		test.Fatalf("pack table: %v", err)
	}
	return table
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
