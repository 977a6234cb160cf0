package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/VirtualStagingLab/credits/pkg/credits"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintEntryUserSource = "uniq_entries_user_source"
	pgUniqueViolationCode     = "23505"
	errorOperationStore       = "store"
	errorSubjectUser          = "user"
	errorSubjectBalance       = "balance"
	errorSubjectEntry         = "entry"
	errorSubjectAlert         = "alert"
	errorSubjectTransaction   = "transaction"
	errorCodeBegin            = "begin"
	errorCodeCommit           = "commit"
	errorCodeDuplicate        = "duplicate"
	errorCodeExpire           = "expire"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeLookup           = "lookup"
	errorCodeRecord           = "record"
	errorCodeSave             = "save"

	sqlUpsertUser = `
		insert into users(user_id, email, created_at)
		values (gen_random_uuid(), $1, now())
		on conflict (email) do update set email = excluded.email
		returning user_id
	`

	sqlSeedBalance = `
		insert into balances(user_id, balance, auto_extend, updated_at)
		values ($1, 0, false, now())
		on conflict (user_id) do nothing
	`

	sqlSelectBalanceForUpdate = `
		select user_id, balance, expires_at, coalesce(last_pack,''), auto_extend
		from balances
		where user_id = $1
		for update
	`

	sqlSelectBalance = `
		select user_id, balance, expires_at, coalesce(last_pack,''), auto_extend
		from balances
		where user_id = $1
	`

	sqlUpdateBalance = `
		update balances
		set balance = $2, expires_at = $3, last_pack = $4, auto_extend = $5, updated_at = now()
		where user_id = $1
	`

	sqlInsertEntry = `
		insert into credit_entries(entry_id, user_id, delta, reason, source_id, metadata, created_at)
		values (
			gen_random_uuid(), $1, $2, $3,
			nullif($4,''),
			coalesce(nullif($5,''),'{}')::jsonb,
			$6
		)
		returning entry_id
	`

	sqlSelectEntryBySource = `
		select entry_id, user_id, delta, reason, coalesce(source_id,''), metadata::text, created_at
		from credit_entries
		where user_id = $1 and source_id = $2
	`

	sqlListEntries = `
		select entry_id, user_id, delta, reason, coalesce(source_id,''), metadata::text, created_at
		from credit_entries
		where user_id = $1
		order by created_at desc
		limit $2
	`

	sqlAlertExists = `
		select exists(select 1 from alert_records where user_id = $1 and threshold = $2)
	`

	sqlInsertAlert = `
		insert into alert_records(user_id, threshold, sent_at)
		values ($1, $2, $3)
		on conflict do nothing
	`

	sqlExpireBalances = `
		update balances
		set balance = 0, updated_at = $1
		where expires_at is not null and expires_at <= $1 and balance > 0
	`
)

// querier is the subset of pgx shared by a pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Store and credits.UserResolver on native pgx.
// Outside WithTx it runs autocommit against the pool.
type Store struct {
	q    querier
	pool *pgxpool.Pool
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{q: pool, pool: pool}
}

// WithTx runs fn inside one transaction; nested calls reuse the open one.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

// ResolveUser upserts a user row by payer email and returns its id.
func (store *Store) ResolveUser(ctx context.Context, email string) (string, error) {
	var userID string
	if err := store.q.QueryRow(ctx, sqlUpsertUser, email).Scan(&userID); err != nil {
		return "", wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return userID, nil
}

// LockBalance inserts the balance row if absent and takes the row lock.
func (store *Store) LockBalance(ctx context.Context, userID string) (credits.Balance, error) {
	if _, err := store.q.Exec(ctx, sqlSeedBalance, userID); err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	balance, err := scanBalance(store.q.QueryRow(ctx, sqlSelectBalanceForUpdate, userID))
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return balance, nil
}

// SaveBalance writes the mutated balance row.
func (store *Store) SaveBalance(ctx context.Context, balance credits.Balance) error {
	_, err := store.q.Exec(ctx, sqlUpdateBalance,
		balance.UserID,
		balance.Balance,
		balance.ExpiresAt,
		balance.LastPack,
		balance.AutoExtend,
	)
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, err)
	}
	return nil
}

// AppendEntry inserts one immutable ledger row, mapping the unique-constraint
// violation on (user_id, source_id) to credits.ErrDuplicateSourceID.
func (store *Store) AppendEntry(ctx context.Context, input credits.EntryInput) (credits.LedgerEntry, error) {
	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var entryID string
	err := store.q.QueryRow(ctx, sqlInsertEntry,
		input.UserID,
		input.Delta,
		input.Reason,
		input.SourceID,
		input.Metadata,
		createdAt,
	).Scan(&entryID)
	if isDuplicateSourceID(err) {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateSourceID)
	}
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return credits.LedgerEntry{
		EntryID:   entryID,
		UserID:    input.UserID,
		Delta:     input.Delta,
		Reason:    input.Reason,
		SourceID:  input.SourceID,
		Metadata:  input.Metadata,
		CreatedAt: createdAt,
	}, nil
}

// EntryBySource fetches the committed entry for an idempotency key.
func (store *Store) EntryBySource(ctx context.Context, userID string, sourceID string) (credits.LedgerEntry, error) {
	entry, err := scanEntry(store.q.QueryRow(ctx, sqlSelectEntryBySource, userID, sourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, credits.ErrUnknownEntry)
		}
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return entry, nil
}

// ListEntries returns a user's ledger, newest first.
func (store *Store) ListEntries(ctx context.Context, userID string, limit int) ([]credits.LedgerEntry, error) {
	rows, err := store.q.Query(ctx, sqlListEntries, userID, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries := make([]credits.LedgerEntry, 0, limit)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	return entries, nil
}

// GetBalance reads without locking; unknown users read as a zero balance.
func (store *Store) GetBalance(ctx context.Context, userID string) (credits.Balance, error) {
	balance, err := scanBalance(store.q.QueryRow(ctx, sqlSelectBalance, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Balance{UserID: userID}, nil
		}
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return balance, nil
}

// HasAlert reports whether (user, threshold) was ever alerted.
func (store *Store) HasAlert(ctx context.Context, userID string, threshold int64) (bool, error) {
	var exists bool
	if err := store.q.QueryRow(ctx, sqlAlertExists, userID, threshold).Scan(&exists); err != nil {
		return false, wrapStoreError(errorSubjectAlert, errorCodeGet, err)
	}
	return exists, nil
}

// RecordAlert persists the permanent dedup record for (user, threshold).
func (store *Store) RecordAlert(ctx context.Context, userID string, threshold int64, sentAt time.Time) error {
	if _, err := store.q.Exec(ctx, sqlInsertAlert, userID, threshold, sentAt); err != nil {
		return wrapStoreError(errorSubjectAlert, errorCodeRecord, err)
	}
	return nil
}

// ExpireBalances zeroes every positive balance whose expiry passed.
func (store *Store) ExpireBalances(ctx context.Context, now time.Time) (int64, error) {
	tag, err := store.q.Exec(ctx, sqlExpireBalances, now)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func scanBalance(row pgx.Row) (credits.Balance, error) {
	var balance credits.Balance
	if err := row.Scan(
		&balance.UserID,
		&balance.Balance,
		&balance.ExpiresAt,
		&balance.LastPack,
		&balance.AutoExtend,
	); err != nil {
		return credits.Balance{}, err
	}
	return balance, nil
}

func scanEntry(row pgx.Row) (credits.LedgerEntry, error) {
	var entry credits.LedgerEntry
	if err := row.Scan(
		&entry.EntryID,
		&entry.UserID,
		&entry.Delta,
		&entry.Reason,
		&entry.SourceID,
		&entry.Metadata,
		&entry.CreatedAt,
	); err != nil {
		return credits.LedgerEntry{}, err
	}
	return entry, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func isDuplicateSourceID(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryUserSource
	}
	return false
}
