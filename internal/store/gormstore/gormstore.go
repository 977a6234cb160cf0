package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/VirtualStagingLab/credits/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintEntryUserSource = "uniq_entries_user_source"
	defaultMetadataJSON       = "{}"
	pgUniqueViolationCode     = "23505"
	sqliteConstraintCode      = 19
	dialectPostgres           = "postgres"
	errorOperationStore       = "store"
	errorSubjectUser          = "user"
	errorSubjectBalance       = "balance"
	errorSubjectEntry         = "entry"
	errorSubjectAlert         = "alert"
	errorCodeCreate           = "create"
	errorCodeDuplicate        = "duplicate"
	errorCodeExpire           = "expire"
	errorCodeGet              = "get"
	errorCodeInsert           = "insert"
	errorCodeList             = "list"
	errorCodeLock             = "lock"
	errorCodeLookup           = "lookup"
	errorCodeRecord           = "record"
	errorCodeSave             = "save"
)

// Store implements credits.Store and credits.UserResolver using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema. Postgres deployments normally run
// real migrations; sqlite (dev, tests) relies on this.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &CreditEntry{}, &BalanceRow{}, &AlertRecord{})
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// ResolveUser upserts a user row by payer email and returns its id.
func (store *Store) ResolveUser(ctx context.Context, email string) (string, error) {
	var user User
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "email"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"email": clause.Expr{SQL: "excluded.email"},
			}),
		}).
		FirstOrCreate(&user, User{Email: email}).Error
	if err != nil {
		return "", wrapStoreError(errorSubjectUser, errorCodeLookup, err)
	}
	return user.UserID, nil
}

// LockBalance inserts the balance row if absent and locks it for the
// remainder of the transaction. Only other operations on the same user block.
func (store *Store) LockBalance(ctx context.Context, userID string) (credits.Balance, error) {
	seed := BalanceRow{UserID: userID, UpdatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&seed).Error
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeCreate, err)
	}

	query := store.db.WithContext(ctx)
	// SQLite serializes writers at the database level and rejects FOR UPDATE.
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row BalanceRow
	if err := query.Where("user_id = ?", userID).Take(&row).Error; err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeLock, err)
	}
	return mapBalance(row), nil
}

// SaveBalance writes the mutated balance row.
func (store *Store) SaveBalance(ctx context.Context, balance credits.Balance) error {
	result := store.db.WithContext(ctx).
		Model(&BalanceRow{}).
		Where("user_id = ?", balance.UserID).
		Updates(map[string]interface{}{
			"balance":     balance.Balance,
			"expires_at":  balance.ExpiresAt,
			"last_pack":   balance.LastPack,
			"auto_extend": balance.AutoExtend,
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeSave, result.Error)
	}
	return nil
}

// AppendEntry inserts one immutable ledger row. A (user_id, source_id)
// collision surfaces as credits.ErrDuplicateSourceID.
func (store *Store) AppendEntry(ctx context.Context, input credits.EntryInput) (credits.LedgerEntry, error) {
	var sourceID *string
	if input.SourceID != "" {
		value := input.SourceID
		sourceID = &value
	}
	row := CreditEntry{
		UserID:    input.UserID,
		Delta:     input.Delta,
		Reason:    input.Reason,
		SourceID:  sourceID,
		Metadata:  datatypesJSON(input.Metadata),
		CreatedAt: input.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isDuplicateSourceID(err) {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeDuplicate, credits.ErrDuplicateSourceID)
	}
	if err != nil {
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return mapEntry(row), nil
}

// EntryBySource fetches the committed entry for an idempotency key.
func (store *Store) EntryBySource(ctx context.Context, userID string, sourceID string) (credits.LedgerEntry, error) {
	var row CreditEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND source_id = ?", userID, sourceID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, credits.ErrUnknownEntry)
		}
		return credits.LedgerEntry{}, wrapStoreError(errorSubjectEntry, errorCodeGet, err)
	}
	return mapEntry(row), nil
}

// ListEntries returns a user's ledger, newest first.
func (store *Store) ListEntries(ctx context.Context, userID string, limit int) ([]credits.LedgerEntry, error) {
	var rows []CreditEntry
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	entries := make([]credits.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, mapEntry(row))
	}
	return entries, nil
}

// GetBalance reads the balance row without locking. Unknown users read as a
// zero balance; no row is created.
func (store *Store) GetBalance(ctx context.Context, userID string) (credits.Balance, error) {
	var row BalanceRow
	err := store.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Balance{UserID: userID}, nil
		}
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(row), nil
}

// HasAlert reports whether (user, threshold) was ever alerted.
func (store *Store) HasAlert(ctx context.Context, userID string, threshold int64) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&AlertRecord{}).
		Where("user_id = ? AND threshold = ?", userID, threshold).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectAlert, errorCodeGet, err)
	}
	return count > 0, nil
}

// RecordAlert persists the permanent dedup record for (user, threshold).
func (store *Store) RecordAlert(ctx context.Context, userID string, threshold int64, sentAt time.Time) error {
	record := AlertRecord{UserID: userID, Threshold: threshold, SentAt: sentAt}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return wrapStoreError(errorSubjectAlert, errorCodeRecord, err)
	}
	return nil
}

// ExpireBalances zeroes every positive balance whose expiry passed.
func (store *Store) ExpireBalances(ctx context.Context, now time.Time) (int64, error) {
	result := store.db.WithContext(ctx).
		Model(&BalanceRow{}).
		Where("expires_at IS NOT NULL AND expires_at <= ? AND balance > 0", now).
		Updates(map[string]interface{}{
			"balance":    0,
			"updated_at": now,
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func mapEntry(row CreditEntry) credits.LedgerEntry {
	sourceID := ""
	if row.SourceID != nil {
		sourceID = *row.SourceID
	}
	return credits.LedgerEntry{
		EntryID:   row.EntryID,
		UserID:    row.UserID,
		Delta:     row.Delta,
		Reason:    row.Reason,
		SourceID:  sourceID,
		Metadata:  string(row.Metadata),
		CreatedAt: row.CreatedAt,
	}
}

func mapBalance(row BalanceRow) credits.Balance {
	return credits.Balance{
		UserID:     row.UserID,
		Balance:    row.Balance,
		ExpiresAt:  row.ExpiresAt,
		LastPack:   row.LastPack,
		AutoExtend: row.AutoExtend,
	}
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isDuplicateSourceID(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintEntryUserSource
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
