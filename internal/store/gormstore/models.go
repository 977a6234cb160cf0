package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User represents the users table (lazy upsert-by-email identities).
type User struct {
	UserID    string    `gorm:"type:uuid;primaryKey"`
	Email     string    `gorm:"not null;index:uniq_users_email,unique"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

func (user *User) BeforeCreate(tx *gorm.DB) error {
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	return nil
}

// CreditEntry mirrors the append-only credit_entries table. The uniqueness
// on (user_id, source_id) is the idempotency backstop; NULL source ids stay
// exempt.
type CreditEntry struct {
	EntryID   string         `gorm:"type:uuid;primaryKey"`
	UserID    string         `gorm:"type:uuid;not null;index:idx_entries_user_created,priority:1;index:uniq_entries_user_source,unique,priority:1"`
	Delta     int64          `gorm:"not null"`
	Reason    string         `gorm:"not null"`
	SourceID  *string        `gorm:"index:uniq_entries_user_source,unique,priority:2"`
	Metadata  datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"not null;index:idx_entries_user_created,priority:2"`
}

func (CreditEntry) TableName() string { return "credit_entries" }

func (entry *CreditEntry) BeforeCreate(tx *gorm.DB) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.NewString()
	}
	return nil
}

// BalanceRow mirrors the balances table: one row per user, mutated only in
// the same transaction as a CreditEntry insert (the expiry sweep excepted).
type BalanceRow struct {
	UserID     string     `gorm:"type:uuid;primaryKey"`
	Balance    int64      `gorm:"not null"`
	ExpiresAt  *time.Time `gorm:""`
	LastPack   string     `gorm:""`
	AutoExtend bool       `gorm:"not null"`
	UpdatedAt  time.Time  `gorm:"not null"`
}

func (BalanceRow) TableName() string { return "balances" }

// AlertRecord mirrors the alert_records table: one row per (user, threshold)
// over the lifetime of the account.
type AlertRecord struct {
	UserID    string    `gorm:"type:uuid;primaryKey"`
	Threshold int64     `gorm:"primaryKey"`
	SentAt    time.Time `gorm:"not null"`
}

func (AlertRecord) TableName() string { return "alert_records" }
