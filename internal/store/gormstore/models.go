package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Balances are kept as counters so a
// conditional update can check and debit in one statement.
type Account struct {
	AccountID   string    `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"not null;uniqueIndex:idx_accounts_user_id"`
	Balance     int64     `gorm:"not null;default:0"`
	TestBalance int64     `gorm:"not null;default:0"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// LedgerRecord mirrors the append-only ledger_records table.
type LedgerRecord struct {
	EntryID        string         `gorm:"type:uuid;primaryKey"`
	AccountID      string         `gorm:"type:uuid;not null;index:idx_ledger_records_account_created,priority:1"`
	Type           string         `gorm:"type:varchar(16);not null"`
	BalanceKind    string         `gorm:"type:varchar(8);not null"`
	AmountMinor    int64          `gorm:"not null"`
	SessionID      *string        `gorm:"index:idx_ledger_records_session"`
	Status         string         `gorm:"type:varchar(16);not null"`
	IdempotencyKey string         `gorm:"not null;uniqueIndex:idx_ledger_records_idempotency_key"`
	Metadata       datatypes.JSON `gorm:"not null"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_ledger_records_account_created,priority:2"`
}

func (LedgerRecord) TableName() string { return "ledger_records" }

func (record *LedgerRecord) BeforeCreate(tx *gorm.DB) error {
	if record.EntryID == "" {
		record.EntryID = uuid.NewString()
	}
	return nil
}

// SessionSettlement marks a session whose test-counter payouts committed.
type SessionSettlement struct {
	SessionID string    `gorm:"primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
}

func (SessionSettlement) TableName() string { return "session_settlements" }

// Models lists every table managed by the store, in migration order.
func Models() []interface{} {
	return []interface{}{&Account{}, &LedgerRecord{}, &SessionSettlement{}}
}
