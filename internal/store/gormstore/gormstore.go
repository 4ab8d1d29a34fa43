package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	constraintIdempotencyKey = "idx_ledger_records_idempotency_key"
	constraintSettlementKey  = "session_settlements_pkey"
	defaultMetadataJSON      = "{}"
	pgUniqueViolationCode    = "23505"
	sqliteConstraintCode     = 19
	columnBalance            = "balance"
	columnTestBalance        = "test_balance"
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectSettlement   = "settlement"
	errorCodeCredit          = "credit"
	errorCodeDebit           = "debit"
	errorCodeDuplicate       = "duplicate"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeLookup          = "lookup"
	errorCodeMark            = "mark"
	errorCodeMigrate         = "migrate"
)

// Store implements ledger.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the accounts, ledger_records and session_settlements tables.
func (store *Store) AutoMigrate(ctx context.Context) error {
	if err := store.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeMigrate, err)
	}
	return nil
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateAccountID(ctx context.Context, userID ledger.UserID) (ledger.AccountID, error) {
	candidate := Account{UserID: userID.String()}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&candidate).Error
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	var account Account
	err = store.db.WithContext(ctx).Where("user_id = ?", userID.String()).Take(&account).Error
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(account.AccountID)
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, nil
}

func (store *Store) GetBalance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error) {
	return store.readBalance(store.db.WithContext(ctx), accountID, errorCodeGet)
}

// LockBalance reads the balance row with FOR UPDATE where the dialect supports it.
func (store *Store) LockBalance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error) {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() != "sqlite" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return store.readBalance(query, accountID, errorCodeLock)
}

// DebitBalance subtracts amount only if the counter covers it.
func (store *Store) DebitBalance(ctx context.Context, accountID ledger.AccountID, kind ledger.BalanceKind, amount ledger.PositiveAmountMinor) error {
	column := balanceColumn(kind)
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ? AND "+column+" >= ?", accountID.String(), amount.Int64()).
		Updates(map[string]interface{}{
			column:       gorm.Expr(column+" - ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	return nil
}

func (store *Store) CreditBalance(ctx context.Context, accountID ledger.AccountID, kind ledger.BalanceKind, amount ledger.PositiveAmountMinor) error {
	column := balanceColumn(kind)
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			column:       gorm.Expr(column+" + ?", amount.Int64()),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownAccount)
	}
	return nil
}

func (store *Store) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	var sessionID *string
	sessionValue, hasSession := entryInput.SessionID()
	if hasSession {
		value := sessionValue.String()
		sessionID = &value
	}
	record := LedgerRecord{
		AccountID:      entryInput.AccountID().String(),
		Type:           entryInput.Type().String(),
		BalanceKind:    entryInput.BalanceKind().String(),
		AmountMinor:    entryInput.Amount().Int64(),
		SessionID:      sessionID,
		Status:         entryInput.Status().String(),
		IdempotencyKey: entryInput.IdempotencyKey().String(),
		Metadata:       datatypesJSON(entryInput.MetadataJSON().String()),
		CreatedAt:      time.Unix(entryInput.CreatedUnixUTC(), 0).UTC(),
	}
	if entryInput.CreatedUnixUTC() == 0 {
		record.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueConflict(err, constraintIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) MarkSessionSettled(ctx context.Context, sessionID ledger.SessionID) error {
	marker := SessionSettlement{SessionID: sessionID.String(), CreatedAt: time.Now().UTC()}
	err := store.db.WithContext(ctx).Create(&marker).Error
	if isUniqueConflict(err, constraintSettlementKey) {
		return wrapStoreError(errorSubjectSettlement, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSettlement, errorCodeMark, err)
	}
	return nil
}

func (store *Store) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerRecord
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND created_at < ?", accountID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}

	entries := make([]ledger.Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := mapLedgerRecord(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (store *Store) readBalance(query *gorm.DB, accountID ledger.AccountID, code string) (ledger.Balance, error) {
	var account Account
	err := query.Where("account_id = ?", accountID.String()).Take(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, code, ledger.ErrUnknownAccount)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, code, err)
	}
	realBalance, err := ledger.NewAmountMinor(account.Balance)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, ledger.ErrInvalidBalance)
	}
	testBalance, err := ledger.NewAmountMinor(account.TestBalance)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, ledger.ErrInvalidBalance)
	}
	return ledger.Balance{Real: realBalance, Test: testBalance}, nil
}

func balanceColumn(kind ledger.BalanceKind) string {
	if kind == ledger.BalanceTest {
		return columnTestBalance
	}
	return columnBalance
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func mapLedgerRecord(row LedgerRecord) (ledger.Entry, error) {
	entryID, err := ledger.NewEntryID(row.EntryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	accountID, err := ledger.NewAccountID(row.AccountID)
	if err != nil {
		return ledger.Entry{}, err
	}
	entryType, err := ledger.ParseEntryType(row.Type)
	if err != nil {
		return ledger.Entry{}, err
	}
	balanceKind, err := ledger.ParseBalanceKind(row.BalanceKind)
	if err != nil {
		return ledger.Entry{}, err
	}
	amount, err := ledger.NewEntryAmountMinor(row.AmountMinor)
	if err != nil {
		return ledger.Entry{}, err
	}
	var sessionID *ledger.SessionID
	if row.SessionID != nil {
		parsedSessionID, err := ledger.NewSessionID(*row.SessionID)
		if err != nil {
			return ledger.Entry{}, err
		}
		sessionID = &parsedSessionID
	}
	idempotencyKey, err := ledger.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return ledger.Entry{}, err
	}
	status, err := ledger.ParseEntryStatus(row.Status)
	if err != nil {
		return ledger.Entry{}, err
	}
	metadata, err := ledger.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return ledger.Entry{}, err
	}
	return ledger.NewEntry(
		entryID,
		accountID,
		entryType,
		balanceKind,
		amount,
		sessionID,
		idempotencyKey,
		status,
		metadata,
		row.CreatedAt.Unix(),
	)
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueConflict(err error, constraint string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
