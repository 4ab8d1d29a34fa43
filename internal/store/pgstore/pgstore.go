package pgstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintIdempotencyKey = "idx_ledger_records_idempotency_key"
	constraintSettlementKey  = "session_settlements_pkey"
	pgUniqueViolationCode    = "23505"
	errorOperationStore      = "store"
	errorSubjectAccount      = "account"
	errorSubjectBalance      = "balance"
	errorSubjectEntry        = "entry"
	errorSubjectSchema       = "schema"
	errorSubjectSettlement   = "settlement"
	errorSubjectTransaction  = "transaction"
	errorCodeBegin           = "begin"
	errorCodeCommit          = "commit"
	errorCodeCredit          = "credit"
	errorCodeDebit           = "debit"
	errorCodeDuplicate       = "duplicate"
	errorCodeEnsure          = "ensure"
	errorCodeGet             = "get"
	errorCodeInsert          = "insert"
	errorCodeInvalid         = "invalid"
	errorCodeList            = "list"
	errorCodeLock            = "lock"
	errorCodeLookup          = "lookup"
	errorCodeMark            = "mark"

	sqlSchema = `
		create table if not exists accounts (
			account_id uuid primary key default gen_random_uuid(),
			user_id text not null,
			balance bigint not null default 0 check (balance >= 0),
			test_balance bigint not null default 0 check (test_balance >= 0),
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		);
		create unique index if not exists idx_accounts_user_id on accounts(user_id);
		create table if not exists ledger_records (
			entry_id uuid primary key,
			account_id uuid not null references accounts(account_id),
			type varchar(16) not null,
			balance_kind varchar(8) not null,
			amount_minor bigint not null,
			session_id text,
			status varchar(16) not null,
			idempotency_key text not null,
			metadata jsonb not null default '{}'::jsonb,
			created_at timestamptz not null
		);
		create unique index if not exists idx_ledger_records_idempotency_key on ledger_records(idempotency_key);
		create index if not exists idx_ledger_records_session on ledger_records(session_id);
		create index if not exists idx_ledger_records_account_created on ledger_records(account_id, created_at);
		create table if not exists session_settlements (
			session_id text primary key,
			created_at timestamptz not null default now()
		);
	`

	sqlInsertOrGetAccount = `
		insert into accounts(user_id) values($1)
		on conflict (user_id) do update set user_id = excluded.user_id
		returning account_id::text
	`

	sqlSelectBalance = `
		select balance, test_balance from accounts where account_id = $1
	`

	sqlSelectBalanceForUpdate = `
		select balance, test_balance from accounts where account_id = $1 for update
	`

	sqlDebitReal = `
		update accounts set balance = balance - $2, updated_at = now()
		where account_id = $1 and balance >= $2
	`

	sqlDebitTest = `
		update accounts set test_balance = test_balance - $2, updated_at = now()
		where account_id = $1 and test_balance >= $2
	`

	sqlCreditReal = `
		update accounts set balance = balance + $2, updated_at = now()
		where account_id = $1
	`

	sqlCreditTest = `
		update accounts set test_balance = test_balance + $2, updated_at = now()
		where account_id = $1
	`

	sqlInsertEntry = `
		insert into ledger_records(
			entry_id, account_id, type, balance_kind, amount_minor, session_id, status, idempotency_key, metadata, created_at
		)
		values(
			gen_random_uuid(), $1, $2, $3, $4,
			nullif($5,''), $6, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
	`

	sqlInsertSettlement = `
		insert into session_settlements(session_id) values($1)
	`

	sqlListEntriesBefore = `
		select
			entry_id::text,
			account_id::text,
			type,
			balance_kind,
			amount_minor,
			coalesce(session_id,''),
			status,
			idempotency_key,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from ledger_records
		where account_id = $1 and ($2::bigint = 0 or created_at < to_timestamp($2::bigint))
		order by created_at desc
		limit $3
	`
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements ledger.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements ledger.Store for an active transaction.
type TxStore struct {
	queries
}

type queries struct {
	db querier
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

// EnsureSchema creates the tables and indexes used by the store.
func (store *Store) EnsureSchema(ctx context.Context) error {
	if _, err := store.pool.Exec(ctx, sqlSchema); err != nil {
		return wrapStoreError(errorSubjectSchema, errorCodeEnsure, err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore ledger.Store) error) error {
	return fn(ctx, store)
}

func (q queries) GetOrCreateAccountID(ctx context.Context, userID ledger.UserID) (ledger.AccountID, error) {
	var accountIDValue string
	err := q.db.QueryRow(ctx, sqlInsertOrGetAccount, userID.String()).Scan(&accountIDValue)
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	accountID, err := ledger.NewAccountID(accountIDValue)
	if err != nil {
		return ledger.AccountID{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return accountID, nil
}

func (q queries) GetBalance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error) {
	return q.readBalance(ctx, sqlSelectBalance, accountID, errorCodeGet)
}

func (q queries) LockBalance(ctx context.Context, accountID ledger.AccountID) (ledger.Balance, error) {
	return q.readBalance(ctx, sqlSelectBalanceForUpdate, accountID, errorCodeLock)
}

func (q queries) DebitBalance(ctx context.Context, accountID ledger.AccountID, kind ledger.BalanceKind, amount ledger.PositiveAmountMinor) error {
	statement := sqlDebitReal
	if kind == ledger.BalanceTest {
		statement = sqlDebitTest
	}
	tag, err := q.db.Exec(ctx, statement, accountID.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeDebit, ledger.ErrInsufficientFunds)
	}
	return nil
}

func (q queries) CreditBalance(ctx context.Context, accountID ledger.AccountID, kind ledger.BalanceKind, amount ledger.PositiveAmountMinor) error {
	statement := sqlCreditReal
	if kind == ledger.BalanceTest {
		statement = sqlCreditTest
	}
	tag, err := q.db.Exec(ctx, statement, accountID.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeCredit, ledger.ErrUnknownAccount)
	}
	return nil
}

func (q queries) InsertEntry(ctx context.Context, entryInput ledger.EntryInput) error {
	sessionValue, hasSession := entryInput.SessionID()
	sessionID := ""
	if hasSession {
		sessionID = sessionValue.String()
	}
	_, err := q.db.Exec(ctx, sqlInsertEntry,
		entryInput.AccountID().String(),
		entryInput.Type().String(),
		entryInput.BalanceKind().String(),
		entryInput.Amount().Int64(),
		sessionID,
		entryInput.Status().String(),
		entryInput.IdempotencyKey().String(),
		entryInput.MetadataJSON().String(),
		entryInput.CreatedUnixUTC(),
	)
	if isUniqueConflict(err, constraintIdempotencyKey) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

func (q queries) MarkSessionSettled(ctx context.Context, sessionID ledger.SessionID) error {
	_, err := q.db.Exec(ctx, sqlInsertSettlement, sessionID.String())
	if isUniqueConflict(err, constraintSettlementKey) {
		return wrapStoreError(errorSubjectSettlement, errorCodeDuplicate, ledger.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectSettlement, errorCodeMark, err)
	}
	return nil
}

func (q queries) ListEntries(ctx context.Context, accountID ledger.AccountID, beforeUnixUTC int64, limit int) ([]ledger.Entry, error) {
	rows, err := q.db.Query(ctx, sqlListEntriesBefore, accountID.String(), beforeUnixUTC, limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return entries, nil
}

func (q queries) readBalance(ctx context.Context, statement string, accountID ledger.AccountID, code string) (ledger.Balance, error) {
	var realValue, testValue int64
	err := q.db.QueryRow(ctx, statement, accountID.String()).Scan(&realValue, &testValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ledger.Balance{}, wrapStoreError(errorSubjectBalance, code, ledger.ErrUnknownAccount)
		}
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, code, err)
	}
	realBalance, err := ledger.NewAmountMinor(realValue)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, ledger.ErrInvalidBalance)
	}
	testBalance, err := ledger.NewAmountMinor(testValue)
	if err != nil {
		return ledger.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, ledger.ErrInvalidBalance)
	}
	return ledger.Balance{Real: realBalance, Test: testBalance}, nil
}

func scanEntries(rows pgx.Rows) ([]ledger.Entry, error) {
	entries := make([]ledger.Entry, 0, 32)
	for rows.Next() {
		var (
			entryIDValue     string
			accountIDValue   string
			entryTypeValue   string
			balanceKindValue string
			amountValue      int64
			sessionValue     string
			statusValue      string
			idempotencyValue string
			metadataValue    string
			createdAtUnixUTC int64
		)
		if err := rows.Scan(
			&entryIDValue,
			&accountIDValue,
			&entryTypeValue,
			&balanceKindValue,
			&amountValue,
			&sessionValue,
			&statusValue,
			&idempotencyValue,
			&metadataValue,
			&createdAtUnixUTC,
		); err != nil {
			return nil, err
		}
		entryID, err := ledger.NewEntryID(entryIDValue)
		if err != nil {
			return nil, err
		}
		accountID, err := ledger.NewAccountID(accountIDValue)
		if err != nil {
			return nil, err
		}
		entryType, err := ledger.ParseEntryType(entryTypeValue)
		if err != nil {
			return nil, err
		}
		balanceKind, err := ledger.ParseBalanceKind(balanceKindValue)
		if err != nil {
			return nil, err
		}
		amount, err := ledger.NewEntryAmountMinor(amountValue)
		if err != nil {
			return nil, err
		}
		var sessionID *ledger.SessionID
		if sessionValue != "" {
			parsedSessionID, err := ledger.NewSessionID(sessionValue)
			if err != nil {
				return nil, err
			}
			sessionID = &parsedSessionID
		}
		idempotencyKey, err := ledger.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		status, err := ledger.ParseEntryStatus(statusValue)
		if err != nil {
			return nil, err
		}
		metadata, err := ledger.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		entry, err := ledger.NewEntry(entryID, accountID, entryType, balanceKind, amount, sessionID, idempotencyKey, status, metadata, createdAtUnixUTC)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return ledger.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueConflict(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraint
	}
	return false
}
