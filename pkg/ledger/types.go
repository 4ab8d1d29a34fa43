package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// AmountMinor is a non-negative integer amount in minor units.
type AmountMinor int64

// PositiveAmountMinor is a strictly positive integer amount in minor units.
type PositiveAmountMinor int64

// EntryAmountMinor is the signed amount carried by a ledger entry.
type EntryAmountMinor int64

// NewAmountMinor validates a non-negative amount.
func NewAmountMinor(raw int64) (AmountMinor, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must not be negative", ErrInvalidAmount)
	}
	return AmountMinor(raw), nil
}

// Int64 returns the raw value.
func (amount AmountMinor) Int64() int64 {
	return int64(amount)
}

// NewPositiveAmountMinor validates an amount and ensures it is strictly positive.
func NewPositiveAmountMinor(raw int64) (PositiveAmountMinor, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return PositiveAmountMinor(raw), nil
}

// Int64 returns the raw value.
func (amount PositiveAmountMinor) Int64() int64 {
	return int64(amount)
}

// ToAmountMinor widens the amount to the non-negative type.
func (amount PositiveAmountMinor) ToAmountMinor() AmountMinor {
	return AmountMinor(amount)
}

// ToEntryAmountMinor converts the amount to a signed entry amount.
func (amount PositiveAmountMinor) ToEntryAmountMinor() EntryAmountMinor {
	return EntryAmountMinor(amount)
}

// Doubled returns twice the amount, rejecting overflow.
func (amount PositiveAmountMinor) Doubled() (PositiveAmountMinor, error) {
	if int64(amount) > math.MaxInt64/2 {
		return 0, fmt.Errorf("%w: doubled amount overflows", ErrInvalidAmount)
	}
	return amount * 2, nil
}

// NewEntryAmountMinor wraps a signed entry amount.
func NewEntryAmountMinor(raw int64) (EntryAmountMinor, error) {
	if raw == math.MinInt64 {
		return 0, fmt.Errorf("%w: out of range", ErrInvalidEntryAmount)
	}
	return EntryAmountMinor(raw), nil
}

// Int64 returns the raw value.
func (amount EntryAmountMinor) Int64() int64 {
	return int64(amount)
}

// Negated returns the amount with the opposite sign.
func (amount EntryAmountMinor) Negated() EntryAmountMinor {
	return -amount
}

// UserID identifies an account owner (a participant identity).
type UserID struct {
	value string
}

// AccountID identifies a stored account row.
type AccountID struct {
	value string
}

// EntryID identifies a stored ledger entry.
type EntryID struct {
	value string
}

// SessionID identifies the game session an entry belongs to.
type SessionID struct {
	value string
}

// IdempotencyKey scopes duplicate detection.
type IdempotencyKey struct {
	value string
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewEntryID validates and normalizes an entry id.
func NewEntryID(raw string) (EntryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return EntryID{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	return EntryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id EntryID) String() string {
	return id.value
}

// NewSessionID validates and normalizes a session id.
func NewSessionID(raw string) (SessionID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionID{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	return SessionID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id SessionID) String() string {
	return id.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// EntryType enumerates ledger entry kinds.
type EntryType string

const (
	EntryBet        EntryType = "BET"
	EntryWin        EntryType = "WIN"
	EntryLoss       EntryType = "LOSS"
	EntryRefund     EntryType = "REFUND"
	EntryDeposit    EntryType = "DEPOSIT"
	EntryWithdrawal EntryType = "WITHDRAWAL"
)

// ParseEntryType validates a stored entry type.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.ToUpper(strings.TrimSpace(raw))) {
	case EntryBet:
		return EntryBet, nil
	case EntryWin:
		return EntryWin, nil
	case EntryLoss:
		return EntryLoss, nil
	case EntryRefund:
		return EntryRefund, nil
	case EntryDeposit:
		return EntryDeposit, nil
	case EntryWithdrawal:
		return EntryWithdrawal, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// String returns the entry type value.
func (entryType EntryType) String() string {
	return string(entryType)
}

// BalanceKind selects one of the two independent counters of an account.
type BalanceKind string

const (
	BalanceReal BalanceKind = "real"
	BalanceTest BalanceKind = "test"
)

// ParseBalanceKind validates a balance kind.
func ParseBalanceKind(raw string) (BalanceKind, error) {
	switch BalanceKind(strings.ToLower(strings.TrimSpace(raw))) {
	case BalanceReal:
		return BalanceReal, nil
	case BalanceTest:
		return BalanceTest, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidBalanceKind, raw)
	}
}

// String returns the balance kind value.
func (kind BalanceKind) String() string {
	return string(kind)
}

// EntryStatus is the settlement status stored with an entry.
type EntryStatus string

const (
	EntryStatusCompleted EntryStatus = "completed"
)

// ParseEntryStatus validates a stored entry status.
func ParseEntryStatus(raw string) (EntryStatus, error) {
	if EntryStatus(strings.TrimSpace(raw)) != EntryStatusCompleted {
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryStatus, raw)
	}
	return EntryStatusCompleted, nil
}

// String returns the status value.
func (status EntryStatus) String() string {
	return string(status)
}

// Balance view for an account: the real counter and the segregated test counter.
type Balance struct {
	Real AmountMinor
	Test AmountMinor
}

// Of returns the counter for the given kind.
func (balance Balance) Of(kind BalanceKind) AmountMinor {
	if kind == BalanceTest {
		return balance.Test
	}
	return balance.Real
}

// EntryInput is a validated ledger line ready to be appended.
type EntryInput struct {
	accountID      AccountID
	entryType      EntryType
	balanceKind    BalanceKind
	amount         EntryAmountMinor
	sessionID      *SessionID
	idempotencyKey IdempotencyKey
	status         EntryStatus
	metadata       MetadataJSON
	createdUnixUTC int64
}

// NewEntryInput validates the fields of a new ledger line.
func NewEntryInput(accountID AccountID, entryType EntryType, balanceKind BalanceKind, amount EntryAmountMinor, sessionID *SessionID, idempotencyKey IdempotencyKey, metadata MetadataJSON, createdUnixUTC int64) (EntryInput, error) {
	if accountID.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseEntryType(entryType.String()); err != nil {
		return EntryInput{}, err
	}
	if _, err := ParseBalanceKind(balanceKind.String()); err != nil {
		return EntryInput{}, err
	}
	if idempotencyKey.String() == "" {
		return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	if err := validateEntrySign(entryType, amount); err != nil {
		return EntryInput{}, err
	}
	var sessionRef *SessionID
	if sessionID != nil {
		if sessionID.String() == "" {
			return EntryInput{}, fmt.Errorf("%w: empty value", ErrInvalidSessionID)
		}
		sessionCopy := *sessionID
		sessionRef = &sessionCopy
	}
	return EntryInput{
		accountID:      accountID,
		entryType:      entryType,
		balanceKind:    balanceKind,
		amount:         amount,
		sessionID:      sessionRef,
		idempotencyKey: idempotencyKey,
		status:         EntryStatusCompleted,
		metadata:       metadata,
		createdUnixUTC: createdUnixUTC,
	}, nil
}

func validateEntrySign(entryType EntryType, amount EntryAmountMinor) error {
	switch entryType {
	case EntryBet, EntryWithdrawal:
		if amount >= 0 {
			return fmt.Errorf("%w: %s must be negative", ErrInvalidEntryAmount, entryType)
		}
	case EntryWin, EntryRefund, EntryDeposit:
		if amount <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidEntryAmount, entryType)
		}
	case EntryLoss:
		if amount != 0 {
			return fmt.Errorf("%w: %s must be zero", ErrInvalidEntryAmount, entryType)
		}
	}
	return nil
}

// AccountID returns the owning account.
func (entryInput EntryInput) AccountID() AccountID { return entryInput.accountID }

// Type returns the entry type.
func (entryInput EntryInput) Type() EntryType { return entryInput.entryType }

// BalanceKind returns the counter the entry applies to.
func (entryInput EntryInput) BalanceKind() BalanceKind { return entryInput.balanceKind }

// Amount returns the signed amount.
func (entryInput EntryInput) Amount() EntryAmountMinor { return entryInput.amount }

// SessionID returns the session the entry belongs to, if any.
func (entryInput EntryInput) SessionID() (SessionID, bool) {
	if entryInput.sessionID == nil {
		return SessionID{}, false
	}
	return *entryInput.sessionID, true
}

// IdempotencyKey returns the duplicate-detection key.
func (entryInput EntryInput) IdempotencyKey() IdempotencyKey { return entryInput.idempotencyKey }

// Status returns the entry status.
func (entryInput EntryInput) Status() EntryStatus { return entryInput.status }

// MetadataJSON returns the metadata blob.
func (entryInput EntryInput) MetadataJSON() MetadataJSON { return entryInput.metadata }

// CreatedUnixUTC returns the creation time.
func (entryInput EntryInput) CreatedUnixUTC() int64 { return entryInput.createdUnixUTC }

// Entry is a single immutable line in the ledger as read back from the store.
type Entry struct {
	entryID EntryID
	EntryInput
}

// NewEntry validates a stored entry.
func NewEntry(entryID EntryID, accountID AccountID, entryType EntryType, balanceKind BalanceKind, amount EntryAmountMinor, sessionID *SessionID, idempotencyKey IdempotencyKey, status EntryStatus, metadata MetadataJSON, createdUnixUTC int64) (Entry, error) {
	if entryID.String() == "" {
		return Entry{}, fmt.Errorf("%w: empty value", ErrInvalidEntryID)
	}
	if _, err := ParseEntryStatus(status.String()); err != nil {
		return Entry{}, err
	}
	entryInput, err := NewEntryInput(accountID, entryType, balanceKind, amount, sessionID, idempotencyKey, metadata, createdUnixUTC)
	if err != nil {
		return Entry{}, err
	}
	entryInput.status = status
	return Entry{entryID: entryID, EntryInput: entryInput}, nil
}

// EntryID returns the stored identifier.
func (entry Entry) EntryID() EntryID { return entry.entryID }

// Store is the persistence contract used by Service. Every fund movement runs
// inside WithTx; DebitBalance must perform the sufficiency check and the
// debit as one statement.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccountID(ctx context.Context, userID UserID) (AccountID, error)
	GetBalance(ctx context.Context, accountID AccountID) (Balance, error)
	LockBalance(ctx context.Context, accountID AccountID) (Balance, error)
	DebitBalance(ctx context.Context, accountID AccountID, kind BalanceKind, amount PositiveAmountMinor) error
	CreditBalance(ctx context.Context, accountID AccountID, kind BalanceKind, amount PositiveAmountMinor) error
	InsertEntry(ctx context.Context, entry EntryInput) error
	ListEntries(ctx context.Context, accountID AccountID, beforeUnixUTC int64, limit int) ([]Entry, error)
	// MarkSessionSettled records a committed settlement that leaves no ledger
	// entries. A second mark for the same session fails with ErrDuplicateIdempotencyKey.
	MarkSessionSettled(ctx context.Context, sessionID SessionID) error
}
