package ledger

import (
	"context"
	"fmt"
	"sort"
)

// Service contains the domain logic over a Store.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// ReserveRequest debits the same stake from every account of a session.
type ReserveRequest struct {
	SessionID   SessionID
	Accounts    []UserID
	Stake       PositiveAmountMinor
	BalanceKind BalanceKind
	Metadata    MetadataJSON
}

// Outcome is the settlement result for one participant.
type Outcome struct {
	UserID UserID
	Type   EntryType
	Amount AmountMinor
}

// SettleRequest credits the payouts of a resolved session.
type SettleRequest struct {
	SessionID   SessionID
	BalanceKind BalanceKind
	Outcomes    []Outcome
	Metadata    MetadataJSON
}

type lockedAccount struct {
	userID    UserID
	accountID AccountID
	index     int
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns both counters of the user's account.
func (service *Service) Balance(ctx context.Context, userID UserID) (Balance, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID)
	if err != nil {
		return Balance{}, err
	}
	return service.store.GetBalance(ctx, accountID)
}

// Deposit credits the selected counter and appends a DEPOSIT entry.
func (service *Service) Deposit(ctx context.Context, userID UserID, kind BalanceKind, amount PositiveAmountMinor, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(accountID, EntryDeposit, kind, amount.ToEntryAmountMinor(), nil, idempotencyKey, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
			return err
		}
		return transactionStore.CreditBalance(ctx, accountID, kind, amount)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationDeposit,
		UserID:         userID,
		BalanceKind:    kind,
		EntryType:      EntryDeposit,
		Amount:         amount.ToAmountMinor(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// Withdraw debits the selected counter if it covers the amount and appends a WITHDRAWAL entry.
func (service *Service) Withdraw(ctx context.Context, userID UserID, kind BalanceKind, amount PositiveAmountMinor, idempotencyKey IdempotencyKey, metadata MetadataJSON) error {
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
		if err != nil {
			return err
		}
		entryInput, err := NewEntryInput(accountID, EntryWithdrawal, kind, amount.ToEntryAmountMinor().Negated(), nil, idempotencyKey, metadata, service.nowFn())
		if err != nil {
			return err
		}
		if err := transactionStore.DebitBalance(ctx, accountID, kind, amount); err != nil {
			return err
		}
		return transactionStore.InsertEntry(ctx, entryInput)
	})
	service.logOperation(ctx, OperationLog{
		Operation:      operationWithdraw,
		UserID:         userID,
		BalanceKind:    kind,
		EntryType:      EntryWithdrawal,
		Amount:         amount.ToAmountMinor(),
		IdempotencyKey: idempotencyKey,
		Metadata:       metadata,
		Error:          operationError,
	})
	return operationError
}

// ReserveStakes debits the stake from every account in one transaction. Either
// all accounts are debited or none are. BET entries are appended for the real
// counter only.
func (service *Service) ReserveStakes(ctx context.Context, request ReserveRequest) error {
	operationError := validateReserveRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			accounts, err := lockAccounts(ctx, transactionStore, request.Accounts)
			if err != nil {
				return err
			}
			for _, account := range accounts {
				balance, err := transactionStore.LockBalance(ctx, account.accountID)
				if err != nil {
					return err
				}
				if balance.Of(request.BalanceKind) < request.Stake.ToAmountMinor() {
					return fmt.Errorf("%w: %s", ErrInsufficientFunds, account.userID.String())
				}
			}
			nowUnixUTC := service.nowFn()
			for _, account := range accounts {
				if err := transactionStore.DebitBalance(ctx, account.accountID, request.BalanceKind, request.Stake); err != nil {
					return err
				}
				if request.BalanceKind != BalanceReal {
					continue
				}
				entryKey, err := sessionIdempotencyKey(request.SessionID, account.userID, EntryBet)
				if err != nil {
					return err
				}
				sessionRef := request.SessionID
				entryInput, err := NewEntryInput(account.accountID, EntryBet, request.BalanceKind, request.Stake.ToEntryAmountMinor().Negated(), &sessionRef, entryKey, request.Metadata, nowUnixUTC)
				if err != nil {
					return err
				}
				if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for _, userID := range request.Accounts {
		sessionRef := request.SessionID
		entryKey, _ := sessionIdempotencyKey(request.SessionID, userID, EntryBet)
		service.logOperation(ctx, OperationLog{
			Operation:      operationReserve,
			UserID:         userID,
			SessionID:      &sessionRef,
			BalanceKind:    request.BalanceKind,
			EntryType:      EntryBet,
			Amount:         request.Stake.ToAmountMinor(),
			IdempotencyKey: entryKey,
			Metadata:       request.Metadata,
			Error:          operationError,
		})
	}
	return operationError
}

// Settle applies every payout of a session in one transaction. A retry after a
// committed settlement fails with ErrDuplicateIdempotencyKey and changes
// nothing. The real counter is guarded by its WIN/LOSS entries, the test
// counter by a per-session settlement marker.
func (service *Service) Settle(ctx context.Context, request SettleRequest) error {
	operationError := validateSettleRequest(request)
	if operationError == nil {
		operationError = service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
			if request.BalanceKind == BalanceTest {
				if err := transactionStore.MarkSessionSettled(ctx, request.SessionID); err != nil {
					return err
				}
			}
			userIDs := make([]UserID, 0, len(request.Outcomes))
			for _, outcome := range request.Outcomes {
				userIDs = append(userIDs, outcome.UserID)
			}
			accounts, err := lockAccounts(ctx, transactionStore, userIDs)
			if err != nil {
				return err
			}
			nowUnixUTC := service.nowFn()
			for _, account := range accounts {
				outcome := request.Outcomes[account.index]
				if _, err := transactionStore.LockBalance(ctx, account.accountID); err != nil {
					return err
				}
				if request.BalanceKind == BalanceReal {
					entryKey, err := sessionIdempotencyKey(request.SessionID, account.userID, outcome.Type)
					if err != nil {
						return err
					}
					sessionRef := request.SessionID
					entryInput, err := NewEntryInput(account.accountID, outcome.Type, request.BalanceKind, EntryAmountMinor(outcome.Amount), &sessionRef, entryKey, request.Metadata, nowUnixUTC)
					if err != nil {
						return err
					}
					if err := transactionStore.InsertEntry(ctx, entryInput); err != nil {
						return err
					}
				}
				if outcome.Amount == 0 {
					continue
				}
				credit, err := NewPositiveAmountMinor(outcome.Amount.Int64())
				if err != nil {
					return err
				}
				if err := transactionStore.CreditBalance(ctx, account.accountID, request.BalanceKind, credit); err != nil {
					return err
				}
			}
			return nil
		})
	}
	for _, outcome := range request.Outcomes {
		sessionRef := request.SessionID
		entryKey, _ := sessionIdempotencyKey(request.SessionID, outcome.UserID, outcome.Type)
		service.logOperation(ctx, OperationLog{
			Operation:      operationSettle,
			UserID:         outcome.UserID,
			SessionID:      &sessionRef,
			BalanceKind:    request.BalanceKind,
			EntryType:      outcome.Type,
			Amount:         outcome.Amount,
			IdempotencyKey: entryKey,
			Metadata:       request.Metadata,
			Error:          operationError,
		})
	}
	return operationError
}

// ListEntries returns up to limit entries created before the given time, newest first.
func (service *Service) ListEntries(ctx context.Context, userID UserID, beforeUnixUTC int64, limit int) ([]Entry, error) {
	accountID, err := service.store.GetOrCreateAccountID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return service.store.ListEntries(ctx, accountID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

// lockAccounts resolves account ids and orders them so concurrent transactions
// acquire row locks in the same sequence.
func lockAccounts(ctx context.Context, transactionStore Store, userIDs []UserID) ([]lockedAccount, error) {
	accounts := make([]lockedAccount, 0, len(userIDs))
	for index, userID := range userIDs {
		accountID, err := transactionStore.GetOrCreateAccountID(ctx, userID)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, lockedAccount{userID: userID, accountID: accountID, index: index})
	}
	sort.Slice(accounts, func(left, right int) bool {
		return accounts[left].accountID.String() < accounts[right].accountID.String()
	})
	return accounts, nil
}

func validateReserveRequest(request ReserveRequest) error {
	if request.SessionID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	if _, err := ParseBalanceKind(request.BalanceKind.String()); err != nil {
		return err
	}
	if request.Stake <= 0 {
		return fmt.Errorf("%w: stake must be greater than zero", ErrInvalidAmount)
	}
	return validateParticipants(request.Accounts)
}

func validateSettleRequest(request SettleRequest) error {
	if request.SessionID.String() == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidSessionID)
	}
	if _, err := ParseBalanceKind(request.BalanceKind.String()); err != nil {
		return err
	}
	userIDs := make([]UserID, 0, len(request.Outcomes))
	for _, outcome := range request.Outcomes {
		switch outcome.Type {
		case EntryWin, EntryRefund:
			if outcome.Amount <= 0 {
				return fmt.Errorf("%w: %s requires a positive amount", ErrInvalidOutcome, outcome.Type)
			}
		case EntryLoss:
			if outcome.Amount != 0 {
				return fmt.Errorf("%w: %s requires a zero amount", ErrInvalidOutcome, outcome.Type)
			}
		default:
			return fmt.Errorf("%w: unsupported type %q", ErrInvalidOutcome, outcome.Type)
		}
		userIDs = append(userIDs, outcome.UserID)
	}
	return validateParticipants(userIDs)
}

func validateParticipants(userIDs []UserID) error {
	if len(userIDs) == 0 {
		return fmt.Errorf("%w: no accounts", ErrInvalidParticipants)
	}
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID.String() == "" {
			return fmt.Errorf("%w: empty value", ErrInvalidUserID)
		}
		if _, duplicate := seen[userID.String()]; duplicate {
			return fmt.Errorf("%w: %s appears twice", ErrInvalidParticipants, userID.String())
		}
		seen[userID.String()] = struct{}{}
	}
	return nil
}

func sessionIdempotencyKey(sessionID SessionID, userID UserID, entryType EntryType) (IdempotencyKey, error) {
	combined := sessionID.String() + idempotencyKeyDelimiter + userID.String() + idempotencyKeyDelimiter + entryType.String()
	return NewIdempotencyKey(combined)
}
