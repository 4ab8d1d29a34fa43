package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultResolveDelay  = 2 * time.Second
	defaultLedgerTimeout = 3 * time.Second
	drainAttempts        = 3
)

// Gateway is the ledger surface the engine moves funds through.
type Gateway interface {
	ReserveStakes(ctx context.Context, request ledger.ReserveRequest) error
	Settle(ctx context.Context, request ledger.SettleRequest) error
}

// Resolver plays one game. One side means house mode.
type Resolver interface {
	Resolve(kind game.Kind, stake int64, sides []game.Side) (game.Outcome, error)
}

// BalanceNotifier is told whenever a user's balance moved.
type BalanceNotifier interface {
	BalanceChanged(ctx context.Context, userID ledger.UserID)
}

// State is the lifecycle stage of a session.
type State string

const (
	StateQueued    State = "QUEUED"
	StateMatched   State = "MATCHED"
	StateResolving State = "RESOLVING"
	StateSettled   State = "SETTLED"
	StateCancelled State = "CANCELLED"
)

// Seat is one funded participant of a session.
type Seat struct {
	Participant *Participant
	Side        game.Side
}

// Session is a funded game awaiting resolution.
type Session struct {
	ID        ledger.SessionID
	Kind      game.Kind
	Stake     ledger.PositiveAmountMinor
	House     bool
	Seats     []Seat
	State     State
	CreatedAt time.Time

	outcome  *game.Outcome
	attempts int
}

func (session *Session) balanceKind() ledger.BalanceKind {
	if session.House {
		return ledger.BalanceTest
	}
	return ledger.BalanceReal
}

func (session *Session) userIDs() []ledger.UserID {
	userIDs := make([]ledger.UserID, 0, len(session.Seats))
	for _, seat := range session.Seats {
		userIDs = append(userIDs, seat.Participant.UserID)
	}
	return userIDs
}

func (session *Session) sides() []game.Side {
	sides := make([]game.Side, 0, len(session.Seats))
	for _, seat := range session.Seats {
		sides = append(sides, seat.Side)
	}
	return sides
}

// StartRequest describes the seats of a new session. House sessions carry one seat.
type StartRequest struct {
	Kind  game.Kind
	Stake ledger.PositiveAmountMinor
	House bool
	Seats []Seat
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the engine logger.
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(engine *Engine) {
		if logger != nil {
			engine.logger = logger
		}
	}
}

// WithResolveDelay sets the pause between match and resolution.
func WithResolveDelay(delay time.Duration) EngineOption {
	return func(engine *Engine) {
		if delay >= 0 {
			engine.resolveDelay = delay
		}
	}
}

// WithLedgerTimeout bounds each ledger call.
func WithLedgerTimeout(timeout time.Duration) EngineOption {
	return func(engine *Engine) {
		if timeout > 0 {
			engine.ledgerTimeout = timeout
		}
	}
}

// WithBalanceNotifier wires the balance-changed hook.
func WithBalanceNotifier(notifier BalanceNotifier) EngineOption {
	return func(engine *Engine) {
		if notifier != nil {
			engine.notifier = notifier
		}
	}
}

// WithSessionIDs overrides session id generation.
func WithSessionIDs(next func() string) EngineOption {
	return func(engine *Engine) {
		if next != nil {
			engine.nextID = next
		}
	}
}

// WithEngineClock overrides the session creation clock.
func WithEngineClock(now func() time.Time) EngineOption {
	return func(engine *Engine) {
		if now != nil {
			engine.now = now
		}
	}
}

// Engine owns active sessions from reservation to settlement. It runs on the
// event loop and is not safe for concurrent use.
type Engine struct {
	gateway       Gateway
	resolver      Resolver
	scheduler     Scheduler
	notifier      BalanceNotifier
	logger        *zap.Logger
	resolveDelay  time.Duration
	ledgerTimeout time.Duration
	nextID        func() string
	now           func() time.Time
	sessions      map[string]*Session
}

// NewEngine wires an Engine.
func NewEngine(gateway Gateway, resolver Resolver, scheduler Scheduler, options ...EngineOption) (*Engine, error) {
	if gateway == nil {
		return nil, fmt.Errorf("%w: gateway is nil", ErrInvalidConfig)
	}
	if resolver == nil {
		return nil, fmt.Errorf("%w: resolver is nil", ErrInvalidConfig)
	}
	if scheduler == nil {
		return nil, fmt.Errorf("%w: scheduler is nil", ErrInvalidConfig)
	}
	engine := &Engine{
		gateway:       gateway,
		resolver:      resolver,
		scheduler:     scheduler,
		logger:        zap.NewNop(),
		resolveDelay:  defaultResolveDelay,
		ledgerTimeout: defaultLedgerTimeout,
		nextID:        uuid.NewString,
		now:           time.Now,
		sessions:      make(map[string]*Session),
	}
	for _, option := range options {
		if option != nil {
			option(engine)
		}
	}
	return engine, nil
}

// Start reserves every seat's stake and, on success, schedules resolution. When
// the reservation fails every seat receives an error and no session is kept.
func (engine *Engine) Start(ctx context.Context, request StartRequest) (*Session, error) {
	sessionID, err := ledger.NewSessionID(engine.nextID())
	if err != nil {
		return nil, err
	}
	session := &Session{
		ID:        sessionID,
		Kind:      request.Kind,
		Stake:     request.Stake,
		House:     request.House,
		Seats:     request.Seats,
		State:     StateQueued,
		CreatedAt: engine.now(),
	}
	metadata, err := sessionMetadata(session)
	if err != nil {
		return nil, err
	}
	reserveCtx, cancel := context.WithTimeout(ctx, engine.ledgerTimeout)
	err = engine.gateway.ReserveStakes(reserveCtx, ledger.ReserveRequest{
		SessionID:   sessionID,
		Accounts:    session.userIDs(),
		Stake:       request.Stake,
		BalanceKind: session.balanceKind(),
		Metadata:    metadata,
	})
	cancel()
	if err != nil {
		for _, seat := range session.Seats {
			if sendErr := seat.Participant.Send(ErrorMessage(err)); sendErr != nil {
				engine.logger.Debug("error notification undeliverable", zap.Error(sendErr))
			}
		}
		engine.logger.Warn("stake reservation failed",
			zap.String("session_id", sessionID.String()),
			zap.String("game_kind", session.Kind.String()),
			zap.Int64("stake_minor", session.Stake.Int64()),
			zap.Bool("house", session.House),
			zap.Error(err),
		)
		return nil, err
	}

	session.State = StateMatched
	engine.sessions[sessionID.String()] = session
	engine.logger.Info("session matched",
		zap.String("session_id", sessionID.String()),
		zap.String("game_kind", session.Kind.String()),
		zap.Int64("stake_minor", session.Stake.Int64()),
		zap.Bool("house", session.House),
		zap.Strings("user_ids", userIDStrings(session.userIDs())),
	)
	for index, seat := range session.Seats {
		message := MatchFoundMessage(sessionID, session.Kind, session.Stake, opponentID(session, index), session.House)
		if sendErr := seat.Participant.Send(message); sendErr != nil {
			engine.logger.Debug("match notification undeliverable", zap.Error(sendErr))
		}
	}
	engine.notifyBalances(ctx, session)

	session.State = StateResolving
	engine.scheduleResolve(sessionID.String())
	return session, nil
}

func (engine *Engine) scheduleResolve(sessionKey string) {
	engine.scheduler.Schedule(engine.resolveDelay, func(ctx context.Context) {
		engine.resolve(ctx, sessionKey)
	})
}

// resolve plays and settles a session. It is safe to run more than once: the
// session leaves the active set only after settlement, and a missing session
// means the work is already done.
func (engine *Engine) resolve(ctx context.Context, sessionKey string) {
	session, ok := engine.sessions[sessionKey]
	if !ok || session.State != StateResolving {
		return
	}
	if err := engine.settle(ctx, session); err != nil {
		engine.scheduleResolve(sessionKey)
	}
}

// Drain settles every active session immediately, ignoring the resolve delay.
// It must only run once the event loop has stopped. Each session gets up to
// drainAttempts tries and the failures are joined into the returned error.
func (engine *Engine) Drain(ctx context.Context) error {
	sessionKeys := make([]string, 0, len(engine.sessions))
	for sessionKey, session := range engine.sessions {
		if session.State == StateResolving {
			sessionKeys = append(sessionKeys, sessionKey)
		}
	}
	sort.Strings(sessionKeys)

	var drainErrors []error
	for _, sessionKey := range sessionKeys {
		session := engine.sessions[sessionKey]
		var err error
		for attempt := 0; attempt < drainAttempts; attempt++ {
			if err = engine.settle(ctx, session); err == nil || ctx.Err() != nil {
				break
			}
		}
		if err != nil {
			drainErrors = append(drainErrors, fmt.Errorf("session %s: %w", sessionKey, err))
		}
	}
	engine.logger.Info("sessions drained",
		zap.Int("sessions", len(sessionKeys)),
		zap.Int("unsettled", len(drainErrors)),
	)
	return errors.Join(drainErrors...)
}

func (engine *Engine) settle(ctx context.Context, session *Session) error {
	sessionKey := session.ID.String()
	session.attempts++
	if session.outcome == nil {
		outcome, err := engine.resolver.Resolve(session.Kind, session.Stake.Int64(), session.sides())
		if err != nil {
			engine.logger.Error("game resolution failed",
				zap.String("session_id", sessionKey),
				zap.Int("attempt", session.attempts),
				zap.Error(err),
			)
			return err
		}
		session.outcome = &outcome
	}

	request, err := settleRequest(session)
	if err != nil {
		engine.logger.Error("settlement request invalid", zap.String("session_id", sessionKey), zap.Error(err))
		session.outcome = nil
		return err
	}
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), engine.ledgerTimeout)
	err = engine.gateway.Settle(settleCtx, request)
	cancel()
	if err != nil && !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		engine.logger.Error("settlement failed",
			zap.String("session_id", sessionKey),
			zap.Int("attempt", session.attempts),
			zap.Error(err),
		)
		return err
	}

	delete(engine.sessions, sessionKey)
	session.State = StateSettled
	engine.logger.Info("session settled",
		zap.String("session_id", sessionKey),
		zap.String("game_kind", session.Kind.String()),
		zap.Bool("house", session.House),
		zap.Int("attempts", session.attempts),
	)
	for index, seat := range session.Seats {
		message := GameResultMessage(session.ID, *session.outcome, session.outcome.Seats[index], session.Stake)
		if sendErr := seat.Participant.Send(message); sendErr != nil {
			engine.logger.Warn("game result undeliverable",
				zap.String("session_id", sessionKey),
				zap.String("user_id", seat.Participant.UserID.String()),
				zap.Error(sendErr),
			)
		}
	}
	engine.notifyBalances(ctx, session)
	return nil
}

// Active returns the number of sessions awaiting settlement.
func (engine *Engine) Active() int {
	return len(engine.sessions)
}

// Session returns an active session by id.
func (engine *Engine) Session(sessionID ledger.SessionID) (*Session, bool) {
	session, ok := engine.sessions[sessionID.String()]
	return session, ok
}

func (engine *Engine) notifyBalances(ctx context.Context, session *Session) {
	if engine.notifier == nil {
		return
	}
	for _, seat := range session.Seats {
		engine.notifier.BalanceChanged(ctx, seat.Participant.UserID)
	}
}

func settleRequest(session *Session) (ledger.SettleRequest, error) {
	if len(session.outcome.Seats) != len(session.Seats) {
		return ledger.SettleRequest{}, fmt.Errorf("%w: %d results for %d seats", ledger.ErrInvalidOutcome, len(session.outcome.Seats), len(session.Seats))
	}
	metadata, err := sessionMetadata(session)
	if err != nil {
		return ledger.SettleRequest{}, err
	}
	outcomes := make([]ledger.Outcome, 0, len(session.Seats))
	for index, seat := range session.Seats {
		result := session.outcome.Seats[index]
		entryType := ledger.EntryLoss
		switch result.Verdict {
		case game.VerdictWin:
			entryType = ledger.EntryWin
		case game.VerdictDraw:
			entryType = ledger.EntryRefund
		}
		amount, err := ledger.NewAmountMinor(result.Payout)
		if err != nil {
			return ledger.SettleRequest{}, err
		}
		outcomes = append(outcomes, ledger.Outcome{UserID: seat.Participant.UserID, Type: entryType, Amount: amount})
	}
	return ledger.SettleRequest{
		SessionID:   session.ID,
		BalanceKind: session.balanceKind(),
		Outcomes:    outcomes,
		Metadata:    metadata,
	}, nil
}

func sessionMetadata(session *Session) (ledger.MetadataJSON, error) {
	return ledger.NewMetadataJSON(fmt.Sprintf(`{"gameKind":%q,"house":%t}`, session.Kind.String(), session.House))
}

func opponentID(session *Session, index int) string {
	if session.House || len(session.Seats) != 2 {
		return ""
	}
	return session.Seats[1-index].Participant.UserID.String()
}

func userIDStrings(userIDs []ledger.UserID) []string {
	values := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		values = append(values, userID.String())
	}
	return values
}
