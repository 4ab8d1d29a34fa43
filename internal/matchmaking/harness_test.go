package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errConnectionClosed = errors.New("connection closed")

type fakeConnection struct {
	mu       sync.Mutex
	messages []Outbound
	closed   bool
}

func (connection *fakeConnection) Send(message Outbound) error {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	if connection.closed {
		return errConnectionClosed
	}
	connection.messages = append(connection.messages, message)
	return nil
}

func (connection *fakeConnection) Close() error {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	connection.closed = true
	return nil
}

func (connection *fakeConnection) IsOpen() bool {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	return !connection.closed
}

func (connection *fakeConnection) kinds() []MessageKind {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	kinds := make([]MessageKind, 0, len(connection.messages))
	for _, message := range connection.messages {
		kinds = append(kinds, message.Kind)
	}
	return kinds
}

func (connection *fakeConnection) last(kind MessageKind) (Outbound, bool) {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	for index := len(connection.messages) - 1; index >= 0; index-- {
		if connection.messages[index].Kind == kind {
			return connection.messages[index], true
		}
	}
	return Outbound{}, false
}

func (connection *fakeConnection) count(kind MessageKind) int {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	total := 0
	for _, message := range connection.messages {
		if message.Kind == kind {
			total++
		}
	}
	return total
}

type scheduledTask struct {
	delay time.Duration
	task  Task
}

// manualScheduler holds tasks until the test runs them.
type manualScheduler struct {
	pending []scheduledTask
}

func (scheduler *manualScheduler) Schedule(delay time.Duration, task Task) {
	scheduler.pending = append(scheduler.pending, scheduledTask{delay: delay, task: task})
}

// runPending runs the tasks queued so far; tasks they schedule wait for the next call.
func (scheduler *manualScheduler) runPending(ctx context.Context) int {
	batch := scheduler.pending
	scheduler.pending = nil
	for _, scheduled := range batch {
		scheduled.task(ctx)
	}
	return len(batch)
}

type funcSource func(n int) int

func (source funcSource) Intn(n int) (int, error) {
	return source(n), nil
}

// coinSource always lands on the given face.
func coinSource(side game.Side) funcSource {
	return func(int) int {
		if side == game.SideHeads {
			return 0
		}
		return 1
	}
}

// deuceDrawSource deals the two of clubs and the two of diamonds.
func deuceDrawSource() funcSource {
	return func(n int) int {
		if n == 14 {
			return 1
		}
		return n - 1
	}
}

type failingResolver struct {
	failures int
	next     Resolver
	calls    int
}

func (resolver *failingResolver) Resolve(kind game.Kind, stake int64, sides []game.Side) (game.Outcome, error) {
	resolver.calls++
	if resolver.calls <= resolver.failures {
		return game.Outcome{}, game.ErrRandomness
	}
	return resolver.next.Resolve(kind, stake, sides)
}

type flakyGateway struct {
	Gateway
	settleFailures int
	settleCalls    int
}

func (gateway *flakyGateway) Settle(ctx context.Context, request ledger.SettleRequest) error {
	gateway.settleCalls++
	if gateway.settleCalls <= gateway.settleFailures {
		return errors.New("store unavailable")
	}
	return gateway.Gateway.Settle(ctx, request)
}

type recordingNotifier struct {
	users []string
}

func (notifier *recordingNotifier) BalanceChanged(_ context.Context, userID ledger.UserID) {
	notifier.users = append(notifier.users, userID.String())
}

type harness struct {
	ledger      *ledger.Service
	scheduler   *manualScheduler
	registry    *Registry
	pool        *Pool
	engine      *Engine
	coordinator *Coordinator
	connections int
}

type harnessConfig struct {
	resolver    Resolver
	gateway     func(*ledger.Service) Gateway
	idleTimeout time.Duration
	notifier    BalanceNotifier
	logger      *zap.Logger
}

func newHarness(test *testing.T, config harnessConfig) *harness {
	test.Helper()
	service := newLedgerService(test)
	var gateway Gateway = service
	if config.gateway != nil {
		gateway = config.gateway(service)
	}
	resolver := config.resolver
	if resolver == nil {
		resolver = game.NewRules(coinSource(game.SideHeads))
	}
	scheduler := &manualScheduler{}
	registry := NewRegistry()
	pool := NewPool()
	sessionCounter := 0
	options := []EngineOption{
		WithResolveDelay(time.Second),
		WithSessionIDs(func() string {
			sessionCounter++
			return fmt.Sprintf("session-%d", sessionCounter)
		}),
	}
	if config.notifier != nil {
		options = append(options, WithBalanceNotifier(config.notifier))
	}
	engine, err := NewEngine(gateway, resolver, scheduler, options...)
	require.NoError(test, err)
	coordinator, err := NewCoordinator(registry, pool, engine, scheduler,
		WithQueueIdleTimeout(config.idleTimeout),
		WithCoordinatorLogger(config.logger),
	)
	require.NoError(test, err)
	return &harness{
		ledger:      service,
		scheduler:   scheduler,
		registry:    registry,
		pool:        pool,
		engine:      engine,
		coordinator: coordinator,
	}
}

func newLedgerService(test *testing.T) *ledger.Service {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/wager.db"), &gorm.Config{})
	require.NoError(test, err)
	sqlDB, err := db.DB()
	require.NoError(test, err)
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	store := gormstore.New(db)
	require.NoError(test, store.AutoMigrate(context.Background()))
	service, err := ledger.NewService(store, func() int64 { return time.Now().UTC().Unix() })
	require.NoError(test, err)
	return service
}

// connect registers a participant; an empty user id connects a guest.
func (h *harness) connect(test *testing.T, rawUserID string) (*Participant, *fakeConnection) {
	test.Helper()
	h.connections++
	connection := &fakeConnection{}
	participant := &Participant{
		ConnectionID: ConnectionID(fmt.Sprintf("conn-%d", h.connections)),
		Conn:         connection,
	}
	if rawUserID != "" {
		userID, err := ledger.NewUserID(rawUserID)
		require.NoError(test, err)
		participant.UserID = userID
	}
	h.coordinator.HandleConnect(participant)
	return participant, connection
}

func (h *harness) fund(test *testing.T, participant *Participant, kind ledger.BalanceKind, amount int64) {
	test.Helper()
	positive, err := ledger.NewPositiveAmountMinor(amount)
	require.NoError(test, err)
	key, err := ledger.NewIdempotencyKey(fmt.Sprintf("fund:%s:%s:%d", participant.UserID.String(), kind, amount))
	require.NoError(test, err)
	require.NoError(test, h.ledger.Deposit(context.Background(), participant.UserID, kind, positive, key, ledger.MetadataJSON{}))
}

func (h *harness) balance(test *testing.T, participant *Participant) ledger.Balance {
	test.Helper()
	balance, err := h.ledger.Balance(context.Background(), participant.UserID)
	require.NoError(test, err)
	return balance
}

func (h *harness) send(participant *Participant, payload string) {
	h.coordinator.HandleMessage(context.Background(), participant.ConnectionID, []byte(payload))
}
