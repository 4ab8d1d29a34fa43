package matchmaking

import (
	"context"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const houseHeadsTenth = `{"kind":"FIND_MATCH","gameKind":"coinflip","stake":"0.1","side":"heads","useHouseBalance":true}`

func TestDrainSettlesResolvingSessionAfterLoopStops(test *testing.T) {
	test.Parallel()
	service := newLedgerService(test)
	loop := NewEventLoop(8, nil)
	engine, err := NewEngine(service, game.NewRules(coinSource(game.SideHeads)), loop, WithResolveDelay(time.Hour))
	require.NoError(test, err)
	coordinator, err := NewCoordinator(NewRegistry(), NewPool(), engine, loop)
	require.NoError(test, err)

	userID, err := ledger.NewUserID("player-1")
	require.NoError(test, err)
	key, err := ledger.NewIdempotencyKey("fund:player-1")
	require.NoError(test, err)
	require.NoError(test, service.Deposit(context.Background(), userID, ledger.BalanceTest, ledger.PositiveAmountMinor(oneMajor), key, ledger.MetadataJSON{}))
	connection := &fakeConnection{}
	participant := &Participant{ConnectionID: ConnectionID("conn-1"), UserID: userID, Conn: connection}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	finished := make(chan error, 1)
	go func() { finished <- loop.Run(ctx) }()

	matched := make(chan struct{})
	require.NoError(test, loop.Post(ctx, func(loopCtx context.Context) {
		coordinator.HandleConnect(participant)
		coordinator.HandleMessage(loopCtx, participant.ConnectionID, []byte(houseHeadsTenth))
		close(matched)
	}))
	select {
	case <-matched:
	case <-time.After(5 * time.Second):
		test.Fatal("match task did not run")
	}

	cancel()
	assert.ErrorIs(test, <-finished, context.Canceled)
	<-loop.Done()
	require.Equal(test, 1, engine.Active())
	balance, err := service.Balance(context.Background(), userID)
	require.NoError(test, err)
	require.Equal(test, ledger.AmountMinor(oneMajor-tenthMajor), balance.Test)

	require.NoError(test, engine.Drain(context.Background()))

	assert.Equal(test, 0, engine.Active())
	assert.Equal(test, 1, connection.count(KindGameResult))
	balance, err = service.Balance(context.Background(), userID)
	require.NoError(test, err)
	assert.Equal(test, ledger.AmountMinor(oneMajor+tenthMajor), balance.Test)

	require.NoError(test, engine.Drain(context.Background()))
	assert.Equal(test, 1, connection.count(KindGameResult))
}

func TestDrainRetriesThenReportsUnsettledSessions(test *testing.T) {
	test.Parallel()
	gateway := &flakyGateway{settleFailures: drainAttempts + 1}
	h := newHarness(test, harnessConfig{
		resolver: game.NewRules(coinSource(game.SideHeads)),
		gateway: func(service *ledger.Service) Gateway {
			gateway.Gateway = service
			return gateway
		},
	})
	player, connection := h.connect(test, "player-1")
	h.fund(test, player, ledger.BalanceTest, oneMajor)
	h.send(player, houseHeadsTenth)
	require.Equal(test, 1, h.engine.Active())

	err := h.engine.Drain(context.Background())
	require.Error(test, err)
	assert.Contains(test, err.Error(), "session-1")
	assert.Equal(test, drainAttempts, gateway.settleCalls)
	assert.Equal(test, 1, h.engine.Active())
	assert.Equal(test, 0, connection.count(KindGameResult))

	require.NoError(test, h.engine.Drain(context.Background()))
	assert.Equal(test, 0, h.engine.Active())
	assert.Equal(test, ledger.AmountMinor(oneMajor+tenthMajor), h.balance(test, player).Test)
}
