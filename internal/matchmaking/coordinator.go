package matchmaking

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *zap.Logger) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// WithQueueIdleTimeout cancels queue entries still waiting after timeout. Zero disables it.
func WithQueueIdleTimeout(timeout time.Duration) CoordinatorOption {
	return func(coordinator *Coordinator) {
		if timeout >= 0 {
			coordinator.idleTimeout = timeout
		}
	}
}

// Coordinator turns connection events into pool and engine actions. Every
// Handle method must run on the event loop.
type Coordinator struct {
	registry    *Registry
	pool        *Pool
	engine      *Engine
	scheduler   Scheduler
	logger      *zap.Logger
	idleTimeout time.Duration
}

// NewCoordinator wires a Coordinator.
func NewCoordinator(registry *Registry, pool *Pool, engine *Engine, scheduler Scheduler, options ...CoordinatorOption) (*Coordinator, error) {
	switch {
	case registry == nil:
		return nil, fmt.Errorf("%w: registry is nil", ErrInvalidConfig)
	case pool == nil:
		return nil, fmt.Errorf("%w: pool is nil", ErrInvalidConfig)
	case engine == nil:
		return nil, fmt.Errorf("%w: engine is nil", ErrInvalidConfig)
	case scheduler == nil:
		return nil, fmt.Errorf("%w: scheduler is nil", ErrInvalidConfig)
	}
	coordinator := &Coordinator{
		registry:  registry,
		pool:      pool,
		engine:    engine,
		scheduler: scheduler,
		logger:    zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	return coordinator, nil
}

// HandleConnect registers a new connection and greets it.
func (coordinator *Coordinator) HandleConnect(participant *Participant) {
	coordinator.registry.Register(participant)
	coordinator.send(participant, ConnectedMessage(participant))
}

// HandleMessage decodes and dispatches one inbound payload.
func (coordinator *Coordinator) HandleMessage(ctx context.Context, connectionID ConnectionID, payload []byte) {
	participant, ok := coordinator.registry.Get(connectionID)
	if !ok {
		coordinator.logger.Debug("message from unknown connection", zap.String("connection_id", string(connectionID)))
		return
	}
	message, err := DecodeInbound(payload)
	if err != nil {
		coordinator.send(participant, ErrorMessage(err))
		return
	}
	switch typed := message.(type) {
	case FindMatch:
		coordinator.findMatch(ctx, participant, typed)
	case CancelMatch:
		coordinator.cancelMatch(participant)
	}
}

// HandleDisconnect forgets a closed connection. A queued entry is dropped; an
// active session still settles and its result is logged as undeliverable.
func (coordinator *Coordinator) HandleDisconnect(connectionID ConnectionID) {
	if coordinator.pool.Remove(connectionID) {
		coordinator.logger.Debug("dequeued closed connection", zap.String("connection_id", string(connectionID)))
	}
	coordinator.registry.Unregister(connectionID)
}

func (coordinator *Coordinator) findMatch(ctx context.Context, participant *Participant, request FindMatch) {
	if !participant.Authenticated() {
		coordinator.send(participant, ErrorMessage(ErrNotAuthenticated))
		return
	}
	coordinator.pool.Remove(participant.ConnectionID)

	if request.UseHouseBalance {
		coordinator.startSession(ctx, StartRequest{
			Kind:  request.GameKind,
			Stake: request.Stake,
			House: true,
			Seats: []Seat{{Participant: participant, Side: request.Side}},
		})
		return
	}

	opponent := coordinator.pool.FindOpposite(request.GameKind, request.Stake, request.Side, participant)
	if opponent == nil {
		entry, err := coordinator.pool.Enqueue(participant, request.GameKind, request.Stake, request.Side)
		if err != nil {
			coordinator.logger.Debug("enqueue aborted", zap.String("connection_id", string(participant.ConnectionID)), zap.Error(err))
			return
		}
		coordinator.scheduleIdleTimeout(entry)
		return
	}
	coordinator.startSession(ctx, StartRequest{
		Kind:  request.GameKind,
		Stake: request.Stake,
		Seats: []Seat{
			{Participant: opponent.Participant, Side: opponent.Side},
			{Participant: participant, Side: request.Side},
		},
	})
}

// startSession hands the seats to the engine. On a failed reservation every
// seat has already received an ERROR message from the engine.
func (coordinator *Coordinator) startSession(ctx context.Context, request StartRequest) {
	session, err := coordinator.engine.Start(ctx, request)
	if err != nil {
		connectionIDs := make([]string, 0, len(request.Seats))
		for _, seat := range request.Seats {
			connectionIDs = append(connectionIDs, string(seat.Participant.ConnectionID))
		}
		coordinator.logger.Info("match not started",
			zap.Strings("connection_ids", connectionIDs),
			zap.Bool("house", request.House),
			zap.Error(err),
		)
		return
	}
	coordinator.logger.Debug("match started", zap.String("session_id", session.ID.String()))
}

func (coordinator *Coordinator) cancelMatch(participant *Participant) {
	coordinator.pool.Remove(participant.ConnectionID)
	coordinator.send(participant, CancelledMessage())
}

func (coordinator *Coordinator) scheduleIdleTimeout(entry *Entry) {
	if coordinator.idleTimeout <= 0 {
		return
	}
	coordinator.scheduler.Schedule(coordinator.idleTimeout, func(context.Context) {
		if !coordinator.pool.RemoveEntry(entry) {
			return
		}
		coordinator.logger.Info("queue entry expired",
			zap.String("connection_id", string(entry.Participant.ConnectionID)),
			zap.Duration("idle_timeout", coordinator.idleTimeout),
		)
		coordinator.send(entry.Participant, CancelledMessage())
	})
}

func (coordinator *Coordinator) send(participant *Participant, message Outbound) {
	if err := participant.Send(message); err != nil {
		coordinator.logger.Debug("message undeliverable",
			zap.String("connection_id", string(participant.ConnectionID)),
			zap.String("kind", string(message.Kind)),
			zap.Error(err),
		)
	}
}
