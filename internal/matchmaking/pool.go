package matchmaking

import (
	"time"

	"github.com/MarkoPoloResearchLab/wager/internal/game"
	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"go.uber.org/zap"
)

type queueKey struct {
	kind  game.Kind
	stake ledger.PositiveAmountMinor
	side  game.Side
}

// Entry is one participant waiting in a queue.
type Entry struct {
	Participant *Participant
	Kind        game.Kind
	Stake       ledger.PositiveAmountMinor
	Side        game.Side
	EnqueuedAt  time.Time
	key         queueKey
}

// Pool keeps FIFO queues keyed by game kind, stake and (for coin-flip) side.
// Like Registry it belongs to the event loop.
type Pool struct {
	queues       map[queueKey][]*Entry
	byConnection map[ConnectionID]*Entry
	logger       *zap.Logger
	now          func() time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *zap.Logger) PoolOption {
	return func(pool *Pool) {
		if logger != nil {
			pool.logger = logger
		}
	}
}

// WithPoolClock overrides the enqueue timestamp source.
func WithPoolClock(now func() time.Time) PoolOption {
	return func(pool *Pool) {
		if now != nil {
			pool.now = now
		}
	}
}

// NewPool returns an empty Pool.
func NewPool(options ...PoolOption) *Pool {
	pool := &Pool{
		queues:       make(map[queueKey][]*Entry),
		byConnection: make(map[ConnectionID]*Entry),
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(pool)
		}
	}
	return pool
}

// Enqueue appends the participant to its queue and tells it the search started.
// A participant holds at most one entry; any earlier entry is replaced.
func (pool *Pool) Enqueue(participant *Participant, kind game.Kind, stake ledger.PositiveAmountMinor, side game.Side) (*Entry, error) {
	pool.Remove(participant.ConnectionID)
	key := queueKey{kind: kind, stake: stake, side: side}
	entry := &Entry{
		Participant: participant,
		Kind:        kind,
		Stake:       stake,
		Side:        side,
		EnqueuedAt:  pool.now(),
		key:         key,
	}
	pool.queues[key] = append(pool.queues[key], entry)
	pool.byConnection[participant.ConnectionID] = entry
	if err := participant.Send(SearchingMessage(kind, stake)); err != nil {
		pool.RemoveEntry(entry)
		return nil, err
	}
	pool.logger.Info("participant queued",
		zap.String("connection_id", string(participant.ConnectionID)),
		zap.String("user_id", participant.UserID.String()),
		zap.String("game_kind", kind.String()),
		zap.Int64("stake_minor", stake.Int64()),
		zap.String("side", side.String()),
	)
	return entry, nil
}

// FindOpposite pops the earliest compatible entry: the opposite side for
// coin-flip, any entry for high-card. Entries whose connection closed are
// discarded on the way; entries sharing the seeker's identity are skipped.
func (pool *Pool) FindOpposite(kind game.Kind, stake ledger.PositiveAmountMinor, side game.Side, seeker *Participant) *Entry {
	key := queueKey{kind: kind, stake: stake, side: side.Opposite()}
	queue := pool.queues[key]
	kept := queue[:0]
	var match *Entry
	for _, entry := range queue {
		switch {
		case match != nil:
			kept = append(kept, entry)
		case !entry.Participant.IsOpen():
			delete(pool.byConnection, entry.Participant.ConnectionID)
			pool.logger.Debug("discarded stale queue entry",
				zap.Error(ErrStaleOpponent),
				zap.String("connection_id", string(entry.Participant.ConnectionID)),
			)
		case sameIdentity(entry.Participant, seeker):
			kept = append(kept, entry)
		default:
			match = entry
			delete(pool.byConnection, entry.Participant.ConnectionID)
		}
	}
	pool.store(key, kept)
	return match
}

// Remove drops the participant's entry from whichever queue holds it. It is a
// no-op when the participant is not queued.
func (pool *Pool) Remove(connectionID ConnectionID) bool {
	entry, ok := pool.byConnection[connectionID]
	if !ok {
		return false
	}
	return pool.RemoveEntry(entry)
}

// RemoveEntry drops exactly this entry if it is still queued.
func (pool *Pool) RemoveEntry(entry *Entry) bool {
	queue := pool.queues[entry.key]
	for index, candidate := range queue {
		if candidate != entry {
			continue
		}
		remaining := append(queue[:index:index], queue[index+1:]...)
		pool.store(entry.key, remaining)
		if pool.byConnection[entry.Participant.ConnectionID] == entry {
			delete(pool.byConnection, entry.Participant.ConnectionID)
		}
		return true
	}
	return false
}

// Contains reports whether the connection has a queued entry.
func (pool *Pool) Contains(connectionID ConnectionID) bool {
	_, ok := pool.byConnection[connectionID]
	return ok
}

// Len returns the number of queued entries across every queue.
func (pool *Pool) Len() int {
	total := 0
	for _, queue := range pool.queues {
		total += len(queue)
	}
	return total
}

func (pool *Pool) store(key queueKey, queue []*Entry) {
	if len(queue) == 0 {
		delete(pool.queues, key)
		return
	}
	pool.queues[key] = queue
}
