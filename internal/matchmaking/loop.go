package matchmaking

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task runs on the event loop with the loop's context.
type Task func(ctx context.Context)

// Scheduler defers a task so it runs on the loop after delay.
type Scheduler interface {
	Schedule(delay time.Duration, task Task)
}

// EventLoop serialises every handler and timer callback onto one goroutine so
// the pool, registry and session map need no locking.
type EventLoop struct {
	tasks    chan Task
	stopped  chan struct{}
	stopOnce sync.Once
	logger   *zap.Logger
}

// NewEventLoop returns a loop with the given inbox capacity.
func NewEventLoop(capacity int, logger *zap.Logger) *EventLoop {
	if capacity <= 0 {
		capacity = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventLoop{
		tasks:   make(chan Task, capacity),
		stopped: make(chan struct{}),
		logger:  logger,
	}
}

// Run processes tasks until ctx is cancelled.
func (loop *EventLoop) Run(ctx context.Context) error {
	defer loop.stopOnce.Do(func() { close(loop.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task := <-loop.tasks:
			task(ctx)
		}
	}
}

// Post queues task for the loop. It blocks while the inbox is full.
func (loop *EventLoop) Post(ctx context.Context, task Task) error {
	select {
	case <-loop.stopped:
		return ErrLoopStopped
	default:
	}
	select {
	case loop.tasks <- task:
		return nil
	case <-loop.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule posts task back onto the loop once delay elapses.
func (loop *EventLoop) Schedule(delay time.Duration, task Task) {
	time.AfterFunc(delay, func() {
		if err := loop.Post(context.Background(), task); err != nil {
			loop.logger.Debug("scheduled task dropped", zap.Error(err))
		}
	})
}

// Done is closed once Run has returned.
func (loop *EventLoop) Done() <-chan struct{} {
	return loop.stopped
}
