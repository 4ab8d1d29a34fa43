package gameserver

import (
	"errors"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/wager/internal/matchmaking"
	"go.uber.org/zap"
)

const outboxCapacity = 64

var (
	errConnectionClosed = errors.New("websocket connection closed")
	errOutboxFull       = errors.New("websocket outbox full")
)

// messageWriter is the write side of *websocket.Conn.
type messageWriter interface {
	SetWriteDeadline(deadline time.Time) error
	WriteJSON(value interface{}) error
	Close() error
}

// wsConnection adapts a websocket to matchmaking.Connection. Send only queues;
// a single writer goroutine owns the socket, so a slow peer never stalls the
// event loop. A peer that lets the outbox fill up is disconnected.
type wsConnection struct {
	conn         messageWriter
	writeTimeout time.Duration
	logger       *zap.Logger
	outbox       chan matchmaking.Outbound
	writerDone   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newWSConnection(conn messageWriter, writeTimeout time.Duration, logger *zap.Logger) *wsConnection {
	if logger == nil {
		logger = zap.NewNop()
	}
	connection := &wsConnection{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       logger,
		outbox:       make(chan matchmaking.Outbound, outboxCapacity),
		writerDone:   make(chan struct{}),
	}
	go connection.writeLoop()
	return connection
}

func (connection *wsConnection) Send(message matchmaking.Outbound) error {
	connection.mu.Lock()
	if connection.closed {
		connection.mu.Unlock()
		return errConnectionClosed
	}
	select {
	case connection.outbox <- message:
		connection.mu.Unlock()
		return nil
	default:
	}
	connection.mu.Unlock()
	connection.logger.Warn("websocket outbox full, disconnecting", zap.String("kind", string(message.Kind)))
	_ = connection.abort()
	return errOutboxFull
}

// Close stops accepting messages. The writer flushes what is queued and then
// closes the socket; done reports when that has happened.
func (connection *wsConnection) Close() error {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	if connection.closed {
		return nil
	}
	connection.closed = true
	close(connection.outbox)
	return nil
}

func (connection *wsConnection) IsOpen() bool {
	connection.mu.Lock()
	defer connection.mu.Unlock()
	return !connection.closed
}

func (connection *wsConnection) done() <-chan struct{} {
	return connection.writerDone
}

// abort closes the socket at once, discarding queued messages.
func (connection *wsConnection) abort() error {
	connection.mu.Lock()
	if !connection.closed {
		connection.closed = true
		close(connection.outbox)
	}
	connection.mu.Unlock()
	return connection.conn.Close()
}

func (connection *wsConnection) writeLoop() {
	defer close(connection.writerDone)
	failed := false
	for message := range connection.outbox {
		if failed {
			continue
		}
		if err := connection.write(message); err != nil {
			connection.logger.Debug("websocket write failed", zap.Error(err))
			failed = true
			_ = connection.abort()
		}
	}
	_ = connection.conn.Close()
}

func (connection *wsConnection) write(message matchmaking.Outbound) error {
	if err := connection.conn.SetWriteDeadline(time.Now().Add(connection.writeTimeout)); err != nil {
		return err
	}
	return connection.conn.WriteJSON(message)
}
