package chatlog

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/companion-memory-kernel/internal/jsonx"
)

// RoundEvent is the fan-out payload published per logged message.
type RoundEvent struct {
	UserID    string `json:"user_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// Stream publishes logged messages over NATS for live consumers
// (dashboards, external analyzers). Publishing is best-effort: a down
// broker never blocks or fails a log write.
type Stream struct {
	conn   *nats.Conn
	logger *zap.Logger
}

// NewStream connects to NATS. The connection reconnects forever on
// broker restarts.
func NewStream(url string, logger *zap.Logger) (*Stream, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.Name("companiond-chatlog"),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Stream{conn: conn, logger: logger.Named("chatlog_stream")}, nil
}

// Publish sends one round event on chatlog.<user_id>.
func (s *Stream) Publish(event RoundEvent) {
	if s == nil || s.conn == nil {
		return
	}

	data, err := jsonx.Marshal(event)
	if err != nil {
		s.logger.Warn("event marshal failed", zap.Error(err))
		return
	}
	if err := s.conn.Publish("chatlog."+event.UserID, data); err != nil {
		s.logger.Warn("event publish failed", zap.String("user", event.UserID), zap.Error(err))
	}
}

// Close drains and closes the connection.
func (s *Stream) Close() {
	if s == nil || s.conn == nil {
		return
	}
	s.conn.Drain()
}

// WithStream attaches a fan-out stream to the store. Safe to skip when
// streaming is disabled.
func (s *Store) WithStream(stream *Stream) *Store {
	s.stream = stream
	return s
}
