package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSSink publishes each ledger entry to <prefix>.<gate>.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	owned  bool
	logger *zap.Logger
}

// DialNATSSink connects to url and returns a sink that owns the connection.
func DialNATSSink(url, prefix string, logger *zap.Logger) (*NATSSink, error) {
	nc, err := nats.Connect(url,
		nats.Name("gatewarden-audit"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	s := NewNATSSink(nc, prefix, logger)
	s.owned = true
	return s, nil
}

// NewNATSSink wraps an existing connection.
func NewNATSSink(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "gatewarden.audit"
	}
	return &NATSSink{conn: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject e is published on.
func (s *NATSSink) Subject(e Event) string {
	return s.prefix + "." + string(e.Gate)
}

// Publish sends the entry as JSON. It does not wait for a server ack.
func (s *NATSSink) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	if err := s.conn.Publish(s.Subject(e), data); err != nil {
		return fmt.Errorf("publish ledger entry %d: %w", e.Sequence, err)
	}
	return nil
}

// Close drains the connection if the sink opened it.
func (s *NATSSink) Close() error {
	if !s.owned || s.conn == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return err
	}
	return nil
}
