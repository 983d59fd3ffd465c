package events

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event on <prefix>.<type>. Core NATS publishing
// buffers in the client, so Emit does not wait on the server.
type NATSSink struct {
	pub    Publisher
	prefix string
	logger *slog.Logger
}

func NewNATSSink(pub Publisher, prefix string, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "blockflow.events"
	}
	return &NATSSink{pub: pub, prefix: prefix, logger: logger}
}

func (s *NATSSink) Subject(t Type) string {
	return s.prefix + "." + string(t)
}

func (s *NATSSink) Emit(_ context.Context, event Event) {
	data, err := event.Marshal()
	if err != nil {
		s.logger.Warn("encode event", "event", string(event.Type), "error", err)
		return
	}
	if err := s.pub.Publish(s.Subject(event.Type), data); err != nil {
		s.logger.Warn("publish event", "event", string(event.Type), "run_id", event.RunID, "error", err)
	}
}

// ConnectNATS dials the server with reconnects enabled.
func ConnectNATS(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
}
