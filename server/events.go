package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/dcrn/sigil/engine"
)

// NATSPublisher delivers engine events to NATS subjects of the form
// <prefix>.<event type>, e.g. sigil.contract.updated. A nil publisher
// or an unconfigured connection publishes nothing.
type NATSPublisher struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher connects to the given NATS URL. An empty URL returns
// a nil publisher: event delivery is optional and the registry must run
// without a broker.
func NewNATSPublisher(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, nil
	}
	conn, err := nats.Connect(url, nats.Name("sigil"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info("nats connected", "url", url, "subject_prefix", prefix)
	return &NATSPublisher{conn: conn, prefix: prefix, logger: logger}, nil
}

// Publish implements engine.Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev engine.Event) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := p.prefix + "." + ev.Type
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Close drains the connection so queued events flush before shutdown.
func (p *NATSPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.logger.Warn("nats drain failed", "error", err)
	}
}
