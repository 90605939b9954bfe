// Package natspub publishes lobby lifecycle events to NATS so other services
// (stats, matchmaking dashboards) can follow the lobby manager.
package natspub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/DoyleJ11/pong-sync/internal/events"
)

type Publisher struct {
	nc      *nats.Conn
	subject string
}

var _ events.Publisher = (*Publisher)(nil)

// Connect dials url and publishes under subject.<kind>.
func Connect(url, subject string, log *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("pong-lobby"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return New(nc, subject), nil
}

func New(nc *nats.Conn, subject string) *Publisher {
	return &Publisher{nc: nc, subject: subject}
}

func Subject(base string, kind events.Kind) string {
	return base + "." + string(kind)
}

// Publish hands the event to the client's outbound buffer; delivery happens
// asynchronously.
func (p *Publisher) Publish(_ context.Context, e events.Event) error {
	data, err := events.Encode(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(Subject(p.subject, e.Kind), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	return nil
}

// Close flushes pending events and closes the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
