package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"livechat/internal/observability"
)

// Publisher sends domain events as core NATS messages on
// "<prefix>.<routing key>" subjects.
type Publisher struct {
	nc     *nats.Conn
	prefix string
}

// New connects to the NATS server at url.
func New(url, prefix string) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("livechat"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("nats reconnected url=%s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Printf("nats connected url=%s prefix=%s", nc.ConnectedUrl(), prefix)
	return &Publisher{nc: nc, prefix: prefix}, nil
}

// Subject maps a routing key onto the NATS subject it is published on.
func (p *Publisher) Subject(routingKey string) string {
	if p.prefix == "" {
		return routingKey
	}
	return p.prefix + "." + routingKey
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, event any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	subject := p.Subject(routingKey)
	if err := p.nc.Publish(subject, body); err != nil {
		observability.IncEventPublishError("nats")
		log.Printf("nats publish failed: subject=%s err=%v", subject, err)
		return fmt.Errorf("failed to publish to subject '%s': %w", subject, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil {
		return nil
	}
	return p.nc.Drain()
}
