package rabbitmq

import (
	"context"
	"encoding/json"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"livechat/internal/observability"
	"livechat/internal/telemetry"
)

// NewPublisher builds a RabbitMQ publisher on a topic exchange, or a noop
// publisher when AMQP is disabled or unreachable.
func NewPublisher(amqpURL, exchange string) telemetry.Publisher {
	if amqpURL == "" {
		log.Printf("rabbitmq disabled, using noop: empty amqp url")
		return NewNoop("empty amqp url")
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		return NewNoop(err.Error())
	}

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		_ = conn.Close()
		return NewNoop(err.Error())
	}

	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		log.Printf("rabbitmq disabled, using noop: %v", err)
		_ = ch.Close()
		_ = conn.Close()
		return NewNoop(err.Error())
	}

	log.Printf("rabbitmq connected exchange=%s", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		observability.IncEventPublishError("amqp")
		log.Printf("rabbitmq publish failed: routing_key=%s err=%v", routingKey, err)
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// NoopPublisher logs events instead of sending them.
type NoopPublisher struct {
	reason string
}

// NewNoop returns a publisher that only logs, recording why the bus is off.
func NewNoop(reason string) *NoopPublisher {
	return &NoopPublisher{reason: reason}
}

func (p *NoopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	switch envelope := event.(type) {
	case telemetry.AuditEnvelope:
		log.Printf("event bus noop publish routing_key=%s event_type=%s request_id=%s", routingKey, envelope.EventType, envelope.RequestID)
	case observability.EventEnvelope:
		log.Printf("event bus noop publish routing_key=%s event_type=%s trace_id=%s", routingKey, envelope.EventType, envelope.TraceID)
	default:
		log.Printf("event bus noop publish routing_key=%s", routingKey)
	}
	return nil
}

func (p *NoopPublisher) Close() error {
	return nil
}

// PublisherMode reports the publisher mode for logging.
func PublisherMode(p telemetry.Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case *NoopPublisher:
		return "noop"
	default:
		return "unknown"
	}
}

// PublisherNoopReason reports why p is a noop publisher, if it is one.
func PublisherNoopReason(p telemetry.Publisher) string {
	if noop, ok := p.(*NoopPublisher); ok {
		return noop.reason
	}
	return ""
}
