package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends events to the broker.  It dials per publish; order
// events are rare enough that a pooled connection is not worth its
// reconnect handling.
type Publisher struct {
	url string
}

func NewPublisher(url string) *Publisher { return &Publisher{url: url} }

// Publish declares the event's queue (idempotent, durable) and sends ev as
// a persistent JSON message on the default exchange.
func (p *Publisher) Publish(ctx context.Context, ev OrderEvent) error {
	if ev.Type == "" {
		return fmt.Errorf("queue: event without type")
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("queue: marshal event: %w", err)
	}

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("queue: dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(ev.Type, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", ev.Type, err)
	}

	return ch.PublishWithContext(ctx,
		"",      // default exchange
		ev.Type, // routing key = queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			MessageId:    fmt.Sprintf("%s:%d", ev.Type, ev.OrderID),
			Body:         body,
		},
	)
}
