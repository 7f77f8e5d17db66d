package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink publishes stream events to a durable topic exchange. Routing
// keys have the shape "aramaki.stream.<kind>" so consumers can bind to a
// single transition or the whole stream with a wildcard.
type AMQPSink struct {
	conn     *amqp.Connection
	exchange string
}

// NewAMQPSink dials the broker and declares the exchange. The returned
// sink owns the connection; call Close when done.
func NewAMQPSink(url, exchange string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	return &AMQPSink{conn: conn, exchange: exchange}, nil
}

// StreamEvent implements Sink. A fresh channel is opened per publish;
// channels are cheap and a failed publish poisons only its own channel.
func (s *AMQPSink) StreamEvent(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	routingKey := "aramaki.stream." + string(ev.Kind)
	err = ch.PublishWithContext(ctx, s.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         string(ev.Kind),
		Timestamp:    ev.At,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", routingKey, err)
	}
	return nil
}

// Close tears down the broker connection.
func (s *AMQPSink) Close() error {
	return s.conn.Close()
}
