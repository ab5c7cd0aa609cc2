package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	exchangeName = "edgegate.security"
	queueName    = "security.events"
	routingRoot  = "security."
)

// Publisher writes events to a durable topic exchange. A durable bound
// queue is declared up front so events published before any consumer
// attaches are not lost.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p := &Publisher{
		conn:    conn,
		channel: ch,
	}

	if err := p.setup(); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

func (p *Publisher) setup() error {
	if err := p.channel.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	); err != nil {
		return fmt.Errorf("failed to declare security exchange: %w", err)
	}

	if _, err := p.channel.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	); err != nil {
		return fmt.Errorf("failed to declare security.events queue: %w", err)
	}

	if err := p.channel.QueueBind(
		queueName,       // queue name
		routingRoot+"#", // routing key
		exchangeName,    // exchange
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind security.events queue: %w", err)
	}

	slog.Info("audit exchange setup completed", slog.String("exchange", exchangeName))
	return nil
}

// Publish sends one event, routed by its kind.
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	err = p.channel.PublishWithContext(
		ctx,
		exchangeName,
		routingRoot+event.Kind,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish audit event: %w", err)
	}

	return nil
}

// Consume delivers queued events, for integration tests and local trailing.
func (p *Publisher) Consume() (<-chan amqp.Delivery, error) {
	msgs, err := p.channel.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}
	return msgs, nil
}

func (p *Publisher) IsClosed() bool {
	return p.conn == nil || p.conn.IsClosed()
}

func (p *Publisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
