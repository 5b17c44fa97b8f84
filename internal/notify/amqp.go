package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPDispatcher publishes notifications to a RabbitMQ topic exchange. Used
// on deployments where the alerting surface consumes from a broker rather
// than an in-process callback (kiosk and terminal installs).
type AMQPDispatcher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPDispatcher connects to the broker and declares the notification
// exchange.
func NewAMQPDispatcher(amqpURL, exchange string) (*AMQPDispatcher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if err := channel.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	return &AMQPDispatcher{
		conn:     conn,
		channel:  channel,
		exchange: exchange,
	}, nil
}

// Dispatch publishes the notification with its type as the routing key, so
// consumers can bind to patterns like "payment_request" or "#".
func (d *AMQPDispatcher) Dispatch(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	return d.channel.PublishWithContext(ctx,
		d.exchange,
		n.Type, // routing key
		false,  // mandatory
		false,  // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			MessageId:   n.ID.String(),
			Body:        body,
		},
	)
}

// Close releases the channel and connection.
func (d *AMQPDispatcher) Close() error {
	if err := d.channel.Close(); err != nil {
		_ = d.conn.Close()
		return err
	}
	return d.conn.Close()
}
