package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the topic exchange every event is published to. Routing keys
// are the event topic names.
const Exchange = "ryde.events"

// Client is a RabbitMQ connection with one publishing channel.
type Client struct {
	url string

	mu   sync.RWMutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewClient dials RabbitMQ with retry and declares the events exchange.
func NewClient(ctx context.Context, url string) (*Client, error) {
	c := &Client{url: url}

	delay := time.Second
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		if err = c.connect(); err == nil {
			log.Println("Connected to RabbitMQ")
			return c, nil
		}
		log.Printf("Waiting for RabbitMQ... (%d/10): %v", attempt, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
	return nil, fmt.Errorf("rabbitmq: failed after 10 attempts: %w", err)
}

func (c *Client) connect() error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	c.mu.Lock()
	c.conn, c.ch = conn, ch
	c.mu.Unlock()
	return nil
}

// Publish sends a JSON-serialised, persistent message routed by topic.
func (c *Client) Publish(ctx context.Context, topic, key string, value any) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}

	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("rabbitmq channel not available")
	}

	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return ch.PublishWithContext(pubCtx, Exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    key,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	})
}

// Subscribe binds a durable queue named after groupID and topic, then hands
// each delivery to handler on a dedicated channel. Failed handlers nack the
// message without requeue.
func (c *Client) Subscribe(ctx context.Context, topic, groupID string, handler func([]byte) error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	ch, err := conn.Channel()
	if err != nil {
		log.Printf("[rabbitmq] open channel for %s: %v", topic, err)
		return
	}

	queue := groupID + "." + topic
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		log.Printf("[rabbitmq] declare %s: %v", queue, err)
		_ = ch.Close()
		return
	}
	if err := ch.QueueBind(queue, topic, Exchange, false, nil); err != nil {
		log.Printf("[rabbitmq] bind %s: %v", queue, err)
		_ = ch.Close()
		return
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		log.Printf("[rabbitmq] consume %s: %v", queue, err)
		_ = ch.Close()
		return
	}

	go func() {
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				if err := handler(d.Body); err != nil {
					log.Printf("[rabbitmq] handler error on %s: %v", topic, err)
					_ = d.Nack(false, false)
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()
}

// IsClosed reports whether the underlying connection is gone.
func (c *Client) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn == nil || c.conn.IsClosed()
}

// Close shuts the channel and connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
