package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/rabbitmq/amqp091-go"
)

// RabbitStream implements Stream over RabbitMQ. One durable topic exchange
// carries every stream; each (topic, group) pair maps to one durable queue,
// so competing consumers in a group each see a message exactly once at a
// time. Queue length is capped at RetentionCap.
type RabbitStream struct {
	url     string
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

const exchangeName = "streams"

func NewRabbitStream(url string) *RabbitStream {
	return &RabbitStream{url: url}
}

// Connect dials the broker with exponential backoff, up to maxAttempts.
func (r *RabbitStream) Connect(maxAttempts int) error {
	b := &backoff.Backoff{Min: time.Second, Max: 15 * time.Second, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lastErr = r.dial(); lastErr == nil {
			log.Println("✅ Connected to RabbitMQ")
			return nil
		}

		wait := b.Duration()
		log.Printf("⏳ Attempt %d/%d: failed to connect to RabbitMQ: %v (retry in %s)",
			attempt, maxAttempts, lastErr, wait)
		time.Sleep(wait)
	}

	return fmt.Errorf("connect to RabbitMQ after %d attempts: %w", maxAttempts, lastErr)
}

func (r *RabbitStream) dial() error {
	conn, err := amqp091.Dial(r.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		exchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	r.conn = conn
	r.channel = ch
	return nil
}

// Publish appends one message to the topic and returns its message id.
func (r *RabbitStream) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	if r.channel == nil {
		return "", fmt.Errorf("rabbitmq channel not initialized")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal stream message: %w", err)
	}

	id := uuid.New().String()
	err = r.channel.PublishWithContext(
		ctx,
		exchangeName,
		topic, // routing key
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			MessageId:    id,
			Body:         body,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}

	return id, nil
}

// Subscribe joins a consumer group on a topic.
func (r *RabbitStream) Subscribe(topic, group string) (Consumer, error) {
	if r.conn == nil {
		return nil, fmt.Errorf("rabbitmq not connected")
	}

	// One channel per consumer so prefetch windows do not interfere.
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}

	queueName := fmt.Sprintf("%s.%s", topic, group)
	queue, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp091.Table{"x-max-length": int32(RetentionCap)},
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queueName, err)
	}

	if err := ch.QueueBind(queue.Name, topic, exchangeName, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("bind queue %s: %w", queueName, err)
	}

	deliveries, err := ch.Consume(
		queue.Name,
		"",    // consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queueName, err)
	}

	log.Printf("👂 Joined group %s on stream %s", group, topic)
	return &rabbitConsumer{
		channel:    ch,
		deliveries: deliveries,
		pending:    make(map[string]amqp091.Delivery),
	}, nil
}

func (r *RabbitStream) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}

type rabbitConsumer struct {
	channel    *amqp091.Channel
	deliveries <-chan amqp091.Delivery

	mu      sync.Mutex
	pending map[string]amqp091.Delivery
}

// Pull collects up to max messages, blocking at most block for the first.
func (c *rabbitConsumer) Pull(ctx context.Context, max int, block time.Duration) ([]Delivery, error) {
	if max <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(block)
	defer timer.Stop()

	var out []Delivery
	for len(out) < max {
		select {
		case d, ok := <-c.deliveries:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, fmt.Errorf("stream consumer closed")
			}

			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				// Poison payloads are dropped, not requeued forever.
				log.Printf("⚠️  dropping undecodable stream message %s: %v", d.MessageId, err)
				d.Nack(false, false)
				continue
			}

			id := d.MessageId
			if id == "" {
				id = fmt.Sprintf("tag-%d", d.DeliveryTag)
			}

			c.mu.Lock()
			c.pending[id] = d
			c.mu.Unlock()

			out = append(out, Delivery{ID: id, Msg: msg})

		case <-timer.C:
			return out, nil

		case <-ctx.Done():
			return out, ctx.Err()
		}
	}

	return out, nil
}

func (c *rabbitConsumer) Ack(id string) error {
	c.mu.Lock()
	d, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("ack unknown delivery %s", id)
	}
	return d.Ack(false)
}

func (c *rabbitConsumer) Nack(id string) error {
	c.mu.Lock()
	d, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nack unknown delivery %s", id)
	}
	// Requeue for redelivery.
	return d.Nack(false, true)
}

func (c *rabbitConsumer) Close() error {
	return c.channel.Close()
}
