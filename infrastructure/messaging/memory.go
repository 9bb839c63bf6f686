package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStream is the in-process stream used by tests. Same delivery
// semantics as the broker: FIFO per consumer, at-least-once, unacked or
// nacked messages return to the queue, retention capped.
type MemoryStream struct {
	mu     sync.Mutex
	topics map[string]*memoryTopic
	nextID int64
	closed bool
}

type memoryTopic struct {
	// ready holds deliverable messages in order; pending holds pulled but
	// unacknowledged ones keyed by delivery id.
	ready   []Delivery
	pending map[string]Delivery
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{topics: make(map[string]*memoryTopic)}
}

func (s *MemoryStream) topic(name string) *memoryTopic {
	t, ok := s.topics[name]
	if !ok {
		t = &memoryTopic{pending: make(map[string]Delivery)}
		s.topics[name] = t
	}
	return t
}

func (s *MemoryStream) Publish(_ context.Context, topic string, msg Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("stream closed")
	}

	s.nextID++
	id := fmt.Sprintf("%d-0", s.nextID)

	t := s.topic(topic)
	t.ready = append(t.ready, Delivery{ID: id, Msg: msg})

	// Retention is a backstop: drop the oldest ready message past the cap.
	if len(t.ready) > RetentionCap {
		t.ready = t.ready[len(t.ready)-RetentionCap:]
	}

	return id, nil
}

// Subscribe joins a consumer group. The in-memory broker keeps one shared
// queue per topic, which is exactly the competing-consumer behavior of the
// real broker for a single group.
func (s *MemoryStream) Subscribe(topic, _ string) (Consumer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("stream closed")
	}

	return &memoryConsumer{stream: s, topicName: topic}, nil
}

func (s *MemoryStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Depth reports ready messages on a topic (test helper).
func (s *MemoryStream) Depth(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topic(topic).ready)
}

type memoryConsumer struct {
	stream    *MemoryStream
	topicName string
}

func (c *memoryConsumer) Pull(ctx context.Context, max int, block time.Duration) ([]Delivery, error) {
	deadline := time.Now().Add(block)

	for {
		c.stream.mu.Lock()
		t := c.stream.topic(c.topicName)

		if len(t.ready) > 0 {
			n := max
			if n > len(t.ready) {
				n = len(t.ready)
			}

			out := make([]Delivery, n)
			copy(out, t.ready[:n])
			t.ready = t.ready[n:]

			for _, d := range out {
				t.pending[d.ID] = d
			}
			c.stream.mu.Unlock()
			return out, nil
		}
		c.stream.mu.Unlock()

		if time.Now().After(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (c *memoryConsumer) Ack(id string) error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	t := c.stream.topic(c.topicName)
	if _, ok := t.pending[id]; !ok {
		return fmt.Errorf("ack unknown delivery %s", id)
	}
	delete(t.pending, id)
	return nil
}

func (c *memoryConsumer) Nack(id string) error {
	c.stream.mu.Lock()
	defer c.stream.mu.Unlock()

	t := c.stream.topic(c.topicName)
	d, ok := t.pending[id]
	if !ok {
		return fmt.Errorf("nack unknown delivery %s", id)
	}

	delete(t.pending, id)
	// Redeliver ahead of newer messages.
	t.ready = append([]Delivery{d}, t.ready...)
	return nil
}

func (c *memoryConsumer) Close() error { return nil }
