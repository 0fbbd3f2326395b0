package transport

import (
	"context"
	"sync"
)

// Published is one (topic, payload) pair recorded by a MockClient.
type Published struct {
	Topic   string
	Payload []byte
}

// MockClient is an in-memory Client used by tests and by a transport-less
// dry-run mode. Its queue capacity and failure behavior are driven
// entirely by the test, not by any real I/O -- this is the harness the
// Serializer's state-transition tests are built on.
type MockClient struct {
	mu       sync.Mutex
	queue    []Published
	capacity int
	dead     bool

	// RejectQueueFull, when true, makes every TryPublish fail with
	// *QueueFullError regardless of capacity -- used to simulate a
	// persistently slow eventloop.
	RejectQueueFull bool

	subs map[string][]chan []byte
}

// NewMockClient returns a MockClient whose internal queue accepts up to
// capacity publishes before TryPublish starts reporting queue-full. A
// capacity of 0 or less leaves the queue unbounded.
func NewMockClient(capacity int) *MockClient {
	return &MockClient{capacity: capacity}
}

// Published returns a snapshot of everything accepted so far, in order.
func (m *MockClient) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.queue))
	copy(out, m.queue)
	return out
}

// Kill marks the client dead: every subsequent Publish/TryPublish call
// returns a *ClientDeadError.
func (m *MockClient) Kill() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dead = true
}

func (m *MockClient) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return &ClientDeadError{Topic: topic, Payload: payload, Cause: ErrEventloopCrashed}
	}
	m.queue = append(m.queue, Published{Topic: topic, Payload: payload})
	return nil
}

func (m *MockClient) TryPublish(topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dead {
		return &ClientDeadError{Topic: topic, Payload: payload, Cause: ErrEventloopCrashed}
	}
	if m.RejectQueueFull || (m.capacity > 0 && len(m.queue) >= m.capacity) {
		return &QueueFullError{Topic: topic, Payload: payload}
	}
	m.queue = append(m.queue, Published{Topic: topic, Payload: payload})
	return nil
}

func (m *MockClient) Close() error { return nil }

// Subscribe returns a channel fed by Deliver calls for the same topic. It
// never closes on its own; callers rely on ctx cancellation (the
// sarama-backed Client's Subscribe closes its channel once its consumer
// goroutines exit, which a test harness doesn't need to reproduce).
func (m *MockClient) Subscribe(ctx context.Context, topic string) (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subs == nil {
		m.subs = make(map[string][]chan []byte)
	}
	ch := make(chan []byte, 16)
	m.subs[topic] = append(m.subs[topic], ch)
	return ch, nil
}

// Deliver pushes payload to every active Subscribe(topic) channel, for use
// by tests simulating an incoming Action.
func (m *MockClient) Deliver(topic string, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs[topic] {
		select {
		case ch <- payload:
		default:
		}
	}
}
