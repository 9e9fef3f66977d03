package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// MemoryStats counts message outcomes on a Memory broker.
type MemoryStats struct {
	Published int64 `json:"published"`
	Acked     int64 `json:"acked"`
	Requeued  int64 `json:"requeued"`
	Discarded int64 `json:"discarded"`
	Dropped   int64 `json:"dropped"` // evicted by the capacity limit
}

// Memory is an in-process queue with RabbitMQ-like semantics: manual ack,
// nack with requeue to the head, and drop-head overflow at capacity. It is
// safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	queue    []Message
	capacity int
	closed   bool
	notify   chan struct{}
	done     chan struct{}
	hook     func(Message) error

	published atomic.Int64
	acked     atomic.Int64
	requeued  atomic.Int64
	discarded atomic.Int64
	dropped   atomic.Int64
}

// NewMemory creates a memory broker holding at most capacity messages.
// A non-positive capacity means unbounded.
func NewMemory(capacity int) *Memory {
	return &Memory{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// SetPublishHook installs fn to run before each publish. A non-nil error
// from fn fails the publish without enqueueing.
func (m *Memory) SetPublishHook(fn func(Message) error) {
	m.mu.Lock()
	m.hook = fn
	m.mu.Unlock()
}

// Publish enqueues msg.
func (m *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.hook != nil {
		if err := m.hook(msg); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.Body = append([]byte(nil), msg.Body...)
	msg.Redelivered = false
	msg.DeliveryCount = 0
	if m.capacity > 0 && len(m.queue) >= m.capacity {
		m.queue = m.queue[1:]
		m.dropped.Add(1)
	}
	m.queue = append(m.queue, msg)
	m.mu.Unlock()

	m.published.Add(1)
	m.signal()
	return nil
}

// Subscribe starts delivering queued messages on the returned channel,
// one at a time. The channel closes when ctx is done or the broker closes.
func (m *Memory) Subscribe(ctx context.Context) (<-chan Delivery, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			msg, ok := m.pop()
			if !ok {
				select {
				case <-m.notify:
					continue
				case <-ctx.Done():
					return
				case <-m.done:
					return
				}
			}
			msg.DeliveryCount++
			d := &memoryDelivery{broker: m, msg: msg}
			select {
			case out <- d:
			case <-ctx.Done():
				m.requeue(msg, false)
				return
			case <-m.done:
				m.discarded.Add(1)
				return
			}
		}
	}()
	return out, nil
}

// Len returns the number of messages waiting for delivery.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Pending returns the number of published messages not yet acked,
// discarded or dropped, counting both queued and in-flight deliveries.
func (m *Memory) Pending() int64 {
	return m.published.Load() - m.acked.Load() - m.discarded.Load() - m.dropped.Load()
}

// Stats returns a snapshot of the outcome counters.
func (m *Memory) Stats() MemoryStats {
	return MemoryStats{
		Published: m.published.Load(),
		Acked:     m.acked.Load(),
		Requeued:  m.requeued.Load(),
		Discarded: m.discarded.Load(),
		Dropped:   m.dropped.Load(),
	}
}

// Close stops all subscriptions. Queued messages are discarded and counted
// as such, so Pending drops to the in-flight deliveries.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		m.discarded.Add(int64(len(m.queue)))
		m.queue = nil
		close(m.done)
	}
	return nil
}

func (m *Memory) pop() (Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return Message{}, false
	}
	msg := m.queue[0]
	m.queue = m.queue[1:]
	return msg, true
}

// requeue puts msg back at the head of the queue. redelivered marks it as
// having been handed to a consumer.
func (m *Memory) requeue(msg Message, redelivered bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discarded.Add(1)
		return
	}
	if redelivered {
		msg.Redelivered = true
	} else {
		msg.DeliveryCount--
	}
	m.queue = append([]Message{msg}, m.queue...)
	m.mu.Unlock()
	m.signal()
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

type memoryDelivery struct {
	broker   *Memory
	msg      Message
	resolved atomic.Bool
}

func (d *memoryDelivery) Message() Message { return d.msg }

func (d *memoryDelivery) Ack() error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	d.broker.acked.Add(1)
	return nil
}

func (d *memoryDelivery) Nack(requeue bool) error {
	if !d.resolved.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	if !requeue {
		d.broker.discarded.Add(1)
		return nil
	}
	d.broker.requeued.Add(1)
	d.broker.requeue(d.msg, true)
	return nil
}
