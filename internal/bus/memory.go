package bus

import (
	"context"
	"sort"
	"strconv"
	"sync"
)

// MemoryExchange is an in-process exchange with in-process queues.
type MemoryExchange struct {
	mu       sync.Mutex
	bindings map[string][]string
	queues   map[string]*MemoryQueue
}

var (
	_ Exchange = (*MemoryExchange)(nil)
	_ Binder   = (*MemoryExchange)(nil)
	_ Queue    = (*MemoryQueue)(nil)
)

// NewMemoryExchange returns an exchange without queues.
func NewMemoryExchange() *MemoryExchange {
	return &MemoryExchange{bindings: map[string][]string{}, queues: map[string]*MemoryQueue{}}
}

// Queue returns the named queue, declaring it on first use.
func (x *MemoryExchange) Queue(name string) *MemoryQueue {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.queueLocked(name)
}

func (x *MemoryExchange) queueLocked(name string) *MemoryQueue {
	q, ok := x.queues[name]
	if !ok {
		q = &MemoryQueue{name: name, unacked: map[string]Message{}}
		x.queues[name] = q
	}
	return q
}

func (x *MemoryExchange) Bind(_ context.Context, queue, pattern string) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.queueLocked(queue)
	for _, p := range x.bindings[queue] {
		if p == pattern {
			return nil
		}
	}
	x.bindings[queue] = append(x.bindings[queue], pattern)
	return nil
}

func (x *MemoryExchange) Unbind(_ context.Context, queue, pattern string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	patterns := x.bindings[queue]
	for i, p := range patterns {
		if p == pattern {
			x.bindings[queue] = append(patterns[:i:i], patterns[i+1:]...)
			break
		}
	}
	return nil
}

func (x *MemoryExchange) Bindings(context.Context) (map[string][]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make(map[string][]string, len(x.bindings))
	for q, ps := range x.bindings {
		out[q] = append([]string(nil), ps...)
	}
	return out, nil
}

// Publish copies the message onto every matching queue. Messages matching no
// binding are discarded.
func (x *MemoryExchange) Publish(ctx context.Context, routingKey string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	x.mu.Lock()
	names := make([]string, 0, len(x.bindings))
	for q := range x.bindings {
		names = append(names, q)
	}
	sort.Strings(names)
	targets := Route(x.bindings, names, routingKey)
	queues := make([]*MemoryQueue, 0, len(targets))
	for _, name := range targets {
		queues = append(queues, x.queues[name])
	}
	x.mu.Unlock()

	msg := NewMessage(routingKey, body)
	for _, q := range queues {
		q.push(msg)
	}
	return nil
}

// MemoryQueue is a FIFO queue with explicit acknowledgement.
type MemoryQueue struct {
	name    string
	mu      sync.Mutex
	ready   []Message
	unacked map[string]Message
	seq     int
}

func (q *MemoryQueue) push(m Message) {
	q.mu.Lock()
	q.ready = append(q.ready, m)
	q.mu.Unlock()
}

// Receive never blocks; it returns nil when no message is ready.
func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return nil, nil
	}
	m := q.ready[0]
	q.ready = q.ready[1:]
	q.seq++
	receipt := strconv.Itoa(q.seq)
	q.unacked[receipt] = m
	return &Delivery{Message: m, Receipt: receipt}, nil
}

func (q *MemoryQueue) Ack(_ context.Context, d *Delivery) error {
	q.mu.Lock()
	delete(q.unacked, d.Receipt)
	q.mu.Unlock()
	return nil
}

// Requeue puts every unacknowledged delivery back at the head of the queue,
// simulating a consumer crash.
func (q *MemoryQueue) Requeue() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	receipts := make([]string, 0, len(q.unacked))
	for r := range q.unacked {
		receipts = append(receipts, r)
	}
	sort.Slice(receipts, func(i, j int) bool {
		a, _ := strconv.Atoi(receipts[i])
		b, _ := strconv.Atoi(receipts[j])
		return a < b
	})
	back := make([]Message, 0, len(receipts)+len(q.ready))
	for _, r := range receipts {
		back = append(back, q.unacked[r])
		delete(q.unacked, r)
	}
	q.ready = append(back, q.ready...)
	return len(receipts)
}

// Len reports ready plus unacknowledged messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.unacked)
}
