// Package azbus implements the topic exchange on Azure Queue Storage. Queue
// Storage has no routing of its own, so bindings are static configuration
// and Publish enqueues one copy per matching queue.
package azbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"github.com/mailiemtruc/officesync-sub000/internal/bus"
)

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Exchange routes messages to Azure queues by static bindings.
type Exchange struct {
	mu       sync.RWMutex
	clients  map[string]queueClient
	bindings map[string][]string
}

var (
	_ bus.Exchange = (*Exchange)(nil)
	_ bus.Binder   = (*Exchange)(nil)
	_ bus.Queue    = (*Queue)(nil)
)

func clientOptions() *azqueue.ClientOptions {
	return &azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
}

// New creates an exchange over the queues named in bindings.
func New(connStr string, bindings map[string][]string) (*Exchange, error) {
	clients := make(map[string]queueClient, len(bindings))
	for name := range bindings {
		c, err := azqueue.NewQueueClientFromConnectionString(connStr, name, clientOptions())
		if err != nil {
			return nil, fmt.Errorf("azbus: queue %s: %w", name, err)
		}
		clients[name] = c
	}
	return newExchange(clients, bindings)
}

func newExchange(clients map[string]queueClient, bindings map[string][]string) (*Exchange, error) {
	x := &Exchange{clients: clients, bindings: map[string][]string{}}
	for q, patterns := range bindings {
		for _, p := range patterns {
			if err := x.Bind(context.Background(), q, p); err != nil {
				return nil, err
			}
		}
	}
	return x, nil
}

// Bind adds a pattern to a configured queue. Bindings are not persisted.
func (x *Exchange) Bind(_ context.Context, queue, pattern string) error {
	if err := bus.ValidatePattern(pattern); err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.clients[queue]; !ok {
		return fmt.Errorf("azbus: unknown queue %q", queue)
	}
	for _, p := range x.bindings[queue] {
		if p == pattern {
			return nil
		}
	}
	x.bindings[queue] = append(x.bindings[queue], pattern)
	return nil
}

func (x *Exchange) Unbind(_ context.Context, queue, pattern string) error {
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

func (x *Exchange) Bindings(context.Context) (map[string][]string, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make(map[string][]string, len(x.bindings))
	for q, ps := range x.bindings {
		out[q] = append([]string(nil), ps...)
	}
	return out, nil
}

// Publish enqueues the message on every matching queue. A failure on one
// queue does not stop delivery to the others.
func (x *Exchange) Publish(ctx context.Context, routingKey string, body []byte) error {
	x.mu.RLock()
	names := make([]string, 0, len(x.bindings))
	for q := range x.bindings {
		names = append(names, q)
	}
	sort.Strings(names)
	targets := bus.Route(x.bindings, names, routingKey)
	clients := make([]queueClient, len(targets))
	for i, q := range targets {
		clients[i] = x.clients[q]
	}
	x.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	raw, err := bus.EncodeMessage(bus.NewMessage(routingKey, body))
	if err != nil {
		return err
	}
	var errs []error
	for i, c := range clients {
		if _, err := c.EnqueueMessage(ctx, string(raw), nil); err != nil {
			errs = append(errs, fmt.Errorf("azbus: enqueue %s: %w", targets[i], err))
		}
	}
	return errors.Join(errs...)
}

// Queue returns the consumer for a configured queue.
func (x *Exchange) Queue(name string, visibility time.Duration) (*Queue, error) {
	x.mu.RLock()
	c, ok := x.clients[name]
	x.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("azbus: unknown queue %q", name)
	}
	return &Queue{client: c, name: name, visibility: visibility}, nil
}

// Queue consumes one Azure queue. A message not acknowledged within the
// visibility timeout becomes visible again.
type Queue struct {
	client     queueClient
	name       string
	visibility time.Duration
}

func (q *Queue) Receive(ctx context.Context) (*bus.Delivery, error) {
	var opts *azqueue.DequeueMessageOptions
	if q.visibility > 0 {
		secs := int32(q.visibility / time.Second)
		if secs < 1 {
			secs = 1
		}
		opts = &azqueue.DequeueMessageOptions{VisibilityTimeout: &secs}
	}
	resp, err := q.client.DequeueMessage(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	m := resp.Messages[0]
	if m.MessageID == nil || m.PopReceipt == nil {
		return nil, fmt.Errorf("azbus: dequeued message without id or receipt on %s", q.name)
	}
	d := &bus.Delivery{Raw: *m.MessageID, Receipt: *m.PopReceipt}
	if m.MessageText != nil {
		if msg, err := bus.DecodeMessage([]byte(*m.MessageText)); err == nil {
			d.Message = msg
		}
	}
	return d, nil
}

func (q *Queue) Ack(ctx context.Context, d *bus.Delivery) error {
	_, err := q.client.DeleteMessage(ctx, d.Raw, d.Receipt, nil)
	return err
}
