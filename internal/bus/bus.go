// Package bus carries change events from producers to replica queues through
// a topic exchange. A message is delivered to every queue holding at least
// one binding pattern that matches its routing key, once per queue.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// ErrClosed is returned by operations on a closed exchange or queue.
var ErrClosed = errors.New("bus: closed")

// Message is the envelope placed on a queue.
type Message struct {
	ID          string    `json:"id"`
	RoutingKey  string    `json:"routingKey"`
	Body        string    `json:"body"`
	PublishedAt time.Time `json:"publishedAt"`
}

// NewMessage wraps body for publication under key.
func NewMessage(key string, body []byte) Message {
	return Message{
		ID:          uuid.NewString(),
		RoutingKey:  key,
		Body:        string(body),
		PublishedAt: time.Now().UTC(),
	}
}

// EncodeMessage serializes an envelope.
func EncodeMessage(m Message) ([]byte, error) {
	return sonic.Marshal(m)
}

// DecodeMessage parses an envelope.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := sonic.Unmarshal(data, &m)
	return m, err
}

// Delivery is a message received from a queue and not yet acknowledged.
type Delivery struct {
	Message Message
	// Raw is the payload as stored on the queue, used to acknowledge it.
	Raw string
	// Receipt identifies this particular receipt of the message where the
	// backing queue needs one.
	Receipt string
}

// Exchange routes published messages to bound queues.
type Exchange interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
}

// Binder manages the binding patterns of queues on an exchange.
type Binder interface {
	Bind(ctx context.Context, queue, pattern string) error
	Unbind(ctx context.Context, queue, pattern string) error
	Bindings(ctx context.Context) (map[string][]string, error)
}

// Queue is the consuming side of one replica's queue.
type Queue interface {
	// Receive returns the next delivery, or nil when the queue stayed empty.
	Receive(ctx context.Context) (*Delivery, error)
	// Ack removes a delivery for good.
	Ack(ctx context.Context, d *Delivery) error
}

// Route returns the queues whose patterns match key, each once, in the
// order of first appearance in queues.
func Route(bindings map[string][]string, queues []string, key string) []string {
	var out []string
	for _, q := range queues {
		for _, p := range bindings[q] {
			if Match(p, key) {
				out = append(out, q)
				break
			}
		}
	}
	return out
}
