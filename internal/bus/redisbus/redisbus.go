// Package redisbus implements the topic exchange on Redis. Bindings live in a
// set per exchange and each queue is a list; a received message is parked on
// a processing list until it is acknowledged.
package redisbus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mailiemtruc/officesync-sub000/internal/bus"
)

// Exchange is a named topic exchange stored in Redis.
type Exchange struct {
	client *redis.Client
	name   string
}

var (
	_ bus.Exchange = (*Exchange)(nil)
	_ bus.Binder   = (*Exchange)(nil)
	_ bus.Queue    = (*Queue)(nil)
)

// NewExchange returns the exchange called name.
func NewExchange(client *redis.Client, name string) *Exchange {
	return &Exchange{client: client, name: name}
}

func (x *Exchange) bindingsKey() string {
	return fmt.Sprintf("bus:%s:bindings", x.name)
}

func (x *Exchange) queueKey(queue string) string {
	return fmt.Sprintf("bus:%s:queue:%s", x.name, queue)
}

func bindingMember(queue, pattern string) string {
	return queue + "|" + pattern
}

func (x *Exchange) Bind(ctx context.Context, queue, pattern string) error {
	if strings.Contains(queue, "|") || queue == "" {
		return fmt.Errorf("redisbus: invalid queue name %q", queue)
	}
	if err := bus.ValidatePattern(pattern); err != nil {
		return err
	}
	return x.client.SAdd(ctx, x.bindingsKey(), bindingMember(queue, pattern)).Err()
}

func (x *Exchange) Unbind(ctx context.Context, queue, pattern string) error {
	return x.client.SRem(ctx, x.bindingsKey(), bindingMember(queue, pattern)).Err()
}

// Bindings returns the patterns of every bound queue.
func (x *Exchange) Bindings(ctx context.Context) (map[string][]string, error) {
	members, err := x.client.SMembers(ctx, x.bindingsKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(members)
	out := map[string][]string{}
	for _, m := range members {
		queue, pattern, ok := strings.Cut(m, "|")
		if !ok {
			continue
		}
		out[queue] = append(out[queue], pattern)
	}
	return out, nil
}

// Publish pushes the message onto every queue with a matching binding in
// one pipeline.
func (x *Exchange) Publish(ctx context.Context, routingKey string, body []byte) error {
	bindings, err := x.Bindings(ctx)
	if err != nil {
		return fmt.Errorf("redisbus: load bindings: %w", err)
	}
	names := make([]string, 0, len(bindings))
	for q := range bindings {
		names = append(names, q)
	}
	sort.Strings(names)
	targets := bus.Route(bindings, names, routingKey)
	if len(targets) == 0 {
		return nil
	}
	raw, err := bus.EncodeMessage(bus.NewMessage(routingKey, body))
	if err != nil {
		return err
	}
	_, err = x.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, q := range targets {
			pipe.LPush(ctx, x.queueKey(q), raw)
		}
		return nil
	})
	return err
}

// Queue is the consuming side of one queue bound to the exchange.
type Queue struct {
	client     *redis.Client
	name       string
	key        string
	processing string
	wait       time.Duration
}

// Queue returns a consumer for the named queue. A positive wait makes
// Receive block up to that long (rounded up to a second) for a message.
func (x *Exchange) Queue(name string, wait time.Duration) *Queue {
	key := x.queueKey(name)
	return &Queue{client: x.client, name: name, key: key, processing: key + ":processing", wait: wait}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) Receive(ctx context.Context) (*bus.Delivery, error) {
	var (
		raw string
		err error
	)
	if q.wait > 0 {
		wait := q.wait
		if wait < time.Second {
			wait = time.Second
		}
		raw, err = q.client.BRPopLPush(ctx, q.key, q.processing, wait).Result()
	} else {
		raw, err = q.client.RPopLPush(ctx, q.key, q.processing).Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	msg, err := bus.DecodeMessage([]byte(raw))
	if err != nil {
		// keep the raw payload so the caller can still acknowledge it
		return &bus.Delivery{Raw: raw}, nil
	}
	return &bus.Delivery{Message: msg, Raw: raw}, nil
}

func (q *Queue) Ack(ctx context.Context, d *bus.Delivery) error {
	return q.client.LRem(ctx, q.processing, 1, d.Raw).Err()
}

// Recover moves messages left on the processing list by a crashed consumer
// back onto the queue and reports how many were moved.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.processing, q.key).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// Len reports the number of messages waiting on the queue.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
