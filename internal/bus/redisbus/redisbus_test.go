package redisbus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestExchange(t *testing.T) (*Exchange, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rc.Close() })
	return NewExchange(rc, "officesync"), mr
}

func TestPublishRoutesByPattern(t *testing.T) {
	ctx := context.Background()
	x, mr := newTestExchange(t)
	for _, b := range [][2]string{
		{"hr", "employee.#"},
		{"hr", "*.create"},
		{"chat", "department.*"},
	} {
		if err := x.Bind(ctx, b[0], b[1]); err != nil {
			t.Fatalf("bind: %v", err)
		}
	}
	if err := x.Publish(ctx, "employee.create", []byte(`{"id":1}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := x.Publish(ctx, "department.delete", []byte(`3`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	hr, err := mr.List("bus:officesync:queue:hr")
	if err != nil {
		t.Fatalf("hr list: %v", err)
	}
	if len(hr) != 1 {
		t.Fatalf("expected one copy on hr despite two matching bindings, got %d", len(hr))
	}
	chat, err := mr.List("bus:officesync:queue:chat")
	if err != nil {
		t.Fatalf("chat list: %v", err)
	}
	if len(chat) != 1 {
		t.Fatalf("expected 1 message on chat, got %d", len(chat))
	}
}

func TestBindingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	x, _ := newTestExchange(t)
	x.Bind(ctx, "hr", "employee.#")
	x.Bind(ctx, "hr", "department.*")
	x.Bind(ctx, "chat", "#")
	if err := x.Unbind(ctx, "hr", "department.*"); err != nil {
		t.Fatalf("unbind: %v", err)
	}
	got, err := x.Bindings(ctx)
	if err != nil {
		t.Fatalf("bindings: %v", err)
	}
	if len(got["hr"]) != 1 || got["hr"][0] != "employee.#" || len(got["chat"]) != 1 {
		t.Fatalf("unexpected bindings %v", got)
	}
	if err := x.Bind(ctx, "bad|name", "#"); err == nil {
		t.Fatalf("expected invalid queue name error")
	}
	if err := x.Bind(ctx, "hr", "emp*"); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}

func TestReceiveAckAndRecover(t *testing.T) {
	ctx := context.Background()
	x, mr := newTestExchange(t)
	x.Bind(ctx, "hr", "#")
	x.Publish(ctx, "employee.create", []byte(`{"id":1}`))
	x.Publish(ctx, "employee.update", []byte(`{"id":1}`))
	q := x.Queue("hr", 0)

	d, err := q.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("receive: %v %v", d, err)
	}
	if d.Message.RoutingKey != "employee.create" {
		t.Fatalf("expected FIFO order, got %s", d.Message.RoutingKey)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("expected 1 waiting, got %d", n)
	}
	// consumer dies before ack
	moved, err := q.Recover(ctx)
	if err != nil || moved != 1 {
		t.Fatalf("recover: %d %v", moved, err)
	}

	var keys []string
	for {
		d, err := q.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if d == nil {
			break
		}
		keys = append(keys, d.Message.RoutingKey)
		if err := q.Ack(ctx, d); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 deliveries, got %v", keys)
	}
	if mr.Exists("bus:officesync:queue:hr:processing") {
		t.Fatalf("processing list should be empty after acks")
	}
}

func TestGarbageIsDeliveredForAck(t *testing.T) {
	ctx := context.Background()
	x, mr := newTestExchange(t)
	mr.Lpush("bus:officesync:queue:hr", "not an envelope")
	q := x.Queue("hr", 0)
	d, err := q.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("receive: %v %v", d, err)
	}
	if d.Message.RoutingKey != "" {
		t.Fatalf("expected empty message")
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if mr.Exists("bus:officesync:queue:hr:processing") {
		t.Fatalf("garbage should be acknowledged")
	}
}
