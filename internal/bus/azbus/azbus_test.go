package azbus

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

type fakeQueue struct {
	mu       sync.Mutex
	messages []*azqueue.DequeuedMessage
	deleted  []string
	seq      int
	failNext bool
	lastVis  *int32
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return azqueue.EnqueueMessagesResponse{}, errors.New("enqueue failure")
	}
	f.seq++
	id := strconv.Itoa(f.seq)
	receipt := "r" + id
	text := content
	f.messages = append(f.messages, &azqueue.DequeuedMessage{MessageID: &id, PopReceipt: &receipt, MessageText: &text})
	return azqueue.EnqueueMessagesResponse{}, nil
}

func (f *fakeQueue) DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o != nil {
		f.lastVis = o.VisibilityTimeout
	}
	if len(f.messages) == 0 {
		return azqueue.DequeueMessagesResponse{}, nil
	}
	m := f.messages[0]
	f.messages = f.messages[1:]
	return azqueue.DequeueMessagesResponse{Messages: []*azqueue.DequeuedMessage{m}}, nil
}

func (f *fakeQueue) DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID+"/"+popReceipt)
	return azqueue.DeleteMessageResponse{}, nil
}

func TestPublishAndConsume(t *testing.T) {
	ctx := context.Background()
	hr, chat := &fakeQueue{}, &fakeQueue{}
	x, err := newExchange(
		map[string]queueClient{"hr": hr, "chat": chat},
		map[string][]string{"hr": {"employee.#", "department.#"}, "chat": {"department.*"}},
	)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	if err := x.Publish(ctx, "employee.update", []byte(`{"id":3}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := x.Publish(ctx, "department.create", []byte(`{"id":4}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(hr.messages) != 2 || len(chat.messages) != 1 {
		t.Fatalf("unexpected routing hr=%d chat=%d", len(hr.messages), len(chat.messages))
	}

	q, err := x.Queue("hr", 30*time.Second)
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	d, err := q.Receive(ctx)
	if err != nil || d == nil {
		t.Fatalf("receive: %v %v", d, err)
	}
	if d.Message.RoutingKey != "employee.update" || d.Message.Body != `{"id":3}` {
		t.Fatalf("unexpected message %+v", d.Message)
	}
	if hr.lastVis == nil || *hr.lastVis != 30 {
		t.Fatalf("expected visibility timeout of 30s")
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if len(hr.deleted) != 1 || hr.deleted[0] != "1/r1" {
		t.Fatalf("unexpected deletes %v", hr.deleted)
	}
}

func TestPublishContinuesPastFailedQueue(t *testing.T) {
	ctx := context.Background()
	a, b := &fakeQueue{failNext: true}, &fakeQueue{}
	x, err := newExchange(map[string]queueClient{"a": a, "b": b}, map[string][]string{"a": {"#"}, "b": {"#"}})
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	if err := x.Publish(ctx, "employee.create", []byte("{}")); err == nil {
		t.Fatalf("expected error from queue a")
	}
	if len(b.messages) != 1 {
		t.Fatalf("queue b should still receive the message")
	}
}

func TestUnknownQueue(t *testing.T) {
	x, err := newExchange(map[string]queueClient{}, nil)
	if err != nil {
		t.Fatalf("new exchange: %v", err)
	}
	if err := x.Bind(context.Background(), "missing", "#"); err == nil {
		t.Fatalf("expected bind error")
	}
	if _, err := x.Queue("missing", 0); err == nil {
		t.Fatalf("expected queue error")
	}
}

func TestEmptyQueueReturnsNil(t *testing.T) {
	x, _ := newExchange(map[string]queueClient{"hr": &fakeQueue{}}, map[string][]string{"hr": {"#"}})
	q, _ := x.Queue("hr", 0)
	d, err := q.Receive(context.Background())
	if err != nil || d != nil {
		t.Fatalf("expected nil delivery, got %v %v", d, err)
	}
}
