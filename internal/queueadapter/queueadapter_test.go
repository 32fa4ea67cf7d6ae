package queueadapter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbuscloud/browser-launcher/internal/model"
)

type fakeQueue struct {
	mu         sync.Mutex
	messages   []Message
	deleted    []string
	visibility map[string]int
}

func newFakeQueue(messages ...Message) *fakeQueue {
	return &fakeQueue{messages: messages, visibility: map[string]int{}}
}

func (q *fakeQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.messages) == 0 {
		return nil, nil
	}
	n := maxMessages
	if n > len(q.messages) {
		n = len(q.messages)
	}
	out := q.messages[:n]
	q.messages = q.messages[n:]
	return out, nil
}

func (q *fakeQueue) Delete(ctx context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.visibility[receiptHandle] = seconds
	return nil
}

func body(t *testing.T, req model.Request) []byte {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	return b
}

func TestDispatcherDeletesOnCompleted(t *testing.T) {
	queue := newFakeQueue(Message{ID: "1", ReceiptHandle: "rh-1", Body: body(t, model.Request{ID: "1"})})
	handler := func(ctx context.Context, req model.Request) (model.Response, Outcome) {
		return model.Response{Status: model.StatusCompleted}, OutcomeCompleted
	}
	d := New(queue, handler, 4, func() int { return 4 })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	assert.Contains(t, queue.deleted, "rh-1")
}

func TestDispatcherDelaysOnSlotFull(t *testing.T) {
	queue := newFakeQueue(Message{ID: "1", ReceiptHandle: "rh-1", Body: body(t, model.Request{ID: "1"})})
	handler := func(ctx context.Context, req model.Request) (model.Response, Outcome) {
		return model.Response{Status: model.StatusSlotFull}, OutcomeSlotFull
	}
	d := New(queue, handler, 4, func() int { return 4 })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	assert.Equal(t, slotFullDelaySeconds, queue.visibility["rh-1"])
	assert.Empty(t, queue.deleted)
}

func TestDispatcherDeletesPoisonMessage(t *testing.T) {
	queue := newFakeQueue(Message{ID: "1", ReceiptHandle: "rh-1", Body: []byte("not json")})
	handler := func(ctx context.Context, req model.Request) (model.Response, Outcome) {
		t.Fatal("handler should not be called for a poison message")
		return model.Response{}, OutcomeCompleted
	}
	d := New(queue, handler, 4, func() int { return 4 })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	assert.Contains(t, queue.deleted, "rh-1")
}

func TestDispatcherSkipsPollWhenNoSlots(t *testing.T) {
	queue := newFakeQueue(Message{ID: "1", ReceiptHandle: "rh-1", Body: body(t, model.Request{ID: "1"})})
	handler := func(ctx context.Context, req model.Request) (model.Response, Outcome) {
		t.Fatal("handler should not be called when there are no available slots")
		return model.Response{}, OutcomeCompleted
	}
	d := New(queue, handler, 4, func() int { return 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = d.Run(ctx)

	assert.Empty(t, queue.deleted)
}
