package queue

import (
	"context"
	"testing"
	"time"
)

func TestInMemory_RoundTrip(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sent := Message{
		Type:       "event",
		AttemptID:  "attempt-1",
		EmployeeID: "1001",
		KioskID:    "kiosk-1",
		Action:     "clock_in",
		Score:      0.9,
		Timestamp:  time.Now().UTC(),
	}
	if err := q.Publish(ctx, sent); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}

	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}
	select {
	case got := <-msgs:
		if got.AttemptID != sent.AttemptID || got.Action != sent.Action {
			t.Errorf("consumed %+v; want %+v", got, sent)
		}
	case <-time.After(time.Second):
		t.Fatal("no message consumed")
	}
}

// A consumer that stops reading must not strand the delivery goroutine:
// cancelling the context has to unblock the pending send and close the
// channel.
func TestInMemory_ConsumeUnblocksOnCancel(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	if err := q.Publish(context.Background(), Message{EmployeeID: "1001"}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatalf("Consume returned error: %v", err)
	}

	// Let the delivery goroutine pick the message and block on the
	// unread channel, then cancel.
	time.Sleep(20 * time.Millisecond)
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-msgs:
			if !ok {
				return // channel closed, goroutine exited
			}
		case <-deadline:
			t.Fatal("consume channel not closed after cancel")
		}
	}
}

func TestInMemory_PublishHonorsCancellation(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())

	// Fill the buffer, then a cancelled publish must not block.
	if err := q.Publish(ctx, Message{EmployeeID: "1001"}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	cancel()
	if err := q.Publish(ctx, Message{EmployeeID: "2002"}); err == nil {
		t.Fatal("Publish on cancelled context succeeded")
	}
}
