package queue_test

import (
	"context"
	"testing"
	"time"

	"gymtrack/internal/queue"
)

func TestInMemoryPublishConsume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := queue.NewInMemory(4)
	msgs, err := q.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := queue.NewMessage(queue.TypeMemberChanged, "m-1", "checkin")
	if err := q.Publish(ctx, want); err != nil {
		t.Fatal(err)
	}

	select {
	case got := <-msgs:
		if got.ID != want.ID || got.MemberID != "m-1" || got.Type != queue.TypeMemberChanged {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	select {
	case _, ok := <-msgs:
		if ok {
			t.Fatal("expected channel to close after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}

func TestPublishRespectsContext(t *testing.T) {
	q := queue.NewInMemory(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, queue.NewMessage(queue.TypePaymentsReset, "", "cron")); err == nil {
		t.Fatal("expected publish on a full queue to fail when ctx expires")
	}
}

func TestEncodeDecode(t *testing.T) {
	msg := queue.NewMessage(queue.TypeMemberDeleted, "m-9", "admin")
	raw, err := queue.Encode(msg)
	if err != nil {
		t.Fatal(err)
	}
	got, err := queue.Decode(raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != msg.ID || got.Type != msg.Type || !got.At.Equal(msg.At) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
	if _, err := queue.Decode(`{"member_id":"x"}`); err == nil {
		t.Fatal("expected error for message without type")
	}
	if _, err := queue.Decode("checkin|abc"); err == nil {
		t.Fatal("expected error for non-JSON payload")
	}
}

func TestMessageIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := queue.NewMessage(queue.TypeMemberChanged, "m", "").ID
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
