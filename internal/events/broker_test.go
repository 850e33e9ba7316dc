package events

import (
	"fmt"
	"testing"
	"time"

	"interlock/internal/domain"
)

func change(owner string, id int64) domain.Change {
	return domain.Change{
		ID:         id,
		OwnerID:    owner,
		EntityKind: "task",
		EntityID:   fmt.Sprintf("tsk_%d", id),
		ChangeType: "updated",
	}
}

func recv(t *testing.T, ch <-chan domain.Change) domain.Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
		return domain.Change{}
	}
}

func TestBrokerFanOutPerOwner(t *testing.T) {
	b := NewBroker()
	chA1, cancelA1 := b.Subscribe("own_a")
	chA2, cancelA2 := b.Subscribe("own_a")
	chB, cancelB := b.Subscribe("own_b")
	defer cancelA1()
	defer cancelA2()
	defer cancelB()

	b.Publish(change("own_a", 1))
	if got := recv(t, chA1); got.ID != 1 {
		t.Fatalf("sub 1 got id %d", got.ID)
	}
	if got := recv(t, chA2); got.ID != 1 {
		t.Fatalf("sub 2 got id %d", got.ID)
	}
	select {
	case c := <-chB:
		t.Fatalf("owner b received foreign change %+v", c)
	default:
	}
}

func TestBrokerLaggedMarker(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("own_a")
	defer cancel()

	// Overflow the buffer without draining. The oldest pending change is
	// replaced by a single gap marker.
	for i := 1; i <= subscriberBuffer+5; i++ {
		b.Publish(change("own_a", int64(i)))
	}

	first := recv(t, ch)
	if first.ID != 2 {
		t.Fatalf("first delivered id = %d, want 2 (oldest dropped)", first.ID)
	}
	var sawLagged bool
	for i := 0; i < subscriberBuffer-1; i++ {
		c := recv(t, ch)
		if c.ChangeType == Lagged.ChangeType {
			sawLagged = true
			break
		}
	}
	if !sawLagged {
		t.Fatal("expected a lagged marker after overflow")
	}
	select {
	case c := <-ch:
		t.Fatalf("unexpected extra change after marker: %+v", c)
	default:
	}

	// Once drained, delivery resumes normally.
	b.Publish(change("own_a", 100))
	if got := recv(t, ch); got.ID != 100 {
		t.Fatalf("post-drain id = %d, want 100", got.ID)
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("own_a")
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("channel still open after cancel")
	}
	// Publishing to a cancelled subscription must not panic.
	b.Publish(change("own_a", 1))
	cancel()
}
