package stream

import (
	"testing"
	"time"
)

func recv[T any](t *testing.T, sub *Subscription[T]) T {
	t.Helper()
	select {
	case v, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestBroadcastFanOut(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()

	b.Publish(7)

	if got := recv(t, first); got != 7 {
		t.Errorf("first subscriber got %d, want 7", got)
	}
	if got := recv(t, second); got != 7 {
		t.Errorf("second subscriber got %d, want 7", got)
	}
}

func TestBroadcastPreservesOrder(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	sub := b.Subscribe()
	for i := 0; i < 10; i++ {
		b.Publish(i)
	}

	for i := 0; i < 10; i++ {
		if got := recv(t, sub); got != i {
			t.Fatalf("got %d at position %d", got, i)
		}
	}
}

func TestBroadcastDropsWhenSubscriberStalls(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	sub := b.Subscribe()

	// Overfill the subscriber buffer without draining. Publish must not
	// block and the overflow must be dropped, not queued.
	for i := 0; i < defaultBuffer+10; i++ {
		b.Publish(i)
	}

	count := 0
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				t.Fatal("subscription closed unexpectedly")
			}
			count++
		default:
			if count != defaultBuffer {
				t.Errorf("buffered %d values, want %d", count, defaultBuffer)
			}
			return
		}
	}
}

func TestBroadcastCancelClosesChannel(t *testing.T) {
	b := NewBroadcast[int]()
	defer b.Close()

	sub := b.Subscribe()
	sub.Cancel()
	sub.Cancel()

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after cancel")
	}

	// A cancelled subscriber must not receive later publishes.
	b.Publish(1)
}

func TestBroadcastPublishAfterClose(t *testing.T) {
	b := NewBroadcast[int]()
	sub := b.Subscribe()
	b.Close()

	b.Publish(1)

	if _, ok := <-sub.C; ok {
		t.Error("expected closed channel after stream close")
	}
}

func TestValueReplaysLatestToLateSubscriber(t *testing.T) {
	v := NewValue[string]()
	defer v.Close()

	v.Set("first")
	v.Set("second")

	sub := v.Subscribe()
	if got := recv(t, sub); got != "second" {
		t.Errorf("late subscriber got %q, want %q", got, "second")
	}

	v.Set("third")
	if got := recv(t, sub); got != "third" {
		t.Errorf("got %q after update, want %q", got, "third")
	}
}

func TestValueGet(t *testing.T) {
	v := NewValue[int]()
	defer v.Close()

	if _, ok := v.Get(); ok {
		t.Error("Get reported a value before any Set")
	}

	v.Set(42)
	got, ok := v.Get()
	if !ok || got != 42 {
		t.Errorf("Get() = %d, %v, want 42, true", got, ok)
	}
}

func TestValueFromSeedsInitial(t *testing.T) {
	v := NewValueFrom(9)
	defer v.Close()

	sub := v.Subscribe()
	if got := recv(t, sub); got != 9 {
		t.Errorf("got %d, want seeded 9", got)
	}
}

func TestValueSubscribeBeforeSet(t *testing.T) {
	v := NewValue[int]()
	defer v.Close()

	sub := v.Subscribe()

	select {
	case got := <-sub.C:
		t.Fatalf("received %d before any Set", got)
	case <-time.After(10 * time.Millisecond):
	}

	v.Set(5)
	if got := recv(t, sub); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
}
