package stream

import (
	"sync"
)

const defaultBuffer = 64

// Subscription is one consumer's handle on a stream. Values arrive on C.
// Cancel is idempotent and closes C.
type Subscription[T any] struct {
	C      <-chan T
	cancel func()
	once   sync.Once
}

func (s *Subscription[T]) Cancel() {
	s.once.Do(s.cancel)
}

// Broadcast fans values out to every subscriber in publish order. A
// subscriber that stops draining its channel has values dropped once its
// buffer fills; the stream never blocks the publisher.
type Broadcast[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	buffer int
	closed bool
}

func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{
		subs:   make(map[int]chan T),
		buffer: defaultBuffer,
	}
}

// subscribeLocked registers a new subscriber channel. Caller holds b.mu.
func (b *Broadcast[T]) subscribeLocked() (*Subscription[T], chan T) {
	ch := make(chan T, b.buffer)
	if b.closed {
		close(ch)
		return &Subscription[T]{C: ch, cancel: func() {}}, nil
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return &Subscription[T]{
		C:      ch,
		cancel: func() { b.unsubscribe(id) },
	}, ch
}

func (b *Broadcast[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, _ := b.subscribeLocked()
	return sub
}

func (b *Broadcast[T]) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Broadcast[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

func (b *Broadcast[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// Value is a Broadcast with a cached current value. New subscribers receive
// the latest value immediately, so a late subscriber never misses the
// current state.
type Value[T any] struct {
	b   *Broadcast[T]
	cur T
	set bool
}

func NewValue[T any]() *Value[T] {
	return &Value[T]{b: NewBroadcast[T]()}
}

// NewValueFrom seeds the stream with an initial value.
func NewValueFrom[T any](initial T) *Value[T] {
	v := NewValue[T]()
	v.Set(initial)
	return v
}

// Set caches val and publishes it to all subscribers.
func (v *Value[T]) Set(val T) {
	v.b.mu.Lock()
	v.cur = val
	v.set = true
	if v.b.closed {
		v.b.mu.Unlock()
		return
	}
	for _, ch := range v.b.subs {
		select {
		case ch <- val:
		default:
		}
	}
	v.b.mu.Unlock()
}

// Get returns the current value and whether one has ever been set.
func (v *Value[T]) Get() (T, bool) {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()
	return v.cur, v.set
}

// Subscribe registers a consumer and replays the current value, if any,
// before any later Set is delivered.
func (v *Value[T]) Subscribe() *Subscription[T] {
	v.b.mu.Lock()
	defer v.b.mu.Unlock()

	sub, ch := v.b.subscribeLocked()
	if ch != nil && v.set {
		// The channel is freshly created, its buffer cannot be full.
		ch <- v.cur
	}
	return sub
}

func (v *Value[T]) Close() {
	v.b.Close()
}
