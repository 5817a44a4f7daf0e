package chat

import (
	"sort"
	"sync"
	"time"

	"ridechat/pkg/stream"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// typingTracker owns the typing flags of one room. A flag set true without
// a refresh self-expires after the inactivity window, so a peer that
// disconnects mid-type never leaves a stuck indicator. Each (room, user)
// holds at most one flag; a new state supersedes the previous one.
type typingTracker struct {
	mu      sync.Mutex
	expiry  time.Duration
	flags   map[primitive.ObjectID]bool
	timers  map[primitive.ObjectID]*time.Timer
	users   *stream.Value[[]primitive.ObjectID]
	closed  bool
	onStale func(userID primitive.ObjectID)
}

func newTypingTracker(expiry time.Duration) *typingTracker {
	return &typingTracker{
		expiry: expiry,
		flags:  make(map[primitive.ObjectID]bool),
		timers: make(map[primitive.ObjectID]*time.Timer),
		users:  stream.NewValueFrom([]primitive.ObjectID{}),
	}
}

// set records the user's typing flag and (re)arms the expiry timer when
// the flag is true.
func (t *typingTracker) set(userID primitive.ObjectID, isTyping bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	if timer, ok := t.timers[userID]; ok {
		timer.Stop()
		delete(t.timers, userID)
	}

	if isTyping {
		t.flags[userID] = true
		t.timers[userID] = time.AfterFunc(t.expiry, func() {
			t.expire(userID)
		})
	} else {
		delete(t.flags, userID)
	}

	t.publishLocked()
}

// expire clears a flag that received no refresh within the window.
func (t *typingTracker) expire(userID primitive.ObjectID) {
	t.mu.Lock()
	if t.closed || !t.flags[userID] {
		t.mu.Unlock()
		return
	}
	delete(t.flags, userID)
	delete(t.timers, userID)
	onStale := t.onStale
	t.publishLocked()
	t.mu.Unlock()

	if onStale != nil {
		onStale(userID)
	}
}

func (t *typingTracker) isTyping(userID primitive.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flags[userID]
}

// Users returns the replayed stream of currently typing users.
func (t *typingTracker) Users() *stream.Value[[]primitive.ObjectID] {
	return t.users
}

func (t *typingTracker) publishLocked() {
	users := make([]primitive.ObjectID, 0, len(t.flags))
	for userID := range t.flags {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Hex() < users[j].Hex()
	})
	t.users.Set(users)
}

func (t *typingTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	for userID, timer := range t.timers {
		timer.Stop()
		delete(t.timers, userID)
	}
	t.users.Close()
}

// typingDebounce coalesces rapid local typing toggles: only the latest
// state within the window reaches the transport.
type typingDebounce struct {
	mu      sync.Mutex
	window  time.Duration
	pending map[debounceKey]*debounceEntry
	flush   func(roomID, userID primitive.ObjectID, isTyping bool)
}

type debounceKey struct {
	roomID primitive.ObjectID
	userID primitive.ObjectID
}

type debounceEntry struct {
	desired bool
	timer   *time.Timer
}

func newTypingDebounce(window time.Duration, flush func(roomID, userID primitive.ObjectID, isTyping bool)) *typingDebounce {
	return &typingDebounce{
		window:  window,
		pending: make(map[debounceKey]*debounceEntry),
		flush:   flush,
	}
}

// set records the desired state. The first toggle in a window arms the
// timer; later toggles only overwrite the desired state.
func (d *typingDebounce) set(roomID, userID primitive.ObjectID, isTyping bool) {
	key := debounceKey{roomID: roomID, userID: userID}

	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.pending[key]; ok {
		entry.desired = isTyping
		return
	}

	entry := &debounceEntry{desired: isTyping}
	entry.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		current, ok := d.pending[key]
		if !ok {
			d.mu.Unlock()
			return
		}
		desired := current.desired
		delete(d.pending, key)
		d.mu.Unlock()

		d.flush(roomID, userID, desired)
	})
	d.pending[key] = entry
}

func (d *typingDebounce) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, entry := range d.pending {
		entry.timer.Stop()
		delete(d.pending, key)
	}
}
