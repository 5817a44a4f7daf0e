package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"ridechat/internal/models"
	"ridechat/pkg/stream"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// SimulatedConfig controls the impairment model. All randomness flows
// through a single seeded source, so a fixed Seed makes a run fully
// deterministic.
type SimulatedConfig struct {
	LatencyMin            time.Duration
	LatencyMax            time.Duration
	LossProbability       float64 // evaluated once per Send
	DisconnectProbability float64 // evaluated on each health-check tick
	HealthCheckInterval   time.Duration
	Reconnect             ReconnectPolicy
	DeliveryAcks          bool // emit a delivery ack for each accepted send
	ReadAcks              bool // follow each delivery ack with a read receipt
	Seed                  int64
}

func DefaultSimulatedConfig() SimulatedConfig {
	return SimulatedConfig{
		LatencyMin:          5 * time.Millisecond,
		LatencyMax:          20 * time.Millisecond,
		HealthCheckInterval: 50 * time.Millisecond,
		Reconnect:           ReconnectPolicy{MaxAttempts: 5, Delay: 20 * time.Millisecond},
		DeliveryAcks:        true,
		Seed:                1,
	}
}

// SimulatedTransport is an in-process Transport with deterministic fault
// injection: configurable latency, per-send loss, and random disconnects
// evaluated on a health-check interval. It stands in for the real backend
// link when exercising the orchestrator's recovery logic.
type SimulatedTransport struct {
	cfg    SimulatedConfig
	states *stream.Value[models.ConnectionState]
	events chan Event

	mu         sync.Mutex
	rng        *rand.Rand
	joined     map[primitive.ObjectID]bool
	connected  bool
	closed     bool
	healthStop chan struct{}
	epoch      int
}

func NewSimulatedTransport(cfg SimulatedConfig) *SimulatedTransport {
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMax = cfg.LatencyMin
	}
	return &SimulatedTransport{
		cfg: cfg,
		states: stream.NewValueFrom(models.ConnectionState{
			Status:    models.ConnectionStatusDisconnected,
			ChangedAt: time.Now(),
		}),
		events: make(chan Event, 256),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		joined: make(map[primitive.ObjectID]bool),
	}
}

func (t *SimulatedTransport) ConnectionStates() *stream.Value[models.ConnectionState] {
	return t.states
}

func (t *SimulatedTransport) Events() <-chan Event {
	return t.events
}

func (t *SimulatedTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.setState(models.ConnectionStatusConnecting, "")
	if err := t.sleep(ctx, t.latency()); err != nil {
		t.setState(models.ConnectionStatusDisconnected, err.Error())
		return err
	}

	t.mu.Lock()
	t.connected = true
	t.epoch++
	stop := make(chan struct{})
	t.healthStop = stop
	t.mu.Unlock()

	t.setState(models.ConnectionStatusConnected, "")
	go t.healthLoop(stop)
	return nil
}

func (t *SimulatedTransport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.joined = make(map[primitive.ObjectID]bool)
	if t.healthStop != nil {
		close(t.healthStop)
		t.healthStop = nil
	}
	t.mu.Unlock()

	t.setState(models.ConnectionStatusDisconnected, "")
	return nil
}

// Close shuts the transport down permanently and closes the event stream.
func (t *SimulatedTransport) Close() {
	t.Disconnect(context.Background())

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.events)
	t.states.Close()
}

func (t *SimulatedTransport) JoinRoom(ctx context.Context, roomID primitive.ObjectID) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.joined[roomID] {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	if err := t.sleep(ctx, t.latency()); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	t.joined[roomID] = true
	return nil
}

func (t *SimulatedTransport) LeaveRoom(ctx context.Context, roomID primitive.ObjectID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	delete(t.joined, roomID)
	return nil
}

func (t *SimulatedTransport) Send(ctx context.Context, message *models.Message) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if !t.joined[message.RoomID] {
		t.mu.Unlock()
		return ErrNotJoined
	}
	epoch := t.epoch
	lost := t.rng.Float64() < t.cfg.LossProbability
	t.mu.Unlock()

	if err := t.sleep(ctx, t.latency()); err != nil {
		return err
	}

	t.mu.Lock()
	// The link dropped while the frame was in flight.
	if !t.connected || t.epoch != epoch {
		t.mu.Unlock()
		return ErrDeliveryFailed
	}
	t.mu.Unlock()

	if lost {
		return ErrDeliveryFailed
	}

	if t.cfg.DeliveryAcks {
		go t.ackLater(message.RoomID, message.ID)
	}
	return nil
}

// ackLater emits a delivery ack (and optionally a read receipt) after one
// more latency interval, simulating the remote participant's device.
func (t *SimulatedTransport) ackLater(roomID, messageID primitive.ObjectID) {
	time.Sleep(t.latency())
	t.emit(Event{
		Type:      EventDeliveryAck,
		RoomID:    roomID,
		MessageID: messageID,
		At:        time.Now(),
	})
	if t.cfg.ReadAcks {
		time.Sleep(t.latency())
		t.emit(Event{
			Type:      EventReadReceipt,
			RoomID:    roomID,
			MessageID: messageID,
			At:        time.Now(),
		})
	}
}

func (t *SimulatedTransport) SendTypingStatus(ctx context.Context, roomID, userID primitive.ObjectID, isTyping bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	if !t.joined[roomID] {
		return ErrNotJoined
	}
	return nil
}

func (t *SimulatedTransport) SendReadReceipt(ctx context.Context, messageID primitive.ObjectID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

// healthLoop rolls the disconnect probability on a fixed interval while the
// link is up.
func (t *SimulatedTransport) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(t.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			if !t.connected {
				t.mu.Unlock()
				return
			}
			hit := t.rng.Float64() < t.cfg.DisconnectProbability
			t.mu.Unlock()

			if hit {
				t.dropLink("simulated link loss")
				return
			}
		}
	}
}

// ForceDisconnect severs the link immediately and starts the recovery
// cycle. Used by tests that need a deterministic disconnect.
func (t *SimulatedTransport) ForceDisconnect() {
	t.dropLink("forced disconnect")
}

// dropLink clears room subscriptions, enters RECONNECTING, and attempts
// recovery under the configured policy. With no attempts left the link
// settles at DISCONNECTED.
func (t *SimulatedTransport) dropLink(reason string) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.joined = make(map[primitive.ObjectID]bool)
	if t.healthStop != nil {
		close(t.healthStop)
		t.healthStop = nil
	}
	t.mu.Unlock()

	t.setState(models.ConnectionStatusReconnecting, reason)

	for attempt := 1; attempt <= t.cfg.Reconnect.MaxAttempts; attempt++ {
		time.Sleep(t.cfg.Reconnect.Delay)

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		if t.rng.Float64() < t.cfg.Reconnect.FailureProbability {
			t.mu.Unlock()
			continue
		}
		t.connected = true
		t.epoch++
		stop := make(chan struct{})
		t.healthStop = stop
		t.mu.Unlock()

		t.setState(models.ConnectionStatusConnected, "")
		go t.healthLoop(stop)
		return
	}

	t.setState(models.ConnectionStatusDisconnected, fmt.Sprintf("recovery abandoned: %s", reason))
}

// InjectMessage delivers a remotely authored message, as the backend would
// push it for a joined room.
func (t *SimulatedTransport) InjectMessage(message *models.Message) bool {
	t.mu.Lock()
	ok := t.connected && t.joined[message.RoomID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	t.emit(Event{
		Type:    EventMessage,
		RoomID:  message.RoomID,
		Message: message,
		At:      time.Now(),
	})
	return true
}

// InjectTyping delivers a remote participant's typing flag.
func (t *SimulatedTransport) InjectTyping(roomID, userID primitive.ObjectID, isTyping bool) bool {
	t.mu.Lock()
	ok := t.connected && t.joined[roomID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	t.emit(Event{
		Type:     EventTyping,
		RoomID:   roomID,
		UserID:   userID,
		IsTyping: isTyping,
		At:       time.Now(),
	})
	return true
}

// InjectPresence delivers a remote participant's presence change.
func (t *SimulatedTransport) InjectPresence(roomID, userID primitive.ObjectID, presence models.PresenceStatus) bool {
	t.mu.Lock()
	ok := t.connected && t.joined[roomID]
	t.mu.Unlock()
	if !ok {
		return false
	}

	t.emit(Event{
		Type:     EventPresence,
		RoomID:   roomID,
		UserID:   userID,
		Presence: presence,
		At:       time.Now(),
	})
	return true
}

// Joined reports transport-level room membership. Test helper.
func (t *SimulatedTransport) Joined(roomID primitive.ObjectID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joined[roomID]
}

func (t *SimulatedTransport) emit(ev Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	select {
	case t.events <- ev:
	default:
	}
}

func (t *SimulatedTransport) setState(status models.ConnectionStatus, lastError string) {
	t.states.Set(models.ConnectionState{
		Status:    status,
		LastError: lastError,
		ChangedAt: time.Now(),
	})
}

// SetLatencyWindow adjusts the simulated latency range on a live link.
// Tests use it to degrade an established connection.
func (t *SimulatedTransport) SetLatencyWindow(min, max time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.LatencyMin = min
	t.cfg.LatencyMax = max
}

func (t *SimulatedTransport) latency() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cfg.LatencyMax <= t.cfg.LatencyMin {
		return t.cfg.LatencyMin
	}
	spread := t.cfg.LatencyMax - t.cfg.LatencyMin
	return t.cfg.LatencyMin + time.Duration(t.rng.Int63n(int64(spread)))
}

func (t *SimulatedTransport) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
