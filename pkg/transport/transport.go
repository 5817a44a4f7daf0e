package transport

import (
	"context"
	"errors"
	"time"

	"ridechat/internal/models"
	"ridechat/pkg/stream"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	ErrNotConnected   = errors.New("transport: not connected")
	ErrNotJoined      = errors.New("transport: room not joined")
	ErrDeliveryFailed = errors.New("transport: delivery failed")
)

type EventType string

const (
	// EventMessage carries a remotely authored message for a joined room.
	EventMessage EventType = "message"
	// EventDeliveryAck reports that a message this client sent reached the
	// remote participant.
	EventDeliveryAck EventType = "delivery_ack"
	// EventReadReceipt reports that the remote participant read a message
	// this client sent.
	EventReadReceipt EventType = "read_receipt"
	// EventTyping carries a remote participant's typing flag.
	EventTyping EventType = "typing"
	// EventPresence carries a remote participant's presence change.
	EventPresence EventType = "presence"
)

// Event is one remote occurrence pushed by the messaging backend. Events
// are order-preserving per room.
type Event struct {
	Type      EventType
	RoomID    primitive.ObjectID
	MessageID primitive.ObjectID
	Message   *models.Message
	UserID    primitive.ObjectID
	IsTyping  bool
	Presence  models.PresenceStatus
	At        time.Time
}

// Transport is the bidirectional channel to the remote messaging backend.
// Connect and Disconnect are idempotent; Disconnect releases all room
// subscriptions. A successful Send means the transport accepted the
// attempt, not that the remote side received it; delivery and read
// confirmations arrive later as events.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error

	// JoinRoom subscribes to a room's event flow. Joining an already
	// joined room is a no-op. Fails with ErrNotConnected while the link
	// is down.
	JoinRoom(ctx context.Context, roomID primitive.ObjectID) error
	LeaveRoom(ctx context.Context, roomID primitive.ObjectID) error

	// Send pushes a message to the backend. Fails with ErrNotConnected or
	// ErrNotJoined preconditions, or ErrDeliveryFailed if the link drops
	// mid-send.
	Send(ctx context.Context, message *models.Message) error

	// SendTypingStatus and SendReadReceipt are best-effort; callers treat
	// failures as non-fatal.
	SendTypingStatus(ctx context.Context, roomID, userID primitive.ObjectID, isTyping bool) error
	SendReadReceipt(ctx context.Context, messageID primitive.ObjectID) error

	// ConnectionStates is the continuously updated link state, replayed to
	// late subscribers.
	ConnectionStates() *stream.Value[models.ConnectionState]

	// Events is the merged stream of remote message and presence events.
	// Closed when the transport shuts down for good.
	Events() <-chan Event
}

// ReconnectPolicy bounds the automatic recovery cycle. Zero MaxAttempts
// means recovery is abandoned immediately on link loss. FailureProbability
// is the chance each attempt fails; the simulated transport rolls it from
// its seeded source, real transports ignore it.
type ReconnectPolicy struct {
	MaxAttempts        int
	Delay              time.Duration
	FailureProbability float64
}
