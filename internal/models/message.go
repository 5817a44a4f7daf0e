package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type MessageType string
type MessageStatus string
type SystemEventType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeLocation MessageType = "location"
	MessageTypeSystem   MessageType = "system"

	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"

	SystemEventRideStarted   SystemEventType = "ride_started"
	SystemEventRideCompleted SystemEventType = "ride_completed"
	SystemEventDriverArrived SystemEventType = "driver_arrived"
)

// SystemSenderID is the reserved sender for locally synthesized system
// messages (ride events rendered inline in the conversation).
var SystemSenderID = primitive.NilObjectID

type Message struct {
	ID        primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	RoomID    primitive.ObjectID `json:"room_id" bson:"room_id" validate:"required"`
	SenderID  primitive.ObjectID `json:"sender_id" bson:"sender_id"`
	Type      MessageType        `json:"type" bson:"type" default:"text"`
	Status    MessageStatus      `json:"status" bson:"status" default:"pending"`
	Content   string             `json:"content" bson:"content"`
	Metadata  *MessageMetadata   `json:"metadata" bson:"metadata"`
	CreatedAt time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time          `json:"updated_at" bson:"updated_at"`
}

type MessageMetadata struct {
	Location   *Location         `json:"location,omitempty" bson:"location,omitempty"`
	SystemType SystemEventType   `json:"system_type,omitempty" bson:"system_type,omitempty"`
	ActionData map[string]string `json:"action_data,omitempty" bson:"action_data,omitempty"`
}

func (m *Message) IsSystem() bool {
	return m.Type == MessageTypeSystem
}

func (m *Message) IsTerminal() bool {
	return m.Status == MessageStatusRead || m.Status == MessageStatusFailed
}

// statusRank orders the delivery lifecycle. FAILED sits outside the
// progression and is handled separately.
var statusRank = map[MessageStatus]int{
	MessageStatusPending:   0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// CanTransitionTo reports whether moving the message to next respects the
// monotonic lifecycle: PENDING -> SENT -> DELIVERED -> READ, with FAILED
// reachable only from PENDING or SENT. Later statuses never regress, so a
// READ receipt that outruns its DELIVERED ack is still accepted.
func (m *Message) CanTransitionTo(next MessageStatus) bool {
	if m.Status == next {
		return false
	}
	if next == MessageStatusFailed {
		return m.Status == MessageStatusPending || m.Status == MessageStatusSent
	}
	if m.Status == MessageStatusFailed {
		return false
	}
	cur, ok := statusRank[m.Status]
	if !ok {
		return false
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}
