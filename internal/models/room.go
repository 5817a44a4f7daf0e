package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type RoomStatus string

const (
	RoomStatusActive   RoomStatus = "active"
	RoomStatusArchived RoomStatus = "archived"
)

// ChatRoom is the conversation between one rider and one driver for a
// single booking. Rooms are archived when the ride concludes, never deleted.
type ChatRoom struct {
	ID          primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	BookingID   primitive.ObjectID `json:"booking_id" bson:"booking_id" validate:"required"`
	RiderID     primitive.ObjectID `json:"rider_id" bson:"rider_id" validate:"required"`
	DriverID    primitive.ObjectID `json:"driver_id" bson:"driver_id" validate:"required"`
	Status      RoomStatus         `json:"status" bson:"status" default:"active"`
	LastMessage *MessagePreview    `json:"last_message" bson:"last_message"`
	UnreadCount int                `json:"unread_count" bson:"unread_count"`
	CreatedAt   time.Time          `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at" bson:"updated_at"`
	ArchivedAt  *time.Time         `json:"archived_at" bson:"archived_at"`
}

// MessagePreview is the denormalized last-message summary shown in room lists.
type MessagePreview struct {
	MessageID primitive.ObjectID `json:"message_id" bson:"message_id"`
	SenderID  primitive.ObjectID `json:"sender_id" bson:"sender_id"`
	Content   string             `json:"content" bson:"content"`
	SentAt    time.Time          `json:"sent_at" bson:"sent_at"`
}

func (r *ChatRoom) IsArchived() bool {
	return r.Status == RoomStatusArchived
}

// ParticipantIDs returns the two user ids bound to the room.
func (r *ChatRoom) ParticipantIDs() []primitive.ObjectID {
	return []primitive.ObjectID{r.RiderID, r.DriverID}
}
