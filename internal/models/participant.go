package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type ParticipantRole string
type PresenceStatus string

const (
	ParticipantRoleRider  ParticipantRole = "rider"
	ParticipantRoleDriver ParticipantRole = "driver"

	PresenceStatusActive  PresenceStatus = "active"
	PresenceStatusAway    PresenceStatus = "away"
	PresenceStatusOffline PresenceStatus = "offline"
)

// ChatParticipant is one (room, user) membership row. It carries the
// volatile typing and presence fields mutated by both local intents and
// remote presence pushes. Participants share the room's lifecycle and are
// removed when the room is archived.
type ChatParticipant struct {
	ID         primitive.ObjectID `json:"id" bson:"_id,omitempty"`
	RoomID     primitive.ObjectID `json:"room_id" bson:"room_id" validate:"required"`
	UserID     primitive.ObjectID `json:"user_id" bson:"user_id" validate:"required"`
	Role       ParticipantRole    `json:"role" bson:"role" validate:"required"`
	IsTyping   bool               `json:"is_typing" bson:"is_typing"`
	Presence   PresenceStatus     `json:"presence" bson:"presence" default:"offline"`
	LastSeenAt time.Time          `json:"last_seen_at" bson:"last_seen_at"`
}
