package interfaces

import (
	"context"

	"ridechat/internal/models"
	"ridechat/internal/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ChatRepository is the durable store behind the chat orchestrator. The
// orchestrator owns all in-memory room state; this interface is the only
// path to persistence. Implementations: mongodb (production), memory
// (tests and demo mode).
type ChatRepository interface {
	// Room operations
	CreateRoom(ctx context.Context, room *models.ChatRoom) error
	GetRoom(ctx context.Context, id primitive.ObjectID) (*models.ChatRoom, error)
	GetRoomByBookingID(ctx context.Context, bookingID primitive.ObjectID) (*models.ChatRoom, error)
	GetRoomsByUser(ctx context.Context, userID primitive.ObjectID, params *utils.PaginationParams) ([]*models.ChatRoom, int64, error)
	UpdateRoom(ctx context.Context, id primitive.ObjectID, updates map[string]interface{}) error
	ArchiveRoom(ctx context.Context, id primitive.ObjectID) error
	IncrementUnread(ctx context.Context, roomID primitive.ObjectID) error
	ResetUnread(ctx context.Context, roomID primitive.ObjectID) error
	UpdateLastMessage(ctx context.Context, roomID primitive.ObjectID, preview *models.MessagePreview) error

	// Message operations
	CreateMessage(ctx context.Context, message *models.Message) error
	GetMessage(ctx context.Context, id primitive.ObjectID) (*models.Message, error)
	GetMessages(ctx context.Context, roomID primitive.ObjectID, params *utils.PaginationParams) ([]*models.Message, int64, error)
	UpdateMessageStatus(ctx context.Context, id primitive.ObjectID, status models.MessageStatus) error
	DeleteMessagesByRoom(ctx context.Context, roomID primitive.ObjectID) error

	// Participant operations
	CreateParticipant(ctx context.Context, participant *models.ChatParticipant) error
	GetParticipants(ctx context.Context, roomID primitive.ObjectID) ([]*models.ChatParticipant, error)
	UpdateParticipant(ctx context.Context, roomID, userID primitive.ObjectID, updates map[string]interface{}) error
	DeleteParticipantsByRoom(ctx context.Context, roomID primitive.ObjectID) error
}
