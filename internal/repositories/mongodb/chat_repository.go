package mongodb

import (
	"context"
	"fmt"
	"time"

	"ridechat/internal/models"
	"ridechat/internal/repositories/interfaces"
	"ridechat/internal/utils"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const roomCacheTTL = 30 * time.Minute

type chatRepository struct {
	roomsCollection        *mongo.Collection
	messagesCollection     *mongo.Collection
	participantsCollection *mongo.Collection
	cache                  interfaces.Cache
}

func NewChatRepository(db *mongo.Database, cache interfaces.Cache) interfaces.ChatRepository {
	return &chatRepository{
		roomsCollection:        db.Collection("chat_rooms"),
		messagesCollection:     db.Collection("chat_messages"),
		participantsCollection: db.Collection("chat_participants"),
		cache:                  cache,
	}
}

// Room operations

func (r *chatRepository) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	if room.ID.IsZero() {
		room.ID = primitive.NewObjectID()
	}
	room.CreatedAt = time.Now()
	room.UpdatedAt = time.Now()

	_, err := r.roomsCollection.InsertOne(ctx, room)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}

	r.cacheRoom(ctx, room)
	return nil
}

func (r *chatRepository) GetRoom(ctx context.Context, id primitive.ObjectID) (*models.ChatRoom, error) {
	if room := r.roomFromCache(ctx, utils.CacheRoomPrefix+id.Hex()); room != nil {
		return room, nil
	}

	var room models.ChatRoom
	err := r.roomsCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&room)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("room not found")
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	r.cacheRoom(ctx, &room)
	return &room, nil
}

func (r *chatRepository) GetRoomByBookingID(ctx context.Context, bookingID primitive.ObjectID) (*models.ChatRoom, error) {
	if room := r.roomFromCache(ctx, utils.CacheBookingPrefix+bookingID.Hex()); room != nil {
		return room, nil
	}

	var room models.ChatRoom
	err := r.roomsCollection.FindOne(ctx, bson.M{"booking_id": bookingID}).Decode(&room)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("room not found for booking")
		}
		return nil, fmt.Errorf("failed to get room by booking ID: %w", err)
	}

	r.cacheRoom(ctx, &room)
	return &room, nil
}

func (r *chatRepository) GetRoomsByUser(ctx context.Context, userID primitive.ObjectID, params *utils.PaginationParams) ([]*models.ChatRoom, int64, error) {
	filter := bson.M{
		"$or": []bson.M{
			{"rider_id": userID},
			{"driver_id": userID},
		},
	}

	total, err := r.roomsCollection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count rooms: %w", err)
	}

	cursor, err := r.roomsCollection.Find(ctx, filter, params.GetSortOptions())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find rooms: %w", err)
	}
	defer cursor.Close(ctx)

	var rooms []*models.ChatRoom
	for cursor.Next(ctx) {
		var room models.ChatRoom
		if err := cursor.Decode(&room); err != nil {
			return nil, 0, fmt.Errorf("failed to decode room: %w", err)
		}
		rooms = append(rooms, &room)
	}

	return rooms, total, nil
}

func (r *chatRepository) UpdateRoom(ctx context.Context, id primitive.ObjectID, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()

	_, err := r.roomsCollection.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": updates},
	)
	if err != nil {
		return fmt.Errorf("failed to update room: %w", err)
	}

	r.invalidateRoomCache(ctx, id.Hex())
	return nil
}

func (r *chatRepository) ArchiveRoom(ctx context.Context, id primitive.ObjectID) error {
	updates := map[string]interface{}{
		"status":      models.RoomStatusArchived,
		"archived_at": time.Now(),
	}

	return r.UpdateRoom(ctx, id, updates)
}

func (r *chatRepository) IncrementUnread(ctx context.Context, roomID primitive.ObjectID) error {
	_, err := r.roomsCollection.UpdateOne(
		ctx,
		bson.M{"_id": roomID},
		bson.M{
			"$inc": bson.M{"unread_count": 1},
			"$set": bson.M{"updated_at": time.Now()},
		},
	)
	if err != nil {
		return fmt.Errorf("failed to increment unread count: %w", err)
	}

	r.invalidateRoomCache(ctx, roomID.Hex())
	return nil
}

func (r *chatRepository) ResetUnread(ctx context.Context, roomID primitive.ObjectID) error {
	return r.UpdateRoom(ctx, roomID, map[string]interface{}{"unread_count": 0})
}

func (r *chatRepository) UpdateLastMessage(ctx context.Context, roomID primitive.ObjectID, preview *models.MessagePreview) error {
	return r.UpdateRoom(ctx, roomID, map[string]interface{}{"last_message": preview})
}

// Message operations

func (r *chatRepository) CreateMessage(ctx context.Context, message *models.Message) error {
	if message.ID.IsZero() {
		message.ID = primitive.NewObjectID()
	}
	message.CreatedAt = time.Now()
	message.UpdatedAt = time.Now()

	_, err := r.messagesCollection.InsertOne(ctx, message)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	return nil
}

func (r *chatRepository) GetMessage(ctx context.Context, id primitive.ObjectID) (*models.Message, error) {
	var message models.Message
	err := r.messagesCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&message)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, fmt.Errorf("message not found")
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return &message, nil
}

func (r *chatRepository) GetMessages(ctx context.Context, roomID primitive.ObjectID, params *utils.PaginationParams) ([]*models.Message, int64, error) {
	filter := bson.M{"room_id": roomID}

	total, err := r.messagesCollection.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	cursor, err := r.messagesCollection.Find(ctx, filter, params.GetSortOptions())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []*models.Message
	for cursor.Next(ctx) {
		var message models.Message
		if err := cursor.Decode(&message); err != nil {
			return nil, 0, fmt.Errorf("failed to decode message: %w", err)
		}
		messages = append(messages, &message)
	}

	return messages, total, nil
}

func (r *chatRepository) UpdateMessageStatus(ctx context.Context, id primitive.ObjectID, status models.MessageStatus) error {
	_, err := r.messagesCollection.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"status":     status,
			"updated_at": time.Now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}

	return nil
}

func (r *chatRepository) DeleteMessagesByRoom(ctx context.Context, roomID primitive.ObjectID) error {
	_, err := r.messagesCollection.DeleteMany(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return fmt.Errorf("failed to delete room messages: %w", err)
	}

	return nil
}

// Participant operations

func (r *chatRepository) CreateParticipant(ctx context.Context, participant *models.ChatParticipant) error {
	if participant.ID.IsZero() {
		participant.ID = primitive.NewObjectID()
	}
	participant.LastSeenAt = time.Now()

	_, err := r.participantsCollection.InsertOne(ctx, participant)
	if err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}

	return nil
}

func (r *chatRepository) GetParticipants(ctx context.Context, roomID primitive.ObjectID) ([]*models.ChatParticipant, error) {
	cursor, err := r.participantsCollection.Find(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return nil, fmt.Errorf("failed to find participants: %w", err)
	}
	defer cursor.Close(ctx)

	var participants []*models.ChatParticipant
	for cursor.Next(ctx) {
		var participant models.ChatParticipant
		if err := cursor.Decode(&participant); err != nil {
			return nil, fmt.Errorf("failed to decode participant: %w", err)
		}
		participants = append(participants, &participant)
	}

	return participants, nil
}

func (r *chatRepository) UpdateParticipant(ctx context.Context, roomID, userID primitive.ObjectID, updates map[string]interface{}) error {
	_, err := r.participantsCollection.UpdateOne(
		ctx,
		bson.M{"room_id": roomID, "user_id": userID},
		bson.M{"$set": updates},
	)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}

	return nil
}

func (r *chatRepository) DeleteParticipantsByRoom(ctx context.Context, roomID primitive.ObjectID) error {
	_, err := r.participantsCollection.DeleteMany(ctx, bson.M{"room_id": roomID})
	if err != nil {
		return fmt.Errorf("failed to delete room participants: %w", err)
	}

	return nil
}

// Cache helpers

func (r *chatRepository) cacheRoom(ctx context.Context, room *models.ChatRoom) {
	if r.cache == nil {
		return
	}
	r.cache.Set(ctx, utils.CacheRoomPrefix+room.ID.Hex(), room, roomCacheTTL)
	r.cache.Set(ctx, utils.CacheBookingPrefix+room.BookingID.Hex(), room, roomCacheTTL)
}

func (r *chatRepository) roomFromCache(ctx context.Context, key string) *models.ChatRoom {
	if r.cache == nil {
		return nil
	}
	var room models.ChatRoom
	if err := r.cache.Get(ctx, key, &room); err != nil {
		return nil
	}
	return &room
}

func (r *chatRepository) invalidateRoomCache(ctx context.Context, roomID string) {
	if r.cache == nil {
		return
	}
	r.cache.Delete(ctx, utils.CacheRoomPrefix+roomID)
}

// EnsureIndexes creates the indexes the chat collections rely on: unique
// booking lookup, per-room message ordering, and the (room, user)
// participant key.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection("chat_rooms").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "booking_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create room index: %w", err)
	}

	_, err = db.Collection("chat_messages").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "room_id", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}

	_, err = db.Collection("chat_participants").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create participant index: %w", err)
	}

	return nil
}
