package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"ridechat/internal/models"
	"ridechat/internal/repositories/interfaces"
	"ridechat/internal/utils"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// chatRepository is a map-backed ChatRepository for tests and demo mode.
// All methods copy on read so callers never alias stored records.
type chatRepository struct {
	mu           sync.RWMutex
	rooms        map[primitive.ObjectID]*models.ChatRoom
	byBooking    map[primitive.ObjectID]primitive.ObjectID
	messages     map[primitive.ObjectID]*models.Message
	byRoom       map[primitive.ObjectID][]primitive.ObjectID
	participants map[primitive.ObjectID][]*models.ChatParticipant

	// failInsertMessage makes CreateMessage fail, for exercising the
	// optimistic-write error path.
	failInsertMessage bool
}

func NewChatRepository() interfaces.ChatRepository {
	return &chatRepository{
		rooms:        make(map[primitive.ObjectID]*models.ChatRoom),
		byBooking:    make(map[primitive.ObjectID]primitive.ObjectID),
		messages:     make(map[primitive.ObjectID]*models.Message),
		byRoom:       make(map[primitive.ObjectID][]primitive.ObjectID),
		participants: make(map[primitive.ObjectID][]*models.ChatParticipant),
	}
}

// NewFailingChatRepository returns a repository whose CreateMessage always
// fails. Test helper.
func NewFailingChatRepository() interfaces.ChatRepository {
	r := NewChatRepository().(*chatRepository)
	r.failInsertMessage = true
	return r
}

// Room operations

func (r *chatRepository) CreateRoom(ctx context.Context, room *models.ChatRoom) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byBooking[room.BookingID]; exists {
		return fmt.Errorf("room already exists for booking %s", room.BookingID.Hex())
	}

	if room.ID.IsZero() {
		room.ID = primitive.NewObjectID()
	}
	room.CreatedAt = time.Now()
	room.UpdatedAt = time.Now()

	stored := *room
	r.rooms[room.ID] = &stored
	r.byBooking[room.BookingID] = room.ID
	return nil
}

func (r *chatRepository) GetRoom(ctx context.Context, id primitive.ObjectID) (*models.ChatRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room not found")
	}
	copied := *room
	return &copied, nil
}

func (r *chatRepository) GetRoomByBookingID(ctx context.Context, bookingID primitive.ObjectID) (*models.ChatRoom, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byBooking[bookingID]
	if !ok {
		return nil, fmt.Errorf("room not found for booking")
	}
	copied := *r.rooms[id]
	return &copied, nil
}

func (r *chatRepository) GetRoomsByUser(ctx context.Context, userID primitive.ObjectID, params *utils.PaginationParams) ([]*models.ChatRoom, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rooms []*models.ChatRoom
	for _, room := range r.rooms {
		if room.RiderID == userID || room.DriverID == userID {
			copied := *room
			rooms = append(rooms, &copied)
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
	})

	total := int64(len(rooms))
	rooms = paginate(rooms, params)
	return rooms, total, nil
}

func (r *chatRepository) UpdateRoom(ctx context.Context, id primitive.ObjectID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return fmt.Errorf("room not found")
	}

	for key, value := range updates {
		switch key {
		case "status":
			if s, ok := value.(models.RoomStatus); ok {
				room.Status = s
			}
		case "archived_at":
			if t, ok := value.(time.Time); ok {
				room.ArchivedAt = &t
			}
		case "unread_count":
			if n, ok := value.(int); ok {
				room.UnreadCount = n
			}
		case "last_message":
			if p, ok := value.(*models.MessagePreview); ok {
				room.LastMessage = p
			}
		}
	}
	room.UpdatedAt = time.Now()
	return nil
}

func (r *chatRepository) ArchiveRoom(ctx context.Context, id primitive.ObjectID) error {
	return r.UpdateRoom(ctx, id, map[string]interface{}{
		"status":      models.RoomStatusArchived,
		"archived_at": time.Now(),
	})
}

func (r *chatRepository) IncrementUnread(ctx context.Context, roomID primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return fmt.Errorf("room not found")
	}
	room.UnreadCount++
	room.UpdatedAt = time.Now()
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
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failInsertMessage {
		return fmt.Errorf("insert rejected")
	}

	if message.ID.IsZero() {
		message.ID = primitive.NewObjectID()
	}
	message.CreatedAt = time.Now()
	message.UpdatedAt = time.Now()

	stored := *message
	r.messages[message.ID] = &stored
	r.byRoom[message.RoomID] = append(r.byRoom[message.RoomID], message.ID)
	return nil
}

func (r *chatRepository) GetMessage(ctx context.Context, id primitive.ObjectID) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	message, ok := r.messages[id]
	if !ok {
		return nil, fmt.Errorf("message not found")
	}
	copied := *message
	return &copied, nil
}

func (r *chatRepository) GetMessages(ctx context.Context, roomID primitive.ObjectID, params *utils.PaginationParams) ([]*models.Message, int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byRoom[roomID]
	messages := make([]*models.Message, 0, len(ids))
	for _, id := range ids {
		copied := *r.messages[id]
		messages = append(messages, &copied)
	}

	total := int64(len(messages))
	messages = paginate(messages, params)
	return messages, total, nil
}

func (r *chatRepository) UpdateMessageStatus(ctx context.Context, id primitive.ObjectID, status models.MessageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	message, ok := r.messages[id]
	if !ok {
		return fmt.Errorf("message not found")
	}
	message.Status = status
	message.UpdatedAt = time.Now()
	return nil
}

func (r *chatRepository) DeleteMessagesByRoom(ctx context.Context, roomID primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.byRoom[roomID] {
		delete(r.messages, id)
	}
	delete(r.byRoom, roomID)
	return nil
}

// Participant operations

func (r *chatRepository) CreateParticipant(ctx context.Context, participant *models.ChatParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.participants[participant.RoomID] {
		if existing.UserID == participant.UserID {
			return fmt.Errorf("participant already exists")
		}
	}

	if participant.ID.IsZero() {
		participant.ID = primitive.NewObjectID()
	}
	participant.LastSeenAt = time.Now()

	stored := *participant
	r.participants[participant.RoomID] = append(r.participants[participant.RoomID], &stored)
	return nil
}

func (r *chatRepository) GetParticipants(ctx context.Context, roomID primitive.ObjectID) ([]*models.ChatParticipant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored := r.participants[roomID]
	participants := make([]*models.ChatParticipant, 0, len(stored))
	for _, p := range stored {
		copied := *p
		participants = append(participants, &copied)
	}
	return participants, nil
}

func (r *chatRepository) UpdateParticipant(ctx context.Context, roomID, userID primitive.ObjectID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.participants[roomID] {
		if p.UserID != userID {
			continue
		}
		for key, value := range updates {
			switch key {
			case "is_typing":
				if b, ok := value.(bool); ok {
					p.IsTyping = b
				}
			case "presence":
				if s, ok := value.(models.PresenceStatus); ok {
					p.Presence = s
				}
			case "last_seen_at":
				if t, ok := value.(time.Time); ok {
					p.LastSeenAt = t
				}
			}
		}
		return nil
	}
	return fmt.Errorf("participant not found")
}

func (r *chatRepository) DeleteParticipantsByRoom(ctx context.Context, roomID primitive.ObjectID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.participants, roomID)
	return nil
}

func paginate[T any](items []T, params *utils.PaginationParams) []T {
	if params == nil {
		return items
	}
	skip := params.GetSkip()
	if skip >= len(items) {
		return nil
	}
	end := skip + params.GetLimit()
	if end > len(items) {
		end = len(items)
	}
	return items[skip:end]
}
