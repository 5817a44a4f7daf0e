package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ridechat/internal/config"
	"ridechat/internal/models"
	"ridechat/internal/repositories/interfaces"
	"ridechat/internal/utils"
	"ridechat/pkg/logger"
	"ridechat/pkg/stream"
	"ridechat/pkg/transport"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Service is the in-ride chat orchestrator. It owns all per-room in-memory
// state, mediates between the transport and the stores, and exposes the
// delivery guarantees of the messaging layer: optimistic local echo,
// monotonic delivery-status progression, per-room ordering, and automatic
// room re-join after reconnects.
type Service interface {
	// Lifecycle
	Start(ctx context.Context) error
	Close() error

	// Room management
	CreateOrGetRoom(ctx context.Context, bookingID, riderID, driverID primitive.ObjectID) (*models.ChatRoom, error)
	GetRoom(ctx context.Context, roomID primitive.ObjectID) (*models.ChatRoom, error)
	ListRooms(ctx context.Context, userID primitive.ObjectID, params *utils.PaginationParams) ([]*models.ChatRoom, int64, error)
	ArchiveRoom(ctx context.Context, roomID primitive.ObjectID) error
	ClearMessages(ctx context.Context, roomID primitive.ObjectID) error

	// Messaging
	SendMessage(ctx context.Context, roomID, senderID primitive.ObjectID, content string, messageType models.MessageType, metadata *models.MessageMetadata) (*models.Message, error)
	SendSystemMessage(ctx context.Context, roomID primitive.ObjectID, systemType models.SystemEventType, content string, actionData map[string]string) (*models.Message, error)
	RetryMessage(ctx context.Context, messageID primitive.ObjectID) (*models.Message, error)
	GetMessages(ctx context.Context, roomID primitive.ObjectID, params *utils.PaginationParams) ([]*models.Message, int64, error)

	// Read state and presence
	MarkMessageRead(ctx context.Context, messageID primitive.ObjectID) error
	MarkRoomRead(ctx context.Context, roomID, userID primitive.ObjectID) error
	SetTyping(ctx context.Context, roomID, userID primitive.ObjectID, isTyping bool) error
	GetParticipants(ctx context.Context, roomID primitive.ObjectID) ([]*models.ChatParticipant, error)

	// Observable streams
	ConnectionStates() *stream.Value[models.ConnectionState]
	SubscribeMessages(roomID primitive.ObjectID) (*stream.Subscription[*models.Message], error)
	SubscribeParticipants(roomID primitive.ObjectID) (*stream.Subscription[[]*models.ChatParticipant], error)
	SubscribeTyping(roomID primitive.ObjectID) (*stream.Subscription[[]primitive.ObjectID], error)
}

type chatService struct {
	cfg         *config.ChatConfig
	repo        interfaces.ChatRepository
	transport   transport.Transport
	sink        NotificationSink
	settings    Settings
	localUserID primitive.ObjectID
	logger      *logger.Logger

	debounce *typingDebounce

	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	// rooms holds one actor per active room.
	rooms map[primitive.ObjectID]*roomState
	// membership is the set of rooms this orchestrator intends to be
	// joined to. It survives disconnects; the reconcile loop re-issues
	// JoinRoom for every entry once the link returns.
	membership map[primitive.ObjectID]bool
	closed     bool
}

// NewService wires the orchestrator. sink and settings may be nil, which
// disables user-visible alerts. localUserID identifies the local
// participant; messages from any other sender count as remote arrivals.
func NewService(
	cfg *config.ChatConfig,
	repo interfaces.ChatRepository,
	tp transport.Transport,
	sink NotificationSink,
	settings Settings,
	localUserID primitive.ObjectID,
	log *logger.Logger,
) Service {
	ctx, cancel := context.WithCancel(context.Background())

	s := &chatService{
		cfg:         cfg,
		repo:        repo,
		transport:   tp,
		sink:        sink,
		settings:    settings,
		localUserID: localUserID,
		logger:      log,
		ctx:         ctx,
		cancel:      cancel,
		rooms:       make(map[primitive.ObjectID]*roomState),
		membership:  make(map[primitive.ObjectID]bool),
	}
	s.debounce = newTypingDebounce(cfg.TypingDebounce, s.flushTyping)
	return s
}

// Start connects the transport and begins background reconciliation. The
// reconcile loop runs for the orchestrator's lifetime.
func (s *chatService) Start(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect transport: %w", err)
	}

	go s.reconcile()
	return nil
}

// Close tears the whole orchestrator down: all room actors, the debounce
// timers, and the transport link with its room subscriptions.
func (s *chatService) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	rooms := make([]*roomState, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.Unlock()

	s.cancel()
	s.debounce.stop()
	for _, room := range rooms {
		room.close()
	}

	return s.transport.Disconnect(context.Background())
}

// Room management

func (s *chatService) CreateOrGetRoom(ctx context.Context, bookingID, riderID, driverID primitive.ObjectID) (*models.ChatRoom, error) {
	if room, err := s.repo.GetRoomByBookingID(ctx, bookingID); err == nil {
		s.activateRoom(room.ID)
		return room, nil
	}

	room := &models.ChatRoom{
		ID:        primitive.NewObjectID(),
		BookingID: bookingID,
		RiderID:   riderID,
		DriverID:  driverID,
		Status:    models.RoomStatusActive,
	}

	if err := s.repo.CreateRoom(ctx, room); err != nil {
		// Lost a creation race for the same booking, or the store failed.
		if existing, gerr := s.repo.GetRoomByBookingID(ctx, bookingID); gerr == nil {
			s.activateRoom(existing.ID)
			return existing, nil
		}
		return nil, storeErr("create room", err)
	}

	rider := &models.ChatParticipant{
		RoomID:   room.ID,
		UserID:   riderID,
		Role:     models.ParticipantRoleRider,
		Presence: models.PresenceStatusOffline,
	}
	driver := &models.ChatParticipant{
		RoomID:   room.ID,
		UserID:   driverID,
		Role:     models.ParticipantRoleDriver,
		Presence: models.PresenceStatusOffline,
	}
	if err := s.repo.CreateParticipant(ctx, rider); err != nil {
		return nil, storeErr("create participant", err)
	}
	if err := s.repo.CreateParticipant(ctx, driver); err != nil {
		return nil, storeErr("create participant", err)
	}

	s.activateRoom(room.ID)
	s.logger.WithRoomID(room.ID).Info("Chat room created")
	return room, nil
}

func (s *chatService) GetRoom(ctx context.Context, roomID primitive.ObjectID) (*models.ChatRoom, error) {
	return s.repo.GetRoom(ctx, roomID)
}

func (s *chatService) ListRooms(ctx context.Context, userID primitive.ObjectID, params *utils.PaginationParams) ([]*models.ChatRoom, int64, error) {
	return s.repo.GetRoomsByUser(ctx, userID, params)
}

func (s *chatService) ArchiveRoom(ctx context.Context, roomID primitive.ObjectID) error {
	opCtx, cancel := s.opCtx()
	if err := s.transport.LeaveRoom(opCtx, roomID); err != nil {
		s.logger.WithRoomID(roomID).WithError(err).Debug("Leave on archive failed")
	}
	cancel()

	if err := s.repo.ArchiveRoom(ctx, roomID); err != nil {
		return storeErr("archive room", err)
	}
	if err := s.repo.DeleteParticipantsByRoom(ctx, roomID); err != nil {
		return storeErr("delete participants", err)
	}

	s.mu.Lock()
	delete(s.membership, roomID)
	room := s.rooms[roomID]
	delete(s.rooms, roomID)
	s.mu.Unlock()

	if room != nil {
		room.close()
	}

	s.logger.WithRoomID(roomID).Info("Chat room archived")
	return nil
}

func (s *chatService) ClearMessages(ctx context.Context, roomID primitive.ObjectID) error {
	if err := s.repo.DeleteMessagesByRoom(ctx, roomID); err != nil {
		return storeErr("clear messages", err)
	}

	if room := s.roomFor(roomID); room != nil {
		room.do(func() {
			room.known = make(map[primitive.ObjectID]*models.Message)
		})
	}
	return nil
}

// Messaging

func (s *chatService) SendMessage(ctx context.Context, roomID, senderID primitive.ObjectID, content string, messageType models.MessageType, metadata *models.MessageMetadata) (*models.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(content) > utils.MaxMessageLength {
		return nil, fmt.Errorf("%s: content exceeds %d bytes", utils.ErrMessageTooLong, utils.MaxMessageLength)
	}

	chatRoom, err := s.repo.GetRoom(ctx, roomID)
	if err != nil {
		return nil, storeErr("get room", err)
	}
	if chatRoom.IsArchived() {
		return nil, ErrRoomArchived
	}

	message := &models.Message{
		ID:        primitive.NewObjectID(),
		RoomID:    roomID,
		SenderID:  senderID,
		Type:      messageType,
		Status:    models.MessageStatusPending,
		Content:   content,
		Metadata:  metadata,
	}

	// Optimistic local echo: the message is persisted and published before
	// any transport interaction. A store failure here is fatal to the call;
	// without the anchor record delivery tracking is meaningless.
	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return nil, storeErr("insert message", err)
	}

	room := s.activateRoom(roomID)
	s.publishMessage(room, message)
	go s.updatePreview(roomID, message)

	if !room.enqueue(message) {
		s.applyStatus(room, message.ID, models.MessageStatusFailed)
	}

	returned := *message
	return &returned, nil
}

func (s *chatService) SendSystemMessage(ctx context.Context, roomID primitive.ObjectID, systemType models.SystemEventType, content string, actionData map[string]string) (*models.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(actionData) > utils.MaxActionDataEntries {
		return nil, fmt.Errorf("%s: too many action data entries", utils.ErrInvalidInput)
	}
	message := &models.Message{
		ID:       primitive.NewObjectID(),
		RoomID:   roomID,
		SenderID: models.SystemSenderID,
		Type:     models.MessageTypeSystem,
		// System messages are locally synthesized, never transport-relayed,
		// so they are born delivered.
		Status:  models.MessageStatusDelivered,
		Content: content,
		Metadata: &models.MessageMetadata{
			SystemType: systemType,
			ActionData: actionData,
		},
	}

	if err := s.repo.CreateMessage(ctx, message); err != nil {
		return nil, storeErr("insert system message", err)
	}

	room := s.activateRoom(roomID)
	s.publishMessage(room, message)
	go s.updatePreview(roomID, message)

	returned := *message
	return &returned, nil
}

// RetryMessage re-transmits a failed message. This is the explicit caller
// intent the delivery lifecycle requires: the orchestrator never retries
// beyond its configured single attempt on its own.
func (s *chatService) RetryMessage(ctx context.Context, messageID primitive.ObjectID) (*models.Message, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	message, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storeErr("get message", err)
	}
	if message.Status != models.MessageStatusFailed {
		return nil, fmt.Errorf("%s: only failed messages can be retried", utils.ErrInvalidInput)
	}

	room := s.activateRoom(message.RoomID)
	s.forceStatus(room, message.ID, models.MessageStatusPending)

	message.Status = models.MessageStatusPending
	if !room.enqueue(message) {
		s.applyStatus(room, message.ID, models.MessageStatusFailed)
	}

	returned := *message
	return &returned, nil
}

func (s *chatService) GetMessages(ctx context.Context, roomID primitive.ObjectID, params *utils.PaginationParams) ([]*models.Message, int64, error) {
	return s.repo.GetMessages(ctx, roomID, params)
}

// Read state and presence

func (s *chatService) MarkMessageRead(ctx context.Context, messageID primitive.ObjectID) error {
	message, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		return storeErr("get message", err)
	}

	if room := s.roomFor(message.RoomID); room != nil {
		s.applyStatus(room, messageID, models.MessageStatusRead)
	} else if err := s.repo.UpdateMessageStatus(ctx, messageID, models.MessageStatusRead); err != nil {
		s.logger.WithMessageID(messageID).WithError(err).Warn("Failed to persist read status")
	}

	// Best-effort: the read receipt failing must never fail the caller.
	go func() {
		opCtx, cancel := s.opCtx()
		defer cancel()
		if err := s.transport.SendReadReceipt(opCtx, messageID); err != nil {
			s.logger.WithMessageID(messageID).WithError(err).Debug("Read receipt not delivered")
		}
	}()

	return nil
}

func (s *chatService) MarkRoomRead(ctx context.Context, roomID, userID primitive.ObjectID) error {
	// The unread counter is cleared only here, by explicit intent.
	if err := s.repo.ResetUnread(ctx, roomID); err != nil {
		return storeErr("reset unread", err)
	}

	room := s.roomFor(roomID)
	if room == nil {
		return nil
	}

	room.do(func() {
		for id, message := range room.known {
			if message.SenderID == userID || message.IsSystem() {
				continue
			}
			if !message.CanTransitionTo(models.MessageStatusRead) {
				continue
			}
			message.Status = models.MessageStatusRead
			message.UpdatedAt = time.Now()
			copied := *message
			room.messages.Publish(&copied)
			go s.persistStatus(id, models.MessageStatusRead)
			go func(messageID primitive.ObjectID) {
				opCtx, cancel := s.opCtx()
				defer cancel()
				s.transport.SendReadReceipt(opCtx, messageID)
			}(id)
		}
	})

	return nil
}

func (s *chatService) SetTyping(ctx context.Context, roomID, userID primitive.ObjectID, isTyping bool) error {
	room := s.activateRoom(roomID)
	room.typing.set(userID, isTyping)

	go func() {
		opCtx, cancel := s.opCtx()
		defer cancel()
		s.repo.UpdateParticipant(opCtx, roomID, userID, map[string]interface{}{
			"is_typing":    isTyping,
			"last_seen_at": time.Now(),
		})
	}()

	// Coalesce rapid toggles; only the latest state within the window
	// reaches the transport.
	s.debounce.set(roomID, userID, isTyping)
	return nil
}

// flushTyping is the debounce sink: failures are swallowed, typing is
// best-effort signaling.
func (s *chatService) flushTyping(roomID, userID primitive.ObjectID, isTyping bool) {
	opCtx, cancel := s.opCtx()
	defer cancel()
	if err := s.transport.SendTypingStatus(opCtx, roomID, userID, isTyping); err != nil {
		s.logger.WithRoomID(roomID).WithError(err).Debug("Typing status not delivered")
	}
}

func (s *chatService) GetParticipants(ctx context.Context, roomID primitive.ObjectID) ([]*models.ChatParticipant, error) {
	return s.repo.GetParticipants(ctx, roomID)
}

// Observable streams

func (s *chatService) ConnectionStates() *stream.Value[models.ConnectionState] {
	return s.transport.ConnectionStates()
}

func (s *chatService) SubscribeMessages(roomID primitive.ObjectID) (*stream.Subscription[*models.Message], error) {
	return s.activateRoom(roomID).messages.Subscribe(), nil
}

func (s *chatService) SubscribeParticipants(roomID primitive.ObjectID) (*stream.Subscription[[]*models.ChatParticipant], error) {
	return s.activateRoom(roomID).participants.Subscribe(), nil
}

func (s *chatService) SubscribeTyping(roomID primitive.ObjectID) (*stream.Subscription[[]primitive.ObjectID], error) {
	return s.activateRoom(roomID).typing.Users().Subscribe(), nil
}

// Room plumbing

// activateRoom returns the room's actor, creating it and recording
// membership intent on first touch. Joining the transport room is
// best-effort here; the reconcile loop re-issues joins whenever the link
// comes back.
func (s *chatService) activateRoom(roomID primitive.ObjectID) *roomState {
	s.mu.Lock()
	if room, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return room
	}

	tracker := newTypingTracker(s.cfg.TypingExpiry)
	tracker.onStale = func(userID primitive.ObjectID) {
		go func() {
			opCtx, cancel := s.opCtx()
			defer cancel()
			s.repo.UpdateParticipant(opCtx, roomID, userID, map[string]interface{}{
				"is_typing": false,
			})
		}()
	}

	room := newRoomState(roomID, tracker)
	s.rooms[roomID] = room
	s.membership[roomID] = true
	s.mu.Unlock()

	go s.transmitLoop(room)
	go s.refreshParticipants(room)
	go s.joinRoom(roomID)

	return room
}

func (s *chatService) roomFor(roomID primitive.ObjectID) *roomState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

func (s *chatService) joinRoom(roomID primitive.ObjectID) {
	opCtx, cancel := s.opCtx()
	defer cancel()

	if err := s.transport.JoinRoom(opCtx, roomID); err != nil {
		s.logger.WithRoomID(roomID).WithError(err).Debug("Join deferred until link returns")
	}
}

func (s *chatService) refreshParticipants(room *roomState) {
	opCtx, cancel := s.opCtx()
	defer cancel()

	participants, err := s.repo.GetParticipants(opCtx, room.id)
	if err != nil {
		s.logger.WithRoomID(room.id).WithError(err).Warn("Failed to load participants")
		return
	}
	room.participants.Set(participants)
}

// Transmission path

// transmitLoop drains one room's outbox in order. Per-room transmission is
// serialized, which is what preserves remote ordering.
func (s *chatService) transmitLoop(room *roomState) {
	for {
		select {
		case <-room.done:
			return
		case message := <-room.outbox:
			s.transmit(room, message)
		}
	}
}

func (s *chatService) transmit(room *roomState, message *models.Message) {
	attempts := 1
	if s.cfg.AutoRetry {
		attempts = 2
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = s.trySend(message)
		if err == nil {
			s.applyStatus(room, message.ID, models.MessageStatusSent)
			return
		}
		if errors.Is(err, ErrNotConnected) {
			break
		}
	}

	if errors.Is(err, ErrNotConnected) && s.cfg.PendingQueueSize > 0 {
		s.queuePending(room, message)
		return
	}

	s.logger.WithMessageID(message.ID).WithError(err).Warn("Message transmission failed")
	s.applyStatus(room, message.ID, models.MessageStatusFailed)
}

// trySend performs one bounded send attempt, re-joining once when the
// transport reports the room is not joined.
func (s *chatService) trySend(message *models.Message) error {
	opCtx, cancel := s.opCtx()
	defer cancel()

	err := s.transport.Send(opCtx, message)
	if errors.Is(err, ErrNotJoined) {
		if jerr := s.transport.JoinRoom(opCtx, message.RoomID); jerr == nil {
			err = s.transport.Send(opCtx, message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// queuePending buffers a message accepted while the link is down. The
// queue is ordered and bounded; at capacity the new message is rejected
// and marked failed.
func (s *chatService) queuePending(room *roomState, message *models.Message) {
	overflow := make(chan bool, 1)
	room.do(func() {
		if len(room.pending) >= s.cfg.PendingQueueSize {
			overflow <- true
			return
		}
		room.pending = append(room.pending, message)
		overflow <- false
	})

	select {
	case rejected := <-overflow:
		if rejected {
			s.logger.WithMessageID(message.ID).WithError(ErrQueueFull).Warn("Offline send rejected")
			s.applyStatus(room, message.ID, models.MessageStatusFailed)
		}
	case <-room.done:
	}
}

// drainPending re-submits queued messages in their original order after
// the link returns.
func (s *chatService) drainPending(room *roomState) {
	dropped := make(chan []*models.Message, 1)
	room.do(func() {
		queued := room.pending
		room.pending = nil

		var overflow []*models.Message
		for _, message := range queued {
			if !room.enqueue(message) {
				overflow = append(overflow, message)
			}
		}
		dropped <- overflow
	})

	select {
	case overflow := <-dropped:
		for _, message := range overflow {
			s.applyStatus(room, message.ID, models.MessageStatusFailed)
		}
	case <-room.done:
	}
}

// Status transitions

// applyStatus moves a message's status along the monotonic lifecycle.
// Regressions and transitions out of terminal states are ignored, which is
// what makes out-of-order acks (a READ outrunning its DELIVERED) safe.
func (s *chatService) applyStatus(room *roomState, messageID primitive.ObjectID, status models.MessageStatus) {
	room.do(func() {
		message := room.known[messageID]
		if message == nil {
			loaded, err := s.loadMessage(messageID)
			if err != nil {
				s.logger.WithMessageID(messageID).WithError(err).Debug("Status for unknown message dropped")
				return
			}
			message = loaded
			room.known[messageID] = message
		}

		if !message.CanTransitionTo(status) {
			return
		}

		message.Status = status
		message.UpdatedAt = time.Now()
		copied := *message
		room.messages.Publish(&copied)

		s.logger.LogMessageEvent(messageID, "status_changed", map[string]interface{}{
			"room_id": room.id.Hex(),
			"status":  string(status),
		})
		go s.persistStatus(messageID, status)
	})
}

// forceStatus resets a message's lifecycle outside the monotonic rules.
// Only the explicit retry intent uses it.
func (s *chatService) forceStatus(room *roomState, messageID primitive.ObjectID, status models.MessageStatus) {
	room.do(func() {
		message := room.known[messageID]
		if message == nil {
			loaded, err := s.loadMessage(messageID)
			if err != nil {
				return
			}
			message = loaded
			room.known[messageID] = message
		}
		message.Status = status
		message.UpdatedAt = time.Now()
		copied := *message
		room.messages.Publish(&copied)

		go s.persistStatus(messageID, status)
	})
}

func (s *chatService) loadMessage(messageID primitive.ObjectID) (*models.Message, error) {
	opCtx, cancel := s.opCtx()
	defer cancel()
	return s.repo.GetMessage(opCtx, messageID)
}

func (s *chatService) persistStatus(messageID primitive.ObjectID, status models.MessageStatus) {
	opCtx, cancel := s.opCtx()
	defer cancel()
	if err := s.repo.UpdateMessageStatus(opCtx, messageID, status); err != nil {
		s.logger.WithMessageID(messageID).WithError(err).Warn("Failed to persist status")
	}
}

// publishMessage records a message on the room actor and emits it on the
// room's stream.
func (s *chatService) publishMessage(room *roomState, message *models.Message) {
	stored := *message
	room.do(func() {
		room.known[stored.ID] = &stored
		copied := stored
		room.messages.Publish(&copied)
	})
}

func (s *chatService) updatePreview(roomID primitive.ObjectID, message *models.Message) {
	opCtx, cancel := s.opCtx()
	defer cancel()

	preview := &models.MessagePreview{
		MessageID: message.ID,
		SenderID:  message.SenderID,
		Content:   message.Content,
		SentAt:    message.CreatedAt,
	}
	if err := s.repo.UpdateLastMessage(opCtx, roomID, preview); err != nil {
		s.logger.WithRoomID(roomID).WithError(err).Warn("Failed to update room preview")
	}
}

// Background reconciliation

// reconcile folds connection-state changes and remote events into room
// state for the orchestrator's lifetime.
func (s *chatService) reconcile() {
	stateSub := s.transport.ConnectionStates().Subscribe()
	defer stateSub.Cancel()

	events := s.transport.Events()
	var last models.ConnectionStatus

	for {
		select {
		case <-s.ctx.Done():
			return

		case state, ok := <-stateSub.C:
			if !ok {
				return
			}
			s.logger.LogConnectionEvent(string(state.Status), state.LastError)
			if state.IsConnected() && last != models.ConnectionStatusConnected {
				s.resumeMembership()
			}
			last = state.Status

		case event, ok := <-events:
			if !ok {
				return
			}
			s.dispatch(event)
		}
	}
}

// resumeMembership re-issues JoinRoom for every room the orchestrator
// intends to be in, then drains any queued sends. Callers never re-join
// manually after a reconnect.
func (s *chatService) resumeMembership() {
	s.mu.Lock()
	roomIDs := make([]primitive.ObjectID, 0, len(s.membership))
	for roomID := range s.membership {
		roomIDs = append(roomIDs, roomID)
	}
	s.mu.Unlock()

	for _, roomID := range roomIDs {
		go func(roomID primitive.ObjectID) {
			opCtx, cancel := s.opCtx()
			defer cancel()

			if err := s.transport.JoinRoom(opCtx, roomID); err != nil {
				s.logger.WithRoomID(roomID).WithError(err).Warn("Re-join failed")
				return
			}
			if room := s.roomFor(roomID); room != nil {
				s.drainPending(room)
			}
		}(roomID)
	}
}

func (s *chatService) dispatch(event transport.Event) {
	switch event.Type {
	case transport.EventMessage:
		if event.Message == nil {
			return
		}
		if room := s.roomForEvent(event.RoomID); room != nil {
			s.handleIncoming(room, event.Message)
		}

	case transport.EventDeliveryAck, transport.EventReadReceipt:
		roomID := event.RoomID
		if roomID.IsZero() {
			message, err := s.loadMessage(event.MessageID)
			if err != nil {
				return
			}
			roomID = message.RoomID
		}
		room := s.roomFor(roomID)
		if room == nil {
			return
		}
		status := models.MessageStatusDelivered
		if event.Type == transport.EventReadReceipt {
			// A read receipt implies delivery even when the delivered ack
			// was reordered or lost.
			status = models.MessageStatusRead
		}
		s.applyStatus(room, event.MessageID, status)

	case transport.EventTyping:
		room := s.roomFor(event.RoomID)
		if room == nil {
			return
		}
		room.typing.set(event.UserID, event.IsTyping)
		go func() {
			opCtx, cancel := s.opCtx()
			defer cancel()
			s.repo.UpdateParticipant(opCtx, event.RoomID, event.UserID, map[string]interface{}{
				"is_typing":    event.IsTyping,
				"last_seen_at": time.Now(),
			})
		}()

	case transport.EventPresence:
		room := s.roomFor(event.RoomID)
		if room == nil {
			return
		}
		go func() {
			opCtx, cancel := s.opCtx()
			defer cancel()
			s.repo.UpdateParticipant(opCtx, event.RoomID, event.UserID, map[string]interface{}{
				"presence":     event.Presence,
				"last_seen_at": time.Now(),
			})
			s.refreshParticipants(room)
		}()
	}
}

// roomForEvent resolves the actor for a pushed event, reviving rooms the
// orchestrator is a member of but has not touched since startup.
func (s *chatService) roomForEvent(roomID primitive.ObjectID) *roomState {
	if room := s.roomFor(roomID); room != nil {
		return room
	}

	s.mu.Lock()
	member := s.membership[roomID]
	s.mu.Unlock()
	if !member {
		return nil
	}
	return s.activateRoom(roomID)
}

// handleIncoming folds a remotely authored message into room state. From
// the recipient's perspective it arrives already delivered.
func (s *chatService) handleIncoming(room *roomState, incoming *models.Message) {
	stored := *incoming
	stored.Status = models.MessageStatusDelivered

	room.do(func() {
		if _, seen := room.known[stored.ID]; seen {
			return
		}
		room.known[stored.ID] = &stored
		copied := stored
		room.messages.Publish(&copied)

		go s.afterRemoteInsert(room.id, &copied)
	})
}

// afterRemoteInsert persists a remote arrival and surfaces it: unread
// counter, room preview, and the notification sink gated by the
// recipient's preference.
func (s *chatService) afterRemoteInsert(roomID primitive.ObjectID, message *models.Message) {
	opCtx, cancel := s.opCtx()
	defer cancel()

	if err := s.repo.CreateMessage(opCtx, message); err != nil {
		s.logger.WithMessageID(message.ID).WithError(err).Warn("Failed to persist remote message")
	}
	if err := s.repo.IncrementUnread(opCtx, roomID); err != nil {
		s.logger.WithRoomID(roomID).WithError(err).Warn("Failed to bump unread count")
	}
	s.updatePreview(roomID, message)

	if s.sink == nil || message.SenderID == s.localUserID {
		return
	}

	enabled := true
	if s.settings != nil {
		if pref, err := s.settings.NotificationPreference(opCtx, s.localUserID); err == nil {
			enabled = pref
		}
	}
	if !enabled {
		return
	}

	err := s.sink.Notify(opCtx, &RoomNotification{
		RoomID:      roomID,
		MessageID:   message.ID,
		SenderID:    message.SenderID,
		RecipientID: s.localUserID,
		Title:       "New message",
		Body:        message.Content,
	})
	if err != nil {
		s.logger.WithMessageID(message.ID).WithError(err).Warn("Notification delivery failed")
	}
}

func (s *chatService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *chatService) opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, s.cfg.OperationTimeout)
}
