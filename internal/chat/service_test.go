package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ridechat/internal/config"
	"ridechat/internal/models"
	"ridechat/internal/repositories/interfaces"
	"ridechat/internal/repositories/memory"
	"ridechat/pkg/logger"
	"ridechat/pkg/transport"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type fixture struct {
	service   Service
	transport *transport.SimulatedTransport
	repo      interfaces.ChatRepository
	rider     primitive.ObjectID
	driver    primitive.ObjectID
	room      *models.ChatRoom
}

func testChatConfig() *config.ChatConfig {
	return &config.ChatConfig{
		OperationTimeout: 2 * time.Second,
		TypingDebounce:   10 * time.Millisecond,
		TypingExpiry:     60 * time.Millisecond,
	}
}

func testTransportConfig() transport.SimulatedConfig {
	return transport.SimulatedConfig{
		LatencyMin:          time.Millisecond,
		LatencyMax:          2 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		Reconnect:           transport.ReconnectPolicy{MaxAttempts: 3, Delay: 5 * time.Millisecond},
		DeliveryAcks:        true,
		Seed:                1,
	}
}

func newFixture(t *testing.T, chatCfg *config.ChatConfig, transportCfg transport.SimulatedConfig, sink NotificationSink, settings Settings) *fixture {
	t.Helper()

	repo := memory.NewChatRepository()
	tr := transport.NewSimulatedTransport(transportCfg)
	rider := primitive.NewObjectID()
	driver := primitive.NewObjectID()

	service := NewService(chatCfg, repo, tr, sink, settings, rider, logger.NewNop())
	if err := service.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		service.Close()
		tr.Close()
	})

	room, err := service.CreateOrGetRoom(context.Background(), primitive.NewObjectID(), rider, driver)
	if err != nil {
		t.Fatalf("CreateOrGetRoom failed: %v", err)
	}

	f := &fixture{
		service:   service,
		transport: tr,
		repo:      repo,
		rider:     rider,
		driver:    driver,
		room:      room,
	}
	f.waitJoined(t)
	return f
}

func newDefaultFixture(t *testing.T) *fixture {
	return newFixture(t, testChatConfig(), testTransportConfig(), nil, nil)
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

func (f *fixture) waitJoined(t *testing.T) {
	t.Helper()
	eventually(t, 2*time.Second, func() bool {
		return f.transport.Joined(f.room.ID)
	}, "room never joined on transport")
}

func (f *fixture) waitMessageStatus(t *testing.T, messageID primitive.ObjectID, want models.MessageStatus) {
	t.Helper()
	var last models.MessageStatus
	eventually(t, 3*time.Second, func() bool {
		message, err := f.repo.GetMessage(context.Background(), messageID)
		if err != nil {
			return false
		}
		last = message.Status
		return message.Status == want
	}, "message never reached status "+string(want)+", last seen "+string(last))
}

func (f *fixture) remoteMessage() *models.Message {
	return &models.Message{
		ID:       primitive.NewObjectID(),
		RoomID:   f.room.ID,
		SenderID: f.driver,
		Type:     models.MessageTypeText,
		Status:   models.MessageStatusSent,
		Content:  "from driver",
	}
}

func TestSendMessagePublishesOptimisticEcho(t *testing.T) {
	f := newDefaultFixture(t)

	sub, err := f.service.SubscribeMessages(f.room.ID)
	if err != nil {
		t.Fatalf("SubscribeMessages failed: %v", err)
	}
	defer sub.Cancel()

	message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "hello", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if message.Status != models.MessageStatusPending {
		t.Errorf("returned status = %s, want pending", message.Status)
	}

	// The first publish carries the message before any transport attempt.
	select {
	case got := <-sub.C:
		if got.ID != message.ID || got.Status != models.MessageStatusPending {
			t.Errorf("first publish was %s/%s, want pending echo", got.ID.Hex(), got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("optimistic echo never published")
	}

	f.waitMessageStatus(t, message.ID, models.MessageStatusDelivered)
}

func TestSendMessagesPreserveOrder(t *testing.T) {
	f := newDefaultFixture(t)

	sub, _ := f.service.SubscribeMessages(f.room.ID)
	defer sub.Cancel()

	contents := []string{"a", "b", "c"}
	var ids []primitive.ObjectID
	for _, content := range contents {
		message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, content, models.MessageTypeText, nil)
		if err != nil {
			t.Fatalf("SendMessage(%s) failed: %v", content, err)
		}
		ids = append(ids, message.ID)
	}

	// First appearance on the stream follows send order.
	seen := make(map[primitive.ObjectID]bool)
	var order []primitive.ObjectID
	timeout := time.After(2 * time.Second)
	for len(order) < len(ids) {
		select {
		case got := <-sub.C:
			if !seen[got.ID] {
				seen[got.ID] = true
				order = append(order, got.ID)
			}
		case <-timeout:
			t.Fatalf("saw only %d of %d messages", len(order), len(ids))
		}
	}
	for i := range ids {
		if order[i] != ids[i] {
			t.Fatalf("message %d published out of order", i)
		}
	}

	for _, id := range ids {
		f.waitMessageStatus(t, id, models.MessageStatusDelivered)
	}
}

func TestSendMessageFailsUnderTotalLoss(t *testing.T) {
	transportCfg := testTransportConfig()
	transportCfg.LossProbability = 1.0
	f := newFixture(t, testChatConfig(), transportCfg, nil, nil)

	sub, _ := f.service.SubscribeMessages(f.room.ID)
	defer sub.Cancel()

	message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "doomed", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	f.waitMessageStatus(t, message.ID, models.MessageStatusFailed)

	// The stream must never have claimed the message was sent.
	for {
		select {
		case got := <-sub.C:
			if got.ID == message.ID && got.Status == models.MessageStatusSent {
				t.Fatal("lost message was published as sent")
			}
			if got.ID == message.ID && got.Status == models.MessageStatusFailed {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("failure never published")
		}
	}
}

func TestSendMessageFailsOnTimeoutWhileConnected(t *testing.T) {
	chatCfg := testChatConfig()
	chatCfg.OperationTimeout = 50 * time.Millisecond
	f := newFixture(t, chatCfg, testTransportConfig(), nil, nil)

	// Degrade the established link so every send outlives the operation
	// timeout while the connection itself stays healthy.
	f.transport.SetLatencyWindow(300*time.Millisecond, 400*time.Millisecond)

	message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "slow road", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	f.waitMessageStatus(t, message.ID, models.MessageStatusFailed)

	// A timed-out send is a delivery failure, not a lost link.
	state, _ := f.transport.ConnectionStates().Get()
	if state.Status != models.ConnectionStatusConnected {
		t.Fatalf("connection state = %s, want still connected", state.Status)
	}
	if !f.transport.Joined(f.room.ID) {
		t.Fatal("room membership dropped by a timed-out send")
	}
}

func TestSendMessageToArchivedRoom(t *testing.T) {
	f := newDefaultFixture(t)

	if err := f.service.ArchiveRoom(context.Background(), f.room.ID); err != nil {
		t.Fatalf("ArchiveRoom failed: %v", err)
	}

	_, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "late", models.MessageTypeText, nil)
	if !errors.Is(err, ErrRoomArchived) {
		t.Errorf("SendMessage to archived room = %v, want ErrRoomArchived", err)
	}
}

func TestSendMessageSurfacesStoreFailure(t *testing.T) {
	repo := memory.NewFailingChatRepository()
	tr := transport.NewSimulatedTransport(testTransportConfig())
	rider := primitive.NewObjectID()

	service := NewService(testChatConfig(), repo, tr, nil, nil, rider, logger.NewNop())
	if err := service.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		service.Close()
		tr.Close()
	})

	room, err := service.CreateOrGetRoom(context.Background(), primitive.NewObjectID(), rider, primitive.NewObjectID())
	if err != nil {
		t.Fatalf("CreateOrGetRoom failed: %v", err)
	}

	_, err = service.SendMessage(context.Background(), room.ID, rider, "hello", models.MessageTypeText, nil)
	if !IsStoreError(err) {
		t.Errorf("SendMessage with failing store = %v, want StoreError", err)
	}
}

func TestSendMessageRejectsOversizedContent(t *testing.T) {
	f := newDefaultFixture(t)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	_, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, string(long), models.MessageTypeText, nil)
	if err == nil {
		t.Error("oversized message accepted")
	}
}

func TestReconnectResumesRoomMembership(t *testing.T) {
	f := newDefaultFixture(t)

	f.transport.ForceDisconnect()

	// Membership intent survives the drop; the orchestrator re-joins on its
	// own once the link recovers.
	f.waitJoined(t)

	message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "after reconnect", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage after reconnect failed: %v", err)
	}
	f.waitMessageStatus(t, message.ID, models.MessageStatusDelivered)
}

func TestSendFailsFastWhileDisconnectedByDefault(t *testing.T) {
	transportCfg := testTransportConfig()
	transportCfg.Reconnect.Delay = 300 * time.Millisecond
	f := newFixture(t, testChatConfig(), transportCfg, nil, nil)

	go f.transport.ForceDisconnect()
	eventually(t, time.Second, func() bool {
		state, _ := f.transport.ConnectionStates().Get()
		return state.Status == models.ConnectionStatusReconnecting
	}, "link never entered reconnecting")

	message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "offline", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	f.waitMessageStatus(t, message.ID, models.MessageStatusFailed)
}

func TestPendingQueueDrainsOnReconnect(t *testing.T) {
	chatCfg := testChatConfig()
	chatCfg.PendingQueueSize = 8
	transportCfg := testTransportConfig()
	transportCfg.Reconnect.Delay = 300 * time.Millisecond
	f := newFixture(t, chatCfg, transportCfg, nil, nil)

	go f.transport.ForceDisconnect()
	eventually(t, time.Second, func() bool {
		state, _ := f.transport.ConnectionStates().Get()
		return state.Status == models.ConnectionStatusReconnecting
	}, "link never entered reconnecting")

	first, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "queued 1", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	second, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "queued 2", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	f.waitMessageStatus(t, first.ID, models.MessageStatusDelivered)
	f.waitMessageStatus(t, second.ID, models.MessageStatusDelivered)
}

func TestPendingQueueRejectsOverflow(t *testing.T) {
	chatCfg := testChatConfig()
	chatCfg.PendingQueueSize = 1
	transportCfg := testTransportConfig()
	transportCfg.Reconnect.Delay = 400 * time.Millisecond
	f := newFixture(t, chatCfg, transportCfg, nil, nil)

	go f.transport.ForceDisconnect()
	eventually(t, time.Second, func() bool {
		state, _ := f.transport.ConnectionStates().Get()
		return state.Status == models.ConnectionStatusReconnecting
	}, "link never entered reconnecting")

	first, _ := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "fits", models.MessageTypeText, nil)

	// Wait for the first message to occupy the queue before overflowing it.
	eventually(t, time.Second, func() bool {
		message, err := f.repo.GetMessage(context.Background(), first.ID)
		return err == nil && message.Status == models.MessageStatusPending
	}, "first message not stored")
	time.Sleep(20 * time.Millisecond)

	second, _ := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "overflow", models.MessageTypeText, nil)

	f.waitMessageStatus(t, second.ID, models.MessageStatusFailed)
	f.waitMessageStatus(t, first.ID, models.MessageStatusDelivered)
}

func TestRetryFailedMessage(t *testing.T) {
	transportCfg := testTransportConfig()
	transportCfg.Reconnect.Delay = 200 * time.Millisecond
	f := newFixture(t, testChatConfig(), transportCfg, nil, nil)

	go f.transport.ForceDisconnect()
	eventually(t, time.Second, func() bool {
		state, _ := f.transport.ConnectionStates().Get()
		return state.Status == models.ConnectionStatusReconnecting
	}, "link never entered reconnecting")

	message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "retry me", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	f.waitMessageStatus(t, message.ID, models.MessageStatusFailed)

	f.waitJoined(t)

	retried, err := f.service.RetryMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("RetryMessage failed: %v", err)
	}
	if retried.Status != models.MessageStatusPending {
		t.Errorf("retried status = %s, want pending", retried.Status)
	}
	f.waitMessageStatus(t, message.ID, models.MessageStatusDelivered)
}

func TestRetryRequiresFailedStatus(t *testing.T) {
	f := newDefaultFixture(t)

	message, err := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "fine", models.MessageTypeText, nil)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	f.waitMessageStatus(t, message.ID, models.MessageStatusDelivered)

	if _, err := f.service.RetryMessage(context.Background(), message.ID); err == nil {
		t.Error("retry of a delivered message accepted")
	}
}

func TestIncomingMessagePersistedAsDelivered(t *testing.T) {
	f := newDefaultFixture(t)

	sub, _ := f.service.SubscribeMessages(f.room.ID)
	defer sub.Cancel()

	incoming := f.remoteMessage()
	if !f.transport.InjectMessage(incoming) {
		t.Fatal("InjectMessage rejected")
	}

	select {
	case got := <-sub.C:
		if got.ID != incoming.ID {
			t.Fatalf("published %s, want injected message", got.ID.Hex())
		}
		if got.Status != models.MessageStatusDelivered {
			t.Errorf("incoming published as %s, want delivered", got.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("incoming message never published")
	}

	f.waitMessageStatus(t, incoming.ID, models.MessageStatusDelivered)

	eventually(t, 2*time.Second, func() bool {
		room, err := f.repo.GetRoom(context.Background(), f.room.ID)
		return err == nil && room.UnreadCount == 1 && room.LastMessage != nil && room.LastMessage.MessageID == incoming.ID
	}, "unread count and preview never updated")
}

func TestDuplicateIncomingMessageIgnored(t *testing.T) {
	f := newDefaultFixture(t)

	incoming := f.remoteMessage()
	f.transport.InjectMessage(incoming)
	f.waitMessageStatus(t, incoming.ID, models.MessageStatusDelivered)

	f.transport.InjectMessage(incoming)
	time.Sleep(50 * time.Millisecond)

	_, total, err := f.repo.GetMessages(context.Background(), f.room.ID, nil)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if total != 1 {
		t.Errorf("store holds %d copies, want 1", total)
	}
}

func TestMarkRoomReadClearsUnreadAndReadsMessages(t *testing.T) {
	f := newDefaultFixture(t)

	incoming := f.remoteMessage()
	f.transport.InjectMessage(incoming)
	f.waitMessageStatus(t, incoming.ID, models.MessageStatusDelivered)
	eventually(t, 2*time.Second, func() bool {
		room, _ := f.repo.GetRoom(context.Background(), f.room.ID)
		return room != nil && room.UnreadCount == 1
	}, "unread never incremented")

	if err := f.service.MarkRoomRead(context.Background(), f.room.ID, f.rider); err != nil {
		t.Fatalf("MarkRoomRead failed: %v", err)
	}

	room, _ := f.repo.GetRoom(context.Background(), f.room.ID)
	if room.UnreadCount != 0 {
		t.Errorf("unread after MarkRoomRead = %d, want 0", room.UnreadCount)
	}
	f.waitMessageStatus(t, incoming.ID, models.MessageStatusRead)
}

func TestMarkMessageRead(t *testing.T) {
	f := newDefaultFixture(t)

	incoming := f.remoteMessage()
	f.transport.InjectMessage(incoming)
	f.waitMessageStatus(t, incoming.ID, models.MessageStatusDelivered)

	if err := f.service.MarkMessageRead(context.Background(), incoming.ID); err != nil {
		t.Fatalf("MarkMessageRead failed: %v", err)
	}
	f.waitMessageStatus(t, incoming.ID, models.MessageStatusRead)
}

func TestCreateOrGetRoomIsIdempotent(t *testing.T) {
	f := newDefaultFixture(t)

	again, err := f.service.CreateOrGetRoom(context.Background(), f.room.BookingID, f.rider, f.driver)
	if err != nil {
		t.Fatalf("second CreateOrGetRoom failed: %v", err)
	}
	if again.ID != f.room.ID {
		t.Errorf("second call created a new room %s", again.ID.Hex())
	}

	participants, err := f.repo.GetParticipants(context.Background(), f.room.ID)
	if err != nil {
		t.Fatalf("GetParticipants failed: %v", err)
	}
	if len(participants) != 2 {
		t.Errorf("room holds %d participants, want 2", len(participants))
	}
}

func TestSystemMessageBornDelivered(t *testing.T) {
	f := newDefaultFixture(t)

	message, err := f.service.SendSystemMessage(context.Background(), f.room.ID, models.SystemEventDriverArrived, "Your driver has arrived", nil)
	if err != nil {
		t.Fatalf("SendSystemMessage failed: %v", err)
	}
	if message.Status != models.MessageStatusDelivered {
		t.Errorf("system message status = %s, want delivered", message.Status)
	}
	if message.SenderID != models.SystemSenderID {
		t.Error("system message carries a user sender")
	}

	stored, err := f.repo.GetMessage(context.Background(), message.ID)
	if err != nil {
		t.Fatalf("system message not stored: %v", err)
	}
	if stored.Status != models.MessageStatusDelivered {
		t.Errorf("stored status = %s, want delivered", stored.Status)
	}
}

func TestRemoteTypingAppearsAndExpires(t *testing.T) {
	f := newDefaultFixture(t)

	sub, err := f.service.SubscribeTyping(f.room.ID)
	if err != nil {
		t.Fatalf("SubscribeTyping failed: %v", err)
	}
	defer sub.Cancel()

	if !f.transport.InjectTyping(f.room.ID, f.driver, true) {
		t.Fatal("InjectTyping rejected")
	}

	eventuallyTyping(t, sub.C, []primitive.ObjectID{f.driver})

	// No refresh arrives, so the flag clears on its own.
	eventuallyTyping(t, sub.C, nil)
}

func TestClearMessages(t *testing.T) {
	f := newDefaultFixture(t)

	message, _ := f.service.SendMessage(context.Background(), f.room.ID, f.rider, "gone soon", models.MessageTypeText, nil)
	f.waitMessageStatus(t, message.ID, models.MessageStatusDelivered)

	if err := f.service.ClearMessages(context.Background(), f.room.ID); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	_, total, _ := f.repo.GetMessages(context.Background(), f.room.ID, nil)
	if total != 0 {
		t.Errorf("room still holds %d messages", total)
	}
}

func eventuallyTyping(t *testing.T, c <-chan []primitive.ObjectID, want []primitive.ObjectID) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got, ok := <-c:
			if !ok {
				t.Fatal("typing stream closed")
			}
			if len(got) != len(want) {
				continue
			}
			match := true
			for i := range want {
				if got[i] != want[i] {
					match = false
					break
				}
			}
			if match {
				return
			}
		case <-timeout:
			t.Fatalf("typing stream never showed %v", want)
		}
	}
}

// recordingSink captures notifications for assertions.
type recordingSink struct {
	mu    sync.Mutex
	calls []*RoomNotification
}

func (s *recordingSink) Notify(ctx context.Context, n *RoomNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, n)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestIncomingMessageNotifiesSink(t *testing.T) {
	sink := &recordingSink{}
	f := newFixture(t, testChatConfig(), testTransportConfig(), sink, &StaticSettings{})

	incoming := f.remoteMessage()
	f.transport.InjectMessage(incoming)

	eventually(t, 2*time.Second, func() bool { return sink.count() == 1 }, "sink never notified")

	sink.mu.Lock()
	n := sink.calls[0]
	sink.mu.Unlock()
	if n.MessageID != incoming.ID || n.RecipientID != f.rider || n.SenderID != f.driver {
		t.Errorf("notification fields wrong: %+v", n)
	}
}

func TestNotificationDisabled(t *testing.T) {
	sink := &recordingSink{}
	repo := memory.NewChatRepository()
	tr := transport.NewSimulatedTransport(testTransportConfig())
	rider := primitive.NewObjectID()
	driver := primitive.NewObjectID()
	settings := &StaticSettings{Disabled: map[primitive.ObjectID]bool{rider: true}}

	service := NewService(testChatConfig(), repo, tr, sink, settings, rider, logger.NewNop())
	if err := service.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		service.Close()
		tr.Close()
	})

	room, err := service.CreateOrGetRoom(context.Background(), primitive.NewObjectID(), rider, driver)
	if err != nil {
		t.Fatalf("CreateOrGetRoom failed: %v", err)
	}
	eventually(t, 2*time.Second, func() bool { return tr.Joined(room.ID) }, "room never joined")

	tr.InjectMessage(&models.Message{
		ID:       primitive.NewObjectID(),
		RoomID:   room.ID,
		SenderID: driver,
		Type:     models.MessageTypeText,
		Content:  "silent",
	})

	eventually(t, 2*time.Second, func() bool {
		room, err := repo.GetRoom(context.Background(), room.ID)
		return err == nil && room.UnreadCount == 1
	}, "message never processed")

	if sink.count() != 0 {
		t.Errorf("sink called %d times despite disabled preference", sink.count())
	}
}
