package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"ridechat/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

func fastConfig() SimulatedConfig {
	return SimulatedConfig{
		LatencyMin:          time.Millisecond,
		LatencyMax:          2 * time.Millisecond,
		HealthCheckInterval: time.Hour,
		Reconnect:           ReconnectPolicy{MaxAttempts: 3, Delay: 5 * time.Millisecond},
		DeliveryAcks:        true,
		Seed:                1,
	}
}

func waitForStatus(t *testing.T, tr *SimulatedTransport, want models.ConnectionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if state, ok := tr.ConnectionStates().Get(); ok && state.Status == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	state, _ := tr.ConnectionStates().Get()
	t.Fatalf("connection never reached %s, stuck at %s", want, state.Status)
}

func testMessage(roomID primitive.ObjectID) *models.Message {
	return &models.Message{
		ID:       primitive.NewObjectID(),
		RoomID:   roomID,
		SenderID: primitive.NewObjectID(),
		Type:     models.MessageTypeText,
		Status:   models.MessageStatusPending,
		Content:  "hello",
	}
}

func TestConnectTransitionsThroughConnecting(t *testing.T) {
	tr := NewSimulatedTransport(fastConfig())
	defer tr.Close()

	sub := tr.ConnectionStates().Subscribe()
	defer sub.Cancel()

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	var seen []models.ConnectionStatus
	for len(seen) < 3 {
		select {
		case state := <-sub.C:
			seen = append(seen, state.Status)
		case <-time.After(time.Second):
			t.Fatalf("saw only %v", seen)
		}
	}

	want := []models.ConnectionStatus{
		models.ConnectionStatusDisconnected,
		models.ConnectionStatusConnecting,
		models.ConnectionStatusConnected,
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("state[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestSendRequiresConnectionAndMembership(t *testing.T) {
	tr := NewSimulatedTransport(fastConfig())
	defer tr.Close()

	roomID := primitive.NewObjectID()

	if err := tr.Send(context.Background(), testMessage(roomID)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send before connect = %v, want ErrNotConnected", err)
	}

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := tr.Send(context.Background(), testMessage(roomID)); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Send before join = %v, want ErrNotJoined", err)
	}

	if err := tr.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}
	if err := tr.Send(context.Background(), testMessage(roomID)); err != nil {
		t.Errorf("Send after join failed: %v", err)
	}
}

func TestSendEmitsDeliveryAck(t *testing.T) {
	cfg := fastConfig()
	cfg.ReadAcks = true
	tr := NewSimulatedTransport(cfg)
	defer tr.Close()

	roomID := primitive.NewObjectID()
	tr.Connect(context.Background())
	tr.JoinRoom(context.Background(), roomID)

	message := testMessage(roomID)
	if err := tr.Send(context.Background(), message); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var got []EventType
	timeout := time.After(time.Second)
	for len(got) < 2 {
		select {
		case ev := <-tr.Events():
			if ev.MessageID != message.ID {
				t.Errorf("ack for wrong message %s", ev.MessageID.Hex())
			}
			got = append(got, ev.Type)
		case <-timeout:
			t.Fatalf("saw only %v", got)
		}
	}

	if got[0] != EventDeliveryAck || got[1] != EventReadReceipt {
		t.Errorf("event order %v, want delivery ack then read receipt", got)
	}
}

func TestSendWithTotalLossFails(t *testing.T) {
	cfg := fastConfig()
	cfg.LossProbability = 1.0
	tr := NewSimulatedTransport(cfg)
	defer tr.Close()

	roomID := primitive.NewObjectID()
	tr.Connect(context.Background())
	tr.JoinRoom(context.Background(), roomID)

	if err := tr.Send(context.Background(), testMessage(roomID)); !errors.Is(err, ErrDeliveryFailed) {
		t.Errorf("Send under total loss = %v, want ErrDeliveryFailed", err)
	}
}

func TestForcedDisconnectRecoversAndClearsMembership(t *testing.T) {
	tr := NewSimulatedTransport(fastConfig())
	defer tr.Close()

	roomID := primitive.NewObjectID()
	tr.Connect(context.Background())
	tr.JoinRoom(context.Background(), roomID)

	tr.ForceDisconnect()
	waitForStatus(t, tr, models.ConnectionStatusConnected)

	// Room membership does not survive the link drop; the caller must
	// re-join.
	if tr.Joined(roomID) {
		t.Error("membership survived a link drop")
	}
	if err := tr.Send(context.Background(), testMessage(roomID)); !errors.Is(err, ErrNotJoined) {
		t.Errorf("Send after recovery = %v, want ErrNotJoined", err)
	}

	if err := tr.JoinRoom(context.Background(), roomID); err != nil {
		t.Fatalf("re-join failed: %v", err)
	}
	if err := tr.Send(context.Background(), testMessage(roomID)); err != nil {
		t.Errorf("Send after re-join failed: %v", err)
	}
}

func TestRecoveryAbandonedWithoutAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect.MaxAttempts = 0
	tr := NewSimulatedTransport(cfg)
	defer tr.Close()

	tr.Connect(context.Background())
	tr.ForceDisconnect()

	waitForStatus(t, tr, models.ConnectionStatusDisconnected)

	state, _ := tr.ConnectionStates().Get()
	if state.LastError == "" {
		t.Error("abandoned recovery should record a last error")
	}
}

func TestRecoveryAbandonedWhenEveryAttemptFails(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect.MaxAttempts = 3
	cfg.Reconnect.FailureProbability = 1.0
	tr := NewSimulatedTransport(cfg)
	defer tr.Close()

	tr.Connect(context.Background())
	tr.ForceDisconnect()

	waitForStatus(t, tr, models.ConnectionStatusDisconnected)

	state, _ := tr.ConnectionStates().Get()
	if state.LastError == "" {
		t.Error("exhausted recovery should record a last error")
	}
}

func TestRecoverySurvivesFailedAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.Reconnect.MaxAttempts = 20
	cfg.Reconnect.FailureProbability = 0.5
	tr := NewSimulatedTransport(cfg)
	defer tr.Close()

	tr.Connect(context.Background())
	tr.ForceDisconnect()

	waitForStatus(t, tr, models.ConnectionStatusConnected)
}

func TestInjectMessageRequiresMembership(t *testing.T) {
	tr := NewSimulatedTransport(fastConfig())
	defer tr.Close()

	roomID := primitive.NewObjectID()
	message := testMessage(roomID)

	if tr.InjectMessage(message) {
		t.Error("InjectMessage accepted while disconnected")
	}

	tr.Connect(context.Background())
	if tr.InjectMessage(message) {
		t.Error("InjectMessage accepted for unjoined room")
	}

	tr.JoinRoom(context.Background(), roomID)
	if !tr.InjectMessage(message) {
		t.Fatal("InjectMessage rejected for joined room")
	}

	select {
	case ev := <-tr.Events():
		if ev.Type != EventMessage || ev.Message.ID != message.ID {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("injected message never emitted")
	}
}

func TestSendHonorsContextCancellation(t *testing.T) {
	cfg := fastConfig()
	cfg.LatencyMin = 500 * time.Millisecond
	cfg.LatencyMax = 500 * time.Millisecond
	tr := NewSimulatedTransport(cfg)
	defer tr.Close()

	roomID := primitive.NewObjectID()
	tr.Connect(context.Background())
	tr.JoinRoom(context.Background(), roomID)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := tr.Send(ctx, testMessage(roomID)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send with expired context = %v, want deadline exceeded", err)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := NewSimulatedTransport(fastConfig())
	defer tr.Close()

	tr.Connect(context.Background())
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if err := tr.Disconnect(context.Background()); err != nil {
		t.Fatalf("second Disconnect failed: %v", err)
	}
}
