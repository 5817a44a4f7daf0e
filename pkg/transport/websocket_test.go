package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ridechat/internal/models"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// chatBackend is a minimal websocket endpoint that records every frame it
// receives and otherwise discards them.
type chatBackend struct {
	server *httptest.Server

	mu     sync.Mutex
	frames []frame
}

func newChatBackend(t *testing.T) *chatBackend {
	t.Helper()
	backend := &chatBackend{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	backend.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f frame
			if json.Unmarshal(data, &f) == nil {
				backend.mu.Lock()
				backend.frames = append(backend.frames, f)
				backend.mu.Unlock()
			}
		}
	}))
	t.Cleanup(backend.server.Close)
	return backend
}

func (b *chatBackend) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *chatBackend) framesOfType(frameType string) []frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []frame
	for _, f := range b.frames {
		if f.Type == frameType {
			matched = append(matched, f)
		}
	}
	return matched
}

func TestWebsocketSendDeliversFrame(t *testing.T) {
	backend := newChatBackend(t)
	tr := NewWebsocketTransport(WebsocketConfig{URL: backend.url()})
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	roomID := primitive.NewObjectID()
	if err := tr.JoinRoom(ctx, roomID); err != nil {
		t.Fatalf("JoinRoom failed: %v", err)
	}

	message := &models.Message{
		ID:      primitive.NewObjectID(),
		RoomID:  roomID,
		Content: "on my way",
	}
	if err := tr.Send(ctx, message); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if frames := backend.framesOfType("message"); len(frames) == 1 {
			if frames[0].MessageID != message.ID.Hex() {
				t.Fatalf("frame message id = %s, want %s", frames[0].MessageID, message.ID.Hex())
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("message frame never reached the backend")
}

func TestWebsocketSendWhileDisconnecting(t *testing.T) {
	backend := newChatBackend(t)

	for round := 0; round < 50; round++ {
		tr := NewWebsocketTransport(WebsocketConfig{URL: backend.url()})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tr.Connect(ctx); err != nil {
			cancel()
			t.Fatalf("round %d: Connect failed: %v", round, err)
		}

		roomID := primitive.NewObjectID()
		if err := tr.JoinRoom(ctx, roomID); err != nil {
			cancel()
			t.Fatalf("round %d: JoinRoom failed: %v", round, err)
		}

		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 50; i++ {
					// Sends racing the teardown below may fail with
					// ErrNotConnected or ErrNotJoined; they must never panic.
					tr.Send(ctx, &models.Message{
						ID:      primitive.NewObjectID(),
						RoomID:  roomID,
						Content: "racing",
					})
				}
			}()
		}
		tr.Disconnect(ctx)
		wg.Wait()

		tr.Close()
		cancel()
	}
}
