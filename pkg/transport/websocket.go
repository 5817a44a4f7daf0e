package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"ridechat/internal/models"
	"ridechat/pkg/stream"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

type WebsocketConfig struct {
	URL              string
	AuthToken        string
	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy
}

// frame is the JSON wire envelope exchanged with the chat backend.
type frame struct {
	Type      string          `json:"type"`
	RoomID    string          `json:"room_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	IsTyping  bool            `json:"is_typing,omitempty"`
	Presence  string          `json:"presence,omitempty"`
	Message   *models.Message `json:"message,omitempty"`
}

// WebsocketTransport implements Transport against a chat backend over a
// gorilla/websocket connection. One read pump and one write pump per link;
// link loss clears room subscriptions and drives the reconnect cycle, the
// orchestrator re-joins its rooms when the state returns to connected.
type WebsocketTransport struct {
	cfg    WebsocketConfig
	states *stream.Value[models.ConnectionState]
	events chan Event

	mu   sync.Mutex
	conn *websocket.Conn
	send chan []byte
	// done signals the current link's writer to shut down. The send channel
	// is never closed, so a concurrent enqueue can at worst race a dead
	// link, never a closed channel.
	done      chan struct{}
	joined    map[primitive.ObjectID]bool
	connected bool
	closed    bool
}

func NewWebsocketTransport(cfg WebsocketConfig) *WebsocketTransport {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WebsocketTransport{
		cfg: cfg,
		states: stream.NewValueFrom(models.ConnectionState{
			Status:    models.ConnectionStatusDisconnected,
			ChangedAt: time.Now(),
		}),
		events: make(chan Event, 256),
		joined: make(map[primitive.ObjectID]bool),
	}
}

func (t *WebsocketTransport) ConnectionStates() *stream.Value[models.ConnectionState] {
	return t.states
}

func (t *WebsocketTransport) Events() <-chan Event {
	return t.events
}

func (t *WebsocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	t.setState(models.ConnectionStatusConnecting, "")
	if err := t.dial(ctx); err != nil {
		t.setState(models.ConnectionStatusDisconnected, err.Error())
		return err
	}
	t.setState(models.ConnectionStatusConnected, "")
	return nil
}

func (t *WebsocketTransport) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	header := http.Header{}
	if t.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+t.cfg.AuthToken)
	}

	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.conn = conn
	t.send = make(chan []byte, 256)
	t.done = make(chan struct{})
	t.connected = true
	send, done := t.send, t.done
	t.mu.Unlock()

	go t.readPump(conn)
	go t.writePump(conn, send, done)
	return nil
}

func (t *WebsocketTransport) Disconnect(ctx context.Context) error {
	t.teardown("")
	return nil
}

// Close shuts the transport down permanently and closes the event stream.
func (t *WebsocketTransport) Close() {
	t.teardown("")

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()

	close(t.events)
	t.states.Close()
}

// teardown tears the link down without starting recovery.
func (t *WebsocketTransport) teardown(reason string) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.joined = make(map[primitive.ObjectID]bool)
	conn := t.conn
	t.conn = nil
	close(t.done)
	t.done = nil
	t.send = nil
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	t.setState(models.ConnectionStatusDisconnected, reason)
}

func (t *WebsocketTransport) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.linkLost(err)
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		if ev, ok := t.toEvent(f); ok {
			t.emit(ev)
		}
	}
}

func (t *WebsocketTransport) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// linkLost enters the recovery cycle after an unexpected read error.
func (t *WebsocketTransport) linkLost(cause error) {
	t.mu.Lock()
	if !t.connected || t.closed {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.joined = make(map[primitive.ObjectID]bool)
	t.conn = nil
	close(t.done)
	t.done = nil
	t.send = nil
	t.mu.Unlock()

	t.setState(models.ConnectionStatusReconnecting, cause.Error())

	for attempt := 1; attempt <= t.cfg.Reconnect.MaxAttempts; attempt++ {
		time.Sleep(t.cfg.Reconnect.Delay)

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		t.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)
		err := t.dial(ctx)
		cancel()
		if err == nil {
			t.setState(models.ConnectionStatusConnected, "")
			return
		}
	}

	t.setState(models.ConnectionStatusDisconnected, "recovery abandoned: "+cause.Error())
}

func (t *WebsocketTransport) JoinRoom(ctx context.Context, roomID primitive.ObjectID) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if t.joined[roomID] {
		t.mu.Unlock()
		return nil
	}
	t.joined[roomID] = true
	t.mu.Unlock()

	return t.write(ctx, frame{Type: "join", RoomID: roomID.Hex()})
}

func (t *WebsocketTransport) LeaveRoom(ctx context.Context, roomID primitive.ObjectID) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	delete(t.joined, roomID)
	t.mu.Unlock()

	return t.write(ctx, frame{Type: "leave", RoomID: roomID.Hex()})
}

func (t *WebsocketTransport) Send(ctx context.Context, message *models.Message) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrNotConnected
	}
	if !t.joined[message.RoomID] {
		t.mu.Unlock()
		return ErrNotJoined
	}
	t.mu.Unlock()

	err := t.write(ctx, frame{
		Type:      "message",
		RoomID:    message.RoomID.Hex(),
		MessageID: message.ID.Hex(),
		Message:   message,
	})
	if err == ErrNotConnected {
		// The link dropped between the precondition check and the write.
		return ErrDeliveryFailed
	}
	return err
}

func (t *WebsocketTransport) SendTypingStatus(ctx context.Context, roomID, userID primitive.ObjectID, isTyping bool) error {
	return t.write(ctx, frame{
		Type:     "typing",
		RoomID:   roomID.Hex(),
		UserID:   userID.Hex(),
		IsTyping: isTyping,
	})
}

func (t *WebsocketTransport) SendReadReceipt(ctx context.Context, messageID primitive.ObjectID) error {
	return t.write(ctx, frame{Type: "read_receipt", MessageID: messageID.Hex()})
}

// write enqueues a frame for the write pump.
func (t *WebsocketTransport) write(ctx context.Context, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	t.mu.Lock()
	send, done := t.send, t.done
	t.mu.Unlock()
	if send == nil {
		return ErrNotConnected
	}

	select {
	case send <- data:
		return nil
	case <-done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *WebsocketTransport) toEvent(f frame) (Event, bool) {
	ev := Event{At: time.Now()}

	if f.RoomID != "" {
		id, err := primitive.ObjectIDFromHex(f.RoomID)
		if err != nil {
			return ev, false
		}
		ev.RoomID = id
	}
	if f.MessageID != "" {
		id, err := primitive.ObjectIDFromHex(f.MessageID)
		if err != nil {
			return ev, false
		}
		ev.MessageID = id
	}
	if f.UserID != "" {
		id, err := primitive.ObjectIDFromHex(f.UserID)
		if err != nil {
			return ev, false
		}
		ev.UserID = id
	}

	switch f.Type {
	case "message":
		if f.Message == nil {
			return ev, false
		}
		ev.Type = EventMessage
		ev.Message = f.Message
	case "delivery_ack":
		ev.Type = EventDeliveryAck
	case "read_receipt":
		ev.Type = EventReadReceipt
	case "typing":
		ev.Type = EventTyping
		ev.IsTyping = f.IsTyping
	case "presence":
		ev.Type = EventPresence
		ev.Presence = models.PresenceStatus(f.Presence)
	default:
		return ev, false
	}
	return ev, true
}

func (t *WebsocketTransport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
	}
}

func (t *WebsocketTransport) setState(status models.ConnectionStatus, lastError string) {
	t.states.Set(models.ConnectionState{
		Status:    status,
		LastError: lastError,
		ChangedAt: time.Now(),
	})
}
