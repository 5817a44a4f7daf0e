package chat

import (
	"ridechat/internal/models"
	"ridechat/pkg/stream"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

const outboxSize = 256

// roomState is the in-memory state of one active room. All mutation goes
// through the actor goroutine draining cmds, which is the room's single
// writer; no other code path touches the maps below. The outbox is a
// separate ordered lane for network transmission so a slow link never
// blocks state updates.
type roomState struct {
	id   primitive.ObjectID
	cmds chan func()
	done chan struct{}

	outbox chan *models.Message

	messages     *stream.Broadcast[*models.Message]
	participants *stream.Value[[]*models.ChatParticipant]
	typing       *typingTracker

	// known holds every message observed this session, keyed by id. It is
	// the authority for monotonic status checks.
	known map[primitive.ObjectID]*models.Message

	// pending is the ordered per-room queue of messages accepted while the
	// link was down. Only used when queuing is enabled.
	pending []*models.Message
}

func newRoomState(id primitive.ObjectID, typing *typingTracker) *roomState {
	r := &roomState{
		id:           id,
		cmds:         make(chan func(), 128),
		done:         make(chan struct{}),
		outbox:       make(chan *models.Message, outboxSize),
		messages:     stream.NewBroadcast[*models.Message](),
		participants: stream.NewValue[[]*models.ChatParticipant](),
		typing:       typing,
		known:        make(map[primitive.ObjectID]*models.Message),
	}
	go r.run()
	return r
}

func (r *roomState) run() {
	for {
		select {
		case <-r.done:
			return
		case cmd := <-r.cmds:
			cmd()
		}
	}
}

// do schedules fn on the room's serialized update path. Dropped if the
// room has been torn down.
func (r *roomState) do(fn func()) {
	select {
	case <-r.done:
	case r.cmds <- fn:
	}
}

// enqueue hands a message to the transmission lane. Returns false when the
// room is torn down or the lane is full.
func (r *roomState) enqueue(message *models.Message) bool {
	select {
	case <-r.done:
		return false
	default:
	}
	select {
	case r.outbox <- message:
		return true
	default:
		return false
	}
}

// close cancels the room's subscriptions and stops the actor. Other rooms
// multiplexed on the same transport are untouched.
func (r *roomState) close() {
	select {
	case <-r.done:
		return
	default:
	}
	close(r.done)
	r.messages.Close()
	r.participants.Close()
	r.typing.close()
}
