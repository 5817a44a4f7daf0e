package chat

import (
	"errors"
	"fmt"

	"ridechat/pkg/transport"
)

// Failure taxonomy for transport and persistence operations. Precondition
// and delivery failures on a send are not returned to the caller; they
// surface as a FAILED message status on the room's message stream.
var (
	// ErrNotConnected: the transport link is down. Recoverable by reconnect.
	ErrNotConnected = transport.ErrNotConnected

	// ErrNotJoined: the room is not joined on the transport. Recoverable by
	// re-join.
	ErrNotJoined = transport.ErrNotJoined

	// ErrDeliveryFailed: the transport accepted a send and then reported
	// the link dropped mid-send.
	ErrDeliveryFailed = transport.ErrDeliveryFailed

	// ErrTimeout: an operation exceeded its configured deadline. Distinct
	// from ErrNotConnected.
	ErrTimeout = errors.New("chat: operation timed out")

	// ErrRoomArchived: the room has been archived and accepts no writes.
	ErrRoomArchived = errors.New("chat: room archived")

	// ErrQueueFull: the per-room pending buffer is at capacity; the new
	// send is rejected.
	ErrQueueFull = errors.New("chat: pending queue full")

	// ErrClosed: the orchestrator has been shut down.
	ErrClosed = errors.New("chat: orchestrator closed")
)

// StoreError wraps a persistence collaborator failure. Fatal to the
// specific operation, never to the orchestrator.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("chat: store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err originated in the persistence layer.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
