// Package bevent defines the routed envelope
// that carries a decoded message from ingress to the dispatcher.
package bevent

import (
	"time"

	"github.com/google/uuid"
	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bpool"
	"github.com/gordian-engine/bitcomm/bqueue"
)

// Event is a message received from a client,
// waiting to be routed.
type Event struct {
	ID uuid.UUID

	Sender bpool.ClientID

	// Only meaningful when HasDestination is set.
	Destination    bpool.ClientID
	HasDestination bool

	Message bframe.Message

	ReceivedAt time.Time
}

// New returns an Event for msg received from sender at now.
// The destination is taken from the message's receiver address,
// if it is set.
func New(sender bpool.ClientID, msg bframe.Message, now time.Time) Event {
	e := Event{
		ID:         uuid.New(),
		Sender:     sender,
		Message:    msg,
		ReceivedAt: now,
	}
	if !msg.Receiver.IsZero() {
		e.Destination = bpool.ClientID(msg.Receiver)
		e.HasDestination = true
	}
	return e
}

// Sender and Receiver are the two ends of the event queue.
type (
	Sender   = bqueue.Sender[Event]
	Receiver = bqueue.Receiver[Event]
)

// NewQueue returns the event queue shared between ingress and dispatch.
func NewQueue(cfg bqueue.Config) (*Sender, *Receiver) {
	return bqueue.New[Event](cfg)
}
