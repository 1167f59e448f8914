package bmq

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gordian-engine/bitcomm/bevent"
	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/nats-io/nats.go"
)

// Publisher is the part of [*nats.Conn] used by [NATSSink].
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATSSink publishes events as JSON envelopes to NATS.
//
// Events with a destination are published to
// "<prefix>.client.<destination hex>";
// all others go to "<prefix>.broadcast".
type NATSSink struct {
	pub    Publisher
	prefix string
}

// NewNATSSink returns a sink publishing through pub,
// which is normally a [*nats.Conn].
func NewNATSSink(pub Publisher, subjectPrefix string) *NATSSink {
	if subjectPrefix == "" {
		subjectPrefix = "bitcomm"
	}
	return &NATSSink{pub: pub, prefix: subjectPrefix}
}

// Envelope is the JSON form of an event published to NATS.
type Envelope struct {
	ID          string `json:"id"`
	Sender      string `json:"sender"`
	Destination string `json:"destination,omitempty"`

	Type      uint16 `json:"type"`
	Flags     uint8  `json:"flags"`
	Sequence  uint64 `json:"sequence"`
	Timestamp uint64 `json:"timestamp"`

	Payload []byte `json:"payload"`

	ReceivedAt time.Time `json:"receivedAt"`
}

// NewEnvelope converts ev to its published form.
// A snappy-compressed payload is published decompressed,
// without [bframe.FlagSnappy] in its flags.
func NewEnvelope(ev bevent.Event) (Envelope, error) {
	payload, err := ev.Message.DecompressedPayload()
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to decompress payload: %w", err)
	}

	e := Envelope{
		ID:     ev.ID.String(),
		Sender: ev.Sender.String(),

		Type:      ev.Message.Type,
		Flags:     uint8(ev.Message.Flags &^ bframe.FlagSnappy),
		Sequence:  ev.Message.Sequence,
		Timestamp: ev.Message.Timestamp,

		Payload: payload,

		ReceivedAt: ev.ReceivedAt,
	}
	if ev.HasDestination {
		e.Destination = ev.Destination.String()
	}
	return e, nil
}

// Subject returns the subject ev is published to.
func (s *NATSSink) Subject(ev bevent.Event) string {
	if ev.HasDestination {
		return s.prefix + ".client." + hex.EncodeToString(ev.Destination[:])
	}
	return s.prefix + ".broadcast"
}

// Publish implements [Sink].
func (s *NATSSink) Publish(_ context.Context, ev bevent.Event) error {
	env, err := NewEnvelope(ev)
	if err != nil {
		return err
	}

	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	if err := s.pub.Publish(s.Subject(ev), b); err != nil {
		return fmt.Errorf("failed to publish to NATS: %w", err)
	}
	return nil
}
