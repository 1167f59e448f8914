package bitcomm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bpool"
)

// ErrNoReply may be returned from a [Handler]
// to accept a frame without writing anything back.
var ErrNoReply = errors.New("no reply")

// Handler produces the reply for each valid frame.
//
// Handler methods are called concurrently from every stream,
// but calls for a single stream are sequential.
type Handler interface {
	HandleCommand(ctx context.Context, from bpool.ClientID, cmd bframe.Command) (bframe.Command, error)
	HandleMessage(ctx context.Context, from bpool.ClientID, msg bframe.Message) (bframe.Message, error)
}

// EchoHandler answers every frame with a copy of itself, marked as a reply.
//
// The reply is addressed back to the sender's assigned client ID,
// which is how a client learns its own ID,
// and is timestamped when it is built.
type EchoHandler struct {
	// Defaults to time.Now.
	NowFn func() time.Time
}

func (h EchoHandler) now() uint64 {
	if h.NowFn == nil {
		return uint64(time.Now().UnixMilli())
	}
	return uint64(h.NowFn().UnixMilli())
}

func (h EchoHandler) HandleCommand(
	_ context.Context, from bpool.ClientID, cmd bframe.Command,
) (bframe.Command, error) {
	cmd.Flags |= bframe.FlagReply
	cmd.Sender, cmd.Receiver = cmd.Receiver, bframe.Address(from)
	cmd.Timestamp = h.now()
	return cmd, nil
}

func (h EchoHandler) HandleMessage(
	_ context.Context, from bpool.ClientID, msg bframe.Message,
) (bframe.Message, error) {
	msg.Flags |= bframe.FlagReply
	msg.Sender, msg.Receiver = msg.Receiver, bframe.Address(from)
	msg.Timestamp = h.now()
	return msg, nil
}

// UnrecognizedPolicy controls what happens to stream bytes
// that are neither a command nor a message.
type UnrecognizedPolicy uint8

const (
	// Write the bytes back unchanged.
	UnrecognizedEcho UnrecognizedPolicy = iota

	// Discard the bytes silently.
	UnrecognizedDrop

	// Abort both directions of the stream.
	UnrecognizedReset
)

func (p UnrecognizedPolicy) String() string {
	switch p {
	case UnrecognizedEcho:
		return "echo"
	case UnrecognizedDrop:
		return "drop"
	case UnrecognizedReset:
		return "reset"
	default:
		return fmt.Sprintf("UnrecognizedPolicy(%d)", uint8(p))
	}
}

// ParseUnrecognizedPolicy parses the output of [UnrecognizedPolicy.String].
func ParseUnrecognizedPolicy(s string) (UnrecognizedPolicy, error) {
	for p := UnrecognizedEcho; p <= UnrecognizedReset; p++ {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown unrecognized-frame policy %q (want echo, drop, or reset)", s)
}
