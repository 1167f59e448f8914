// Package bframetest contains helpers for tests that need valid frames.
package bframetest

import (
	"math/rand/v2"

	"github.com/gordian-engine/bitcomm/bframe"
)

// RandomCommand returns a structurally valid Command
// with every field populated from r.
func RandomCommand(r *rand.Rand) bframe.Command {
	c := bframe.Command{
		Flags: bframe.Flags(r.IntN(2)) * bframe.FlagReply,
		Code:  uint16(r.Uint32()),

		Sequence:  r.Uint64(),
		Timestamp: r.Uint64(),

		Argument: r.Uint32(),
		Status:   r.Uint32(),
	}
	fillAddress(r, &c.Sender)
	fillAddress(r, &c.Receiver)
	return c
}

// RandomMessage returns a structurally valid Message
// with a payload of up to maxPayload bytes.
func RandomMessage(r *rand.Rand, maxPayload int) bframe.Message {
	m := bframe.Message{
		Flags: bframe.Flags(r.IntN(2)) * bframe.FlagReply,
		Type:  uint16(r.Uint32()),

		Sequence:  r.Uint64(),
		Timestamp: r.Uint64(),
	}
	fillAddress(r, &m.Sender)
	fillAddress(r, &m.Receiver)

	if n := r.IntN(maxPayload + 1); n > 0 {
		m.Payload = make([]byte, n)
		for i := range m.Payload {
			m.Payload[i] = byte(r.Uint32())
		}
	}
	return m
}

func fillAddress(r *rand.Rand, a *bframe.Address) {
	for i := range a {
		a[i] = byte(r.Uint32())
	}
}
