package bframe

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
)

// Limits constrains how much memory decoding may commit to.
type Limits struct {
	MaxPayload uint32
}

// DefaultLimits returns the limits used by [DecodeMessage].
func DefaultLimits() Limits {
	return Limits{
		MaxPayload: 1 << 20,
	}
}

// Message is a variable-length frame carrying an application payload.
//
// After the common layout, a Message header carries
// the 4-byte payload length at offset 56
// and a 4-byte payload checksum at offset 60.
// The checksum is the low 32 bits of the xxhash64 digest of the payload bytes
// as they appear on the wire.
type Message struct {
	Flags Flags
	Type  uint16

	Sender   Address
	Receiver Address

	Sequence uint64

	// Unix milliseconds.
	Timestamp uint64

	// Nil when the frame has an empty payload.
	Payload []byte
}

// DecodeMessage decodes b as a Message frame using [DefaultLimits].
func DecodeMessage(b []byte) (Message, error) {
	return DefaultLimits().DecodeMessage(b)
}

// DeclaredLength returns the total frame length declared by a Message header.
// Only the first [HeaderSize] bytes of b are inspected.
func (l Limits) DeclaredLength(b []byte) (int, error) {
	if Classify(b) != MessageKind {
		return 0, &DecodeError{Kind: MessageKind, Err: ErrWrongKind}
	}
	if len(b) < HeaderSize {
		return 0, &DecodeError{
			Kind: MessageKind, Err: ErrTruncated, Detail: lengthDetail(len(b), HeaderSize),
		}
	}

	n := binary.BigEndian.Uint32(b[56:60])
	if n > l.MaxPayload {
		return 0, &DecodeError{
			Kind:   MessageKind,
			Err:    ErrPayloadTooLarge,
			Detail: fmt.Sprintf("declared %d bytes, limit %d", n, l.MaxPayload),
		}
	}

	return HeaderSize + int(n), nil
}

// DecodeMessage decodes b as a Message frame.
// The length of b must be exactly the header size plus the declared payload length.
//
// The returned payload is a copy, so b may be reused by the caller.
func (l Limits) DecodeMessage(b []byte) (Message, error) {
	want, err := l.DeclaredLength(b)
	if err != nil {
		return Message{}, err
	}
	if len(b) < want {
		return Message{}, &DecodeError{
			Kind: MessageKind, Err: ErrTruncated, Detail: lengthDetail(len(b), want),
		}
	}
	if len(b) > want {
		return Message{}, &DecodeError{
			Kind: MessageKind, Err: ErrLengthMismatch, Detail: lengthDetail(len(b), want),
		}
	}

	h := parseHeader(b)
	if err := h.validate(MessageKind, messageFlagMask); err != nil {
		return Message{}, err
	}

	payload := b[HeaderSize:want]
	sum := binary.BigEndian.Uint32(b[60:64])
	if got := checksum(payload); got != sum {
		return Message{}, &DecodeError{
			Kind:   MessageKind,
			Err:    ErrChecksum,
			Detail: fmt.Sprintf("header 0x%08x, payload 0x%08x", sum, got),
		}
	}

	m := Message{
		Flags: h.Flags,
		Type:  h.Code,

		Sender:   h.Sender,
		Receiver: h.Receiver,

		Sequence:  h.Sequence,
		Timestamp: h.Timestamp,
	}
	if len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}

	return m, nil
}

// Size returns the encoded length of m.
func (m Message) Size() int {
	return HeaderSize + len(m.Payload)
}

// Encode returns the wire form of m.
func (m Message) Encode() []byte {
	return m.AppendEncode(make([]byte, 0, m.Size()))
}

// AppendEncode appends the wire form of m to dst,
// allowing the caller to control allocations.
//
// AppendEncode panics if the payload cannot be described
// by the 32-bit length field.
func (m Message) AppendEncode(dst []byte) []byte {
	if uint64(len(m.Payload)) > uint64(^uint32(0)) {
		panic(fmt.Errorf(
			"ILLEGAL: message payload must fit in 32-bit length (got %d bytes)",
			len(m.Payload),
		))
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderSize)...)
	out := dst[start:]

	header{
		Version: CurrentVersion,
		Flags:   m.Flags,
		Code:    m.Type,

		Sender:   m.Sender,
		Receiver: m.Receiver,

		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
	}.put(out, MessageDiscriminator)

	binary.BigEndian.PutUint32(out[56:60], uint32(len(m.Payload)))
	binary.BigEndian.PutUint32(out[60:64], checksum(m.Payload))

	return append(dst, m.Payload...)
}

// CompressPayload returns a copy of m whose payload is snappy-compressed
// and whose flags include [FlagSnappy].
// If m is already compressed, it is returned unchanged.
func (m Message) CompressPayload() Message {
	if m.Flags&FlagSnappy != 0 {
		return m
	}

	m.Flags |= FlagSnappy
	m.Payload = snappy.Encode(nil, m.Payload)
	return m
}

// DecompressedPayload returns the application payload of m,
// undoing snappy compression if [FlagSnappy] is set.
func (m Message) DecompressedPayload() ([]byte, error) {
	if m.Flags&FlagSnappy == 0 {
		return m.Payload, nil
	}

	out, err := snappy.Decode(nil, m.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

func checksum(payload []byte) uint32 {
	return uint32(xxhash.Sum64(payload))
}
