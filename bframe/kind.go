package bframe

import "encoding/binary"

// Kind is the result of classifying a byte buffer.
type Kind uint8

const (
	// Keep zero for unrecognized so that a zero Kind is never mistaken
	// for a frame we know how to decode.
	Unrecognized Kind = 0

	CommandKind Kind = 1
	MessageKind Kind = 2
)

func (k Kind) String() string {
	switch k {
	case CommandKind:
		return "command"
	case MessageKind:
		return "message"
	default:
		return "unrecognized"
	}
}

const (
	// CommandDiscriminator is "BCMC" in ASCII.
	CommandDiscriminator uint32 = 0x42434D43

	// MessageDiscriminator is "BCMM" in ASCII.
	MessageDiscriminator uint32 = 0x42434D4D

	// DiscriminatorSize is the length of the classification region.
	DiscriminatorSize = 4

	// CurrentVersion is the only protocol version this codec accepts.
	CurrentVersion uint8 = 1

	// commonSize is the length of the layout shared by both kinds.
	commonSize = 56

	// CommandSize is the fixed total size of a Command frame.
	CommandSize = 64

	// HeaderSize is the size of a Message frame before its payload.
	HeaderSize = 64
)

// Classify reports which frame kind b claims to be.
//
// Only the discriminator region is inspected,
// so a buffer may classify as a kind and still fail to decode.
// Buffers shorter than the discriminator are Unrecognized.
func Classify(b []byte) Kind {
	if len(b) < DiscriminatorSize {
		return Unrecognized
	}

	switch binary.BigEndian.Uint32(b[:DiscriminatorSize]) {
	case CommandDiscriminator:
		return CommandKind
	case MessageDiscriminator:
		return MessageKind
	default:
		return Unrecognized
	}
}

// Flags is the per-frame flag byte.
type Flags uint8

const (
	// FlagReply marks a frame produced in response to another frame.
	FlagReply Flags = 1 << 0

	// FlagSnappy marks a Message payload as snappy-compressed.
	// It is not valid on Command frames.
	FlagSnappy Flags = 1 << 1

	// FlagError marks a reply that reports a failure.
	FlagError Flags = 1 << 2

	commandFlagMask = FlagReply | FlagError
	messageFlagMask = FlagReply | FlagSnappy | FlagError
)

// Address identifies a client on the wire.
// The all-zero Address means "no address".
type Address [16]byte

// IsZero reports whether a is the all-zero address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// header holds the fields common to both frame kinds.
type header struct {
	Version uint8
	Flags   Flags
	Code    uint16

	Sender   Address
	Receiver Address

	Sequence  uint64
	Timestamp uint64
}

func (h header) put(dst []byte, discriminator uint32) {
	_ = dst[commonSize-1] // Bounds check hint.

	binary.BigEndian.PutUint32(dst[0:4], discriminator)
	dst[4] = h.Version
	dst[5] = byte(h.Flags)
	binary.BigEndian.PutUint16(dst[6:8], h.Code)
	copy(dst[8:24], h.Sender[:])
	copy(dst[24:40], h.Receiver[:])
	binary.BigEndian.PutUint64(dst[40:48], h.Sequence)
	binary.BigEndian.PutUint64(dst[48:56], h.Timestamp)
}

// parseHeader reads the common layout out of b.
// The caller must have already checked that len(b) >= commonSize.
func parseHeader(b []byte) header {
	var h header
	h.Version = b[4]
	h.Flags = Flags(b[5])
	h.Code = binary.BigEndian.Uint16(b[6:8])
	copy(h.Sender[:], b[8:24])
	copy(h.Receiver[:], b[24:40])
	h.Sequence = binary.BigEndian.Uint64(b[40:48])
	h.Timestamp = binary.BigEndian.Uint64(b[48:56])
	return h
}

func (h header) validate(kind Kind, mask Flags) error {
	if h.Version != CurrentVersion {
		return &DecodeError{
			Kind:   kind,
			Err:    ErrBadVersion,
			Detail: versionDetail(h.Version),
		}
	}
	if h.Flags&^mask != 0 {
		return &DecodeError{
			Kind:   kind,
			Err:    ErrBadFlags,
			Detail: flagsDetail(h.Flags &^ mask),
		}
	}
	return nil
}
