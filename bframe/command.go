package bframe

import "encoding/binary"

// Command is a fixed-size control frame.
//
// After the common layout, a Command carries
// a 4-byte Argument at offset 56 and a 4-byte Status at offset 60.
type Command struct {
	Flags Flags
	Code  uint16

	Sender   Address
	Receiver Address

	Sequence uint64

	// Unix milliseconds.
	Timestamp uint64

	Argument uint32
	Status   uint32
}

// DecodeCommand decodes b as a Command frame.
// The length of b must be exactly [CommandSize].
func DecodeCommand(b []byte) (Command, error) {
	if Classify(b) != CommandKind {
		return Command{}, &DecodeError{Kind: CommandKind, Err: ErrWrongKind}
	}
	if len(b) < CommandSize {
		return Command{}, &DecodeError{
			Kind: CommandKind, Err: ErrTruncated, Detail: lengthDetail(len(b), CommandSize),
		}
	}
	if len(b) > CommandSize {
		return Command{}, &DecodeError{
			Kind: CommandKind, Err: ErrLengthMismatch, Detail: lengthDetail(len(b), CommandSize),
		}
	}

	h := parseHeader(b)
	if err := h.validate(CommandKind, commandFlagMask); err != nil {
		return Command{}, err
	}

	return Command{
		Flags: h.Flags,
		Code:  h.Code,

		Sender:   h.Sender,
		Receiver: h.Receiver,

		Sequence:  h.Sequence,
		Timestamp: h.Timestamp,

		Argument: binary.BigEndian.Uint32(b[56:60]),
		Status:   binary.BigEndian.Uint32(b[60:64]),
	}, nil
}

// Encode returns the wire form of c.
func (c Command) Encode() []byte {
	return c.AppendEncode(make([]byte, 0, CommandSize))
}

// AppendEncode appends the wire form of c to dst,
// allowing the caller to control allocations.
func (c Command) AppendEncode(dst []byte) []byte {
	start := len(dst)
	dst = append(dst, make([]byte, CommandSize)...)
	out := dst[start:]

	header{
		Version: CurrentVersion,
		Flags:   c.Flags,
		Code:    c.Code,

		Sender:   c.Sender,
		Receiver: c.Receiver,

		Sequence:  c.Sequence,
		Timestamp: c.Timestamp,
	}.put(out, CommandDiscriminator)

	binary.BigEndian.PutUint32(out[56:60], c.Argument)
	binary.BigEndian.PutUint32(out[60:64], c.Status)

	return dst
}
