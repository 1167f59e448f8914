package bframe

import (
	"errors"
	"fmt"
)

var (
	// ErrWrongKind is returned when a decoder is given a buffer
	// whose discriminator names a different kind.
	ErrWrongKind = errors.New("discriminator does not match frame kind")

	// ErrTruncated is returned when a buffer ends before the frame does.
	ErrTruncated = errors.New("frame truncated")

	// ErrLengthMismatch is returned when a buffer is longer
	// than the frame it claims to hold.
	ErrLengthMismatch = errors.New("buffer length does not match declared frame length")

	ErrBadVersion      = errors.New("unsupported protocol version")
	ErrBadFlags        = errors.New("unknown flag bits set")
	ErrPayloadTooLarge = errors.New("declared payload length exceeds limit")
	ErrChecksum        = errors.New("payload checksum mismatch")
)

// DecodeError is returned by every decode failure in this package.
// Use [errors.Is] against the package's sentinel errors
// to determine the failure category.
type DecodeError struct {
	Kind   Kind
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("decode %s frame: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v (%s)", e.Kind, e.Err, e.Detail)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func versionDetail(v uint8) string {
	return fmt.Sprintf("got version %d, want %d", v, CurrentVersion)
}

func flagsDetail(f Flags) string {
	return fmt.Sprintf("unknown bits 0x%02x", uint8(f))
}

func lengthDetail(got, want int) string {
	return fmt.Sprintf("have %d bytes, frame is %d bytes", got, want)
}
