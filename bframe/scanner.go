package bframe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"
)

// DeadlineReader is the subset of a stream the [Scanner] needs.
// Both QUIC receive streams and net.Conn values satisfy it.
type DeadlineReader interface {
	io.Reader
	SetReadDeadline(time.Time) error
}

// ScannerConfig is the configuration for [NewScanner].
type ScannerConfig struct {
	Limits Limits

	// How long a partially received frame may take to complete
	// before it is reported as truncated.
	// Zero disables the deadline.
	FrameTimeout time.Duration

	// Size of each individual read from the underlying stream.
	// If zero, a reasonable default will be used.
	ReadSize int

	// Source of the current time for deadlines.
	// Defaults to time.Now.
	NowFn func() time.Time
}

// Chunk is one unit produced by a [Scanner].
type Chunk struct {
	Kind Kind

	// Bytes is only valid until the next call to [*Scanner.Next].
	Bytes []byte
}

// Scanner splits a byte stream into frames.
//
// Bytes that begin with a known discriminator are accumulated
// until the full frame is available.
// Anything else is handed back as a single Unrecognized chunk
// containing every byte that was buffered at the time.
//
// A Scanner is not safe for concurrent use.
type Scanner struct {
	r DeadlineReader

	limits   Limits
	timeout  time.Duration
	readSize int
	nowFn    func() time.Time

	// store is the backing memory; buf is the unconsumed window into it.
	store []byte
	buf   []byte

	// Unread payload bytes of a rejected oversized message.
	skip uint64

	// Sticky transport error, reported once buffered bytes are exhausted.
	err error
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r DeadlineReader, cfg ScannerConfig) *Scanner {
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = 16 * 1024
	}
	if cfg.NowFn == nil {
		cfg.NowFn = time.Now
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}

	store := make([]byte, 0, cfg.ReadSize)
	return &Scanner{
		r: r,

		limits:   cfg.Limits,
		timeout:  cfg.FrameTimeout,
		readSize: cfg.ReadSize,
		nowFn:    cfg.NowFn,

		store: store,
		buf:   store,
	}
}

// Next returns the next chunk from the stream.
//
// If a frame cannot be assembled, Next returns the discarded bytes
// along with a [*DecodeError]; the stream may still be used afterward.
// A message declaring more than the configured payload limit
// is reported with only its header and whatever payload was buffered;
// the rest of its declared payload is dropped without being scanned.
// Any other error comes from the underlying reader.
// Timeout errors from a deadline set by someone other than the Scanner
// are returned as-is and are not sticky.
func (s *Scanner) Next() (Chunk, error) {
	s.compact()

	if s.skip > 0 {
		if err := s.skipRejected(); err != nil {
			return Chunk{}, err
		}
		s.compact()
	}

	for len(s.buf) == 0 {
		if s.err != nil {
			return Chunk{}, s.err
		}
		if err := s.read(); err != nil && len(s.buf) == 0 {
			return Chunk{}, err
		}
	}

	kind := Classify(s.buf)
	if kind == Unrecognized && len(s.buf) < DiscriminatorSize && isDiscriminatorPrefix(s.buf) {
		// Wait briefly for the rest of the discriminator.
		// Any error here is either sticky or a timeout,
		// and in both cases we classify what we have.
		_ = s.fillTo(DiscriminatorSize)
		kind = Classify(s.buf)
	}

	switch kind {
	case CommandKind:
		if err := s.fillTo(CommandSize); err != nil {
			return s.discard(CommandKind, err)
		}
		return Chunk{Kind: CommandKind, Bytes: s.take(CommandSize)}, nil

	case MessageKind:
		if err := s.fillTo(HeaderSize); err != nil {
			return s.discard(MessageKind, err)
		}
		n, err := s.limits.DeclaredLength(s.buf)
		if err != nil {
			if !errors.Is(err, ErrPayloadTooLarge) {
				return Chunk{Kind: MessageKind, Bytes: s.take(len(s.buf))}, err
			}

			total := uint64(HeaderSize) + uint64(binary.BigEndian.Uint32(s.buf[56:60]))
			have := min(uint64(len(s.buf)), total)
			s.skip = total - have
			return Chunk{Kind: MessageKind, Bytes: s.take(int(have))}, err
		}
		if err := s.fillTo(n); err != nil {
			return s.discard(MessageKind, err)
		}
		return Chunk{Kind: MessageKind, Bytes: s.take(n)}, nil

	default:
		return Chunk{Kind: Unrecognized, Bytes: s.take(len(s.buf))}, nil
	}
}

// compact moves any unconsumed bytes to the front of the backing store.
// It must only be called when no previously returned chunk is still in use.
func (s *Scanner) compact() {
	if len(s.buf) > 0 && &s.buf[0] == &s.store[:1][0] {
		return
	}
	s.buf = append(s.store[:0], s.buf...)
}

func (s *Scanner) take(n int) []byte {
	out := s.buf[:n:n]
	s.buf = s.buf[n:]
	return out
}

// read performs a single read, growing the buffer if needed.
func (s *Scanner) read() error {
	if cap(s.buf)-len(s.buf) < s.readSize {
		grown := make([]byte, len(s.buf), 2*cap(s.buf)+s.readSize)
		copy(grown, s.buf)
		s.store = grown
		s.buf = grown
	}

	n, err := s.r.Read(s.buf[len(s.buf) : len(s.buf)+s.readSize])
	s.buf = s.buf[:len(s.buf)+n]

	if err != nil && !IsTimeout(err) {
		s.err = err
	}
	return err
}

// fillTo reads until at least n bytes are buffered,
// bounded by the frame timeout.
func (s *Scanner) fillTo(n int) error {
	if len(s.buf) >= n {
		return nil
	}

	if s.timeout > 0 {
		// A failure to set the deadline only happens on a closed stream,
		// which the following read reports more precisely.
		_ = s.r.SetReadDeadline(s.nowFn().Add(s.timeout))
		defer func() {
			_ = s.r.SetReadDeadline(time.Time{})
		}()
	}

	for len(s.buf) < n {
		if s.err != nil {
			return s.err
		}
		if err := s.read(); err != nil && len(s.buf) < n {
			return err
		}
	}
	return nil
}

// skipRejected drops the remainder of a rejected message,
// bounded by the frame timeout.
// If the sender stalls first, scanning resumes with whatever arrives next.
func (s *Scanner) skipRejected() error {
	if s.timeout > 0 {
		_ = s.r.SetReadDeadline(s.nowFn().Add(s.timeout))
		defer func() {
			_ = s.r.SetReadDeadline(time.Time{})
		}()
	}

	for s.skip > 0 {
		if len(s.buf) > 0 {
			n := min(uint64(len(s.buf)), s.skip)
			s.buf = s.buf[n:]
			s.skip -= n
			continue
		}

		if s.err != nil {
			return s.err
		}

		s.buf = s.store[:0]
		if err := s.read(); err != nil && len(s.buf) == 0 {
			if s.timeout > 0 && IsTimeout(err) {
				s.skip = 0
				return nil
			}
			return err
		}
	}
	return nil
}

// discard drops every buffered byte after a frame failed to complete.
func (s *Scanner) discard(kind Kind, err error) (Chunk, error) {
	b := s.take(len(s.buf))
	if IsTimeout(err) || errors.Is(err, io.EOF) {
		return Chunk{Kind: kind, Bytes: b}, &DecodeError{
			Kind:   kind,
			Err:    ErrTruncated,
			Detail: fmt.Sprintf("stream stalled after %d bytes", len(b)),
		}
	}
	return Chunk{Kind: kind, Bytes: b}, err
}

func isDiscriminatorPrefix(b []byte) bool {
	var cmd, msg [DiscriminatorSize]byte
	binary.BigEndian.PutUint32(cmd[:], CommandDiscriminator)
	binary.BigEndian.PutUint32(msg[:], MessageDiscriminator)

	n := len(b)
	return string(b) == string(cmd[:n]) || string(b) == string(msg[:n])
}

// IsTimeout reports whether err is the result of a read or write deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
