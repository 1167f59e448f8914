package bquictest

import (
	"bytes"
	"sync"
	"time"

	"github.com/gordian-engine/bitcomm/bquic"
)

// StubSendStream records everything written to it.
type StubSendStream struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	canceled bool
	code     bquic.StreamErrorCode

	closeOnce sync.Once
	done      chan struct{}
}

var _ bquic.SendStream = (*StubSendStream)(nil)

func NewStubSendStream() *StubSendStream {
	return &StubSendStream{done: make(chan struct{})}
}

func (s *StubSendStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

// Close marks the stream finished, closing the Done channel.
func (s *StubSendStream) Close() error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *StubSendStream) CancelWrite(code bquic.StreamErrorCode) {
	s.mu.Lock()
	s.canceled = true
	s.code = code
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.done) })
}

func (s *StubSendStream) SetWriteDeadline(time.Time) error { return nil }

// Done is closed after Close or CancelWrite.
func (s *StubSendStream) Done() <-chan struct{} { return s.done }

// Bytes returns a copy of everything written so far.
func (s *StubSendStream) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return bytes.Clone(s.buf.Bytes())
}

// Canceled reports whether CancelWrite was called, and with what code.
func (s *StubSendStream) Canceled() (bquic.StreamErrorCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code, s.canceled
}
