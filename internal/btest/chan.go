package btest

import (
	"testing"
	"time"
)

// ScheduleTimeout is how long the channel helpers wait
// before deciding that a value is not going to arrive.
const ScheduleTimeout = 2 * time.Second

// ReceiveSoon receives a value from ch,
// failing the test if nothing arrives within [ScheduleTimeout].
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScheduleTimeout)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", ScheduleTimeout)
	}

	panic("unreachable")
}

// SendSoon sends v on ch,
// failing the test if the send does not complete within [ScheduleTimeout].
func SendSoon[T any](t testing.TB, ch chan<- T, v T) {
	t.Helper()

	timer := time.NewTimer(ScheduleTimeout)
	defer timer.Stop()

	select {
	case ch <- v:
		// Okay.
	case <-timer.C:
		t.Fatalf("value not sent within %s", ScheduleTimeout)
	}
}

// IsSending fails the test if ch is not immediately readable.
// It is intended for channels that are closed to signal readiness.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		// Okay.
	default:
		t.Fatal("channel was not ready to receive")
	}
}

// NotSending fails the test if ch is readable
// after a short grace period.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
		t.Fatal("channel unexpectedly ready to receive")
	case <-time.After(10 * time.Millisecond):
		// Okay.
	}
}
