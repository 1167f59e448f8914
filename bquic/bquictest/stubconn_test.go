package bquictest_test

import (
	"testing"
	"time"

	"github.com/gordian-engine/bitcomm/bquic"
	"github.com/gordian-engine/bitcomm/bquic/bquictest"
	"github.com/gordian-engine/bitcomm/internal/btest"
	"github.com/stretchr/testify/require"
)

type nopReceiveStream struct {
	canceled bool
}

func (s *nopReceiveStream) Read([]byte) (int, error) { return 0, nil }
func (s *nopReceiveStream) CancelRead(bquic.StreamErrorCode) { s.canceled = true }
func (s *nopReceiveStream) SetReadDeadline(time.Time) error { return nil }

func TestStubConn_AcceptUniStream(t *testing.T) {
	t.Parallel()

	conn := bquictest.NewStubConn()

	accepted := make(chan bquic.ReceiveStream, 1)
	go func() {
		rs, err := conn.AcceptUniStream(t.Context())
		if err != nil {
			t.Error(err)
			return
		}
		accepted <- rs
	}()

	var in bquic.ReceiveStream = &nopReceiveStream{}
	btest.SendSoon(t, conn.IncomingUniStreams, in)
	require.Same(t, in, btest.ReceiveSoon(t, accepted))

	require.NoError(t, conn.CloseWithError(1, "done"))
	_, err := conn.AcceptUniStream(t.Context())
	require.ErrorIs(t, err, bquictest.ErrStubClosed)
}

func TestStubConn_AcceptStream_closed(t *testing.T) {
	t.Parallel()

	conn := bquictest.NewStubConn()
	require.NoError(t, conn.CloseWithError(7, "bye"))

	_, err := conn.AcceptStream(t.Context())
	require.ErrorIs(t, err, bquictest.ErrStubClosed)

	code, msg, ok := conn.Closed()
	require.True(t, ok)
	require.Equal(t, bquic.ApplicationErrorCode(7), code)
	require.Equal(t, "bye", msg)
}
