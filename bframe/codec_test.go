package bframe_test

import (
	"encoding/binary"
	"math/rand/v2"
	"testing"

	"github.com/gordian-engine/bitcomm/bframe"
	"github.com/gordian-engine/bitcomm/bframe/bframetest"
	"github.com/gordian-engine/bitcomm/internal/btest"
	"github.com/stretchr/testify/require"
)

func TestCommand_roundTrip(t *testing.T) {
	t.Parallel()

	r := rand.New(btest.NewChaCha8ForTest(t))
	for range 200 {
		want := bframetest.RandomCommand(r)

		b := want.Encode()
		require.Len(t, b, bframe.CommandSize)
		require.Equal(t, bframe.CommandKind, bframe.Classify(b))

		got, err := bframe.DecodeCommand(b)
		require.NoError(t, err)
		require.Equal(t, want, got)

		// Decoding the re-encoded value is stable.
		again, err := bframe.DecodeCommand(got.Encode())
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
}

func TestMessage_roundTrip(t *testing.T) {
	t.Parallel()

	r := rand.New(btest.NewChaCha8ForTest(t))
	for range 200 {
		want := bframetest.RandomMessage(r, 512)

		b := want.Encode()
		require.Len(t, b, bframe.HeaderSize+len(want.Payload))
		require.Equal(t, bframe.MessageKind, bframe.Classify(b))

		got, err := bframe.DecodeMessage(b)
		require.NoError(t, err)
		require.Equal(t, want, got)

		again, err := bframe.DecodeMessage(got.Encode())
		require.NoError(t, err)
		require.Equal(t, got, again)
	}
}

func TestMessage_decodeCopiesPayload(t *testing.T) {
	t.Parallel()

	b := bframe.Message{Payload: []byte("hello")}.Encode()
	m, err := bframe.DecodeMessage(b)
	require.NoError(t, err)

	clear(b)
	require.Equal(t, []byte("hello"), m.Payload)
}

func TestAppendEncode_preservesPrefix(t *testing.T) {
	t.Parallel()

	dst := []byte("prefix")
	dst = bframe.Command{Code: 7}.AppendEncode(dst)
	require.Equal(t, "prefix", string(dst[:6]))

	c, err := bframe.DecodeCommand(dst[6:])
	require.NoError(t, err)
	require.Equal(t, uint16(7), c.Code)
}

func TestClassify_totalAndExclusive(t *testing.T) {
	t.Parallel()

	r := rand.New(btest.NewChaCha8ForTest(t))
	for range 2000 {
		b := make([]byte, r.IntN(80))
		for i := range b {
			b[i] = byte(r.Uint32())
		}

		k := bframe.Classify(b)

		var matches int
		for _, candidate := range []bframe.Kind{
			bframe.Unrecognized, bframe.CommandKind, bframe.MessageKind,
		} {
			if k == candidate {
				matches++
			}
		}
		require.Equal(t, 1, matches, "buffer %x classified as %v", b, k)

		// The only recognized kinds are the ones whose discriminator matches.
		if len(b) >= 4 {
			switch binary.BigEndian.Uint32(b) {
			case bframe.CommandDiscriminator:
				require.Equal(t, bframe.CommandKind, k)
			case bframe.MessageDiscriminator:
				require.Equal(t, bframe.MessageKind, k)
			default:
				require.Equal(t, bframe.Unrecognized, k)
			}
		} else {
			require.Equal(t, bframe.Unrecognized, k)
		}
	}
}

func TestClassify_onlyInspectsDiscriminator(t *testing.T) {
	t.Parallel()

	require.Equal(t, bframe.CommandKind, bframe.Classify([]byte("BCMC")))
	require.Equal(t, bframe.MessageKind, bframe.Classify([]byte("BCMMgarbage")))
	require.Equal(t, bframe.Unrecognized, bframe.Classify([]byte("BCM")))
	require.Equal(t, bframe.Unrecognized, bframe.Classify(nil))
	require.Equal(t, bframe.Unrecognized, bframe.Classify([]byte("hello, world")))
}

func TestDecodeCommand_errors(t *testing.T) {
	t.Parallel()

	valid := bframe.Command{Code: 1}.Encode()

	for _, tc := range []struct {
		name string
		b    []byte
		want error
	}{
		{name: "message discriminator", b: bframe.Message{}.Encode(), want: bframe.ErrWrongKind},
		{name: "short", b: valid[:40], want: bframe.ErrTruncated},
		{name: "long", b: append(append([]byte(nil), valid...), 0), want: bframe.ErrLengthMismatch},
		{name: "version", b: withByte(valid, 4, 2), want: bframe.ErrBadVersion},
		{name: "snappy flag", b: withByte(valid, 5, byte(bframe.FlagSnappy)), want: bframe.ErrBadFlags},
		{name: "unknown flag", b: withByte(valid, 5, 0x80), want: bframe.ErrBadFlags},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			c, err := bframe.DecodeCommand(tc.b)
			require.ErrorIs(t, err, tc.want)
			require.Zero(t, c)

			var de *bframe.DecodeError
			require.ErrorAs(t, err, &de)
		})
	}
}

func TestDecodeMessage_errors(t *testing.T) {
	t.Parallel()

	valid := bframe.Message{Payload: []byte("abcdefgh")}.Encode()

	overLimit := withUint32(valid, 56, bframe.DefaultLimits().MaxPayload+1)

	for _, tc := range []struct {
		name string
		b    []byte
		want error
	}{
		{name: "command discriminator", b: bframe.Command{}.Encode(), want: bframe.ErrWrongKind},
		{name: "short header", b: valid[:20], want: bframe.ErrTruncated},
		{name: "declared longer than buffer", b: withUint32(valid, 56, 100), want: bframe.ErrTruncated},
		{name: "declared shorter than buffer", b: withUint32(valid, 56, 2), want: bframe.ErrLengthMismatch},
		{name: "over limit", b: overLimit, want: bframe.ErrPayloadTooLarge},
		{name: "version", b: withByte(valid, 4, 0), want: bframe.ErrBadVersion},
		{name: "unknown flag", b: withByte(valid, 5, 0x40), want: bframe.ErrBadFlags},
		{name: "corrupt payload", b: withByte(valid, bframe.HeaderSize+1, 'X'), want: bframe.ErrChecksum},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			m, err := bframe.DecodeMessage(tc.b)
			require.ErrorIs(t, err, tc.want)
			require.Zero(t, m)
		})
	}
}

func TestMessage_compression(t *testing.T) {
	t.Parallel()

	payload := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	m := bframe.Message{Type: 3, Payload: payload}.CompressPayload()
	require.NotZero(t, m.Flags&bframe.FlagSnappy)
	require.Less(t, len(m.Payload), len(payload))

	// Compressing twice is a no-op.
	require.Equal(t, m, m.CompressPayload())

	decoded, err := bframe.DecodeMessage(m.Encode())
	require.NoError(t, err)

	got, err := decoded.DecompressedPayload()
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestMessage_decompressCorrupt(t *testing.T) {
	t.Parallel()

	m := bframe.Message{Flags: bframe.FlagSnappy, Payload: []byte{0xff, 0xff, 0xff}}
	_, err := m.DecompressedPayload()
	require.Error(t, err)
}

func withByte(b []byte, off int, v byte) []byte {
	out := append([]byte(nil), b...)
	out[off] = v
	return out
}

func withUint32(b []byte, off int, v uint32) []byte {
	out := append([]byte(nil), b...)
	binary.BigEndian.PutUint32(out[off:], v)
	return out
}
