package bqueue_test

import (
	"context"
	"sync"
	"testing"

	"github.com/gordian-engine/bitcomm/bqueue"
	"github.com/gordian-engine/bitcomm/internal/btest"
	"github.com/stretchr/testify/require"
)

type item struct {
	Producer int
	Seq      int
}

func TestQueue_perProducerOrder(t *testing.T) {
	t.Parallel()

	s, r := bqueue.New[item](bqueue.Config{})

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	for p := range producers {
		ps := s.Clone()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ps.Close()
			for i := range perProducer {
				if err := ps.Send(t.Context(), item{Producer: p, Seq: i}); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	s.Close()

	next := make([]int, producers)
	got := 0
	for {
		v, err := r.Receive(t.Context())
		if err == bqueue.ErrClosed {
			break
		}
		require.NoError(t, err)
		require.Equal(t, next[v.Producer], v.Seq, "producer %d out of order", v.Producer)
		next[v.Producer]++
		got++
	}
	wg.Wait()

	require.Equal(t, producers*perProducer, got)
}

func TestQueue_drainsAfterSendersClose(t *testing.T) {
	t.Parallel()

	s, r := bqueue.New[int](bqueue.Config{})
	require.NoError(t, s.Send(t.Context(), 1))
	require.NoError(t, s.Send(t.Context(), 2))
	s.Close()
	s.Close() // Idempotent.

	require.ErrorIs(t, s.Send(t.Context(), 3), bqueue.ErrClosed)

	v, err := r.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, v)
	v, err = r.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, v)

	_, err = r.Receive(t.Context())
	require.ErrorIs(t, err, bqueue.ErrClosed)
}

func TestQueue_receiverClosed(t *testing.T) {
	t.Parallel()

	s, r := bqueue.New[int](bqueue.Config{})
	require.NoError(t, s.Send(t.Context(), 1))
	r.Close()

	require.ErrorIs(t, s.Send(t.Context(), 2), bqueue.ErrClosed)
	require.Zero(t, r.Stats().Len)
}

func TestQueue_reject(t *testing.T) {
	t.Parallel()

	s, r := bqueue.New[int](bqueue.Config{Capacity: 2, Overflow: bqueue.OverflowReject})
	require.NoError(t, s.Send(t.Context(), 1))
	require.NoError(t, s.Send(t.Context(), 2))
	require.ErrorIs(t, s.Send(t.Context(), 3), bqueue.ErrFull)

	v, err := r.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	require.NoError(t, s.Send(t.Context(), 3))
	require.Equal(t, 2, s.Stats().Len)
}

func TestQueue_dropOldest(t *testing.T) {
	t.Parallel()

	s, r := bqueue.New[int](bqueue.Config{Capacity: 2, Overflow: bqueue.OverflowDropOldest})
	for i := range 5 {
		require.NoError(t, s.Send(t.Context(), i))
	}

	st := r.Stats()
	require.Equal(t, 2, st.Len)
	require.Equal(t, uint64(3), st.Dropped)
	require.Equal(t, "drop-oldest", st.Overflow)

	v, err := r.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 3, v)
	v, err = r.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 4, v)
}

func TestQueue_blockWaitsForSpace(t *testing.T) {
	t.Parallel()

	s, r := bqueue.New[int](bqueue.Config{Capacity: 1, Overflow: bqueue.OverflowBlock})
	require.NoError(t, s.Send(t.Context(), 1))

	sent := make(chan error, 1)
	go func() {
		sent <- s.Send(t.Context(), 2)
	}()
	btest.NotSending(t, sent)

	v, err := r.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, v)

	require.NoError(t, btest.ReceiveSoon(t, sent))

	v, err = r.Receive(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, v)
}

func TestQueue_blockHonorsContext(t *testing.T) {
	t.Parallel()

	s, _ := bqueue.New[int](bqueue.Config{Capacity: 1})
	require.NoError(t, s.Send(t.Context(), 1))

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	require.ErrorIs(t, s.Send(ctx, 2), context.Canceled)
}

func TestQueue_receiveWaits(t *testing.T) {
	t.Parallel()

	s, r := bqueue.New[int](bqueue.Config{})

	got := make(chan int, 1)
	go func() {
		v, err := r.Receive(t.Context())
		if err == nil {
			got <- v
		}
	}()
	btest.NotSending(t, got)

	require.NoError(t, s.Send(t.Context(), 42))
	require.Equal(t, 42, btest.ReceiveSoon(t, got))
}

func TestNew_panicsOnBadConfig(t *testing.T) {
	t.Parallel()

	require.Panics(t, func() { bqueue.New[int](bqueue.Config{Capacity: -1}) })
	require.Panics(t, func() { bqueue.New[int](bqueue.Config{Overflow: 9}) })
}

func TestParseOverflow(t *testing.T) {
	t.Parallel()

	for _, o := range []bqueue.Overflow{bqueue.OverflowBlock, bqueue.OverflowReject, bqueue.OverflowDropOldest} {
		got, err := bqueue.ParseOverflow(o.String())
		require.NoError(t, err)
		require.Equal(t, o, got)
	}

	_, err := bqueue.ParseOverflow("spill")
	require.Error(t, err)
}
