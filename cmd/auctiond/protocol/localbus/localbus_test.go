package localbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/stretchr/testify/require"
)

func TestBroadcast(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := New()

	var lk sync.Mutex
	received := make(map[peer.ID][]string)
	record := func(self peer.ID) func(context.Context, peer.ID, []byte) error {
		return func(_ context.Context, from peer.ID, data []byte) error {
			lk.Lock()
			defer lk.Unlock()
			received[self] = append(received[self], string(from)+":"+string(data))
			return nil
		}
	}

	a, b, c := bus.Transport("a"), bus.Transport("b"), bus.Transport("c")
	for _, tr := range []*Transport{a, b, c} {
		require.NoError(t, tr.Join(ctx, "topic", record(tr.ID())))
	}
	require.Error(t, a.Join(ctx, "topic", record("a")))
	require.Error(t, a.Publish(ctx, "other", []byte("x")))

	require.NoError(t, a.Publish(ctx, "topic", []byte("1")))
	require.NoError(t, a.Publish(ctx, "topic", []byte("2")))
	require.NoError(t, b.Publish(ctx, "topic", []byte("3")))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(waitCtx))

	lk.Lock()
	defer lk.Unlock()
	require.Equal(t, []string{"b:3"}, received["a"])
	require.Equal(t, []string{"a:1", "a:2"}, received["b"])
	require.Equal(t, []string{"a:1", "a:2", "b:3"}, received["c"])
}

func TestWaitIncludesCascades(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := New()
	a, b := bus.Transport("a"), bus.Transport("b")

	var echoed int
	var lk sync.Mutex
	require.NoError(t, a.Join(ctx, "ping", func(ctx context.Context, _ peer.ID, _ []byte) error {
		lk.Lock()
		echoed++
		lk.Unlock()
		return nil
	}))
	require.NoError(t, b.Join(ctx, "ping", func(ctx context.Context, _ peer.ID, data []byte) error {
		time.Sleep(10 * time.Millisecond)
		return b.Publish(ctx, "ping", data)
	}))

	require.NoError(t, a.Publish(ctx, "ping", []byte("x")))
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(waitCtx))
	lk.Lock()
	defer lk.Unlock()
	require.Equal(t, 1, echoed)
}

func TestClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	bus := New()
	a, b := bus.Transport("a"), bus.Transport("b")
	require.NoError(t, a.Join(ctx, "topic", func(context.Context, peer.ID, []byte) error { return nil }))
	require.NoError(t, b.Join(ctx, "topic", func(context.Context, peer.ID, []byte) error { return nil }))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	require.ErrorIs(t, b.Publish(ctx, "topic", nil), ErrClosed)
	require.NoError(t, a.Publish(ctx, "topic", []byte("x")))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, bus.Wait(waitCtx))
}
