package torncache

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_pool_capacity(t *testing.T) {
	srv := newTestServer(t)

	p, err := NewPool(srv.addr(), 2)
	require.NoError(t, err)

	cl1, err := p.borrow()
	require.NoError(t, err)
	cl2, err := p.borrow()
	require.NoError(t, err)

	// both slots are lent, the next borrow fails synchronously
	_, err = p.borrow()
	assert.True(t, errors.Is(err, ErrPoolExhausted))

	p.release(cl1)
	cl3, err := p.borrow()
	require.NoError(t, err)
	assert.Same(t, cl1, cl3)

	p.release(cl2)
	p.release(cl3)
	assert.Equal(t, 2, p.free.Len())
	assert.Empty(t, p.busy)
}

func Test_pool_lazy_growth(t *testing.T) {
	srv := newTestServer(t)

	p, err := NewPool(srv.addr(), 3)
	require.NoError(t, err)

	// nothing is built until the first borrow
	assert.Equal(t, 0, p.free.Len())
	assert.Empty(t, p.busy)

	cl, err := p.borrow()
	require.NoError(t, err)
	assert.Len(t, p.busy, 1)
	p.release(cl)
	assert.Equal(t, 1, p.free.Len())

	// a sequential command reuses the idle client instead of growing
	_, err = p.Set(context.Background(), "key", []byte("v"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, p.free.Len())
	assert.Empty(t, p.busy)
}

func Test_pool_released_before_result(t *testing.T) {
	srv := newTestServer(t)

	// size 1: this sequence would exhaust the pool if a command kept its
	// client lent while the caller consumed the result
	p, err := NewPool(srv.addr(), 1)
	require.NoError(t, err)
	ctx := context.Background()

	stored, err := p.Set(ctx, "counter", []byte("1"), 0, false)
	require.NoError(t, err)
	assert.True(t, stored)

	value, err := p.Incr(ctx, "counter", 1, false)
	require.NoError(t, err)
	assert.EqualValues(t, 2, value)

	item, err := p.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), item.Value)
}

func Test_pool_with_releases_on_error(t *testing.T) {
	srv := newTestServer(t)

	p, err := NewPool(srv.addr(), 1)
	require.NoError(t, err)

	sentinel := errors.New("boom")
	err = p.with(func(cl *Client) error { return sentinel })
	assert.True(t, errors.Is(err, sentinel))
	assert.Equal(t, 1, p.free.Len())
	assert.Empty(t, p.busy)
}

func Test_pool_unbounded(t *testing.T) {
	srv := newTestServer(t)

	p, err := NewPool(srv.addr(), 0)
	require.NoError(t, err)

	clients := make([]*Client, 0, 10)
	for i := 0; i < 10; i++ {
		cl, err := p.borrow()
		require.NoError(t, err)
		clients = append(clients, cl)
	}
	assert.Len(t, p.busy, 10)

	for _, cl := range clients {
		p.release(cl)
	}
	assert.Equal(t, 10, p.free.Len())
}

func Test_pool_close(t *testing.T) {
	srv := newTestServer(t)

	p, err := NewPool(srv.addr(), 2)
	require.NoError(t, err)
	ctx := context.Background()

	lent, err := p.borrow()
	require.NoError(t, err)

	// a command builds and releases the second client
	_, err = p.Set(ctx, "key", []byte("v"), 0, false)
	require.NoError(t, err)
	assert.Equal(t, 1, p.free.Len())

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.free.Len())

	_, err = p.Get(ctx, "key")
	assert.True(t, errors.Is(err, ErrPoolClosed))

	// a client lent across Close is closed on release, not re-pooled
	p.release(lent)
	assert.Equal(t, 0, p.free.Len())

	assert.NoError(t, p.Close())
}

func Test_pool_default_ignore_errors(t *testing.T) {
	addr := closedAddr(t)
	ctx := context.Background()

	p, err := NewPool(addr, 1)
	require.NoError(t, err)

	// transport failures read as misses by default
	_, err = p.Get(ctx, "key")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	stored, err := p.Set(ctx, "key", []byte("v"), 0, false)
	assert.NoError(t, err)
	assert.False(t, stored)

	// the override restores propagation
	p2, err := NewPool(addr, 1, WithIgnoreErrors(false))
	require.NoError(t, err)

	_, err = p2.Get(ctx, "key")
	assert.Error(t, err)
	assert.True(t, isTransportFailure(err))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func Test_pool_invalid_construction(t *testing.T) {
	_, err := NewPool("", 1)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = NewPoolServers(nil, 1)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = NewPoolServers([]Server{{Host: "h", Port: 11211, Weight: 0}}, 1)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = NewPoolServers([]Server{{Host: "h", Port: 11211, Weight: 1}}, -1)
	assert.True(t, errors.Is(err, ErrIllegalInput))
}

func Test_pool_servers_copy(t *testing.T) {
	p, err := NewPool("127.0.0.1:11211", 1)
	require.NoError(t, err)

	servers := p.Servers()
	servers[0].Host = "mutated"
	assert.Equal(t, "127.0.0.1", p.servers[0].Host)
}

func Test_pool_concurrent_commands(t *testing.T) {
	srv := newTestServer(t)

	p, err := NewPool(srv.addr(), 0)
	require.NoError(t, err)
	ctx := context.Background()

	wg := sync.WaitGroup{}
	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			key := "key" + strconv.Itoa(i)
			for n := 0; n < 20; n++ {
				_, err := p.Set(ctx, key, []byte("v"), 0, false)
				assert.NoError(t, err)

				item, err := p.Get(ctx, key)
				assert.NoError(t, err)
				assert.Equal(t, []byte("v"), item.Value)
			}
		}(i)
	}
	wg.Wait()

	// the burst is over, every client is back on the idle list; at most
	// one client per in-flight command was ever built
	assert.Empty(t, p.busy)
	assert.GreaterOrEqual(t, p.free.Len(), 1)
	assert.LessOrEqual(t, p.free.Len(), 8)
}
