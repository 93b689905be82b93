package torncache

import (
	"context"
	"sync"

	"github.com/edwingeng/deque/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ClientPool lends Clients out one command at a time, so callers that
// would otherwise serialize on a single Client's per-server connections
// can run commands in parallel. The pool grows lazily: a borrow with no
// idle Client builds a new one while the total stays under size, and
// fails with ErrPoolExhausted once size Clients are already lent. size 0
// means unbounded.
//
// Every command borrows an idle Client, runs, and returns it before the
// result reaches the caller, so a callback-style chain of commands on the
// pool can never deadlock on its own borrow. Pooled Clients default to
// ignoreErrors=true; pass WithIgnoreErrors(false) to restore propagation.
type ClientPool struct {
	servers []Server
	size    int
	opts    []ClientOption

	mu     sync.Mutex // guards following
	free   *deque.Deque[*Client]
	busy   map[*Client]struct{}
	closed bool
}

// NewPool builds a ClientPool over a comma-separated server list; see
// ParseServers for the accepted address syntaxes.
func NewPool(addr string, size int, opts ...ClientOption) (*ClientPool, error) {
	servers, err := ParseServers(addr)
	if err != nil {
		return nil, err
	}

	return NewPoolServers(servers, size, opts...)
}

// NewPoolServers builds a ClientPool over explicit Server descriptors.
// No Client is built until the first borrow.
func NewPoolServers(servers []Server, size int, opts ...ClientOption) (*ClientPool, error) {
	if err := validateServers(servers); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.Wrapf(ErrIllegalInput, "pool size %d", size)
	}

	return &ClientPool{
		servers: servers,
		size:    size,
		opts:    append([]ClientOption{WithIgnoreErrors(true)}, opts...),
		free:    deque.NewDeque[*Client](),
		busy:    make(map[*Client]struct{}),
	}, nil
}

// Servers returns the configured server descriptors in their original
// order.
func (p *ClientPool) Servers() []Server {
	servers := make([]Server, len(p.servers))
	copy(servers, p.servers)
	return servers
}

// borrow hands out an idle Client, building a fresh one while the pool is
// under size.
func (p *ClientPool) borrow() (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	if p.free.Len() > 0 {
		cl := p.free.PopBack()
		p.busy[cl] = struct{}{}
		return cl, nil
	}

	if p.size > 0 && len(p.busy) >= p.size {
		return nil, errors.Wrapf(ErrPoolExhausted, "max of %d clients already lent", p.size)
	}

	cl, err := NewServers(p.servers, p.opts...)
	if err != nil {
		return nil, err
	}
	p.busy[cl] = struct{}{}

	return cl, nil
}

// release puts a lent Client back on the idle list; after Close it is
// closed instead.
func (p *ClientPool) release(cl *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.busy, cl)

	if p.closed {
		_ = cl.Close()
		return
	}

	p.free.PushFront(cl)
}

// with runs fn on a borrowed Client. The Client is back in the pool
// before with returns, so fn's result cannot chain into a self-deadlock.
func (p *ClientPool) with(fn func(cl *Client) error) error {
	cl, err := p.borrow()
	if err != nil {
		return err
	}

	ferr := fn(cl)
	p.release(cl)

	return ferr
}

// Close closes every idle Client and marks the pool closed; lent Clients
// are closed as they come back. Borrows after Close fail with
// ErrPoolClosed.
func (p *ClientPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var merr *multierror.Error
	for p.free.Len() > 0 {
		merr = multierror.Append(merr, p.free.PopBack().Close())
	}

	return merr.ErrorOrNil()
}

func (p *ClientPool) Set(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (stored bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		stored, ferr = cl.Set(ctx, key, value, expiry, noReply)
		return ferr
	})
	return stored, err
}

func (p *ClientPool) Add(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (stored bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		stored, ferr = cl.Add(ctx, key, value, expiry, noReply)
		return ferr
	})
	return stored, err
}

func (p *ClientPool) Replace(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (stored bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		stored, ferr = cl.Replace(ctx, key, value, expiry, noReply)
		return ferr
	})
	return stored, err
}

func (p *ClientPool) Append(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (stored bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		stored, ferr = cl.Append(ctx, key, value, expiry, noReply)
		return ferr
	})
	return stored, err
}

func (p *ClientPool) Prepend(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (stored bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		stored, ferr = cl.Prepend(ctx, key, value, expiry, noReply)
		return ferr
	})
	return stored, err
}

func (p *ClientPool) Cas(ctx context.Context, key string, value interface{}, expiry int32, cas uint64, noReply bool) (stored bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		stored, ferr = cl.Cas(ctx, key, value, expiry, cas, noReply)
		return ferr
	})
	return stored, err
}

func (p *ClientPool) Get(ctx context.Context, key string) (item *Item, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		item, ferr = cl.Get(ctx, key)
		return ferr
	})
	return item, err
}

func (p *ClientPool) Gets(ctx context.Context, key string) (item *Item, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		item, ferr = cl.Gets(ctx, key)
		return ferr
	})
	return item, err
}

func (p *ClientPool) GetMany(ctx context.Context, keys []string) (items map[string]*Item, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		items, ferr = cl.GetMany(ctx, keys)
		return ferr
	})
	return items, err
}

func (p *ClientPool) GetsMany(ctx context.Context, keys []string) (items map[string]*Item, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		items, ferr = cl.GetsMany(ctx, keys)
		return ferr
	})
	return items, err
}

func (p *ClientPool) SetMany(ctx context.Context, values map[string]interface{}, expiry int32, noReply bool) (results map[string]bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		results, ferr = cl.SetMany(ctx, values, expiry, noReply)
		return ferr
	})
	return results, err
}

func (p *ClientPool) Delete(ctx context.Context, key string, noReply bool) (deleted bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		deleted, ferr = cl.Delete(ctx, key, noReply)
		return ferr
	})
	return deleted, err
}

func (p *ClientPool) DeleteMany(ctx context.Context, keys []string, noReply bool) (results map[string]bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		results, ferr = cl.DeleteMany(ctx, keys, noReply)
		return ferr
	})
	return results, err
}

func (p *ClientPool) Incr(ctx context.Context, key string, delta uint64, noReply bool) (value uint64, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		value, ferr = cl.Incr(ctx, key, delta, noReply)
		return ferr
	})
	return value, err
}

func (p *ClientPool) Decr(ctx context.Context, key string, delta uint64, noReply bool) (value uint64, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		value, ferr = cl.Decr(ctx, key, delta, noReply)
		return ferr
	})
	return value, err
}

func (p *ClientPool) Touch(ctx context.Context, key string, expiry int32, noReply bool) (touched bool, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		touched, ferr = cl.Touch(ctx, key, expiry, noReply)
		return ferr
	})
	return touched, err
}

func (p *ClientPool) Stats(ctx context.Context, addr string, args ...string) (stats map[string]string, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		stats, ferr = cl.Stats(ctx, addr, args...)
		return ferr
	})
	return stats, err
}

func (p *ClientPool) Version(ctx context.Context, addr string) (version string, err error) {
	err = p.with(func(cl *Client) (ferr error) {
		version, ferr = cl.Version(ctx, addr)
		return ferr
	})
	return version, err
}

func (p *ClientPool) FlushAll(ctx context.Context, addr string, delay int32, noReply bool) error {
	return p.with(func(cl *Client) error {
		return cl.FlushAll(ctx, addr, delay, noReply)
	})
}

func (p *ClientPool) Quit(ctx context.Context, addr string) error {
	return p.with(func(cl *Client) error {
		return cl.Quit(ctx, addr)
	})
}
