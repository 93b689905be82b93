package torncache

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Broadcast addresses every server of the pool with the same command and
// collects the per-server outcomes keyed by "host:port". One Client is
// borrowed for the whole sweep; the servers run concurrently on its
// per-server connections and the Client is back in the pool before the
// results reach the caller.
type Broadcast struct {
	pool *ClientPool
}

// Broadcast returns the all-servers view of the pool.
func (p *ClientPool) Broadcast() *Broadcast {
	return &Broadcast{pool: p}
}

// each runs fn once per configured server, concurrently, merging the
// failures wrapped with the failed server's address.
func (b *Broadcast) each(fn func(cl *Client, addr string) error) error {
	return b.pool.with(func(cl *Client) error {
		var (
			mu   sync.Mutex
			merr *multierror.Error
			wg   sync.WaitGroup
		)

		for _, s := range cl.Servers() {
			wg.Add(1)
			go func(addr string) {
				defer wg.Done()

				if err := fn(cl, addr); err != nil {
					mu.Lock()
					merr = multierror.Append(merr, errors.Wrap(err, addr))
					mu.Unlock()
				}
			}(s.Addr())
		}
		wg.Wait()

		return merr.ErrorOrNil()
	})
}

// Stats collects every server's STAT pairs. With the pool's default
// ignoreErrors an unreachable server contributes an empty map.
func (b *Broadcast) Stats(ctx context.Context, args ...string) (map[string]map[string]string, error) {
	var mu sync.Mutex
	results := make(map[string]map[string]string, len(b.pool.servers))

	err := b.each(func(cl *Client, addr string) error {
		stats, err := cl.Stats(ctx, addr, args...)
		if err != nil {
			return err
		}

		mu.Lock()
		results[addr] = stats
		mu.Unlock()

		return nil
	})

	return results, err
}

// Version collects every server's version string. With the pool's default
// ignoreErrors an unreachable server contributes "".
func (b *Broadcast) Version(ctx context.Context) (map[string]string, error) {
	var mu sync.Mutex
	results := make(map[string]string, len(b.pool.servers))

	err := b.each(func(cl *Client, addr string) error {
		version, err := cl.Version(ctx, addr)
		if err != nil {
			return err
		}

		mu.Lock()
		results[addr] = version
		mu.Unlock()

		return nil
	})

	return results, err
}

// FlushAll invalidates every item on every server. The result maps each
// server to its own outcome, nil included, alongside the merged error.
func (b *Broadcast) FlushAll(ctx context.Context, delay int32, noReply bool) (map[string]error, error) {
	var mu sync.Mutex
	results := make(map[string]error, len(b.pool.servers))

	err := b.each(func(cl *Client, addr string) error {
		ferr := cl.FlushAll(ctx, addr, delay, noReply)

		mu.Lock()
		results[addr] = ferr
		mu.Unlock()

		return ferr
	})

	return results, err
}

// Quit drops the borrowed Client's connection to every server.
func (b *Broadcast) Quit(ctx context.Context) error {
	return b.each(func(cl *Client, addr string) error {
		return cl.Quit(ctx, addr)
	})
}
