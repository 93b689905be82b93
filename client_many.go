package torncache

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// partition groups keys by the connection they route to, preserving the
// caller's key order inside each group.
func (c *Client) partition(keys []string) map[*conn][]string {
	shards := make(map[*conn][]string, len(c.conns))
	for _, key := range keys {
		cn := c.pickConn(key)
		shards[cn] = append(shards[cn], key)
	}

	return shards
}

// fetchMany fans one get/gets out as a single aggregated command per
// server, running the servers concurrently. Missing keys are absent from
// the result. A failed server contributes its error (wrapped with the
// server address) while the other servers' items are still returned;
// under ignoreErrors a transport-failed server is skipped silently.
func (c *Client) fetchMany(ctx context.Context, command string, keys []string) (map[string]*Item, error) {
	merged := make(map[string]*Item, len(keys))
	if len(keys) == 0 {
		return merged, nil
	}
	if err := validateKeys(keys); err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)

	for cn, shard := range c.partition(keys) {
		wg.Add(1)
		go func(cn *conn, shard []string) {
			defer wg.Done()

			items, err := cn.fetchItems(ctx, command, shard)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				if !c.degraded(err) {
					merr = multierror.Append(merr, errors.Wrap(err, cn.server.Addr()))
				}
				return
			}
			for key, item := range items {
				merged[key] = item
			}
		}(cn, shard)
	}
	wg.Wait()

	return merged, merr.ErrorOrNil()
}

// GetMany fetches many keys at once, one aggregated get per server.
func (c *Client) GetMany(ctx context.Context, keys []string) (map[string]*Item, error) {
	return c.fetchMany(ctx, "get", keys)
}

// GetsMany fetches many keys with their CAS tokens, one aggregated gets
// per server.
func (c *Client) GetsMany(ctx context.Context, keys []string) (map[string]*Item, error) {
	return c.fetchMany(ctx, "gets", keys)
}

// SetMany stores many values, running the servers concurrently and the
// keys of one server in order. The result maps every key to whether it
// stored; failed keys read false, with the failures merged into the
// returned error unless ignoreErrors swallows them. Once a server's
// transport fails its remaining keys are marked false without further
// exchanges.
func (c *Client) SetMany(ctx context.Context, values map[string]interface{}, expiry int32, noReply bool) (map[string]bool, error) {
	results := make(map[string]bool, len(values))
	if len(values) == 0 {
		return results, nil
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		if err := validateKey(key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)

	for cn, shard := range c.partition(keys) {
		wg.Add(1)
		go func(cn *conn, shard []string) {
			defer wg.Done()

			for i, key := range shard {
				stored, err := cn.store(ctx, "set", key, values[key], expiry, 0, noReply)

				mu.Lock()
				if err == nil {
					results[key] = stored
					mu.Unlock()
					continue
				}

				if isTransportFailure(err) {
					// the whole server is gone, do not hammer the quarantine
					for _, k := range shard[i:] {
						results[k] = false
					}
					if !c.degraded(err) {
						merr = multierror.Append(merr, errors.Wrap(err, cn.server.Addr()))
					}
					mu.Unlock()
					return
				}

				results[key] = false
				merr = multierror.Append(merr, errors.Wrap(err, key))
				mu.Unlock()
			}
		}(cn, shard)
	}
	wg.Wait()

	return results, merr.ErrorOrNil()
}

// DeleteMany removes many keys, running the servers concurrently and the
// keys of one server in order. The result maps every key to whether it
// existed; failed keys read false, with the failures merged into the
// returned error unless ignoreErrors swallows them.
func (c *Client) DeleteMany(ctx context.Context, keys []string, noReply bool) (map[string]bool, error) {
	results := make(map[string]bool, len(keys))
	if len(keys) == 0 {
		return results, nil
	}
	if err := validateKeys(keys); err != nil {
		return nil, err
	}

	var (
		mu   sync.Mutex
		merr *multierror.Error
		wg   sync.WaitGroup
	)

	for cn, shard := range c.partition(keys) {
		wg.Add(1)
		go func(cn *conn, shard []string) {
			defer wg.Done()

			for i, key := range shard {
				deleted, err := deleteOn(ctx, cn, key, noReply)

				mu.Lock()
				if err == nil {
					results[key] = deleted
					mu.Unlock()
					continue
				}

				if isTransportFailure(err) {
					for _, k := range shard[i:] {
						results[k] = false
					}
					if !c.degraded(err) {
						merr = multierror.Append(merr, errors.Wrap(err, cn.server.Addr()))
					}
					mu.Unlock()
					return
				}

				results[key] = false
				merr = multierror.Append(merr, errors.Wrap(err, key))
				mu.Unlock()
			}
		}(cn, shard)
	}
	wg.Wait()

	return results, merr.ErrorOrNil()
}
