package torncache

import (
	"context"

	"github.com/pkg/errors"
)

// storeCmd routes one storage command to the key's server. Under
// ignoreErrors a transport failure reports stored=false instead of the
// error.
func (c *Client) storeCmd(ctx context.Context, command, key string, value interface{}, expiry int32, cas uint64, noReply bool) (bool, error) {
	stored, err := c.pickConn(key).store(ctx, command, key, value, expiry, cas, noReply)
	if err != nil && c.degraded(err) {
		return false, nil
	}

	return stored, err
}

// Set stores the value unconditionally. expiry is seconds from now (or a
// unix timestamp past 30 days); 0 never expires. With noReply the server
// sends no reply and the call reports true right after the write.
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error) {
	return c.storeCmd(ctx, "set", key, value, expiry, 0, noReply)
}

// Add stores the value only if the key does not exist yet; false means it
// already did.
func (c *Client) Add(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error) {
	return c.storeCmd(ctx, "add", key, value, expiry, 0, noReply)
}

// Replace stores the value only if the key already exists; false means it
// did not.
func (c *Client) Replace(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error) {
	return c.storeCmd(ctx, "replace", key, value, expiry, 0, noReply)
}

// Append concatenates the value after an existing one; false means the key
// does not exist. expiry is carried on the wire but memcached ignores it.
func (c *Client) Append(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error) {
	return c.storeCmd(ctx, "append", key, value, expiry, 0, noReply)
}

// Prepend concatenates the value before an existing one; false means the
// key does not exist.
func (c *Client) Prepend(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error) {
	return c.storeCmd(ctx, "prepend", key, value, expiry, 0, noReply)
}

// Cas stores the value only if it is unchanged since the Gets that
// produced cas. false means somebody raced a write in between; a key that
// vanished entirely reports (false, ErrNotFound).
func (c *Client) Cas(ctx context.Context, key string, value interface{}, expiry int32, cas uint64, noReply bool) (bool, error) {
	return c.storeCmd(ctx, "cas", key, value, expiry, cas, noReply)
}

// fetchOne narrows the multi-key exchange to a single key. A miss is
// ErrNotFound; under ignoreErrors a transport failure reads as a miss too.
func (c *Client) fetchOne(ctx context.Context, command, key string) (*Item, error) {
	items, err := c.pickConn(key).fetchItems(ctx, command, []string{key})
	if err != nil {
		if c.degraded(err) {
			return nil, errors.Wrap(ErrNotFound, key)
		}

		return nil, err
	}

	item, ok := items[key]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, key)
	}

	return item, nil
}

// Get fetches one value; a miss is ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (*Item, error) {
	return c.fetchOne(ctx, "get", key)
}

// Gets fetches one value along with its CAS token for a later Cas call.
func (c *Client) Gets(ctx context.Context, key string) (*Item, error) {
	return c.fetchOne(ctx, "gets", key)
}

// deleteOn runs one delete against an already-picked connection so Delete
// and DeleteMany share the exchange.
func deleteOn(ctx context.Context, cn *conn, key string, noReply bool) (bool, error) {
	line, err := cn.misc(ctx, buildDeleteCommand(key, noReply), noReply)
	if err != nil {
		return false, err
	}
	if noReply {
		return true, nil
	}

	return parseBoolReply("delete", line, _DeletedCRLFBytes)
}

// Delete removes the key; false means it was not there. Under ignoreErrors
// a transport failure reports false.
func (c *Client) Delete(ctx context.Context, key string, noReply bool) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	deleted, err := deleteOn(ctx, c.pickConn(key), key, noReply)
	if err != nil && c.degraded(err) {
		return false, nil
	}

	return deleted, err
}

// arithmeticCmd routes one incr/decr. The missing-key reply NOT_FOUND maps
// to (0, ErrNotFound), and under ignoreErrors a transport failure reads
// the same way.
func (c *Client) arithmeticCmd(ctx context.Context, command, key string, delta uint64, noReply bool) (uint64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}

	line, err := c.pickConn(key).misc(ctx, buildArithmeticCommand(command, key, delta, noReply), noReply)
	if err != nil {
		if c.degraded(err) {
			return 0, errors.Wrap(ErrNotFound, key)
		}

		return 0, err
	}
	if noReply {
		return 0, nil
	}

	return parseArithmeticReply(command, line)
}

// Incr adds delta to an existing numeric value and returns the new value.
// The server keeps the result unsigned and wraps at 2^64.
func (c *Client) Incr(ctx context.Context, key string, delta uint64, noReply bool) (uint64, error) {
	return c.arithmeticCmd(ctx, "incr", key, delta, noReply)
}

// Decr subtracts delta from an existing numeric value and returns the new
// value. The server clamps at 0 instead of underflowing.
func (c *Client) Decr(ctx context.Context, key string, delta uint64, noReply bool) (uint64, error) {
	return c.arithmeticCmd(ctx, "decr", key, delta, noReply)
}

// Touch updates the expiry of an existing key without rewriting its value;
// false means the key was not there.
func (c *Client) Touch(ctx context.Context, key string, expiry int32, noReply bool) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	line, err := c.pickConn(key).misc(ctx, buildTouchCommand(key, expiry, noReply), noReply)
	if err != nil {
		if c.degraded(err) {
			return false, nil
		}

		return false, err
	}
	if noReply {
		return true, nil
	}

	return parseBoolReply("touch", line, _TouchedCRLFBytes)
}

// Stats queries one server, addressed as "host" or "host:port", and
// returns its STAT pairs. Optional args select a stats domain such as
// "items" or "slabs". Under ignoreErrors an unreachable server yields an
// empty map.
func (c *Client) Stats(ctx context.Context, addr string, args ...string) (map[string]string, error) {
	cn, err := c.addrConn(addr)
	if err != nil {
		return nil, err
	}

	stats, err := cn.fetchStats(ctx, args)
	if err != nil {
		if c.degraded(err) {
			return map[string]string{}, nil
		}

		return nil, err
	}

	return stats, nil
}

// Version asks one server for its version string. Under ignoreErrors an
// unreachable server yields "".
func (c *Client) Version(ctx context.Context, addr string) (string, error) {
	cn, err := c.addrConn(addr)
	if err != nil {
		return "", err
	}

	version, err := cn.fetchVersion(ctx)
	if err != nil {
		if c.degraded(err) {
			return "", nil
		}

		return "", err
	}

	return version, nil
}

// FlushAll invalidates every item on one server, after delay seconds when
// delay > 0. Items are expired, not freed; memory is reused as new items
// arrive.
func (c *Client) FlushAll(ctx context.Context, addr string, delay int32, noReply bool) error {
	cn, err := c.addrConn(addr)
	if err != nil {
		return err
	}

	line, err := cn.misc(ctx, buildFlushAllCommand(delay, noReply), noReply)
	if err != nil {
		if c.degraded(err) {
			return nil
		}

		return err
	}
	if noReply {
		return nil
	}

	return parseOKReply("flush_all", line)
}

// Quit tells one server the session is over and drops the connection. The
// next command reconnects.
func (c *Client) Quit(ctx context.Context, addr string) error {
	cn, err := c.addrConn(addr)
	if err != nil {
		return err
	}

	return cn.quit(ctx)
}
