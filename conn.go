package torncache

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type nowFuncType func() time.Time

// nowFunc is the clock the quarantine window and deadlines are computed
// from. Tests swap it to steer the window.
var nowFunc nowFuncType = time.Now

// dialFunc opens the TCP session to one server. Tests swap it to count
// dials or to script connect failures.
var dialFunc = dialServer

func dialServer(ctx context.Context, address string, timeout time.Duration) (net.Conn, error) {
	return (&net.Dialer{Timeout: timeout}).DialContext(ctx, "tcp", address)
}

// conn owns the single TCP session to one server. Every command path holds
// mu for its whole request/response exchange, so a conn never has two
// in-flight requests; the session reconnects lazily between commands.
type conn struct {
	server Server
	opts   *clientOptions

	mu   sync.Mutex // guards following
	sock net.Conn
	rr   *bufio.Reader
	wr   *bufio.Writer

	// deadUntil is set after a transport failure; until it passes, every
	// command fails fast with ErrServerDead without touching the network.
	deadUntil time.Time
}

func newConn(server Server, opts *clientOptions) *conn {
	return &conn{
		server: server,
		opts:   opts,
	}
}

// connect ensures the session is usable. Callers hold mu.
func (c *conn) connect(ctx context.Context) error {
	if c.sock != nil {
		return nil
	}

	now := nowFunc()
	if now.Before(c.deadUntil) {
		return errors.Wrapf(ErrServerDead, "%s for another %s", c.server.Addr(), c.deadUntil.Sub(now))
	}

	sock, err := dialFunc(ctx, c.server.Addr(), c.opts.connectTimeout)
	if err != nil {
		err = translateIOError(err, "connect "+c.server.Addr())
		c.markDead()
		return err
	}

	if tcp, ok := sock.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(c.opts.noDelay)
	}

	c.sock = sock
	c.rr = bufio.NewReader(sock)
	c.wr = bufio.NewWriter(sock)
	c.deadUntil = time.Time{}

	return nil
}

// markDead starts the quarantine window and drops the socket. While a
// window is already running the call is a no-op, so repeated failures do
// not extend it. Callers hold mu.
func (c *conn) markDead() {
	now := nowFunc()
	if now.Before(c.deadUntil) {
		return
	}

	c.deadUntil = now.Add(c.opts.deadRetry)
	c.closeSocket()
}

// dead reports whether the quarantine window is still running.
func (c *conn) dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return nowFunc().Before(c.deadUntil)
}

func (c *conn) closeSocket() {
	if c.sock == nil {
		return
	}

	_ = c.sock.Close()
	c.sock, c.rr, c.wr = nil, nil, nil
}

// close sends a best-effort quit and drops the socket. Safe to call
// repeatedly.
func (c *conn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != nil {
		_ = c.sock.SetWriteDeadline(nowFunc().Add(100 * time.Millisecond))
		_, _ = c.sock.Write(_QuitCommandBytes)
	}
	c.closeSocket()

	return nil
}

// proximateDeadline picks the earlier of the request timeout and the
// context deadline; zero means the exchange is unbounded.
func proximateDeadline(ctx context.Context, timeout time.Duration) time.Time {
	var deadline time.Time
	if timeout > 0 {
		deadline = nowFunc().Add(timeout)
	}

	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
			deadline = d
		}
	}

	return deadline
}

func (c *conn) armDeadline(ctx context.Context) {
	if c.sock == nil {
		return
	}

	_ = c.sock.SetDeadline(proximateDeadline(ctx, c.opts.requestTimeout))
}

func (c *conn) disarmDeadline() {
	if c.sock == nil {
		return
	}

	_ = c.sock.SetDeadline(time.Time{})
}

func (c *conn) send(raw []byte) error {
	if _, err := c.wr.Write(raw); err != nil {
		return translateIOError(err, "write")
	}

	return translateIOError(c.wr.Flush(), "flush")
}

func (c *conn) readLine() ([]byte, error) {
	line, err := c.rr.ReadBytes('\n')
	if err != nil {
		return nil, translateIOError(err, "read line")
	}

	return line, nil
}

// readBody reads exactly size payload bytes plus the trailing CRLF, which
// keeps values containing CR or LF intact.
func (c *conn) readBody(size int) ([]byte, error) {
	body := make([]byte, size+2)
	if _, err := io.ReadFull(c.rr, body); err != nil {
		return nil, translateIOError(err, "read data block")
	}

	if !bytes.HasSuffix(body, _CRLFBytes) {
		return nil, errors.Wrap(ErrMalformedResponse, "data block not CRLF terminated")
	}

	return body[:size], nil
}

// roundTrip runs one serialized exchange: lazy connect, deadline, write,
// then the command-specific read. A nil read means noreply, the command
// completes locally after the flush. Transport failures quarantine the
// connection; a desynced reply stream drops the socket so the next command
// reconnects cleanly.
func (c *conn) roundTrip(ctx context.Context, raw []byte, read func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(ErrTimeout, err.Error())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}

	c.armDeadline(ctx)
	defer c.disarmDeadline()

	if err := c.send(raw); err != nil {
		c.markDead()
		return err
	}

	if read == nil {
		return nil
	}

	if err := read(); err != nil {
		switch {
		case isTransportFailure(err):
			c.markDead()
		case errors.Is(err, ErrUnknownReply), errors.Is(err, ErrMalformedResponse):
			c.closeSocket()
		}

		return err
	}

	return nil
}

// fetchItems runs one aggregated get/gets exchange and returns the items
// keyed by their key; keys the server did not answer are simply absent.
func (c *conn) fetchItems(ctx context.Context, command string, keys []string) (map[string]*Item, error) {
	if err := validateKeys(keys); err != nil {
		return nil, err
	}

	raw := buildFetchCommand(command, keys)
	items := make(map[string]*Item, len(keys))

	err := c.roundTrip(ctx, raw, func() error {
		for {
			line, err := c.readLine()
			if err != nil {
				return err
			}

			if bytes.Equal(line, _EndCRLFBytes) {
				return nil
			}

			if bytes.HasPrefix(line, _ValueBytes) {
				h, err := parseValueHeader(line)
				if err != nil {
					return err
				}

				data, err := c.readBody(h.size)
				if err != nil {
					return err
				}

				value, err := c.opts.deserializer(h.key, data, h.flags)
				if err != nil {
					return errors.Wrap(err, "deserialize "+h.key)
				}

				items[h.key] = &Item{Key: h.key, Value: value, Flags: h.flags, CAS: h.cas}
				continue
			}

			if fault := forecastFaultLine(line); fault != nil {
				return fault
			}

			return errors.Wrapf(ErrUnknownReply, "%s: %q", command, trimCRLF(line))
		}
	})
	if err != nil {
		return nil, err
	}

	return items, nil
}

// fetchStats runs one stats exchange and returns the STAT name/value pairs.
func (c *conn) fetchStats(ctx context.Context, args []string) (map[string]string, error) {
	raw := buildStatsCommand(args)
	stats := make(map[string]string, 16)

	err := c.roundTrip(ctx, raw, func() error {
		for {
			line, err := c.readLine()
			if err != nil {
				return err
			}

			if bytes.Equal(line, _EndCRLFBytes) {
				return nil
			}

			if bytes.HasPrefix(line, _StatBytes) {
				name, value, err := parseStatLine(line)
				if err != nil {
					return err
				}

				stats[name] = value
				continue
			}

			if fault := forecastFaultLine(line); fault != nil {
				return fault
			}

			return errors.Wrapf(ErrUnknownReply, "stats: %q", trimCRLF(line))
		}
	})
	if err != nil {
		return nil, err
	}

	return stats, nil
}

func (c *conn) fetchVersion(ctx context.Context) (string, error) {
	var version string

	err := c.roundTrip(ctx, _VersionCommandBytes, func() error {
		line, err := c.readLine()
		if err != nil {
			return err
		}

		version, err = parseVersionReply(line)
		return err
	})
	if err != nil {
		return "", err
	}

	return version, nil
}

// store runs one storage exchange. The serializer turns the caller value
// into the payload and flags; with noreply the command reports stored=true
// locally after the flush.
func (c *conn) store(ctx context.Context, command, key string, value interface{}, expiry int32, casUnique uint64, noReply bool) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	data, flags, err := c.opts.serializer(key, value)
	if err != nil {
		return false, err
	}

	raw := buildStorageCommand(command, key, data, flags, expiry, casUnique, noReply)

	if noReply {
		if err := c.roundTrip(ctx, raw, nil); err != nil {
			return false, err
		}

		return true, nil
	}

	var stored bool
	err = c.roundTrip(ctx, raw, func() error {
		line, err := c.readLine()
		if err != nil {
			return err
		}

		stored, err = parseStoreReply(command, line)
		return err
	})

	return stored, err
}

// misc runs a one-line command (delete/incr/decr/touch/flush_all) and hands
// the raw reply line back for command-specific interpretation. A noreply
// command returns a nil line.
func (c *conn) misc(ctx context.Context, raw []byte, noReply bool) ([]byte, error) {
	if noReply {
		return nil, c.roundTrip(ctx, raw, nil)
	}

	var line []byte
	err := c.roundTrip(ctx, raw, func() error {
		var err error
		line, err = c.readLine()
		return err
	})

	return line, err
}

// quit tells the peer the session is over and drops the socket. The server
// never replies to quit, so there is nothing to read.
func (c *conn) quit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock == nil {
		return nil
	}

	c.armDeadline(ctx)
	_ = c.send(_QuitCommandBytes)
	c.closeSocket()

	return nil
}
