package torncache

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Item is one cache entry as the server returned it. Value is the raw
// []byte payload unless a Deserializer is installed; CAS is only
// populated by Gets and GetsMany.
type Item struct {
	Key   string
	Value interface{}
	Flags uint32
	CAS   uint64
}

// Bytes returns the payload as []byte when no Deserializer rewrote it.
func (it *Item) Bytes() ([]byte, error) {
	data, ok := it.Value.([]byte)
	if !ok {
		return nil, errors.Wrapf(ErrIllegalInput, "value of %q is %T, not []byte", it.Key, it.Value)
	}

	return data, nil
}

// Commands is the full command surface, implemented by both Client and
// ClientPool. Keyed commands route to one server through the weighted
// bucket table; Stats, Version, FlushAll and Quit instead address one
// server explicitly by its "host" or "host:port" form.
type Commands interface {
	Set(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error)
	Add(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error)
	Replace(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error)
	Append(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error)
	Prepend(ctx context.Context, key string, value interface{}, expiry int32, noReply bool) (bool, error)
	Cas(ctx context.Context, key string, value interface{}, expiry int32, cas uint64, noReply bool) (bool, error)

	Get(ctx context.Context, key string) (*Item, error)
	Gets(ctx context.Context, key string) (*Item, error)
	GetMany(ctx context.Context, keys []string) (map[string]*Item, error)
	GetsMany(ctx context.Context, keys []string) (map[string]*Item, error)

	SetMany(ctx context.Context, values map[string]interface{}, expiry int32, noReply bool) (map[string]bool, error)
	Delete(ctx context.Context, key string, noReply bool) (bool, error)
	DeleteMany(ctx context.Context, keys []string, noReply bool) (map[string]bool, error)

	Incr(ctx context.Context, key string, delta uint64, noReply bool) (uint64, error)
	Decr(ctx context.Context, key string, delta uint64, noReply bool) (uint64, error)
	Touch(ctx context.Context, key string, expiry int32, noReply bool) (bool, error)

	Stats(ctx context.Context, addr string, args ...string) (map[string]string, error)
	Version(ctx context.Context, addr string) (string, error)
	FlushAll(ctx context.Context, addr string, delay int32, noReply bool) error
	Quit(ctx context.Context, addr string) error

	Close() error
}

var (
	_ Commands = (*Client)(nil)
	_ Commands = (*ClientPool)(nil)
)

// Client owns one connection per configured server and distributes keys
// over them through a weighted bucket table: each server occupies Weight
// consecutive slots, and a key lands in buckets[hash(key) % len(buckets)].
// The table is built once and never changes, so the same key always
// routes to the same server while membership is unchanged; adding or
// removing a server remaps a large share of keys (modulo sharding, not a
// consistent-hash ring).
//
// A Client is safe for concurrent use. Commands against one server are
// serialized on its connection; commands against distinct servers
// proceed independently.
type Client struct {
	opts    *clientOptions
	servers []Server
	conns   []*conn
	buckets []*conn

	// placement, when non-nil, overrides the key hash: every keyed
	// command routes to buckets[*placement % len(buckets)]. Set only on
	// the views built by At.
	placement *uint64
}

// New builds a Client from a comma-separated server list; see
// ParseServers for the accepted address syntaxes.
func New(addr string, opts ...ClientOption) (*Client, error) {
	servers, err := ParseServers(addr)
	if err != nil {
		return nil, err
	}

	return NewServers(servers, opts...)
}

// validateServers rejects configurations the bucket table cannot be built
// from: an empty list or a weight below 1.
func validateServers(servers []Server) error {
	if len(servers) == 0 {
		return errors.Wrap(ErrInvalidAddress, "empty server list")
	}

	for _, s := range servers {
		if s.Weight < 1 {
			return errors.Wrapf(ErrInvalidAddress, "weight %d for %s", s.Weight, s.Addr())
		}
	}

	return nil
}

// NewServers builds a Client from explicit Server descriptors, creating
// one connection per server. Connections dial lazily on first use.
func NewServers(servers []Server, opts ...ClientOption) (*Client, error) {
	if err := validateServers(servers); err != nil {
		return nil, err
	}

	options := newClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	weightSum := 0
	for _, s := range servers {
		weightSum += s.Weight
	}

	c := &Client{
		opts:    options,
		servers: servers,
		conns:   make([]*conn, 0, len(servers)),
		buckets: make([]*conn, 0, weightSum),
	}
	for _, s := range servers {
		cn := newConn(s, options)
		c.conns = append(c.conns, cn)
		for i := 0; i < s.Weight; i++ {
			c.buckets = append(c.buckets, cn)
		}
	}

	return c, nil
}

// Servers returns the configured server descriptors in their original
// order.
func (c *Client) Servers() []Server {
	servers := make([]Server, len(c.servers))
	copy(servers, c.servers)
	return servers
}

// At returns a manual-placement view of the Client: every keyed command
// issued through the view routes to buckets[hash % len(buckets)],
// ignoring the key entirely. The view shares the parent's connections;
// closing either closes both.
func (c *Client) At(hash uint64) *Client {
	view := *c
	view.placement = &hash
	return &view
}

// pickConn resolves the connection a key routes to. Single-bucket tables
// skip hashing so a one-server Client never pays for it.
func (c *Client) pickConn(key string) *conn {
	if c.placement != nil {
		return c.buckets[*c.placement%uint64(len(c.buckets))]
	}

	if len(c.buckets) > 1 {
		return c.buckets[c.opts.hasher.Hash([]byte(key))%uint64(len(c.buckets))]
	}

	return c.buckets[0]
}

// addrConn resolves a server-addressed command to its connection by
// exact address match, never by hash. The address may omit the port
// ("localhost" matches "localhost:11211").
func (c *Client) addrConn(addr string) (*conn, error) {
	server, err := parseServer(addr)
	if err != nil {
		return nil, err
	}

	want := server.Addr()
	for _, cn := range c.conns {
		if cn.server.Addr() == want {
			return cn, nil
		}
	}

	return nil, errors.Wrap(ErrUnknownServer, want)
}

// degraded reports whether a command failure should be swallowed into
// the command's absent/false/zero result instead of propagating: only
// transport failures, and only under the ignoreErrors option. The
// connection has already quarantined itself by the time this runs.
// Protocol failures never degrade.
func (c *Client) degraded(err error) bool {
	return c.opts.ignoreErrors && isTransportFailure(err)
}

// Close sends a best-effort quit on every live connection and drops it.
// The Client stays usable: connections reopen lazily on the next
// command.
func (c *Client) Close() error {
	var merr *multierror.Error
	for _, cn := range c.conns {
		merr = multierror.Append(merr, cn.close())
	}

	return merr.ErrorOrNil()
}
