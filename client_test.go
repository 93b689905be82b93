package torncache

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vidyar/tornado-memcache/hash"
)

type clientTestSuite struct {
	suite.Suite

	srv    *testServer
	client *Client
}

func (su *clientTestSuite) SetupTest() {
	su.srv = newTestServer(su.T())

	cl, err := New(su.srv.addr())
	su.Require().NoError(err)
	su.client = cl
}

func (su *clientTestSuite) TearDownTest() {
	su.Require().NoError(su.client.Close())
}

func (su *clientTestSuite) Test_set_get_roundtrip() {
	ctx := context.Background()

	stored, err := su.client.Set(ctx, "greeting", []byte("hello"), 0, false)
	su.Require().NoError(err)
	su.True(stored)

	item, err := su.client.Get(ctx, "greeting")
	su.Require().NoError(err)
	su.Equal("greeting", item.Key)
	su.Equal([]byte("hello"), item.Value)
	su.EqualValues(0, item.Flags)
	su.EqualValues(0, item.CAS) // plain get carries no cas token

	item, err = su.client.Gets(ctx, "greeting")
	su.Require().NoError(err)
	su.NotZero(item.CAS)
}

func (su *clientTestSuite) Test_get_miss() {
	_, err := su.client.Get(context.Background(), "nope")
	su.True(errors.Is(err, ErrNotFound))
}

func (su *clientTestSuite) Test_add_only_once() {
	ctx := context.Background()

	stored, err := su.client.Add(ctx, "once", []byte("first"), 0, false)
	su.Require().NoError(err)
	su.True(stored)

	stored, err = su.client.Add(ctx, "once", []byte("second"), 0, false)
	su.Require().NoError(err)
	su.False(stored)

	data, _ := su.srv.value("once")
	su.Equal([]byte("first"), data)
}

func (su *clientTestSuite) Test_replace_requires_existing() {
	ctx := context.Background()

	stored, err := su.client.Replace(ctx, "missing", []byte("x"), 0, false)
	su.Require().NoError(err)
	su.False(stored)

	su.srv.seed("missing", []byte("old"), 0)

	stored, err = su.client.Replace(ctx, "missing", []byte("new"), 0, false)
	su.Require().NoError(err)
	su.True(stored)
}

func (su *clientTestSuite) Test_append_prepend() {
	ctx := context.Background()

	stored, err := su.client.Append(ctx, "frag", []byte("-tail"), 0, false)
	su.Require().NoError(err)
	su.False(stored) // nothing to concatenate onto

	su.srv.seed("frag", []byte("base"), 0)

	stored, err = su.client.Append(ctx, "frag", []byte("-tail"), 0, false)
	su.Require().NoError(err)
	su.True(stored)

	stored, err = su.client.Prepend(ctx, "frag", []byte("head-"), 0, false)
	su.Require().NoError(err)
	su.True(stored)

	item, err := su.client.Get(ctx, "frag")
	su.Require().NoError(err)
	su.Equal([]byte("head-base-tail"), item.Value)
}

func (su *clientTestSuite) Test_cas_flow() {
	ctx := context.Background()

	_, err := su.client.Set(ctx, "guarded", []byte("v1"), 0, false)
	su.Require().NoError(err)

	item, err := su.client.Gets(ctx, "guarded")
	su.Require().NoError(err)

	// unchanged since the gets, the swap lands
	stored, err := su.client.Cas(ctx, "guarded", []byte("v2"), 0, item.CAS, false)
	su.Require().NoError(err)
	su.True(stored)

	// the token is stale now, the swap is refused without error
	stored, err = su.client.Cas(ctx, "guarded", []byte("v3"), 0, item.CAS, false)
	su.Require().NoError(err)
	su.False(stored)

	// a vanished key reports ErrNotFound
	item, err = su.client.Gets(ctx, "guarded")
	su.Require().NoError(err)
	_, err = su.client.Delete(ctx, "guarded", false)
	su.Require().NoError(err)

	stored, err = su.client.Cas(ctx, "guarded", []byte("v4"), 0, item.CAS, false)
	su.False(stored)
	su.True(errors.Is(err, ErrNotFound))
}

func (su *clientTestSuite) Test_delete() {
	ctx := context.Background()
	su.srv.seed("doomed", []byte("x"), 0)

	deleted, err := su.client.Delete(ctx, "doomed", false)
	su.Require().NoError(err)
	su.True(deleted)

	deleted, err = su.client.Delete(ctx, "doomed", false)
	su.Require().NoError(err)
	su.False(deleted)

	_, err = su.client.Get(ctx, "doomed")
	su.True(errors.Is(err, ErrNotFound))
}

func (su *clientTestSuite) Test_incr_decr() {
	ctx := context.Background()
	su.srv.seed("hits", []byte("10"), 0)

	value, err := su.client.Incr(ctx, "hits", 5, false)
	su.Require().NoError(err)
	su.EqualValues(15, value)

	value, err = su.client.Decr(ctx, "hits", 3, false)
	su.Require().NoError(err)
	su.EqualValues(12, value)

	// decr clamps at zero instead of underflowing
	value, err = su.client.Decr(ctx, "hits", 100, false)
	su.Require().NoError(err)
	su.EqualValues(0, value)

	_, err = su.client.Incr(ctx, "absent", 1, false)
	su.True(errors.Is(err, ErrNotFound))
}

func (su *clientTestSuite) Test_incr_non_numeric() {
	su.srv.seed("text", []byte("abc"), 0)

	_, err := su.client.Incr(context.Background(), "text", 1, false)
	su.True(errors.Is(err, ErrClientError))
}

func (su *clientTestSuite) Test_touch() {
	ctx := context.Background()
	su.srv.seed("fresh", []byte("x"), 0)

	touched, err := su.client.Touch(ctx, "fresh", 60, false)
	su.Require().NoError(err)
	su.True(touched)

	touched, err = su.client.Touch(ctx, "absent", 60, false)
	su.Require().NoError(err)
	su.False(touched)
}

func (su *clientTestSuite) Test_noreply_commands() {
	ctx := context.Background()

	stored, err := su.client.Set(ctx, "quiet", []byte("v"), 0, true)
	su.Require().NoError(err)
	su.True(stored)

	// the connection is serialized, the follow-up get observes the write
	item, err := su.client.Get(ctx, "quiet")
	su.Require().NoError(err)
	su.Equal([]byte("v"), item.Value)

	su.srv.seed("quiet-counter", []byte("1"), 0)
	value, err := su.client.Incr(ctx, "quiet-counter", 1, true)
	su.Require().NoError(err)
	su.EqualValues(0, value) // noreply reports nothing back

	item, err = su.client.Get(ctx, "quiet-counter")
	su.Require().NoError(err)
	su.Equal([]byte("2"), item.Value)

	deleted, err := su.client.Delete(ctx, "quiet", true)
	su.Require().NoError(err)
	su.True(deleted)

	_, err = su.client.Get(ctx, "quiet")
	su.True(errors.Is(err, ErrNotFound))
}

func (su *clientTestSuite) Test_flags_roundtrip() {
	su.srv.seed("flagged", []byte("x"), 123)

	item, err := su.client.Get(context.Background(), "flagged")
	su.Require().NoError(err)
	su.EqualValues(123, item.Flags)
}

func (su *clientTestSuite) Test_value_with_crlf_inside() {
	ctx := context.Background()

	stored, err := su.client.Set(ctx, "tricky", []byte("a\r\nb\r\n"), 0, false)
	su.Require().NoError(err)
	su.True(stored)

	item, err := su.client.Get(ctx, "tricky")
	su.Require().NoError(err)
	su.Equal([]byte("a\r\nb\r\n"), item.Value)
}

func (su *clientTestSuite) Test_key_validation() {
	ctx := context.Background()

	_, err := su.client.Set(ctx, "bad key", []byte("v"), 0, false)
	su.True(errors.Is(err, ErrIllegalInput))

	_, err = su.client.Get(ctx, "")
	su.True(errors.Is(err, ErrIllegalInput))

	_, err = su.client.Delete(ctx, "bad\nkey", false)
	su.True(errors.Is(err, ErrIllegalInput))

	_, err = su.client.Incr(ctx, "bad\tkey", 1, false)
	su.True(errors.Is(err, ErrIllegalInput))
}

func (su *clientTestSuite) Test_illegal_value_type() {
	_, err := su.client.Set(context.Background(), "typed", 12345, 0, false)
	su.True(errors.Is(err, ErrIllegalInput))
}

func (su *clientTestSuite) Test_stats_version_flush_quit() {
	ctx := context.Background()
	addr := su.srv.addr()
	su.srv.seed("a", []byte("1"), 0)
	su.srv.seed("b", []byte("2"), 0)

	stats, err := su.client.Stats(ctx, addr)
	su.Require().NoError(err)
	su.Equal("2", stats["curr_items"])

	stats, err = su.client.Stats(ctx, addr, "items")
	su.Require().NoError(err)
	su.Equal("items", stats["domain"])

	version, err := su.client.Version(ctx, addr)
	su.Require().NoError(err)
	su.Equal("1.6.21", version)

	su.Require().NoError(su.client.FlushAll(ctx, addr, 0, false))
	su.Equal(0, su.srv.count())

	su.Require().NoError(su.client.Quit(ctx, addr))

	// quit drops the session, the next command reconnects
	stored, err := su.client.Set(ctx, "after-quit", []byte("v"), 0, false)
	su.Require().NoError(err)
	su.True(stored)
}

func (su *clientTestSuite) Test_addressed_command_unknown_server() {
	_, err := su.client.Stats(context.Background(), "10.9.9.9:11211")
	su.True(errors.Is(err, ErrUnknownServer))

	_, err = su.client.Version(context.Background(), "")
	su.True(errors.Is(err, ErrInvalidAddress))
}

func (su *clientTestSuite) Test_item_bytes() {
	su.srv.seed("raw", []byte("payload"), 0)

	item, err := su.client.Get(context.Background(), "raw")
	su.Require().NoError(err)

	data, err := item.Bytes()
	su.Require().NoError(err)
	su.Equal([]byte("payload"), data)
}

func (su *clientTestSuite) Test_concurrent_commands() {
	ctx := context.Background()

	_, err := su.client.Set(ctx, "shared", []byte("payload"), 0, false)
	su.Require().NoError(err)

	wg := sync.WaitGroup{}
	for i := 0; i < 10; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			for n := 0; n < 50; n++ {
				item, err := su.client.Get(ctx, "shared")
				su.Require().NoError(err)
				su.Require().Equal([]byte("payload"), item.Value)
			}
		}()
	}

	wg.Wait()
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(clientTestSuite))
}

// countingHash wraps a HashFunc and records how often it ran.
type countingHash struct {
	inner hash.HashFunc
	count int
}

func (h *countingHash) Hash(key []byte) uint64 {
	h.count++
	return h.inner.Hash(key)
}

func Test_client_bucket_weights(t *testing.T) {
	servers := []Server{
		{Host: "10.0.0.1", Port: 11211, Weight: 1},
		{Host: "10.0.0.2", Port: 11211, Weight: 3},
	}

	cl, err := NewServers(servers)
	require.NoError(t, err)

	require.Len(t, cl.conns, 2)
	require.Len(t, cl.buckets, 4)
	assert.Same(t, cl.conns[0], cl.buckets[0])
	assert.Same(t, cl.conns[1], cl.buckets[1])
	assert.Same(t, cl.conns[1], cl.buckets[2])
	assert.Same(t, cl.conns[1], cl.buckets[3])
}

func Test_client_routing_deterministic(t *testing.T) {
	servers := []Server{
		{Host: "10.0.0.1", Port: 11211, Weight: 1},
		{Host: "10.0.0.2", Port: 11211, Weight: 1},
	}

	cl, err := NewServers(servers)
	require.NoError(t, err)

	// the same key always lands on the same connection
	first := cl.pickConn("stable-key")
	for i := 0; i < 100; i++ {
		assert.Same(t, first, cl.pickConn("stable-key"))
	}

	// and distinct keys reach both servers
	seen := map[*conn]bool{}
	for i := 0; i < 50; i++ {
		seen[cl.pickConn("key"+strconv.Itoa(i))] = true
	}
	assert.Len(t, seen, 2)
}

func Test_client_single_bucket_skips_hash(t *testing.T) {
	counting := &countingHash{inner: hash.NewCRC32()}

	cl, err := New("10.0.0.1:11211", WithHashFunc(counting))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		cl.pickConn("key" + strconv.Itoa(i))
	}
	assert.Equal(t, 0, counting.count)

	cl, err = New("10.0.0.1:11211,10.0.0.2:11211", WithHashFunc(counting))
	require.NoError(t, err)

	cl.pickConn("key")
	assert.Equal(t, 1, counting.count)
}

func Test_client_At_placement(t *testing.T) {
	counting := &countingHash{inner: hash.NewCRC32()}

	servers := []Server{
		{Host: "10.0.0.1", Port: 11211, Weight: 2},
		{Host: "10.0.0.2", Port: 11211, Weight: 2},
	}
	cl, err := NewServers(servers, WithHashFunc(counting))
	require.NoError(t, err)

	// placement indexes the bucket table directly, the key is ignored
	assert.Same(t, cl.buckets[0], cl.At(0).pickConn("whatever"))
	assert.Same(t, cl.buckets[1], cl.At(1).pickConn("whatever"))
	assert.Same(t, cl.buckets[3], cl.At(3).pickConn("whatever"))
	assert.Same(t, cl.buckets[1], cl.At(5).pickConn("whatever")) // 5 % 4
	assert.Equal(t, 0, counting.count)

	// the view shares connections, the parent stays hash-routed
	assert.Equal(t, cl.conns, cl.At(0).conns)
	assert.Nil(t, cl.placement)
}

func Test_client_addrConn(t *testing.T) {
	cl, err := New("127.0.0.1,10.0.0.2:11212")
	require.NoError(t, err)

	cn, err := cl.addrConn("127.0.0.1")
	require.NoError(t, err)
	assert.Same(t, cl.conns[0], cn)

	cn, err = cl.addrConn("127.0.0.1:11211")
	require.NoError(t, err)
	assert.Same(t, cl.conns[0], cn)

	cn, err = cl.addrConn("10.0.0.2:11212")
	require.NoError(t, err)
	assert.Same(t, cl.conns[1], cn)

	_, err = cl.addrConn("10.0.0.2") // default port does not match 11212
	assert.True(t, errors.Is(err, ErrUnknownServer))

	_, err = cl.addrConn("10.9.9.9:11211")
	assert.True(t, errors.Is(err, ErrUnknownServer))
}

func Test_client_invalid_construction(t *testing.T) {
	_, err := New("")
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = NewServers(nil)
	assert.True(t, errors.Is(err, ErrInvalidAddress))

	_, err = NewServers([]Server{{Host: "h", Port: 11211, Weight: 0}})
	assert.True(t, errors.Is(err, ErrInvalidAddress))
}

func Test_key_validation_before_io(t *testing.T) {
	var dials int32
	stubDial(t, func(context.Context, string, time.Duration) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return nil, errors.New("no dial expected")
	})

	cl, err := New("127.0.0.1:11211")
	require.NoError(t, err)

	ctx := context.Background()
	_, err = cl.Set(ctx, "bad key", []byte("v"), 0, false)
	assert.True(t, errors.Is(err, ErrIllegalInput))

	_, err = cl.GetMany(ctx, []string{"fine", "bad key"})
	assert.True(t, errors.Is(err, ErrIllegalInput))

	_, err = cl.Set(ctx, "typed", struct{}{}, 0, false)
	assert.True(t, errors.Is(err, ErrIllegalInput))

	// every rejection happened before any connect attempt
	assert.EqualValues(t, 0, atomic.LoadInt32(&dials))
}

func Test_client_servers_copy(t *testing.T) {
	cl, err := New("127.0.0.1:11211")
	require.NoError(t, err)

	servers := cl.Servers()
	servers[0].Host = "mutated"
	assert.Equal(t, "127.0.0.1", cl.servers[0].Host)
}

func Test_client_degraded_results(t *testing.T) {
	addr := closedAddr(t)
	ctx := context.Background()

	cl, err := New(addr, WithIgnoreErrors(true))
	require.NoError(t, err)

	// the first command quarantines the connection, the rest fail fast;
	// every one degrades to its absent/false/zero result
	_, err = cl.Get(ctx, "key")
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	stored, err := cl.Set(ctx, "key", []byte("v"), 0, false)
	assert.NoError(t, err)
	assert.False(t, stored)

	deleted, err := cl.Delete(ctx, "key", false)
	assert.NoError(t, err)
	assert.False(t, deleted)

	value, err := cl.Incr(ctx, "key", 1, false)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Zero(t, value)

	touched, err := cl.Touch(ctx, "key", 60, false)
	assert.NoError(t, err)
	assert.False(t, touched)

	stats, err := cl.Stats(ctx, addr)
	assert.NoError(t, err)
	assert.Empty(t, stats)

	version, err := cl.Version(ctx, addr)
	assert.NoError(t, err)
	assert.Empty(t, version)

	assert.NoError(t, cl.FlushAll(ctx, addr, 0, false))
}

func Test_client_errors_propagate_by_default(t *testing.T) {
	addr := closedAddr(t)

	cl, err := New(addr)
	require.NoError(t, err)

	_, err = cl.Get(context.Background(), "key")
	assert.Error(t, err)
	assert.True(t, isTransportFailure(err))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func Test_client_protocol_errors_never_degrade(t *testing.T) {
	srv := newTestServer(t)

	cl, err := New(srv.addr(), WithIgnoreErrors(true))
	require.NoError(t, err)

	srv.seed("text", []byte("abc"), 0)

	_, err = cl.Incr(context.Background(), "text", 1, false)
	assert.True(t, errors.Is(err, ErrClientError), "got %v", err)
}
