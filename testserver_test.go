package torncache

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeItem is one entry stored by the in-process test server.
type fakeItem struct {
	data  []byte
	flags uint32
	cas   uint64
}

// testServer speaks enough of the memcached text protocol on a loopback
// socket to exercise the full client stack without a real daemon.
type testServer struct {
	ln net.Listener

	mu       sync.Mutex
	items    map[string]fakeItem
	casSeq   uint64
	version  string
	scripted []string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &testServer{
		ln:      ln,
		items:   make(map[string]fakeItem),
		version: "1.6.21",
	}
	go s.acceptLoop()
	t.Cleanup(s.stop)

	return s
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func (s *testServer) stop() { _ = s.ln.Close() }

func (s *testServer) seed(key string, data []byte, flags uint32) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.casSeq++
	s.items[key] = fakeItem{data: data, flags: flags, cas: s.casSeq}
	return s.casSeq
}

func (s *testServer) value(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	return it.data, ok
}

func (s *testServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.items)
}

// script queues raw reply lines that replace the true replies of the next
// commands, for misbehaving-server tests.
func (s *testServer) script(lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.scripted = append(s.scripted, lines...)
}

func (s *testServer) popScript() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.scripted) == 0 {
		return "", false
	}

	line := s.scripted[0]
	s.scripted = s.scripted[1:]
	return line, true
}

func (s *testServer) acceptLoop() {
	for {
		sock, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(sock)
	}
}

func (s *testServer) serve(sock net.Conn) {
	defer func() { _ = sock.Close() }()

	rr := bufio.NewReader(sock)
	wr := bufio.NewWriter(sock)

	for {
		line, err := rr.ReadString('\n')
		if err != nil {
			return
		}

		fields := strings.Fields(strings.TrimSuffix(line, "\r\n"))
		if len(fields) == 0 {
			continue
		}

		quit := s.dispatch(rr, wr, fields)
		if wr.Flush() != nil || quit {
			return
		}
	}
}

func (s *testServer) dispatch(rr *bufio.Reader, wr *bufio.Writer, fields []string) (quit bool) {
	switch fields[0] {
	case "get", "gets":
		s.handleFetch(wr, fields)
	case "set", "add", "replace", "append", "prepend", "cas":
		s.handleStore(rr, wr, fields)
	case "delete":
		s.handleDelete(wr, fields)
	case "incr", "decr":
		s.handleArithmetic(wr, fields)
	case "touch":
		s.handleTouch(wr, fields)
	case "stats":
		s.handleStats(wr, fields)
	case "version":
		fmt.Fprintf(wr, "VERSION %s\r\n", s.version)
	case "flush_all":
		s.handleFlushAll(wr, fields)
	case "quit":
		return true
	default:
		_, _ = wr.WriteString("ERROR\r\n")
	}

	return false
}

func (s *testServer) handleFetch(wr *bufio.Writer, fields []string) {
	withCAS := fields[0] == "gets"

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range fields[1:] {
		it, ok := s.items[key]
		if !ok {
			continue
		}

		if withCAS {
			fmt.Fprintf(wr, "VALUE %s %d %d %d\r\n", key, it.flags, len(it.data), it.cas)
		} else {
			fmt.Fprintf(wr, "VALUE %s %d %d\r\n", key, it.flags, len(it.data))
		}
		_, _ = wr.Write(it.data)
		_, _ = wr.WriteString("\r\n")
	}
	_, _ = wr.WriteString("END\r\n")
}

func (s *testServer) handleStore(rr *bufio.Reader, wr *bufio.Writer, fields []string) {
	command := fields[0]
	noReply := fields[len(fields)-1] == "noreply"
	if noReply {
		fields = fields[:len(fields)-1]
	}

	if len(fields) < 5 {
		_, _ = wr.WriteString("CLIENT_ERROR bad command line format\r\n")
		return
	}

	key := fields[1]
	flags, _ := strconv.ParseUint(fields[2], 10, 32)
	size, _ := strconv.Atoi(fields[4])

	var casUnique uint64
	if command == "cas" {
		if len(fields) != 6 {
			_, _ = wr.WriteString("CLIENT_ERROR bad command line format\r\n")
			return
		}
		casUnique, _ = strconv.ParseUint(fields[5], 10, 64)
	}

	// the data block is size bytes plus CRLF, read it even when the
	// command itself will be rejected
	block := make([]byte, size+2)
	if _, err := io.ReadFull(rr, block); err != nil {
		return
	}
	data := block[:size]

	if line, ok := s.popScript(); ok {
		_, _ = wr.WriteString(line)
		return
	}

	s.mu.Lock()
	reply := s.applyStore(command, key, data, uint32(flags), casUnique)
	s.mu.Unlock()

	if !noReply {
		_, _ = wr.WriteString(reply)
	}
}

// applyStore runs the per-command acceptance rules. Callers hold mu.
func (s *testServer) applyStore(command, key string, data []byte, flags uint32, casUnique uint64) string {
	existing, exists := s.items[key]

	switch command {
	case "add":
		if exists {
			return "NOT_STORED\r\n"
		}
	case "replace", "append", "prepend":
		if !exists {
			return "NOT_STORED\r\n"
		}
	case "cas":
		if !exists {
			return "NOT_FOUND\r\n"
		}
		if existing.cas != casUnique {
			return "EXISTS\r\n"
		}
	}

	it := fakeItem{data: data, flags: flags}
	switch command {
	case "append":
		it.data = append(append([]byte{}, existing.data...), data...)
		it.flags = existing.flags
	case "prepend":
		it.data = append(append([]byte{}, data...), existing.data...)
		it.flags = existing.flags
	}

	s.casSeq++
	it.cas = s.casSeq
	s.items[key] = it

	return "STORED\r\n"
}

func (s *testServer) handleDelete(wr *bufio.Writer, fields []string) {
	noReply := fields[len(fields)-1] == "noreply"
	if noReply {
		fields = fields[:len(fields)-1]
	}
	key := fields[1]

	s.mu.Lock()
	_, ok := s.items[key]
	delete(s.items, key)
	s.mu.Unlock()

	if noReply {
		return
	}
	if ok {
		_, _ = wr.WriteString("DELETED\r\n")
	} else {
		_, _ = wr.WriteString("NOT_FOUND\r\n")
	}
}

func (s *testServer) handleArithmetic(wr *bufio.Writer, fields []string) {
	command := fields[0]
	noReply := fields[len(fields)-1] == "noreply"
	if noReply {
		fields = fields[:len(fields)-1]
	}
	key := fields[1]
	delta, _ := strconv.ParseUint(fields[2], 10, 64)

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[key]
	if !ok {
		if !noReply {
			_, _ = wr.WriteString("NOT_FOUND\r\n")
		}
		return
	}

	current, err := strconv.ParseUint(string(it.data), 10, 64)
	if err != nil {
		if !noReply {
			_, _ = wr.WriteString("CLIENT_ERROR cannot increment or decrement non-numeric value\r\n")
		}
		return
	}

	if command == "incr" {
		current += delta
	} else if current < delta {
		// decr clamps at zero
		current = 0
	} else {
		current -= delta
	}

	s.casSeq++
	it.data = []byte(strconv.FormatUint(current, 10))
	it.cas = s.casSeq
	s.items[key] = it

	if !noReply {
		fmt.Fprintf(wr, "%d\r\n", current)
	}
}

func (s *testServer) handleTouch(wr *bufio.Writer, fields []string) {
	noReply := fields[len(fields)-1] == "noreply"
	if noReply {
		fields = fields[:len(fields)-1]
	}
	key := fields[1]

	s.mu.Lock()
	_, ok := s.items[key]
	s.mu.Unlock()

	if noReply {
		return
	}
	if ok {
		_, _ = wr.WriteString("TOUCHED\r\n")
	} else {
		_, _ = wr.WriteString("NOT_FOUND\r\n")
	}
}

func (s *testServer) handleStats(wr *bufio.Writer, fields []string) {
	s.mu.Lock()
	n := len(s.items)
	s.mu.Unlock()

	fmt.Fprintf(wr, "STAT curr_items %d\r\n", n)
	fmt.Fprintf(wr, "STAT version %s\r\n", s.version)
	if len(fields) > 1 {
		fmt.Fprintf(wr, "STAT domain %s\r\n", fields[1])
	}
	_, _ = wr.WriteString("END\r\n")
}

func (s *testServer) handleFlushAll(wr *bufio.Writer, fields []string) {
	noReply := fields[len(fields)-1] == "noreply"

	s.mu.Lock()
	s.items = make(map[string]fakeItem)
	s.mu.Unlock()

	if !noReply {
		_, _ = wr.WriteString("OK\r\n")
	}
}

// silentAddr starts a listener that accepts and swallows everything
// without ever replying, for deadline tests.
func silentAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			sock, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) { _, _ = io.Copy(io.Discard, c) }(sock)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })

	return ln.Addr().String()
}

// closedAddr reserves a loopback port and releases it, so dialing it is
// refused immediately.
func closedAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	return addr
}

// stubDial swaps the package dial hook for the test's lifetime.
func stubDial(t *testing.T, fn func(ctx context.Context, address string, timeout time.Duration) (net.Conn, error)) {
	t.Helper()

	prev := dialFunc
	dialFunc = fn
	t.Cleanup(func() { dialFunc = prev })
}

// fakeClock is a settable clock for quarantine-window tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// stubClock freezes the package clock at the current time and hands back
// the handle that advances it.
func stubClock(t *testing.T) *fakeClock {
	t.Helper()

	clk := &fakeClock{now: time.Now()}
	prev := nowFunc
	nowFunc = clk.Now
	t.Cleanup(func() { nowFunc = prev })

	return clk
}
