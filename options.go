package torncache

import (
	"time"

	"github.com/vidyar/tornado-memcache/hash"
)

type ClientOption func(*clientOptions)

type clientOptions struct {
	// connectTimeout bounds the TCP handshake for one connect attempt.
	// Default is 5 seconds.
	connectTimeout time.Duration

	// requestTimeout bounds one full command exchange (write + read) once
	// connected. Default is 1 second.
	requestTimeout time.Duration

	// noDelay disables Nagle coalescing on the socket. Default is true.
	noDelay bool

	// ignoreErrors swallows transport failures into degraded results
	// (miss / false / zero) after the connection has been quarantined.
	// Protocol errors always propagate. Default is false for a bare
	// Client; NewPool flips it to true unless overridden.
	ignoreErrors bool

	// deadRetry is the quarantine window after a transport failure during
	// which the connection fails fast without touching the network.
	// Default is 30 seconds.
	deadRetry time.Duration

	serializer   Serializer
	deserializer Deserializer
	hasher       hash.HashFunc
}

func newClientOptions() *clientOptions {
	return &clientOptions{
		connectTimeout: 5 * time.Second,
		requestTimeout: 1 * time.Second,
		noDelay:        true,
		ignoreErrors:   false,
		deadRetry:      30 * time.Second,

		serializer:   rawSerializer,
		deserializer: rawDeserializer,
		hasher:       hash.NewCRC32(),
	}
}

// WithConnectTimeout sets the timeout for one connect attempt.
// Default is 5 seconds.
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		if timeout <= 0 {
			timeout = 5 * time.Second
		}

		o.connectTimeout = timeout
	}
}

// WithRequestTimeout sets the timeout for one command exchange.
// Default is 1 second.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		if timeout <= 0 {
			timeout = 1 * time.Second
		}

		o.requestTimeout = timeout
	}
}

// WithNoDelay controls TCP_NODELAY on every connection.
// Default is true.
func WithNoDelay(noDelay bool) ClientOption {
	return func(o *clientOptions) {
		o.noDelay = noDelay
	}
}

// WithIgnoreErrors controls whether transport failures are swallowed into
// degraded results after quarantining the connection. Protocol errors are
// never swallowed.
func WithIgnoreErrors(ignore bool) ClientOption {
	return func(o *clientOptions) {
		o.ignoreErrors = ignore
	}
}

// WithDeadRetry sets the quarantine window entered after a transport
// failure. Default is 30 seconds.
func WithDeadRetry(retry time.Duration) ClientOption {
	return func(o *clientOptions) {
		if retry <= 0 {
			retry = 30 * time.Second
		}

		o.deadRetry = retry
	}
}

// WithSerializer installs the value encode hook applied before a store.
func WithSerializer(s Serializer) ClientOption {
	return func(o *clientOptions) {
		if s == nil {
			return
		}

		o.serializer = s
	}
}

// WithDeserializer installs the value decode hook applied to fetched
// payloads.
func WithDeserializer(d Deserializer) ClientOption {
	return func(o *clientOptions) {
		if d == nil {
			return
		}

		o.deserializer = d
	}
}

// WithHashFunc sets the key hash used for bucket placement.
// Default is CRC32 (IEEE).
func WithHashFunc(h hash.HashFunc) ClientOption {
	return func(o *clientOptions) {
		if h == nil {
			return
		}

		o.hasher = h
	}
}
