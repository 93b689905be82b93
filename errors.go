package torncache

import (
	"io"
	"net"

	"github.com/pkg/errors"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrUnknownCommand = errors.New("nonexistent command")
	ErrClientError    = errors.New("client error")
	ErrServerError    = errors.New("server error")

	ErrIllegalInput      = errors.New("illegal input")
	ErrUnknownReply      = errors.New("unknown reply")
	ErrMalformedResponse = errors.New("malformed response")
	ErrUnexpectedClose   = errors.New("unexpected close")
	ErrTimeout           = errors.New("timeout")
	ErrServerDead        = errors.New("server is marked dead")

	ErrInvalidAddress = errors.New("invalid address")
	ErrUnknownServer  = errors.New("unknown server")

	ErrPoolExhausted = errors.New("pool exhausted")
	ErrPoolClosed    = errors.New("pool closed")
)

// isTransportFailure reports whether err originates from the transport
// (dial, socket I/O, deadline, peer close, quarantine) rather than from the
// protocol exchange. Transport failures quarantine the connection and are
// the only class of errors the ignoreErrors option swallows; protocol
// failures always propagate.
func isTransportFailure(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrUnexpectedClose),
		errors.Is(err, ErrServerDead):
		return true
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return true
	}

	var oerr *net.OpError
	return errors.As(err, &oerr)
}

// translateIOError classifies a raw socket error into the taxonomy above.
// Deadline hits become ErrTimeout, peer closes become ErrUnexpectedClose,
// anything else keeps its cause and is wrapped with the failed operation.
func translateIOError(err error, op string) error {
	if err == nil {
		return nil
	}

	var nerr net.Error
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return errors.Wrap(ErrUnexpectedClose, op)
	case errors.As(err, &nerr) && nerr.Timeout():
		return errors.Wrap(ErrTimeout, op)
	}

	return errors.Wrap(err, op)
}
