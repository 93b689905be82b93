package torncache

import (
	"bytes"
	"strconv"

	"github.com/pkg/errors"
)

var (
	_SpaceBytes   = []byte{' '}
	_SpaceByte    = byte(' ')
	_CRLFBytes    = []byte("\r\n")
	_NoReplyBytes = []byte("noreply")

	_ValueBytes         = []byte("VALUE")
	_StatBytes          = []byte("STAT")
	_EndCRLFBytes       = []byte("END\r\n")
	_StoredCRLFBytes    = []byte("STORED\r\n")
	_NotStoredCRLFBytes = []byte("NOT_STORED\r\n")
	_ExistsCRLFBytes    = []byte("EXISTS\r\n")
	_NotFoundCRLFBytes  = []byte("NOT_FOUND\r\n")
	_DeletedCRLFBytes   = []byte("DELETED\r\n")
	_TouchedCRLFBytes   = []byte("TOUCHED\r\n")
	_OKCRLFBytes        = []byte("OK\r\n")
	_VersionBytes       = []byte("VERSION")

	_VersionCommandBytes = []byte("version\r\n")
	_QuitCommandBytes    = []byte("quit\r\n")
)

// maxKeyLength is the key size limit of the memcached text protocol.
const maxKeyLength = 250

// validateKey rejects keys the wire cannot carry: empty, oversized, or
// containing whitespace/control bytes. Checked before any I/O happens.
func validateKey(key string) error {
	if len(key) == 0 || len(key) > maxKeyLength {
		return errors.Wrapf(ErrIllegalInput, "key length %d", len(key))
	}

	for i := 0; i < len(key); i++ {
		if key[i] <= ' ' || key[i] == 0x7f {
			return errors.Wrapf(ErrIllegalInput, "key %q contains byte %#x", key, key[i])
		}
	}

	return nil
}

func validateKeys(keys []string) error {
	for _, key := range keys {
		if err := validateKey(key); err != nil {
			return err
		}
	}

	return nil
}

// forecastFaultLine translates the server-side rejection lines:
//
//	ERROR\r\n
//	CLIENT_ERROR <message>\r\n
//	SERVER_ERROR <message>\r\n
//
// Every other line returns nil and is interpreted by the command itself.
func forecastFaultLine(line []byte) error {
	switch {
	case bytes.Equal(line, []byte("ERROR\r\n")):
		return ErrUnknownCommand
	case bytes.HasPrefix(line, []byte("CLIENT_ERROR")):
		message := string(bytes.TrimSpace(line[12 : len(line)-2]))
		return errors.Wrap(ErrClientError, message)
	case bytes.HasPrefix(line, []byte("SERVER_ERROR")):
		message := string(bytes.TrimSpace(line[12 : len(line)-2]))
		return errors.Wrap(ErrServerError, message)
	}

	return nil
}

// The protocolBuilder builds a request command with chaining methods:
//
//	newProtocolBuilder().
//	AddString("set").AddString("key").AddInt(0).AddInt(0).AddInt(5).AddCRLF().
//	AddString("value").build()
//
// The result is:
//
//	set key 0 0 5\r\n
//	value\r\n
type protocolBuilder struct {
	buf bytes.Buffer
}

func newProtocolBuilder() *protocolBuilder {
	return &protocolBuilder{
		buf: bytes.Buffer{},
	}
}

func (b *protocolBuilder) AddString(s string) *protocolBuilder {
	b.buf.WriteString(s)
	b.buf.WriteByte(_SpaceByte)
	return b
}

func (b *protocolBuilder) AddBytes(bs []byte) *protocolBuilder {
	b.buf.Write(bs)
	b.buf.WriteByte(_SpaceByte)
	return b
}

func (b *protocolBuilder) AddInt(i int) *protocolBuilder {
	b.buf.WriteString(strconv.Itoa(i))
	b.buf.WriteByte(_SpaceByte)
	return b
}

func (b *protocolBuilder) AddUint(i uint64) *protocolBuilder {
	b.buf.WriteString(strconv.FormatUint(i, 10))
	b.buf.WriteByte(_SpaceByte)
	return b
}

func (b *protocolBuilder) AddCRLF() *protocolBuilder {
	// trim the pending separator space if needed
	if bytes.HasSuffix(b.buf.Bytes(), _SpaceBytes) {
		b.buf.Truncate(b.buf.Len() - 1)
	}

	b.buf.Write(_CRLFBytes)
	return b
}

func (b *protocolBuilder) build() []byte {
	result := b.buf.Bytes()
	if bytes.HasSuffix(result, _SpaceBytes) {
		result = result[:len(result)-1]
	}

	if bytes.HasSuffix(result, _CRLFBytes) {
		return result
	}

	result = append(result, _CRLFBytes...)
	return result
}

func trimCRLF(line []byte) []byte {
	return bytes.TrimSuffix(line, _CRLFBytes)
}

// buildFetchCommand constructs the retrieval class command:
//
//	get/gets <key>*\r\n
func buildFetchCommand(command string, keys []string) []byte {
	b := newProtocolBuilder().
		AddString(command)

	for _, key := range keys {
		b.AddString(key)
	}

	return b.AddCRLF().build()
}

// buildStorageCommand constructs the storage class command, including
// set/add/replace/append/prepend/cas:
//
//	<command> <key> <flags> <exptime> <bytes> [<cas unique>] [noreply]\r\n
//	<data block>\r\n
func buildStorageCommand(command, key string, data []byte, flags uint32, expiry int32, casUnique uint64, noReply bool) []byte {
	b := newProtocolBuilder().
		AddString(command).
		AddString(key).
		AddUint(uint64(flags)).
		AddInt(int(expiry)).
		AddInt(len(data))

	if command == "cas" {
		b.AddUint(casUnique)
	}
	if noReply {
		b.AddBytes(_NoReplyBytes)
	}

	return b.AddCRLF().
		AddBytes(data).
		AddCRLF().
		build()
}

// delete <key> [noreply]\r\n
func buildDeleteCommand(key string, noReply bool) []byte {
	b := newProtocolBuilder().
		AddString("delete").
		AddString(key)

	if noReply {
		b.AddBytes(_NoReplyBytes)
	}

	return b.AddCRLF().build()
}

// incr/decr <key> <delta> [noreply]\r\n
func buildArithmeticCommand(command, key string, delta uint64, noReply bool) []byte {
	b := newProtocolBuilder().
		AddString(command).
		AddString(key).
		AddUint(delta)

	if noReply {
		b.AddBytes(_NoReplyBytes)
	}

	return b.AddCRLF().build()
}

// touch <key> <exptime> [noreply]\r\n
func buildTouchCommand(key string, expiry int32, noReply bool) []byte {
	b := newProtocolBuilder().
		AddString("touch").
		AddString(key).
		AddInt(int(expiry))

	if noReply {
		b.AddBytes(_NoReplyBytes)
	}

	return b.AddCRLF().build()
}

// stats [<arg>]\r\n
func buildStatsCommand(args []string) []byte {
	b := newProtocolBuilder().
		AddString("stats")

	for _, arg := range args {
		b.AddString(arg)
	}

	return b.AddCRLF().build()
}

// flush_all [<delay>] [noreply]\r\n
func buildFlushAllCommand(delay int32, noReply bool) []byte {
	b := newProtocolBuilder().
		AddString("flush_all")

	if delay > 0 {
		b.AddInt(int(delay))
	}
	if noReply {
		b.AddBytes(_NoReplyBytes)
	}

	return b.AddCRLF().build()
}

// validStoreReplies fixes the reply lines each storage command may answer
// with. A reply outside the command's set is ErrUnknownReply.
var validStoreReplies = map[string][][]byte{
	"set":     {_StoredCRLFBytes},
	"add":     {_StoredCRLFBytes, _NotStoredCRLFBytes},
	"replace": {_StoredCRLFBytes, _NotStoredCRLFBytes},
	"append":  {_StoredCRLFBytes, _NotStoredCRLFBytes},
	"prepend": {_StoredCRLFBytes, _NotStoredCRLFBytes},
	"cas":     {_StoredCRLFBytes, _ExistsCRLFBytes, _NotFoundCRLFBytes},
}

// parseStoreReply maps a storage reply line to the caller-visible result:
// STORED is true, NOT_STORED and EXISTS are false, NOT_FOUND (cas on a
// vanished key) is false with ErrNotFound.
func parseStoreReply(command string, line []byte) (bool, error) {
	if fault := forecastFaultLine(line); fault != nil {
		return false, fault
	}

	allowed, ok := validStoreReplies[command]
	if !ok {
		return false, errors.Wrapf(ErrIllegalInput, "unsupported storage command %q", command)
	}

	for _, want := range allowed {
		if !bytes.Equal(line, want) {
			continue
		}

		switch {
		case bytes.Equal(line, _StoredCRLFBytes):
			return true, nil
		case bytes.Equal(line, _NotFoundCRLFBytes):
			return false, errors.Wrap(ErrNotFound, command)
		default: // NOT_STORED, EXISTS
			return false, nil
		}
	}

	return false, errors.Wrapf(ErrUnknownReply, "%s: %q", command, trimCRLF(line))
}

// parseBoolReply interprets the single-line replies of delete and touch:
// the affirmative token is true, NOT_FOUND is false.
func parseBoolReply(command string, line, affirmative []byte) (bool, error) {
	if fault := forecastFaultLine(line); fault != nil {
		return false, fault
	}

	switch {
	case bytes.Equal(line, affirmative):
		return true, nil
	case bytes.Equal(line, _NotFoundCRLFBytes):
		return false, nil
	}

	return false, errors.Wrapf(ErrUnknownReply, "%s: %q", command, trimCRLF(line))
}

// parseArithmeticReply interprets the incr/decr reply:
//
//	<value>\r\n  or  NOT_FOUND\r\n
func parseArithmeticReply(command string, line []byte) (uint64, error) {
	if fault := forecastFaultLine(line); fault != nil {
		return 0, fault
	}

	if bytes.Equal(line, _NotFoundCRLFBytes) {
		return 0, errors.Wrap(ErrNotFound, command)
	}

	value, err := strconv.ParseUint(string(trimCRLF(line)), 10, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrUnknownReply, "%s: %q", command, trimCRLF(line))
	}

	return value, nil
}

// parseOKReply interprets the flush_all reply.
func parseOKReply(command string, line []byte) error {
	if fault := forecastFaultLine(line); fault != nil {
		return fault
	}

	if !bytes.Equal(line, _OKCRLFBytes) {
		return errors.Wrapf(ErrUnknownReply, "%s: %q", command, trimCRLF(line))
	}

	return nil
}

// VERSION <version>\r\n
func parseVersionReply(line []byte) (string, error) {
	if fault := forecastFaultLine(line); fault != nil {
		return "", fault
	}

	if !bytes.HasPrefix(line, _VersionBytes) {
		return "", errors.Wrapf(ErrUnknownReply, "version: %q", trimCRLF(line))
	}

	return string(bytes.TrimSpace(trimCRLF(line[len(_VersionBytes):]))), nil
}

// valueHeader carries the parsed fields of one VALUE line; the data block
// of exactly size bytes (plus CRLF) follows on the wire.
type valueHeader struct {
	key   string
	flags uint32
	size  int
	cas   uint64
}

// VALUE <key> <flags> <bytes> [<cas unique>]\r\n
func parseValueHeader(line []byte) (valueHeader, error) {
	const (
		keyIndex     = 1
		flagsIndex   = 2
		dataLenIndex = 3
		casIndex     = 4

		withCasLen = 5
	)

	var h valueHeader

	parts := bytes.Split(trimCRLF(line), _SpaceBytes)
	if len(parts) < 4 || len(parts) > withCasLen {
		return h, errors.Wrap(ErrMalformedResponse, "invalid VALUE line")
	}

	flags, err := strconv.ParseUint(string(parts[flagsIndex]), 10, 32)
	if err != nil {
		return h, errors.Wrap(ErrMalformedResponse, "invalid flags")
	}
	size, err := strconv.ParseUint(string(parts[dataLenIndex]), 10, 32)
	if err != nil {
		return h, errors.Wrap(ErrMalformedResponse, "invalid bytes length")
	}
	if len(parts) == withCasLen {
		h.cas, err = strconv.ParseUint(string(parts[casIndex]), 10, 64)
		if err != nil {
			return h, errors.Wrap(ErrMalformedResponse, "invalid cas unique")
		}
	}

	h.key = string(parts[keyIndex])
	h.flags = uint32(flags)
	h.size = int(size)

	return h, nil
}

// STAT <name> <value>\r\n
func parseStatLine(line []byte) (string, string, error) {
	parts := bytes.SplitN(trimCRLF(line), _SpaceBytes, 3)
	if len(parts) != 3 {
		return "", "", errors.Wrap(ErrMalformedResponse, "invalid STAT line")
	}

	return string(parts[1]), string(parts[2]), nil
}
