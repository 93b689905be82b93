package torncache

import (
	"github.com/pkg/errors"
)

// Serializer encodes a caller value into the byte payload and client flags
// written to the wire. A symmetric Deserializer must be installed to read
// the value back.
type Serializer func(key string, value interface{}) (data []byte, flags uint32, err error)

// Deserializer decodes the raw payload and flags returned by the server
// into the value handed back to the caller.
type Deserializer func(key string, data []byte, flags uint32) (interface{}, error)

// rawSerializer passes []byte through and converts string; every other
// type needs a caller-supplied Serializer and is rejected before any I/O.
func rawSerializer(key string, value interface{}) ([]byte, uint32, error) {
	switch v := value.(type) {
	case []byte:
		return v, 0, nil
	case string:
		return []byte(v), 0, nil
	}

	return nil, 0, errors.Wrapf(ErrIllegalInput, "unsupported value type for key %q", key)
}

func rawDeserializer(_ string, data []byte, _ uint32) (interface{}, error) {
	return data, nil
}
