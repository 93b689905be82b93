// Package hash holds the key hash functions the sharding layer routes with.
package hash

// HashFunc maps a key to a stable 64-bit value. The same key must always
// produce the same value within a process and across processes, since bucket
// placement is derived from it.
type HashFunc interface {
	Hash(key []byte) uint64
}
