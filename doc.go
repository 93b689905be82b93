// Package torncache provides a memcached client that speaks the text
// protocol against a weighted set of cache servers.
//
// Keys are distributed over the servers with deterministic modulo hashing
// on a weighted bucket table, connections quarantine themselves after a
// transport failure, and a bounded ClientPool lends Client instances to
// concurrent callers. This package supports the following commands:
// - set/add/replace/append/prepend/cas
// - get/gets and the fan-out variants GetMany/GetsMany/SetMany/DeleteMany
// - delete
// - incr/decr
// - touch
// - stats/version/flush_all/quit, addressed to one server or broadcast to all
//
// The client is safe for concurrent use. Commands on one connection are
// strictly serialized; commands against different servers proceed
// independently.
package torncache
