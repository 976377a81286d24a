package memcache

import (
	"errors"

	"github.com/pior/memcache-textproto/textproto"
)

var (
	// ErrConnectionClosed is the cause of every command failed by a
	// connection teardown.
	ErrConnectionClosed = errors.New("memcache: connection closed")

	// ErrCacheMiss is returned when a single key is not found.
	ErrCacheMiss = errors.New("memcache: cache miss")

	// ErrNotStored is returned when a conditional storage command was not
	// applied: add on an existing key, replace/append/prepend on a missing
	// key.
	ErrNotStored = errors.New("memcache: item not stored")

	// ErrCASConflict is returned by CompareAndSwap when the item was
	// modified since it was fetched.
	ErrCASConflict = errors.New("memcache: compare-and-swap conflict")

	// ErrClientClosed is returned by operations on a closed Client.
	ErrClientClosed = errors.New("memcache: client closed")

	// ErrNoServers is returned when no server is configured.
	ErrNoServers = errors.New("memcache: no servers configured")
)

// ShouldCloseConnection reports whether err leaves the connection unusable.
func ShouldCloseConnection(err error) bool {
	return textproto.ShouldCloseConnection(err)
}
