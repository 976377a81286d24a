package memcache

import (
	"github.com/zeebo/xxh3"
)

// ServerSelector picks which server to use for a given key.
// It receives the key and the number of servers and returns an index in
// [0, serverCount).
type ServerSelector func(key string, serverCount int) int

// DefaultServerSelector uses Jump Hash over the xxh3 hash of the key.
// Jump Hash moves few keys when servers are added or removed.
func DefaultServerSelector(key string, serverCount int) int {
	return jumpHash(xxh3.HashString(key), serverCount)
}

// jumpHash is Google's "Jump" consistent hash (https://arxiv.org/abs/1406.2294),
// as in https://github.com/dgryski/go-jump.
func jumpHash(key uint64, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	var b, j int64 = -1, 0
	for j < int64(buckets) {
		b = j
		key = key*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((key>>33)+1)))
	}
	return int(b)
}

// staticSelector is used in tests to always select a specific server.
func staticSelector(index int) ServerSelector {
	return func(key string, serverCount int) int {
		return index % serverCount
	}
}

// partitionKeys groups keys by the server they map to. Keys keep their
// relative order and duplicates are dropped.
func partitionKeys(keys []string, serverCount int, selectServer ServerSelector) map[int][]string {
	groups := make(map[int][]string)
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		idx := selectServer(key, serverCount)
		groups[idx] = append(groups[idx], key)
	}
	return groups
}
