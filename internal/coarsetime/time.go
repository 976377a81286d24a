// Package coarsetime is a cheap clock for timestamps that tolerate a few
// milliseconds of error: command issue times, connection last use.
// The clock is refreshed every 10ms by a background goroutine.
package coarsetime

import (
	"sync/atomic"
	"time"
)

const resolution = 10 * time.Millisecond

var nowNano atomic.Int64

func init() {
	nowNano.Store(time.Now().UnixNano())

	go func() {
		ticker := time.NewTicker(resolution)
		for t := range ticker.C {
			nowNano.Store(t.UnixNano())
		}
	}()
}

// Now returns the current coarse time.
func Now() time.Time {
	return time.Unix(0, nowNano.Load())
}

// Since returns the coarse time elapsed since t, never negative.
func Since(t time.Time) time.Duration {
	d := Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}
