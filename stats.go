package memcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// ClientStats contains statistics about client operations.
//
// For Prometheus integration, expose these as:
//   - Counters: Gets, Sets, Deletes, Touches, Increments, Errors
//   - Counter: GetHits (derive hit rate as GetHits/Gets)
//   - Counters: MergedGets, Disconnects, Reconnects, MissProbes
//   - Summary: WaitP50, WaitP99, WaitMax
type ClientStats struct {
	Gets       uint64 // Keys requested by retrieval operations
	GetHits    uint64 // Keys found
	Sets       uint64 // Storage operations (set, add, replace, append, prepend, cas)
	Deletes    uint64
	Touches    uint64
	Increments uint64 // Increment and Decrement operations
	Errors     uint64 // Operations that returned an error, misses excluded

	MergedGets  uint64 // Single-key gets saved by request coalescing
	Disconnects uint64 // Connections lost
	Reconnects  uint64 // Connections re-established after a reconnect request
	MissProbes  uint64 // Reconnect checks requested by single-key misses

	WaitP50 time.Duration // Time from issue to completion
	WaitP99 time.Duration
	WaitMax time.Duration
}

// Tracked wait times, 1µs to 1min with 3 significant digits.
const (
	minTrackedWait = int64(time.Microsecond)
	maxTrackedWait = int64(time.Minute)
)

// clientStatsCollector provides internal methods for updating client stats.
// Not exported - client updates its own stats.
type clientStatsCollector struct {
	gets        atomic.Uint64
	getHits     atomic.Uint64
	sets        atomic.Uint64
	deletes     atomic.Uint64
	touches     atomic.Uint64
	increments  atomic.Uint64
	errors      atomic.Uint64
	mergedGets  atomic.Uint64
	disconnects atomic.Uint64
	reconnects  atomic.Uint64
	missProbes  atomic.Uint64

	mu   sync.Mutex
	wait *hdrhistogram.Histogram
}

func newClientStatsCollector() *clientStatsCollector {
	return &clientStatsCollector{
		wait: hdrhistogram.New(minTrackedWait, maxTrackedWait, 3),
	}
}

func (c *clientStatsCollector) recordGet(keys, hits int) {
	c.gets.Add(uint64(keys))
	c.getHits.Add(uint64(hits))
}

func (c *clientStatsCollector) recordSet()       { c.sets.Add(1) }
func (c *clientStatsCollector) recordDelete()    { c.deletes.Add(1) }
func (c *clientStatsCollector) recordTouch()     { c.touches.Add(1) }
func (c *clientStatsCollector) recordIncrement() { c.increments.Add(1) }
func (c *clientStatsCollector) recordError()     { c.errors.Add(1) }

func (c *clientStatsCollector) recordMerged(n uint64) { c.mergedGets.Add(n) }
func (c *clientStatsCollector) recordDisconnect()     { c.disconnects.Add(1) }
func (c *clientStatsCollector) recordReconnect()      { c.reconnects.Add(1) }
func (c *clientStatsCollector) recordMissProbe()      { c.missProbes.Add(1) }

func (c *clientStatsCollector) recordWait(d time.Duration) {
	v := int64(d)
	if v < minTrackedWait {
		v = minTrackedWait
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.wait.RecordValue(v); err != nil {
		_ = c.wait.RecordValue(c.wait.HighestTrackableValue())
	}
}

func (c *clientStatsCollector) snapshot() ClientStats {
	s := ClientStats{
		Gets:        c.gets.Load(),
		GetHits:     c.getHits.Load(),
		Sets:        c.sets.Load(),
		Deletes:     c.deletes.Load(),
		Touches:     c.touches.Load(),
		Increments:  c.increments.Load(),
		Errors:      c.errors.Load(),
		MergedGets:  c.mergedGets.Load(),
		Disconnects: c.disconnects.Load(),
		Reconnects:  c.reconnects.Load(),
		MissProbes:  c.missProbes.Load(),
	}

	c.mu.Lock()
	if c.wait.TotalCount() > 0 {
		s.WaitP50 = time.Duration(c.wait.ValueAtQuantile(50))
		s.WaitP99 = time.Duration(c.wait.ValueAtQuantile(99))
		s.WaitMax = time.Duration(c.wait.Max())
	}
	c.mu.Unlock()

	return s
}
