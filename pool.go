package memcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// PoolStats contains statistics about the connection pool of one server.
//
// For Prometheus integration, expose these as:
//   - Gauges: TotalConns, IdleConns, ActiveConns
//   - Counters: AcquireCount, AcquireWaitCount, CreatedConns, DestroyedConns, AcquireErrors
//   - Histogram: AcquireWaitDuration (use AcquireWaitCount and AcquireWaitTimeNs to calculate)
type PoolStats struct {
	Addr string

	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total connections created
	DestroyedConns    uint64 // Total connections destroyed
	AcquireErrors     uint64 // Canceled acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Total connections in pool (active + idle)
	IdleConns   int32 // Idle connections available
	ActiveConns int32 // Connections currently in use

	CircuitBreakerState gobreaker.State
}

// serverPool holds the connections to one server.
//
// Connections are pipelined: a connection is acquired only for the time it
// takes to queue commands, never while waiting for their responses.
type serverPool struct {
	addr    string
	pool    *puddle.Pool[*Connection]
	breaker *gobreaker.CircuitBreaker[*Connection] // nil if not configured
	logger  *zap.Logger

	createdConns   atomic.Uint64
	destroyedConns atomic.Uint64
}

func newServerPool(addr string, maxSize int32, dial func(ctx context.Context) (*Connection, error), breaker *gobreaker.CircuitBreaker[*Connection], logger *zap.Logger) (*serverPool, error) {
	sp := &serverPool{
		addr:    addr,
		breaker: breaker,
		logger:  logger,
	}

	pool, err := puddle.NewPool(&puddle.Config[*Connection]{
		Constructor: func(ctx context.Context) (*Connection, error) {
			conn, err := sp.connect(ctx, dial)
			if err != nil {
				return nil, err
			}
			sp.createdConns.Add(1)
			return conn, nil
		},
		Destructor: func(conn *Connection) {
			sp.destroyedConns.Add(1)
			_ = conn.Close()
		},
		MaxSize: maxSize,
	})
	if err != nil {
		return nil, err
	}
	sp.pool = pool

	return sp, nil
}

func (sp *serverPool) connect(ctx context.Context, dial func(ctx context.Context) (*Connection, error)) (*Connection, error) {
	if sp.breaker == nil {
		return dial(ctx)
	}
	return sp.breaker.Execute(func() (*Connection, error) {
		return dial(ctx)
	})
}

// acquire returns a live connection. Connections found closed are destroyed.
func (sp *serverPool) acquire(ctx context.Context) (*puddle.Resource[*Connection], error) {
	for {
		res, err := sp.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		if !res.Value().IsClosed() {
			return res, nil
		}
		res.Destroy()
	}
}

// send queues cmds on one connection of the pool.
func (sp *serverPool) send(ctx context.Context, cmds ...*Command) error {
	res, err := sp.acquire(ctx)
	if err != nil {
		return err
	}

	conn := res.Value()
	if err := conn.Send(ctx, cmds...); err != nil {
		if conn.IsClosed() {
			res.Destroy()
		} else {
			res.Release()
		}
		return err
	}

	res.Release()
	return nil
}

// sweep destroys idle connections that have been closed, or that fail check.
// A nil check only removes closed connections. Checks run concurrently and
// each connection goes back to the pool as soon as its own check returns.
func (sp *serverPool) sweep(check func(res *puddle.Resource[*Connection]) error) (kept, destroyed int) {
	var wg sync.WaitGroup
	var nKept, nDestroyed atomic.Int64

	for _, res := range sp.pool.AcquireAllIdle() {
		if res.Value().IsClosed() {
			res.Destroy()
			nDestroyed.Add(1)
			continue
		}

		if check == nil {
			res.ReleaseUnused()
			nKept.Add(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := check(res); err != nil {
				sp.logger.Debug("destroying connection", zap.String("addr", sp.addr), zap.Error(err))
				res.Destroy()
				nDestroyed.Add(1)
				return
			}
			res.ReleaseUnused()
			nKept.Add(1)
		}()
	}
	wg.Wait()

	return int(nKept.Load()), int(nDestroyed.Load())
}

// replenish opens one connection in the background of the pool. It returns
// false without error when the pool is already full.
func (sp *serverPool) replenish(ctx context.Context) (bool, error) {
	err := sp.pool.CreateResource(ctx)
	if errors.Is(err, puddle.ErrNotAvailable) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// needsReplenish reports whether the pool has fewer connections than allowed.
func (sp *serverPool) needsReplenish() bool {
	s := sp.pool.Stat()
	return s.TotalResources() < s.MaxResources()
}

func (sp *serverPool) close() {
	sp.pool.Close()
}

func (sp *serverPool) stats() PoolStats {
	s := sp.pool.Stat()

	stats := PoolStats{
		Addr:              sp.addr,
		TotalConns:        s.TotalResources(),
		IdleConns:         s.IdleResources(),
		ActiveConns:       s.AcquiredResources(),
		AcquireCount:      uint64(s.AcquireCount()),
		AcquireWaitCount:  uint64(s.EmptyAcquireCount()),
		CreatedConns:      sp.createdConns.Load(),
		DestroyedConns:    sp.destroyedConns.Load(),
		AcquireErrors:     uint64(s.CanceledAcquireCount()),
		AcquireWaitTimeNs: uint64(s.EmptyAcquireWaitTime() / time.Nanosecond),
	}
	if sp.breaker != nil {
		stats.CircuitBreakerState = sp.breaker.State()
	}
	return stats
}
