package memcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/pior/memcache-textproto/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockDial struct {
	mu    sync.Mutex
	mocks []*testutils.ConnectionMock
	err   error
}

func (d *mockDial) dial(ctx context.Context) (*Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	mock := testutils.NewConnectionMock()
	d.mocks = append(d.mocks, mock)
	return NewConnection(mock, ConnectionConfig{}), nil
}

func (d *mockDial) mock(i int) *testutils.ConnectionMock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mocks[i]
}

func newTestServerPool(t *testing.T, maxSize int32, d *mockDial) *serverPool {
	t.Helper()
	sp, err := newServerPool("127.0.0.1:11211", maxSize, d.dial, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(sp.close)
	return sp
}

func TestServerPool_SendReusesConnection(t *testing.T) {
	d := &mockDial{}
	sp := newTestServerPool(t, 2, d)
	ctx := context.Background()

	for range 3 {
		cmd := NewVersionCommand()
		require.NoError(t, sp.send(ctx, cmd))
	}

	stats := sp.stats()
	assert.Equal(t, "127.0.0.1:11211", stats.Addr)
	assert.Equal(t, uint64(1), stats.CreatedConns, "connections are released while responses are pending")
	assert.Equal(t, int32(1), stats.TotalConns)
	assert.Equal(t, int32(1), stats.IdleConns)
	assert.Equal(t, uint64(3), stats.AcquireCount)
}

func TestServerPool_AcquireSkipsClosedConnections(t *testing.T) {
	d := &mockDial{}
	sp := newTestServerPool(t, 1, d)
	ctx := context.Background()

	require.NoError(t, sp.send(ctx, NewVersionCommand()))
	d.mock(0).CloseRemote()
	require.Eventually(t, func() bool { return d.mock(0).IsClosed() }, time.Second, time.Millisecond)

	res, err := sp.acquire(ctx)
	require.NoError(t, err)
	defer res.Release()

	assert.False(t, res.Value().IsClosed())
	assert.Equal(t, uint64(2), sp.stats().CreatedConns)
}

func TestServerPool_DialError(t *testing.T) {
	dialErr := errors.New("dial error")
	sp := newTestServerPool(t, 1, &mockDial{err: dialErr})

	err := sp.send(context.Background(), NewVersionCommand())
	require.ErrorIs(t, err, dialErr)
	assert.Zero(t, sp.stats().CreatedConns)
}

func TestServerPool_Sweep(t *testing.T) {
	d := &mockDial{}
	sp := newTestServerPool(t, 3, d)
	ctx := context.Background()

	for range 3 {
		created, err := sp.replenish(ctx)
		require.NoError(t, err)
		require.True(t, created)
	}

	created, err := sp.replenish(ctx)
	require.NoError(t, err)
	assert.False(t, created, "pool is full")
	assert.False(t, sp.needsReplenish())

	d.mock(0).CloseRemote()
	require.Eventually(t, func() bool { return d.mock(0).IsClosed() }, time.Second, time.Millisecond)

	kept, destroyed := sp.sweep(nil)
	assert.Equal(t, 2, kept)
	assert.Equal(t, 1, destroyed)

	kept, destroyed = sp.sweep(func(res *puddle.Resource[*Connection]) error {
		return errors.New("too old")
	})
	assert.Equal(t, 0, kept)
	assert.Equal(t, 2, destroyed)

	require.Eventually(t, func() bool {
		return sp.stats().DestroyedConns == 3 && sp.needsReplenish()
	}, time.Second, time.Millisecond)
}

func TestServerPool_SweepReleasesEachConnectionAfterItsCheck(t *testing.T) {
	d := &mockDial{}
	sp := newTestServerPool(t, 3, d)
	ctx := context.Background()

	for range 3 {
		_, err := sp.replenish(ctx)
		require.NoError(t, err)
	}

	gate := make(chan struct{})
	var calls atomic.Int32
	type result struct{ kept, destroyed int }
	done := make(chan result, 1)
	go func() {
		kept, destroyed := sp.sweep(func(res *puddle.Resource[*Connection]) error {
			if calls.Add(1) == 1 {
				<-gate
			}
			return nil
		})
		done <- result{kept, destroyed}
	}()

	// Two connections are back in the pool while the first check is stuck.
	require.Eventually(t, func() bool { return sp.stats().IdleConns == 2 }, time.Second, time.Millisecond)

	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, sp.send(acquireCtx, NewVersionCommand()))

	close(gate)
	r := <-done
	assert.Equal(t, 3, r.kept)
	assert.Zero(t, r.destroyed)
}
