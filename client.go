package memcache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
	"github.com/pior/memcache-textproto/internal/coarsetime"
	"github.com/pior/memcache-textproto/textproto"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// NoTTL represents an infinite TTL (no expiration).
// Use this constant when you want items to persist indefinitely in memcache.
const NoTTL = 0

type Item struct {
	Key   string
	Value []byte
	Flags uint32
	TTL   time.Duration
	CAS   uint64 // set by Gets, required by CompareAndSwap
	Found bool   // indicates whether the key was found in cache
}

type Querier interface {
	Get(ctx context.Context, key string) (Item, error)
	Set(ctx context.Context, item Item) error
	Add(ctx context.Context, item Item) error
	Delete(ctx context.Context, key string) error
	Increment(ctx context.Context, key string, delta uint64) (uint64, error)
}

// Client is a memcache client over pipelined text protocol connections.
//
// It is the Connector of its connections: a lost connection is removed from
// its pool and replaced by the reconnect loop.
type Client struct {
	config       Config
	selectServer ServerSelector
	dialer       Dialer
	logger       *zap.Logger

	pools  []*serverPool // indexed like config.Servers
	byAddr map[string]*serverPool

	reconnects chan string
	shutdown   atomic.Bool
	stop       chan struct{}
	loops      sync.WaitGroup

	stats *clientStatsCollector
}

var (
	_ Querier   = (*Client)(nil)
	_ Connector = (*Client)(nil)
)

// NewClient creates a client for config.Servers. Connections are opened
// lazily.
func NewClient(config Config) (*Client, error) {
	if len(config.Servers) == 0 {
		return nil, ErrNoServers
	}

	if config.MaxConnsPerServer <= 0 {
		config.MaxConnsPerServer = 1
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.MergeFactor == 0 {
		config.MergeFactor = DefaultMergeFactor
	}
	if config.DisableMergeGets {
		config.MergeFactor = 0
	}
	if config.Transcoder == nil {
		config.Transcoder = RawTranscoder{}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: config.DialTimeout}
	}

	selectServer := config.SelectServer
	if selectServer == nil {
		selectServer = DefaultServerSelector
	}

	c := &Client{
		config:       config,
		selectServer: selectServer,
		dialer:       dialer,
		logger:       logger.Named("memcache"),
		byAddr:       make(map[string]*serverPool, len(config.Servers)),
		reconnects:   make(chan string, 64),
		stop:         make(chan struct{}),
		stats:        newClientStatsCollector(),
	}

	for _, addr := range config.Servers {
		if _, dup := c.byAddr[addr]; dup {
			return nil, fmt.Errorf("duplicate server %q", addr)
		}

		sp, err := c.createPool(addr)
		if err != nil {
			c.closePools()
			return nil, err
		}
		c.pools = append(c.pools, sp)
		c.byAddr[addr] = sp
	}

	c.loops.Add(1)
	go c.reconnectLoop()

	if config.HealthCheckInterval > 0 {
		c.loops.Add(1)
		go c.healthCheckLoop()
	}

	return c, nil
}

func (c *Client) createPool(addr string) (*serverPool, error) {
	dial := func(ctx context.Context) (*Connection, error) {
		netConn, err := c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		return NewConnection(netConn, ConnectionConfig{
			Connector:       c,
			Transcoder:      c.config.Transcoder,
			Logger:          c.logger,
			MergeFactor:     c.config.MergeFactor,
			ReconnectOnMiss: c.config.ReconnectOnMiss,
			stats:           c.stats,
		}), nil
	}

	var breaker *gobreaker.CircuitBreaker[*Connection]
	if c.config.NewCircuitBreaker != nil {
		breaker = c.config.NewCircuitBreaker(addr)
	}

	return newServerPool(addr, c.config.MaxConnsPerServer, dial, breaker, c.logger)
}

// Close stops the background loops and closes every connection.
// Pending commands fail with ErrConnectionClosed.
func (c *Client) Close() {
	if !c.shutdown.CompareAndSwap(false, true) {
		return
	}
	close(c.stop)
	c.loops.Wait()
	c.closePools()
}

func (c *Client) closePools() {
	for _, sp := range c.pools {
		sp.close()
	}
}

// RemoveSession is called by a connection that was lost.
// The pool drops it on the next acquire or sweep.
func (c *Client) RemoveSession(conn *Connection) {
	c.logger.Debug("session removed", zap.String("addr", conn.Addr()), zap.Error(conn.Err()))
}

// QueueReconnect schedules a check of the connections to addr. Requests for
// the same address are merged until the next reconnect tick.
func (c *Client) QueueReconnect(addr string) {
	select {
	case c.reconnects <- addr:
	default:
		c.logger.Debug("reconnect queue full", zap.String("addr", addr))
	}
}

// IsShutdown reports whether Close has been called.
func (c *Client) IsShutdown() bool {
	return c.shutdown.Load()
}

func (c *Client) reconnectLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.config.ReconnectInterval)
	defer ticker.Stop()

	pending := make(map[string]struct{})
	for {
		select {
		case <-c.stop:
			return
		case addr := <-c.reconnects:
			pending[addr] = struct{}{}
		case <-ticker.C:
			for addr := range pending {
				if c.reconnect(addr) {
					delete(pending, addr)
				}
			}
		}
	}
}

// reconnect drops the dead connections of addr and opens one replacement if
// the pool is short. It returns false when it must be retried.
func (c *Client) reconnect(addr string) bool {
	sp, ok := c.byAddr[addr]
	if !ok {
		return true
	}

	if _, destroyed := sp.sweep(nil); destroyed > 0 {
		// Destruction is asynchronous, the slots are free on the next tick.
		return false
	}

	if !sp.needsReplenish() {
		return true
	}

	ctx, cancel := c.contextWithTimeout(context.Background(), c.config.DialTimeout)
	defer cancel()

	created, err := sp.replenish(ctx)
	if err != nil {
		c.logger.Warn("reconnect failed", zap.String("addr", addr), zap.Error(err))
		return false
	}
	if created {
		c.stats.recordReconnect()
		c.logger.Info("reconnected", zap.String("addr", addr))
	}
	return true
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (c *Client) healthCheckLoop() {
	defer c.loops.Done()

	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			for _, sp := range c.pools {
				sp.sweep(c.checkConnection)
			}
		}
	}
}

// checkConnection enforces lifecycle limits and pings the connection.
func (c *Client) checkConnection(res *puddle.Resource[*Connection]) error {
	if c.config.MaxConnLifetime > 0 && coarsetime.Now().Sub(res.CreationTime()) > c.config.MaxConnLifetime {
		return errors.New("max lifetime exceeded")
	}

	if c.config.MaxConnIdleTime > 0 && res.IdleDuration() > c.config.MaxConnIdleTime {
		return errors.New("max idle time exceeded")
	}

	ctx, cancel := c.contextWithTimeout(context.Background(), c.config.Timeout)
	defer cancel()

	return res.Value().Ping(ctx)
}

func (c *Client) contextWithTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *Client) poolForKey(key string) *serverPool {
	if len(c.pools) == 1 {
		return c.pools[0]
	}
	return c.pools[c.selectServer(key, len(c.pools))]
}

// do sends a single command to sp and waits for its response.
func (c *Client) do(ctx context.Context, sp *serverPool, cmd *Command) (*Response, error) {
	if c.IsShutdown() {
		return nil, ErrClientClosed
	}

	ctx, cancel := c.contextWithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := sp.send(ctx, cmd); err != nil {
		c.stats.recordError()
		return nil, err
	}

	resp, err := cmd.Wait(ctx)
	c.stats.recordWait(coarsetime.Since(cmd.issued))
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	return resp, nil
}

func validateKeys(keys ...string) error {
	for _, key := range keys {
		if err := textproto.ValidateKey(key); err != nil {
			return err
		}
	}
	return nil
}

// Get retrieves a single item from memcache.
// A miss is reported with Item.Found set to false and no error.
func (c *Client) Get(ctx context.Context, key string) (Item, error) {
	return c.get(ctx, key, false)
}

// Gets retrieves a single item with its cas unique, for CompareAndSwap.
func (c *Client) Gets(ctx context.Context, key string) (Item, error) {
	return c.get(ctx, key, true)
}

func (c *Client) get(ctx context.Context, key string, withCAS bool) (Item, error) {
	if err := validateKeys(key); err != nil {
		return Item{}, err
	}

	cmd := NewGetCommand(key)
	if withCAS {
		cmd = NewGetsCommand(key)
	}

	resp, err := c.do(ctx, c.poolForKey(key), cmd)
	if err != nil {
		return Item{}, err
	}

	if !resp.Found {
		c.stats.recordGet(1, 0)
		return Item{Key: key, Found: false}, nil
	}

	c.stats.recordGet(1, 1)
	return Item{
		Key:   key,
		Value: resp.Value.Data,
		Flags: resp.Value.Flags,
		CAS:   resp.Value.CAS,
		Found: true,
	}, nil
}

// GetMulti retrieves many keys at once, one request per server.
// Values are decoded with the configured Transcoder; missing keys are absent
// from the result.
func (c *Client) GetMulti(ctx context.Context, keys []string) (map[string]any, error) {
	return c.getMulti(ctx, keys, NewGetManyCommand)
}

// GetsMulti is GetMulti returning GetsValue entries.
func (c *Client) GetsMulti(ctx context.Context, keys []string) (map[string]GetsValue, error) {
	values, err := c.getMulti(ctx, keys, NewGetsManyCommand)
	if err != nil {
		return nil, err
	}

	result := make(map[string]GetsValue, len(values))
	for key, v := range values {
		result[key] = v.(GetsValue)
	}
	return result, nil
}

func (c *Client) getMulti(ctx context.Context, keys []string, newCommand func([]string) *Command) (map[string]any, error) {
	if len(keys) == 0 {
		return map[string]any{}, nil
	}
	if err := validateKeys(keys...); err != nil {
		return nil, err
	}

	groups := partitionKeys(keys, len(c.pools), c.selectServer)

	var mu sync.Mutex
	result := make(map[string]any, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	for idx, group := range groups {
		sp := c.pools[idx]
		g.Go(func() error {
			resp, err := c.do(gctx, sp, newCommand(group))
			if err != nil {
				return fmt.Errorf("%s: %w", sp.addr, err)
			}

			mu.Lock()
			defer mu.Unlock()
			for k, v := range resp.Values {
				result[k] = v
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	c.stats.recordGet(len(keys), len(result))
	return result, nil
}

// Set stores an item in memcache.
func (c *Client) Set(ctx context.Context, item Item) error {
	return c.store(ctx, CmdSet, item)
}

// Add stores an item in memcache only if the key doesn't already exist.
// It returns ErrNotStored otherwise.
func (c *Client) Add(ctx context.Context, item Item) error {
	return c.store(ctx, CmdAdd, item)
}

// Replace stores an item only if the key already exists.
func (c *Client) Replace(ctx context.Context, item Item) error {
	return c.store(ctx, CmdReplace, item)
}

// Append adds item.Value after the existing value. Flags and TTL are ignored.
func (c *Client) Append(ctx context.Context, item Item) error {
	return c.store(ctx, CmdAppend, item)
}

// Prepend adds item.Value before the existing value. Flags and TTL are ignored.
func (c *Client) Prepend(ctx context.Context, item Item) error {
	return c.store(ctx, CmdPrepend, item)
}

// CompareAndSwap stores item only if it was not modified since item.CAS was
// obtained with Gets. It returns ErrCASConflict if it was, ErrCacheMiss if
// the key is gone.
func (c *Client) CompareAndSwap(ctx context.Context, item Item) error {
	return c.store(ctx, CmdCas, item)
}

func (c *Client) store(ctx context.Context, typ CommandType, item Item) error {
	if err := validateKeys(item.Key); err != nil {
		return err
	}

	resp, err := c.do(ctx, c.poolForKey(item.Key), NewStorageCommand(typ, item))
	if err != nil {
		return err
	}
	c.stats.recordSet()

	switch resp.Kind {
	case textproto.KindStored:
		return nil
	case textproto.KindExists:
		return ErrCASConflict
	case textproto.KindNotFound:
		return ErrCacheMiss
	default:
		return ErrNotStored
	}
}

// Delete removes an item from memcache.
// Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := validateKeys(key); err != nil {
		return err
	}

	if _, err := c.do(ctx, c.poolForKey(key), NewDeleteCommand(key)); err != nil {
		return err
	}

	c.stats.recordDelete()
	return nil
}

// Touch updates the expiration of an item. It returns ErrCacheMiss if the
// key does not exist.
func (c *Client) Touch(ctx context.Context, key string, ttl time.Duration) error {
	if err := validateKeys(key); err != nil {
		return err
	}

	resp, err := c.do(ctx, c.poolForKey(key), NewTouchCommand(key, ttl))
	if err != nil {
		return err
	}
	c.stats.recordTouch()

	if !resp.OK {
		return ErrCacheMiss
	}
	return nil
}

// Increment adds delta to a counter and returns the new value. The value
// wraps around at 2^64. It returns ErrCacheMiss if the key does not exist.
func (c *Client) Increment(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, key, delta, NewIncrCommand)
}

// Decrement subtracts delta from a counter and returns the new value.
// Counters do not go below zero.
func (c *Client) Decrement(ctx context.Context, key string, delta uint64) (uint64, error) {
	return c.arithmetic(ctx, key, delta, NewDecrCommand)
}

func (c *Client) arithmetic(ctx context.Context, key string, delta uint64, newCommand func(string, uint64) *Command) (uint64, error) {
	if err := validateKeys(key); err != nil {
		return 0, err
	}

	resp, err := c.do(ctx, c.poolForKey(key), newCommand(key, delta))
	if err != nil {
		return 0, err
	}
	c.stats.recordIncrement()

	if resp.Kind != textproto.KindInteger {
		return 0, ErrCacheMiss
	}
	return resp.Counter, nil
}

// Version returns the version of every server, by address.
func (c *Client) Version(ctx context.Context) (map[string]string, error) {
	var mu sync.Mutex
	versions := make(map[string]string, len(c.pools))

	g, gctx := errgroup.WithContext(ctx)
	for _, sp := range c.pools {
		g.Go(func() error {
			resp, err := c.do(gctx, sp, NewVersionCommand())
			if err != nil {
				return fmt.Errorf("%s: %w", sp.addr, err)
			}

			mu.Lock()
			versions[sp.addr] = resp.Version
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return versions, nil
}

// Ping checks every server and reports all failures.
func (c *Client) Ping(ctx context.Context) error {
	errs := make([]error, len(c.pools))

	var wg sync.WaitGroup
	for i, sp := range c.pools {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.do(ctx, sp, NewVersionCommand()); err != nil {
				errs[i] = fmt.Errorf("%s: %w", sp.addr, err)
			}
		}()
	}
	wg.Wait()

	return multierr.Combine(errs...)
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// AllPoolStats returns the pool statistics of every server.
func (c *Client) AllPoolStats() []PoolStats {
	stats := make([]PoolStats, len(c.pools))
	for i, sp := range c.pools {
		stats[i] = sp.stats()
	}
	return stats
}
