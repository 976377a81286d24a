package memcache

import (
	"bufio"
	"context"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pior/memcache-textproto/internal/coarsetime"
	"github.com/pior/memcache-textproto/textproto"
	"go.uber.org/zap"
)

const (
	readBufferSize  = 16 * 1024
	writeBufferSize = 16 * 1024
	sendQueueSize   = 1024
	maxWriteBatch   = 256
)

// Connector owns connections and is told when one goes away.
type Connector interface {
	// RemoveSession forgets a connection that has been closed.
	RemoveSession(conn *Connection)

	// QueueReconnect asks for a new connection to addr. It must not block.
	QueueReconnect(addr string)

	// IsShutdown reports whether the owner is shutting down, in which case
	// no reconnect is requested.
	IsShutdown() bool
}

// ConnectionConfig configures a Connection.
type ConnectionConfig struct {
	// Connector is notified when the connection is lost. Optional.
	Connector Connector

	// Transcoder decodes multi-key results. Defaults to RawTranscoder.
	Transcoder Transcoder

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// MergeFactor is the maximum number of pending single-key gets coalesced
	// into one request. Values below 2 disable merging.
	MergeFactor int

	// ReconnectOnMiss asks the Connector for a reconnect whenever a
	// single-key get misses.
	ReconnectOnMiss bool

	stats *clientStatsCollector
}

// Connection pipelines commands over one memcached connection.
//
// Commands handed to Send are written in order by a single writer goroutine
// and answered in the same order; a single reader goroutine feeds the
// response stream to a Dispatcher.
type Connection struct {
	addr      string
	netConn   net.Conn
	writer    *bufio.Writer
	logger    *zap.Logger
	connector Connector

	dispatcher      *Dispatcher
	mergeFactor     int
	reconnectOnMiss bool
	stats           *clientStatsCollector

	mu      sync.Mutex // guards session
	session *Session

	sendMu sync.RWMutex // held exclusively while the send queue is drained on close
	sendq  chan *Command

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	createdAt time.Time
	lastUsed  atomic.Int64
	done      sync.WaitGroup
}

// NewConnection starts the reader and writer goroutines on netConn.
func NewConnection(netConn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	stats := cfg.stats
	if stats == nil {
		stats = newClientStatsCollector()
	}

	addr := netConn.RemoteAddr().String()

	c := &Connection{
		addr:            addr,
		netConn:         netConn,
		writer:          bufio.NewWriterSize(netConn, writeBufferSize),
		logger:          logger.Named("conn").With(zap.String("addr", addr)),
		connector:       cfg.Connector,
		mergeFactor:     cfg.MergeFactor,
		reconnectOnMiss: cfg.ReconnectOnMiss,
		stats:           stats,
		session:         NewSession(),
		sendq:           make(chan *Command, sendQueueSize),
		closed:          make(chan struct{}),
		createdAt:       coarsetime.Now(),
	}
	c.dispatcher = NewDispatcher(cfg.Transcoder, c.handleEvent)
	c.touch()

	c.done.Add(2)
	go c.readLoop()
	go c.writeLoop()

	c.logger.Debug("connection started")
	return c
}

// Addr returns the remote address.
func (c *Connection) Addr() string {
	return c.addr
}

// IsClosed reports whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Err returns the reason the connection was closed, or nil.
func (c *Connection) Err() error {
	if !c.IsClosed() {
		return nil
	}
	return c.closeErr
}

// Outstanding returns the number of commands written and not yet answered.
func (c *Connection) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Outstanding()
}

// LastUsed returns the last time a command was sent on the connection.
func (c *Connection) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// CreatedAt returns the time the connection was established.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Connection) touch() {
	c.lastUsed.Store(coarsetime.Now().UnixNano())
}

// Send queues commands for writing, in order. It returns once the commands
// are queued, not when they are answered: use Command.Wait.
//
// Commands accepted before the connection closes are always completed, with
// an error if need be.
func (c *Connection) Send(ctx context.Context, cmds ...*Command) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()

	for _, cmd := range cmds {
		if c.IsClosed() {
			return ErrConnectionClosed
		}

		select {
		case c.sendq <- cmd:
		case <-c.closed:
			return ErrConnectionClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.touch()
	return nil
}

// Execute sends cmd and waits for its response.
func (c *Connection) Execute(ctx context.Context, cmd *Command) (*Response, error) {
	if err := c.Send(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd.Wait(ctx)
}

// ExecuteBatch pipelines cmds and waits for all of them. Per-command failures
// are reported in each Response; the error is only set when the batch could
// not be sent or the wait was interrupted.
func (c *Connection) ExecuteBatch(ctx context.Context, cmds []*Command) ([]*Response, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	if err := c.Send(ctx, cmds...); err != nil {
		return nil, err
	}

	responses := make([]*Response, len(cmds))
	for i, cmd := range cmds {
		select {
		case <-cmd.Done():
			responses[i] = cmd.response
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return responses, nil
}

// Ping checks the connection with a version request.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.Execute(ctx, NewVersionCommand())
	return err
}

// Close closes the connection and fails every pending command with
// ErrConnectionClosed. The Connector is not notified. Close waits for the
// connection goroutines and must not be called from a Connector callback.
func (c *Connection) Close() error {
	c.shutdown(ErrConnectionClosed, false)
	c.done.Wait()
	return nil
}

func (c *Connection) readLoop() {
	defer c.done.Done()

	buf := make([]byte, 0, readBufferSize)
	for {
		if cap(buf)-len(buf) < readBufferSize/4 {
			buf = slices.Grow(buf, readBufferSize)
		}

		n, err := c.netConn.Read(buf[len(buf):cap(buf)])
		if n > 0 {
			buf = buf[:len(buf)+n]

			c.mu.Lock()
			consumed, perr := c.dispatcher.OnReceive(c.session, buf)
			c.mu.Unlock()

			if perr != nil {
				c.logger.Error("protocol desync, closing connection", zap.Error(perr))
				c.shutdown(perr, true)
				return
			}

			buf = buf[:copy(buf, buf[consumed:])]
		}

		if err != nil {
			if !c.IsClosed() {
				c.logger.Warn("read failed, closing connection", zap.Error(err))
			}
			c.shutdown(&textproto.ConnectionError{Op: "read", Err: err}, true)
			return
		}
	}
}

func (c *Connection) writeLoop() {
	defer c.done.Done()

	batch := make([]*Command, 0, maxWriteBatch)
	for {
		select {
		case <-c.closed:
			return
		case cmd := <-c.sendq:
			batch = append(batch[:0], cmd)
		}

	fill:
		for len(batch) < maxWriteBatch {
			select {
			case cmd := <-c.sendq:
				batch = append(batch, cmd)
			default:
				break fill
			}
		}

		if err := c.write(batch); err != nil {
			c.logger.Warn("write failed, closing connection", zap.Error(err))
			c.shutdown(&textproto.ConnectionError{Op: "write", Err: err}, true)
			return
		}
		clear(batch)
	}
}

// write registers batch as outstanding, then writes it. Commands are queued
// on the session before any byte leaves, so a response can never arrive
// ahead of its command.
func (c *Connection) write(batch []*Command) error {
	if c.mergeFactor >= 2 {
		before := len(batch)
		batch = mergeGets(batch, c.mergeFactor)
		if merged := before - len(batch); merged > 0 {
			c.stats.recordMerged(uint64(merged))
		}
	}

	c.mu.Lock()
	if c.IsClosed() {
		c.mu.Unlock()
		err := &textproto.ConnectionError{Op: "write", Err: ErrConnectionClosed}
		for _, cmd := range batch {
			cmd.fail(err)
			cmd.releaseBuffer()
		}
		return nil
	}
	c.session.Enqueue(batch...)
	c.mu.Unlock()

	var err error
	for _, cmd := range batch {
		if err == nil {
			_, err = c.writer.Write(cmd.request())
		}
		cmd.releaseBuffer()
	}
	if err != nil {
		return err
	}
	return c.writer.Flush()
}

// shutdown tears the connection down once. Every outstanding and queued
// command is failed. When lost is set the Connector is told to forget the
// connection and, unless it is shutting down, to reconnect.
func (c *Connection) shutdown(cause error, lost bool) {
	c.closeOnce.Do(func() {
		c.closeErr = cause
		close(c.closed)
		closeErr := c.netConn.Close()

		c.mu.Lock()
		pending := c.session.drain()
		c.mu.Unlock()

		c.sendMu.Lock()
		var queued []*Command
	drain:
		for {
			select {
			case cmd := <-c.sendq:
				queued = append(queued, cmd)
			default:
				break drain
			}
		}
		c.sendMu.Unlock()

		failure := &textproto.ConnectionError{Op: "close", Err: ErrConnectionClosed}
		for _, cmd := range pending {
			cmd.fail(failure)
		}
		for _, cmd := range queued {
			cmd.fail(failure)
			cmd.releaseBuffer()
		}

		if closeErr != nil && lost {
			c.logger.Debug("close failed", zap.Error(closeErr))
		}

		if !lost {
			c.logger.Debug("connection closed", zap.Int("failed", len(pending)+len(queued)))
			return
		}

		c.stats.recordDisconnect()
		c.logger.Warn("connection lost",
			zap.Error(cause),
			zap.Int("failed", len(pending)+len(queued)),
		)

		if c.connector != nil {
			c.connector.RemoveSession(c)
			if !c.connector.IsShutdown() {
				c.connector.QueueReconnect(c.addr)
			}
		}
	})
}

// handleEvent runs on the reader goroutine with the session lock held.
func (c *Connection) handleEvent(e Event) {
	switch e.Kind {
	case EventSingleGetMiss:
		if c.reconnectOnMiss && c.connector != nil && !c.connector.IsShutdown() {
			c.logger.Debug("cache miss, requesting connection probe", zap.String("key", e.Key))
			c.stats.recordMissProbe()
			c.connector.QueueReconnect(c.addr)
		}
	}
}
