package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// ConnectionMock is a scripted net.Conn for testing.
//
// Each chunk passed to Deliver is returned by its own Read call (split if
// the read buffer is smaller), which makes it possible to cut a response at
// any byte. Reads block until a chunk is delivered, the remote end is closed
// with CloseRemote, or the connection is closed.
//
// Read must not be called concurrently with itself.
type ConnectionMock struct {
	incoming chan []byte
	pending  []byte

	mu       sync.Mutex
	writeBuf bytes.Buffer
	writeErr error
	gate     chan struct{}

	remote     chan struct{}
	remoteOnce sync.Once
	closed     chan struct{}
	closeOnce  sync.Once
}

// NewConnectionMock creates a mock connection, optionally with response
// chunks already delivered.
func NewConnectionMock(chunks ...string) *ConnectionMock {
	m := &ConnectionMock{
		incoming: make(chan []byte, 4096),
		remote:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
	m.Deliver(chunks...)
	return m
}

// Deliver queues response chunks.
func (m *ConnectionMock) Deliver(chunks ...string) {
	for _, chunk := range chunks {
		m.incoming <- []byte(chunk)
	}
}

// DeliverBytewise queues data one byte per Read.
func (m *ConnectionMock) DeliverBytewise(data string) {
	for i := range len(data) {
		m.incoming <- []byte{data[i]}
	}
}

// CloseRemote makes Read return io.EOF once every delivered chunk is read.
func (m *ConnectionMock) CloseRemote() {
	m.remoteOnce.Do(func() { close(m.remote) })
}

// FailWrites makes every following Write fail with err.
func (m *ConnectionMock) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// HoldWrites makes Write block until ReleaseWrites is called.
func (m *ConnectionMock) HoldWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate == nil {
		m.gate = make(chan struct{})
	}
}

// ReleaseWrites unblocks writes held by HoldWrites.
func (m *ConnectionMock) ReleaseWrites() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gate != nil {
		close(m.gate)
		m.gate = nil
	}
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	if len(m.pending) == 0 {
		select {
		case chunk := <-m.incoming:
			m.pending = chunk
		default:
			select {
			case chunk := <-m.incoming:
				m.pending = chunk
			case <-m.remote:
				return 0, io.EOF
			case <-m.closed:
				return 0, net.ErrClosed
			}
		}
	}

	n := copy(b, m.pending)
	m.pending = m.pending[n:]
	return n, nil
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-m.closed:
			return 0, net.ErrClosed
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.IsClosed() {
		return 0, net.ErrClosed
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(b)
}

func (m *ConnectionMock) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// IsClosed reports whether Close was called.
func (m *ConnectionMock) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

// Written returns the raw request bytes written so far.
func (m *ConnectionMock) Written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeBuf.String()
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11211}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }
