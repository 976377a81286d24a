package memcache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pior/memcache-textproto/internal/coarsetime"
	"github.com/pior/memcache-textproto/textproto"
	"github.com/valyala/bytebufferpool"
)

// CommandType identifies the request a Command was built for.
type CommandType uint8

const (
	CmdGet CommandType = iota + 1
	CmdGets
	CmdGetMany
	CmdGetsMany
	CmdSet
	CmdAdd
	CmdReplace
	CmdAppend
	CmdPrepend
	CmdCas
	CmdDelete
	CmdTouch
	CmdIncr
	CmdDecr
	CmdVersion
)

var commandNames = [...]string{
	CmdGet:      "get",
	CmdGets:     "gets",
	CmdGetMany:  "get_many",
	CmdGetsMany: "gets_many",
	CmdSet:      "set",
	CmdAdd:      "add",
	CmdReplace:  "replace",
	CmdAppend:   "append",
	CmdPrepend:  "prepend",
	CmdCas:      "cas",
	CmdDelete:   "delete",
	CmdTouch:    "touch",
	CmdIncr:     "incr",
	CmdDecr:     "decr",
	CmdVersion:  "version",
}

func (t CommandType) String() string {
	if int(t) < len(commandNames) && commandNames[t] != "" {
		return commandNames[t]
	}
	return "CommandType(" + strconv.Itoa(int(t)) + ")"
}

// Shape is the kind of result a command expects.
type Shape uint8

const (
	ShapeSingleValue Shape = iota + 1
	ShapeMultiValue
	ShapeBoolean
	ShapeInteger
	ShapeVersion
)

// Shape returns the result shape of a command type.
func (t CommandType) Shape() Shape {
	switch t {
	case CmdGet, CmdGets:
		return ShapeSingleValue
	case CmdGetMany, CmdGetsMany:
		return ShapeMultiValue
	case CmdIncr, CmdDecr:
		return ShapeInteger
	case CmdVersion:
		return ShapeVersion
	default:
		return ShapeBoolean
	}
}

// Response is the outcome of a command. Exactly one of the result fields or
// Error is meaningful.
type Response struct {
	// Kind is the reply line that completed the command.
	// It is KindUnknown when the command failed locally (connection closed).
	Kind textproto.Kind

	// Found and Value hold a single-key retrieval result.
	// Value is left raw; use Decode to convert it.
	Found bool
	Value *textproto.Value

	// Values holds a multi-key retrieval result, decoded by the connection's
	// Transcoder. Entries are GetsValue for CmdGetsMany. Missing keys have no
	// entry.
	Values map[string]any

	// OK is the outcome of storage, delete and touch commands.
	OK bool

	// Counter is the new value after incr/decr.
	Counter uint64

	// Version is the server version string.
	Version string

	// Error is set for ERROR, CLIENT_ERROR, SERVER_ERROR replies and for
	// commands failed by a connection teardown.
	Error error
}

// Decode converts a single-key value with t. It returns ErrCacheMiss when
// the response holds no value.
func (r *Response) Decode(t Transcoder) (any, error) {
	if r.Error != nil {
		return nil, r.Error
	}
	if !r.Found || r.Value == nil {
		return nil, ErrCacheMiss
	}
	return t.Decode(*r.Value)
}

// Command is a request in flight. It is built by the issuing side, handed to
// a Connection, and completed exactly once by the connection's dispatcher.
type Command struct {
	Type CommandType
	Key  string   // single-key commands
	Keys []string // multi-key commands and merge carriers

	// MergeCount is -1 for a standalone command. A merge carrier has
	// MergeCount >= 0 and lists the coalesced Gets in Merged.
	MergeCount int
	Merged     []*Command

	buf      *bytebufferpool.ByteBuffer // encoded request, owned by the connection writer
	values   map[string]any             // result mapping for multi-key commands
	issued   time.Time
	response *Response
	once     sync.Once
	done     chan struct{}
}

func newCommand(typ CommandType, key string) *Command {
	return &Command{
		Type:       typ,
		Key:        key,
		MergeCount: -1,
		buf:        bytebufferpool.Get(),
		issued:     coarsetime.Now(),
		done:       make(chan struct{}),
	}
}

// NewGetCommand creates a single-key get.
func NewGetCommand(key string) *Command {
	cmd := newCommand(CmdGet, key)
	cmd.buf.B = textproto.AppendRetrieval(cmd.buf.B, "get", key)
	return cmd
}

// NewGetsCommand creates a single-key gets, returning the cas unique.
func NewGetsCommand(key string) *Command {
	cmd := newCommand(CmdGets, key)
	cmd.buf.B = textproto.AppendRetrieval(cmd.buf.B, "gets", key)
	return cmd
}

// NewGetManyCommand creates a multi-key get.
func NewGetManyCommand(keys []string) *Command {
	cmd := newCommand(CmdGetMany, "")
	cmd.Keys = keys
	cmd.values = make(map[string]any, len(keys))
	cmd.buf.B = textproto.AppendRetrieval(cmd.buf.B, "get", keys...)
	return cmd
}

// NewGetsManyCommand creates a multi-key gets. Results are GetsValue.
func NewGetsManyCommand(keys []string) *Command {
	cmd := newCommand(CmdGetsMany, "")
	cmd.Keys = keys
	cmd.values = make(map[string]any, len(keys))
	cmd.buf.B = textproto.AppendRetrieval(cmd.buf.B, "gets", keys...)
	return cmd
}

// NewStorageCommand creates a set, add, replace, append, prepend or cas.
func NewStorageCommand(typ CommandType, item Item) *Command {
	cmd := newCommand(typ, item.Key)
	cmd.buf.B = textproto.AppendStorage(cmd.buf.B, typ.String(), item.Key, item.Flags, expiration(item.TTL), item.Value, item.CAS)
	return cmd
}

// NewDeleteCommand creates a delete.
func NewDeleteCommand(key string) *Command {
	cmd := newCommand(CmdDelete, key)
	cmd.buf.B = textproto.AppendDelete(cmd.buf.B, key)
	return cmd
}

// NewTouchCommand creates a touch updating the expiration of key.
func NewTouchCommand(key string, ttl time.Duration) *Command {
	cmd := newCommand(CmdTouch, key)
	cmd.buf.B = textproto.AppendTouch(cmd.buf.B, key, expiration(ttl))
	return cmd
}

// NewIncrCommand creates an incr.
func NewIncrCommand(key string, delta uint64) *Command {
	cmd := newCommand(CmdIncr, key)
	cmd.buf.B = textproto.AppendArithmetic(cmd.buf.B, "incr", key, delta)
	return cmd
}

// NewDecrCommand creates a decr.
func NewDecrCommand(key string, delta uint64) *Command {
	cmd := newCommand(CmdDecr, key)
	cmd.buf.B = textproto.AppendArithmetic(cmd.buf.B, "decr", key, delta)
	return cmd
}

// NewVersionCommand creates a version request.
func NewVersionCommand() *Command {
	cmd := newCommand(CmdVersion, "")
	cmd.buf.B = textproto.AppendVersion(cmd.buf.B)
	return cmd
}

// newMergeCarrier coalesces single-key gets into one "get k1 k2 ..." request.
// The constituents are never written, so their buffers go back to the pool
// right away.
func newMergeCarrier(cmds []*Command) *Command {
	carrier := newCommand(CmdGet, "")
	carrier.MergeCount = len(cmds)
	carrier.Merged = cmds
	carrier.Keys = make([]string, len(cmds))
	for i, cmd := range cmds {
		carrier.Keys[i] = cmd.Key
		cmd.releaseBuffer()
	}
	carrier.buf.B = textproto.AppendRetrieval(carrier.buf.B, "get", carrier.Keys...)
	return carrier
}

// request returns the encoded request. Only the writer may call it.
func (c *Command) request() []byte {
	if c.buf == nil {
		return nil
	}
	return c.buf.B
}

// Done is closed once the command has completed.
func (c *Command) Done() <-chan struct{} {
	return c.done
}

// Completed reports whether the command has completed.
func (c *Command) Completed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the command completes or ctx is done. Giving up does not
// cancel the request: the connection still consumes its reply.
// The returned error is the response error, if any.
func (c *Command) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-c.done:
		return c.response, c.response.Error
	default:
	}

	select {
	case <-c.done:
		return c.response, c.response.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete records resp and releases waiters. Only the first call has an
// effect; it returns false for later calls.
func (c *Command) complete(resp *Response) bool {
	completed := false
	c.once.Do(func() {
		c.response = resp
		close(c.done)
		completed = true
	})
	return completed
}

// fail completes the command, and every merged constituent still pending,
// with err.
func (c *Command) fail(err error) {
	for _, merged := range c.Merged {
		merged.complete(&Response{Error: err})
	}
	c.complete(&Response{Error: err})
}

// releaseBuffer returns the request buffer to the pool. Only the goroutine
// that owns the buffer may call it.
func (c *Command) releaseBuffer() {
	if c.buf != nil {
		bytebufferpool.Put(c.buf)
		c.buf = nil
	}
}

// memcached reads expirations above 30 days as absolute Unix times.
const maxRelativeExpiration = 30 * 24 * time.Hour

func expiration(ttl time.Duration) int64 {
	switch {
	case ttl <= 0:
		return 0
	case ttl > maxRelativeExpiration:
		return time.Now().Add(ttl).Unix()
	default:
		return int64(ttl / time.Second)
	}
}
