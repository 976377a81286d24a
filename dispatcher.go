package memcache

import (
	"bytes"
	"strconv"

	"github.com/pior/memcache-textproto/textproto"
)

// EventKind identifies a notification raised by the Dispatcher.
type EventKind uint8

const (
	// EventSingleGetMiss is raised when a standalone single-key get completes
	// without its key.
	EventSingleGetMiss EventKind = iota + 1
)

// Event is a condition observed on the response stream that the owner of the
// connection may want to act on.
type Event struct {
	Kind EventKind
	Key  string
}

// EventHandler receives dispatcher events. It is called on the reading
// goroutine with the session lock held and must not block.
type EventHandler func(Event)

// Dispatcher turns response bytes into command completions.
//
// A Dispatcher holds no per-connection state and can be shared. All parsing
// state lives in the Session passed to OnReceive.
type Dispatcher struct {
	transcoder Transcoder
	onEvent    EventHandler
}

// NewDispatcher returns a dispatcher decoding multi-key results with t.
// A nil t means RawTranscoder. onEvent may be nil.
func NewDispatcher(t Transcoder, onEvent EventHandler) *Dispatcher {
	if t == nil {
		t = RawTranscoder{}
	}
	return &Dispatcher{transcoder: t, onEvent: onEvent}
}

// OnReceive consumes as many complete responses from buf as possible and
// completes the matching commands of s. It returns the number of bytes
// consumed; the remaining bytes must be presented again, followed by more
// data, on the next call.
//
// A non-nil error is always a *textproto.ParseError: the stream cannot be
// correlated anymore and the connection must be closed.
func (d *Dispatcher) OnReceive(s *Session, buf []byte) (int, error) {
	cur := textproto.NewCursor(buf)

	for {
		var (
			progress bool
			err      error
		)
		if s.state == stateCollecting {
			progress, err = d.collect(s, cur)
		} else {
			progress, err = d.dispatch(s, cur)
		}
		if err != nil || !progress {
			return cur.Pos(), err
		}
	}
}

// dispatch handles one line in the idle state.
func (d *Dispatcher) dispatch(s *Session, cur *textproto.Cursor) (bool, error) {
	mark := cur.Mark()
	line, ok := cur.NextLine(textproto.CRLFMatcher)
	if !ok {
		return false, nil
	}

	cmd := s.Current()
	if cmd == nil {
		return false, desync("response with no outstanding command", line)
	}

	reply := textproto.Classify(line)
	if !accepts(cmd, reply.Kind) {
		return false, desync("unexpected response to "+cmd.Type.String(), line)
	}

	switch reply.Kind {
	case textproto.KindValue:
		// The VALUE line is parsed again by collect.
		cur.Rollback(mark)
		s.beginCollecting()
		return true, nil

	case textproto.KindEnd:
		s.pop()
		d.deliver(cmd, nil)

	case textproto.KindStored, textproto.KindNotStored, textproto.KindExists,
		textproto.KindNotFound, textproto.KindDeleted, textproto.KindTouched:
		ok, _ := reply.Bool()
		s.pop()
		cmd.complete(&Response{Kind: reply.Kind, OK: ok})

	case textproto.KindError, textproto.KindClientError, textproto.KindServerError:
		s.pop()
		cmd.fail(replyError(reply))

	case textproto.KindVersion:
		s.pop()
		cmd.complete(&Response{Kind: reply.Kind, Version: reply.Text})

	case textproto.KindInteger:
		s.pop()
		cmd.complete(&Response{Kind: reply.Kind, Counter: reply.Integer})

	default:
		return false, desync("unrecognized response", line)
	}

	return true, nil
}

// collect accumulates VALUE blocks until END. On a short read it rewinds to
// the start of the incomplete block; blocks already read stay in the session.
func (d *Dispatcher) collect(s *Session, cur *textproto.Cursor) (bool, error) {
	for {
		mark := cur.Mark()
		line, ok := cur.NextLine(textproto.CRLFMatcher)
		if !ok {
			return false, nil
		}

		reply := textproto.Classify(line)
		switch reply.Kind {
		case textproto.KindValue:
			hdr, err := textproto.ParseValueLine(line)
			if err != nil {
				return false, err
			}

			data, ok := cur.Take(hdr.Size)
			if !ok {
				cur.Rollback(mark)
				return false, nil
			}
			trailer, ok := cur.Take(len(textproto.CRLF))
			if !ok {
				cur.Rollback(mark)
				return false, nil
			}
			if string(trailer) != textproto.CRLF {
				return false, &textproto.ParseError{Message: "data block of " + strconv.Quote(hdr.Key) + " is not terminated by CRLF"}
			}

			s.values[hdr.Key] = textproto.Value{
				Flags:  hdr.Flags,
				Data:   bytes.Clone(data),
				CAS:    hdr.CAS,
				HasCAS: hdr.HasCAS,
			}

		case textproto.KindEnd:
			values := s.endCollecting()
			d.deliver(s.pop(), values)
			return true, nil

		case textproto.KindError, textproto.KindClientError, textproto.KindServerError:
			s.endCollecting()
			s.pop().fail(replyError(reply))
			return true, nil

		default:
			return false, desync("unexpected line in retrieval response", line)
		}
	}
}

// deliver completes a retrieval command with the values found for it.
func (d *Dispatcher) deliver(cmd *Command, values map[string]textproto.Value) {
	switch {
	case cmd.MergeCount >= 0:
		d.fanOut(cmd, values)
	case cmd.Type.Shape() == ShapeMultiValue:
		d.completeMany(cmd, values)
	default:
		d.completeOne(cmd, values)
	}
}

func (d *Dispatcher) completeOne(cmd *Command, values map[string]textproto.Value) {
	v, found := values[cmd.Key]
	if !found {
		d.emit(Event{Kind: EventSingleGetMiss, Key: cmd.Key})
		cmd.complete(&Response{Kind: textproto.KindEnd})
		return
	}
	cmd.complete(&Response{Kind: textproto.KindEnd, Found: true, Value: &v})
}

func (d *Dispatcher) completeMany(cmd *Command, values map[string]textproto.Value) {
	result := cmd.values
	if result == nil {
		result = make(map[string]any, len(values))
	}

	gets := cmd.Type == CmdGetsMany
	for key, v := range values {
		decoded, err := d.transcoder.Decode(v)
		if err != nil {
			cmd.fail(&DecodeError{Key: key, Err: err})
			return
		}
		if gets {
			result[key] = GetsValue{CAS: v.CAS, Value: decoded}
		} else {
			result[key] = decoded
		}
	}

	cmd.complete(&Response{Kind: textproto.KindEnd, Values: result})
}

// fanOut completes every coalesced get of a merge carrier by its own key,
// then the carrier itself.
func (d *Dispatcher) fanOut(carrier *Command, values map[string]textproto.Value) {
	for _, cmd := range carrier.Merged {
		v, found := values[cmd.Key]
		if !found {
			cmd.complete(&Response{Kind: textproto.KindEnd})
			continue
		}
		cmd.complete(&Response{Kind: textproto.KindEnd, Found: true, Value: &v})
	}
	carrier.complete(&Response{Kind: textproto.KindEnd})
}

func (d *Dispatcher) emit(e Event) {
	if d.onEvent != nil {
		d.onEvent(e)
	}
}

// accepts reports whether a reply of kind k can answer cmd.
func accepts(cmd *Command, k textproto.Kind) bool {
	switch k {
	case textproto.KindError, textproto.KindClientError, textproto.KindServerError:
		return true
	case textproto.KindValue, textproto.KindEnd:
		return cmd.MergeCount >= 0 || cmd.Type.Shape() == ShapeSingleValue || cmd.Type.Shape() == ShapeMultiValue
	case textproto.KindVersion:
		return cmd.Type.Shape() == ShapeVersion
	case textproto.KindInteger:
		return cmd.Type.Shape() == ShapeInteger
	case textproto.KindUnknown:
		return true // rejected by dispatch
	default:
		// Status lines. incr/decr answer NOT_FOUND for a missing key.
		return cmd.Type.Shape() == ShapeBoolean || cmd.Type.Shape() == ShapeInteger
	}
}

func replyError(r textproto.Reply) error {
	switch r.Kind {
	case textproto.KindClientError:
		return &textproto.ClientError{Message: r.Text}
	case textproto.KindServerError:
		return &textproto.ServerError{Message: r.Text}
	default:
		return &textproto.GenericError{Message: r.Text}
	}
}

func desync(msg, line string) error {
	return &textproto.ParseError{Message: msg + ": " + strconv.Quote(line)}
}
