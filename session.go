package memcache

import (
	"github.com/pior/memcache-textproto/textproto"
)

type sessionState uint8

const (
	stateIdle sessionState = iota
	stateCollecting
)

func (s sessionState) String() string {
	if s == stateCollecting {
		return "collecting"
	}
	return "idle"
}

// Session is the per-connection parsing context: the FIFO of commands sent
// but not yet answered, plus the dispatcher state carried across reads.
//
// A Session is not safe for concurrent use. Connection guards it with its
// mutex.
type Session struct {
	state sessionState

	// values accumulates the VALUE blocks of the retrieval in progress.
	// Non-nil only in stateCollecting.
	values map[string]textproto.Value

	// queue[head:] are the outstanding commands, oldest first.
	queue []*Command
	head  int
}

// NewSession returns an idle session with no outstanding command.
func NewSession() *Session {
	return &Session{}
}

// Enqueue appends commands in the order they are written to the wire.
func (s *Session) Enqueue(cmds ...*Command) {
	s.queue = append(s.queue, cmds...)
}

// Current returns the command the next response belongs to, or nil.
func (s *Session) Current() *Command {
	if s.head == len(s.queue) {
		return nil
	}
	return s.queue[s.head]
}

// pop removes the current command once its response is complete.
func (s *Session) pop() *Command {
	cmd := s.Current()
	if cmd == nil {
		return nil
	}

	s.queue[s.head] = nil
	s.head++

	if s.head == len(s.queue) {
		s.queue = s.queue[:0]
		s.head = 0
	} else if s.head > 64 && s.head*2 > len(s.queue) {
		n := copy(s.queue, s.queue[s.head:])
		clear(s.queue[n:])
		s.queue = s.queue[:n]
		s.head = 0
	}
	return cmd
}

// Outstanding returns the number of commands awaiting a response.
func (s *Session) Outstanding() int {
	return len(s.queue) - s.head
}

// Collecting reports whether a retrieval reply is being accumulated.
func (s *Session) Collecting() bool {
	return s.state == stateCollecting
}

func (s *Session) beginCollecting() {
	s.state = stateCollecting
	if s.values == nil {
		s.values = make(map[string]textproto.Value)
	}
}

// endCollecting returns the accumulated values and goes back to idle.
func (s *Session) endCollecting() map[string]textproto.Value {
	values := s.values
	s.values = nil
	s.state = stateIdle
	return values
}

// drain removes and returns every outstanding command and resets the parsing
// state. Used when the connection goes away.
func (s *Session) drain() []*Command {
	cmds := make([]*Command, s.Outstanding())
	copy(cmds, s.queue[s.head:])
	s.reset()
	return cmds
}

func (s *Session) reset() {
	clear(s.queue)
	s.queue = s.queue[:0]
	s.head = 0
	s.values = nil
	s.state = stateIdle
}
