package textproto

import (
	"strings"
	"unicode/utf8"
)

// Cursor reads delimited segments from a byte slice. Reads either succeed and
// advance, or fail and leave the position untouched, so a caller can retry
// the same bytes once more data has arrived.
type Cursor struct {
	buf []byte
	pos int
}

// NewCursor returns a cursor positioned at the start of buf.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Pos returns the number of bytes consumed so far.
func (c *Cursor) Pos() int {
	return c.pos
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.pos
}

// Mark returns the current position for a later Rollback.
func (c *Cursor) Mark() int {
	return c.pos
}

// Rollback moves the cursor back to a position returned by Mark.
func (c *Cursor) Rollback(mark int) {
	if mark < 0 || mark > c.pos {
		panic("textproto: rollback past cursor position")
	}
	c.pos = mark
}

// NextLine returns the next segment terminated by m's pattern, decoded as
// UTF-8 text, and advances past the delimiter. It returns false without
// moving when no complete segment is buffered.
func (c *Cursor) NextLine(m *Matcher) (string, bool) {
	i := m.Index(c.buf[c.pos:])
	if i < 0 {
		return "", false
	}

	line := c.buf[c.pos : c.pos+i]
	c.pos += i + m.Len()
	return decodeText(line), true
}

// Take returns the next n bytes and advances past them. The returned slice
// aliases the underlying buffer. It returns false without moving when fewer
// than n bytes are buffered.
func (c *Cursor) Take(n int) ([]byte, bool) {
	if n < 0 || c.Remaining() < n {
		return nil, false
	}

	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, true
}

func decodeText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
