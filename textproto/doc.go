// Package textproto implements the wire level of the memcached text protocol
// as seen by a client: finding line boundaries in a partially received byte
// stream, classifying response lines, parsing VALUE headers and encoding the
// handful of requests a client needs.
//
// # Reading
//
// Bytes arrive in arbitrary chunks. A Cursor walks a buffer and only moves
// forward when a whole segment is present:
//
//	cur := textproto.NewCursor(buf)
//	line, ok := cur.NextLine(textproto.CRLFMatcher)
//	if !ok {
//	    // need more data, cur.Pos() is unchanged
//	}
//	reply := textproto.Classify(line)
//
// Line boundaries are found with a Boyer-Moore-Horspool Matcher. The shared
// CRLFMatcher is immutable and may be used from any goroutine.
//
// # Error Handling
//
//   - ClientError, ServerError, GenericError: reply-level errors, the
//     connection stays usable
//   - ParseError: the stream is out of sync, CLOSE the connection
//   - ConnectionError: I/O failure or teardown
//
// Use ShouldCloseConnection to pick a strategy.
package textproto
