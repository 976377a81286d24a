package textproto

// CRLF terminates every line of the text protocol.
const CRLF = "\r\n"

// Response lines sent by memcached.
const (
	LineValue     = "VALUE"
	LineEnd       = "END"
	LineStored    = "STORED"
	LineNotStored = "NOT_STORED"
	LineExists    = "EXISTS"
	LineNotFound  = "NOT_FOUND"
	LineDeleted   = "DELETED"
	LineTouched   = "TOUCHED"
	LineError     = "ERROR"

	PrefixClientError = "CLIENT_ERROR"
	PrefixServerError = "SERVER_ERROR"
	PrefixVersion     = "VERSION "
)

// Default messages used when an error line carries no text.
const (
	DefaultClientError = "unknown client error"
	DefaultServerError = "unknown server error"
	DefaultError       = "unknown command, please check your memcached version"
)

// Protocol limits
const (
	MaxKeyLength   = 250
	MaxValueLength = 1024 * 1024 // memcached's default item size limit
)

// CRLFMatcher finds line boundaries. It is immutable and shared by every
// connection.
var CRLFMatcher = NewMatcher([]byte(CRLF))
