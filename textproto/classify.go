package textproto

import (
	"strconv"
	"strings"
)

// Kind identifies the shape of a response line.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindValue
	KindEnd
	KindStored
	KindNotStored
	KindExists
	KindNotFound
	KindDeleted
	KindTouched
	KindError
	KindClientError
	KindServerError
	KindVersion
	KindInteger
)

var kindNames = [...]string{
	KindUnknown:     "UNKNOWN",
	KindValue:       LineValue,
	KindEnd:         LineEnd,
	KindStored:      LineStored,
	KindNotStored:   LineNotStored,
	KindExists:      LineExists,
	KindNotFound:    LineNotFound,
	KindDeleted:     LineDeleted,
	KindTouched:     LineTouched,
	KindError:       LineError,
	KindClientError: PrefixClientError,
	KindServerError: PrefixServerError,
	KindVersion:     "VERSION",
	KindInteger:     "INTEGER",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Reply is a classified response line.
type Reply struct {
	Kind Kind

	// Text is the error message for KindClientError and KindServerError and
	// the version string for KindVersion.
	Text string

	// Integer is the counter value for KindInteger.
	Integer uint64
}

// Bool reports the boolean outcome carried by a status line.
func (r Reply) Bool() (value bool, ok bool) {
	switch r.Kind {
	case KindStored, KindDeleted, KindTouched:
		return true, true
	case KindExists, KindNotStored, KindNotFound:
		return false, true
	default:
		return false, false
	}
}

// Classify maps a response line, without its delimiter, to a Reply.
// Lines that match no known pattern and are not a decimal integer are
// classified as KindUnknown.
func Classify(line string) Reply {
	switch line {
	case LineEnd:
		return Reply{Kind: KindEnd}
	case LineStored:
		return Reply{Kind: KindStored}
	case LineDeleted:
		return Reply{Kind: KindDeleted}
	case LineExists:
		return Reply{Kind: KindExists}
	case LineNotStored:
		return Reply{Kind: KindNotStored}
	case LineNotFound:
		return Reply{Kind: KindNotFound}
	case LineTouched:
		return Reply{Kind: KindTouched}
	case LineError:
		return Reply{Kind: KindError, Text: DefaultError}
	}

	switch {
	case strings.HasPrefix(line, LineValue):
		return Reply{Kind: KindValue}
	case strings.HasPrefix(line, PrefixClientError):
		return Reply{Kind: KindClientError, Text: message(line, DefaultClientError)}
	case strings.HasPrefix(line, PrefixServerError):
		return Reply{Kind: KindServerError, Text: message(line, DefaultServerError)}
	case strings.HasPrefix(line, PrefixVersion):
		return Reply{Kind: KindVersion, Text: line[len(PrefixVersion):]}
	}

	// incr/decr replies may be right-padded with spaces by older servers
	n, err := strconv.ParseUint(strings.TrimRight(line, " "), 10, 64)
	if err != nil {
		return Reply{Kind: KindUnknown, Text: line}
	}
	return Reply{Kind: KindInteger, Integer: n}
}

// message returns the text after the first space of line, or def.
func message(line, def string) string {
	_, msg, ok := strings.Cut(line, " ")
	if !ok || msg == "" {
		return def
	}
	return msg
}

// ValueHeader is a parsed "VALUE <key> <flags> <bytes> [<cas>]" line.
type ValueHeader struct {
	Key    string
	Flags  uint32
	Size   int
	CAS    uint64
	HasCAS bool
}

// ParseValueLine parses the header line preceding a value block.
func ParseValueLine(line string) (ValueHeader, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 || len(fields) > 5 || fields[0] != LineValue {
		return ValueHeader{}, &ParseError{Message: "malformed VALUE line: " + strconv.Quote(line)}
	}

	flags, err := strconv.ParseUint(fields[2], 10, 32)
	if err != nil {
		return ValueHeader{}, &ParseError{Message: "invalid flags in VALUE line", Err: err}
	}

	size, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return ValueHeader{}, &ParseError{Message: "invalid size in VALUE line", Err: err}
	}
	if size > MaxValueLength {
		return ValueHeader{}, &ParseError{Message: "VALUE size " + fields[3] + " exceeds " + strconv.Itoa(MaxValueLength) + " bytes"}
	}

	hdr := ValueHeader{
		Key:   fields[1],
		Flags: uint32(flags),
		Size:  int(size),
	}

	if len(fields) == 5 {
		hdr.CAS, err = strconv.ParseUint(fields[4], 10, 64)
		if err != nil {
			return ValueHeader{}, &ParseError{Message: "invalid cas in VALUE line", Err: err}
		}
		hdr.HasCAS = true
	}

	return hdr, nil
}
