package textproto

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// ValidateKey checks that key can be sent on a text protocol command line.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return &InvalidKeyError{Message: "key is empty"}
	}
	if len(key) > MaxKeyLength {
		return &InvalidKeyError{Message: "key exceeds maximum length of 250 bytes"}
	}
	// Response lines are decoded as UTF-8, so a key that is not valid UTF-8
	// would come back altered in VALUE lines.
	if !utf8.ValidString(key) {
		return &InvalidKeyError{Message: "key is not valid UTF-8"}
	}
	if strings.IndexFunc(key, func(r rune) bool { return r <= ' ' || r == 0x7f }) >= 0 {
		return &InvalidKeyError{Message: "key contains whitespace or control characters"}
	}
	return nil
}

// AppendRetrieval appends "<verb> <key>*\r\n" (get, gets).
func AppendRetrieval(b []byte, verb string, keys ...string) []byte {
	b = append(b, verb...)
	for _, key := range keys {
		b = append(b, ' ')
		b = append(b, key...)
	}
	return append(b, CRLF...)
}

// AppendStorage appends "<verb> <key> <flags> <exptime> <bytes> [<cas>]\r\n<data>\r\n".
// The cas unique is written only for the cas verb.
func AppendStorage(b []byte, verb, key string, flags uint32, exptime int64, data []byte, cas uint64) []byte {
	b = append(b, verb...)
	b = append(b, ' ')
	b = append(b, key...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, uint64(flags), 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, exptime, 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(len(data)), 10)
	if verb == "cas" {
		b = append(b, ' ')
		b = strconv.AppendUint(b, cas, 10)
	}
	b = append(b, CRLF...)
	b = append(b, data...)
	return append(b, CRLF...)
}

// AppendDelete appends "delete <key>\r\n".
func AppendDelete(b []byte, key string) []byte {
	b = append(b, "delete "...)
	b = append(b, key...)
	return append(b, CRLF...)
}

// AppendTouch appends "touch <key> <exptime>\r\n".
func AppendTouch(b []byte, key string, exptime int64) []byte {
	b = append(b, "touch "...)
	b = append(b, key...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, exptime, 10)
	return append(b, CRLF...)
}

// AppendArithmetic appends "<incr|decr> <key> <delta>\r\n".
func AppendArithmetic(b []byte, verb, key string, delta uint64) []byte {
	b = append(b, verb...)
	b = append(b, ' ')
	b = append(b, key...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, delta, 10)
	return append(b, CRLF...)
}

// AppendVersion appends "version\r\n".
func AppendVersion(b []byte) []byte {
	return append(b, "version"+CRLF...)
}
