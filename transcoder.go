package memcache

import (
	"fmt"

	"github.com/pior/memcache-textproto/textproto"
)

// Transcoder converts a raw cached value into an application value.
type Transcoder interface {
	Decode(v textproto.Value) (any, error)
}

// RawTranscoder returns the value bytes unchanged.
type RawTranscoder struct{}

func (RawTranscoder) Decode(v textproto.Value) (any, error) {
	return v.Data, nil
}

// StringTranscoder returns the value as a string. Values stored with non-zero
// flags are rejected.
type StringTranscoder struct{}

func (StringTranscoder) Decode(v textproto.Value) (any, error) {
	if v.Flags != 0 {
		return nil, fmt.Errorf("unsupported flags %d", v.Flags)
	}
	return string(v.Data), nil
}

// GetsValue is a decoded value with its cas unique.
type GetsValue struct {
	CAS   uint64
	Value any
}

// DecodeError reports a value the Transcoder could not decode.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// The stream is intact, only the value is unusable.
func (e *DecodeError) ShouldCloseConnection() bool {
	return false
}
