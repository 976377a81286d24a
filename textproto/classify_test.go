package textproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want Reply
	}{
		{"VALUE k 0 3", Reply{Kind: KindValue}},
		{"END", Reply{Kind: KindEnd}},
		{"STORED", Reply{Kind: KindStored}},
		{"NOT_STORED", Reply{Kind: KindNotStored}},
		{"EXISTS", Reply{Kind: KindExists}},
		{"NOT_FOUND", Reply{Kind: KindNotFound}},
		{"DELETED", Reply{Kind: KindDeleted}},
		{"TOUCHED", Reply{Kind: KindTouched}},
		{"ERROR", Reply{Kind: KindError, Text: DefaultError}},
		{"CLIENT_ERROR bad command line format", Reply{Kind: KindClientError, Text: "bad command line format"}},
		{"CLIENT_ERROR", Reply{Kind: KindClientError, Text: DefaultClientError}},
		{"CLIENT_ERROR ", Reply{Kind: KindClientError, Text: DefaultClientError}},
		{"SERVER_ERROR out of memory storing object", Reply{Kind: KindServerError, Text: "out of memory storing object"}},
		{"SERVER_ERROR", Reply{Kind: KindServerError, Text: DefaultServerError}},
		{"VERSION 1.6.21", Reply{Kind: KindVersion, Text: "1.6.21"}},
		{"42", Reply{Kind: KindInteger, Integer: 42}},
		{"18446744073709551615", Reply{Kind: KindInteger, Integer: 18446744073709551615}},
		{"7   ", Reply{Kind: KindInteger, Integer: 7}},
		{"", Reply{Kind: KindUnknown, Text: ""}},
		{"STORED ", Reply{Kind: KindUnknown, Text: "STORED "}},
		{"-1", Reply{Kind: KindUnknown, Text: "-1"}},
		{"HD", Reply{Kind: KindUnknown, Text: "HD"}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.line))
		})
	}
}

func TestReplyBool(t *testing.T) {
	for _, line := range []string{"STORED", "DELETED", "TOUCHED"} {
		v, ok := Classify(line).Bool()
		assert.True(t, ok, line)
		assert.True(t, v, line)
	}
	for _, line := range []string{"EXISTS", "NOT_STORED", "NOT_FOUND"} {
		v, ok := Classify(line).Bool()
		assert.True(t, ok, line)
		assert.False(t, v, line)
	}
	_, ok := Classify("END").Bool()
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "NOT_FOUND", KindNotFound.String())
	assert.Equal(t, "INTEGER", KindInteger.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestParseValueLine(t *testing.T) {
	hdr, err := ParseValueLine("VALUE foo 42 3")
	require.NoError(t, err)
	assert.Equal(t, ValueHeader{Key: "foo", Flags: 42, Size: 3}, hdr)

	hdr, err = ParseValueLine("VALUE foo 0 10 987654321")
	require.NoError(t, err)
	assert.Equal(t, ValueHeader{Key: "foo", Size: 10, CAS: 987654321, HasCAS: true}, hdr)

	hdr, err = ParseValueLine("VALUE foo 0 1048576")
	require.NoError(t, err)
	assert.Equal(t, MaxValueLength, hdr.Size)
}

func TestParseValueLineErrors(t *testing.T) {
	for _, line := range []string{
		"VALUE",
		"VALUE foo 0",
		"VALUE foo 0 3 1 extra",
		"VALUES foo 0 3",
		"VALUE foo x 3",
		"VALUE foo 0 -3",
		"VALUE foo 4294967296 3",
		"VALUE foo 0 3 cas",
		"VALUE foo 0 1048577",
		"VALUE foo 0 4294967295",
	} {
		t.Run(line, func(t *testing.T) {
			_, err := ParseValueLine(line)
			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.True(t, ShouldCloseConnection(err))
		})
	}
}
