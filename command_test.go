package memcache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pior/memcache-textproto/textproto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandEncoding(t *testing.T) {
	tests := []struct {
		name string
		cmd  *Command
		want string
	}{
		{"get", NewGetCommand("foo"), "get foo\r\n"},
		{"gets", NewGetsCommand("foo"), "gets foo\r\n"},
		{"get many", NewGetManyCommand([]string{"a", "b"}), "get a b\r\n"},
		{"gets many", NewGetsManyCommand([]string{"a", "b"}), "gets a b\r\n"},
		{"set", NewStorageCommand(CmdSet, Item{Key: "k", Value: []byte("hello"), Flags: 3, TTL: time.Minute}), "set k 3 60 5\r\nhello\r\n"},
		{"add", NewStorageCommand(CmdAdd, Item{Key: "k", Value: []byte("v")}), "add k 0 0 1\r\nv\r\n"},
		{"cas", NewStorageCommand(CmdCas, Item{Key: "k", Value: []byte("v"), CAS: 42}), "cas k 0 0 1 42\r\nv\r\n"},
		{"delete", NewDeleteCommand("k"), "delete k\r\n"},
		{"touch", NewTouchCommand("k", 90*time.Second), "touch k 90\r\n"},
		{"incr", NewIncrCommand("k", 5), "incr k 5\r\n"},
		{"decr", NewDecrCommand("k", 5), "decr k 5\r\n"},
		{"version", NewVersionCommand(), "version\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(tt.cmd.request()))
			assert.Equal(t, -1, tt.cmd.MergeCount)
		})
	}
}

func TestCommandType(t *testing.T) {
	assert.Equal(t, "get", CmdGet.String())
	assert.Equal(t, "cas", CmdCas.String())
	assert.Equal(t, "CommandType(99)", CommandType(99).String())

	assert.Equal(t, ShapeSingleValue, CmdGets.Shape())
	assert.Equal(t, ShapeMultiValue, CmdGetsMany.Shape())
	assert.Equal(t, ShapeBoolean, CmdTouch.Shape())
	assert.Equal(t, ShapeInteger, CmdDecr.Shape())
	assert.Equal(t, ShapeVersion, CmdVersion.Shape())
}

func TestCommand_CompleteOnce(t *testing.T) {
	cmd := NewDeleteCommand("k")
	require.False(t, cmd.Completed())

	first := &Response{Kind: textproto.KindDeleted, OK: true}
	require.True(t, cmd.complete(first))
	require.False(t, cmd.complete(&Response{Kind: textproto.KindNotFound}))
	cmd.fail(errors.New("late"))

	resp, err := cmd.Wait(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, resp)
}

func TestCommand_ConcurrentCompletion(t *testing.T) {
	cmd := NewDeleteCommand("k")

	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if cmd.complete(&Response{OK: true}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestCommand_WaitTimeout(t *testing.T) {
	cmd := NewGetCommand("k")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := cmd.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A late completion is still recorded.
	require.True(t, cmd.complete(&Response{Kind: textproto.KindEnd}))
	resp, err := cmd.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Found)
}

func TestCommand_WaitReturnsResponseError(t *testing.T) {
	cmd := NewStorageCommand(CmdSet, Item{Key: "k"})
	cmd.fail(&textproto.ServerError{Message: "out of memory"})

	resp, err := cmd.Wait(context.Background())
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Same(t, resp.Error, err)
}

func TestCommand_FailMergeCarrier(t *testing.T) {
	a, b := NewGetCommand("a"), NewGetCommand("b")
	require.True(t, a.complete(&Response{Kind: textproto.KindEnd}))

	carrier := newMergeCarrier([]*Command{a, b})
	carrier.fail(ErrConnectionClosed)

	_, err := a.Wait(context.Background())
	require.NoError(t, err, "already completed commands keep their result")

	_, err = b.Wait(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)

	_, err = carrier.Wait(context.Background())
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestResponse_Decode(t *testing.T) {
	hit := &Response{Found: true, Value: &textproto.Value{Data: []byte("hello")}}
	v, err := hit.Decode(StringTranscoder{})
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	miss := &Response{Kind: textproto.KindEnd}
	_, err = miss.Decode(RawTranscoder{})
	require.ErrorIs(t, err, ErrCacheMiss)

	failed := &Response{Error: ErrConnectionClosed}
	_, err = failed.Decode(RawTranscoder{})
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestCommand_ReleaseBufferOnce(t *testing.T) {
	cmd := NewGetCommand("k")
	cmd.releaseBuffer()
	cmd.releaseBuffer()
	assert.Nil(t, cmd.request())
}

func TestExpiration(t *testing.T) {
	assert.Zero(t, expiration(NoTTL))
	assert.Zero(t, expiration(-time.Second))
	assert.Equal(t, int64(3600), expiration(time.Hour))

	abs := expiration(60 * 24 * time.Hour)
	assert.InDelta(t, time.Now().Add(60*24*time.Hour).Unix(), abs, 5)
}
