package stomp

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, f *Frame) []byte {
	t.Helper()
	data, err := Encode(f)
	require.NoError(t, err)
	return data
}

func TestEncodeDecodeSend(t *testing.T) {
	f := NewFrame(CommandSend, HeaderDestination, "/app/private-message", HeaderContentType, "application/json")
	f.Body = []byte(`{"content":"a:b"}`)

	data := encode(t, f)
	require.Contains(t, string(data), "content-length:17\n")

	frames, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	require.Equal(t, CommandSend, frames[0].Command)
	require.Equal(t, "/app/private-message", frames[0].Header.Get(HeaderDestination))
	require.Equal(t, `{"content":"a:b"}`, string(frames[0].Body))
}

func TestHeaderEscaping(t *testing.T) {
	f := NewFrame(CommandMessage, "x-note", "a:b\nc")
	frames, err := Decode(encode(t, f))
	require.NoError(t, err)
	require.Equal(t, "a:b\nc", frames[0].Header.Get("x-note"))
}

func TestDecodeMultipleFramesAndHeartbeats(t *testing.T) {
	raw := "\n\nMESSAGE\ndestination:/user/queue/messages\n\nhello\x00\nRECEIPT\nreceipt-id:7\n\n\x00"
	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, "hello", string(frames[0].Body))
	require.Equal(t, "7", frames[1].Header.Get(HeaderReceiptID))
}

func TestDecodeHeartbeatOnly(t *testing.T) {
	frames, err := Decode([]byte("\n"))
	require.NoError(t, err)
	require.Empty(t, frames)
}

func TestDecodeContentLengthAllowsNulInBody(t *testing.T) {
	raw := "MESSAGE\ncontent-length:3\n\na\x00b\x00"
	frames, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, []byte("a\x00b"), frames[0].Body)
}

func TestDecodeRepeatedHeaderFirstWins(t *testing.T) {
	frames, err := Decode([]byte("MESSAGE\nfoo:1\nfoo:2\n\n\x00"))
	require.NoError(t, err)
	require.Equal(t, "1", frames[0].Header.Get("foo"))
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte("MESSAGE\nfoo:1"))
	require.Error(t, err)

	_, err = Decode([]byte("MESSAGE\n\nno terminator"))
	require.Error(t, err)

	_, err = Decode([]byte("MESSAGE\ncontent-length:10\n\nshort\x00"))
	require.Error(t, err)
}

func TestDecodeKeepsFramesBeforeTruncatedTail(t *testing.T) {
	raw := "MESSAGE\ndestination:/user/queue/messages\n\n{\"content\":\"hi\"}\x00GARBAGE-NO-TERMINATOR"
	frames, err := Decode([]byte(raw))
	require.True(t, errors.Is(err, ErrTruncated))
	require.Len(t, frames, 1)
	require.Equal(t, `{"content":"hi"}`, string(frames[0].Body))
}
