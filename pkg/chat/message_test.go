package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageUnmarshal_NestedBackendShape(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{
		"id": 42,
		"sender": {"id": 7, "username": "me"},
		"receiver": {"id": 9, "username": "bob"},
		"content": "hello",
		"timestamp": "2024-05-01T12:00:00.123"
	}`), &m)
	require.NoError(t, err)
	require.Equal(t, "42", m.ID)
	require.Equal(t, "me", m.Sender)
	require.Equal(t, "bob", m.Receiver)
	require.Equal(t, "hello", m.Content)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC), m.Timestamp.UTC())
	require.True(t, m.Confirmed())
}

func TestMessageUnmarshal_FlatShape(t *testing.T) {
	var m Message
	err := json.Unmarshal([]byte(`{"senderUsername":"bob","receiverUsername":"me","content":"hi","timestamp":1714564800000}`), &m)
	require.NoError(t, err)
	require.Empty(t, m.ID)
	require.Equal(t, "bob", m.Sender)
	require.Equal(t, "me", m.Receiver)
	require.Equal(t, time.UnixMilli(1714564800000).UTC(), m.Timestamp)
	require.False(t, m.Confirmed())
}

func TestMessageRoundTripThroughBackendShape(t *testing.T) {
	in := Message{ID: "1", Sender: "a", Receiver: "b", Content: "x", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 6000000, time.UTC)}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(b), `"sender":{"username":"a"}`)

	var out Message
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in, out)
}

func TestOutboundPayload(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	b, err := json.Marshal(NewOutbound(Message{Sender: "me", Receiver: "bob", Content: "hello", Timestamp: ts}))
	require.NoError(t, err)
	require.JSONEq(t, `{"content":"hello","receiverUsername":"bob","timestamp":"2024-05-01T11:00:00.000Z"}`, string(b))
}

func TestMessageKey(t *testing.T) {
	ts := time.Unix(100, 0)
	a := Message{Sender: "a", Receiver: "b", Content: "x", Timestamp: ts}
	b := a
	require.Equal(t, a.Key(), b.Key())

	b.Timestamp = ts.Add(time.Millisecond)
	require.NotEqual(t, a.Key(), b.Key())

	a.ID, b.ID = "9", "9"
	require.Equal(t, a.Key(), b.Key())
	require.True(t, a.SameSend(b))
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("2024-05-01T12:00:00Z")
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), got.UTC())

	got, err = ParseTimestamp("")
	require.NoError(t, err)
	require.True(t, got.IsZero())

	_, err = ParseTimestamp("not a date at all")
	require.Error(t, err)
}
