package cmds

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/conversation"
	"github.com/go-go-golems/dmchat/pkg/redisstream"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitLogger(t *testing.T) {
	saved, level := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(level)
	})

	require.Error(t, InitLogger(&bytes.Buffer{}, "loud", "auto"))
	require.Error(t, InitLogger(&bytes.Buffer{}, "info", "xml"))

	var buf bytes.Buffer
	require.NoError(t, InitLogger(&buf, "warn", "auto"))
	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, `"message":"shown"`)

	require.NoError(t, InitLogger(&bytes.Buffer{}, "info", "console"))
}

func TestTranscriptPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newTranscriptPrinter("me", &buf)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	hi := conversation.Entry{Message: chat.Message{ID: "1", Sender: "bob", Receiver: "me", Content: "hi", Timestamp: at}, At: at, Delivery: conversation.DeliveryConfirmed}
	hello := conversation.Entry{Message: chat.Message{LocalID: "l1", Sender: "me", Receiver: "bob", Content: "hello", Timestamp: at}, At: at, Delivery: conversation.DeliveryPending}

	p.print([]conversation.Entry{hi, hello})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[0], "bob")
	require.Contains(t, lines[0], "hi")
	require.Contains(t, lines[1], "hello")
	require.Contains(t, lines[1], "(sending)")

	buf.Reset()
	hello.ID = "42"
	hello.Delivery = conversation.DeliveryConfirmed
	p.print([]conversation.Entry{hi, hello})
	require.Empty(t, buf.String(), "reconciliation does not reprint the line")

	lost := conversation.Entry{Message: chat.Message{LocalID: "l2", Sender: "me", Receiver: "bob", Content: "lost", Timestamp: at}, At: at, Delivery: conversation.DeliveryPending}
	p.print([]conversation.Entry{hi, hello, lost})
	buf.Reset()
	lost.Delivery = conversation.DeliveryUnconfirmed
	p.print([]conversation.Entry{hi, hello, lost})
	require.Contains(t, buf.String(), `"lost" was not delivered`)
}

func TestTailTopicsPrintsTapEvents(t *testing.T) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{Persistent: true}, watermill.NopLogger{})
	defer func() { _ = pubsub.Close() }()

	tap := redisstream.NewTap(pubsub, "alice")
	defer tap.Close()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	tap.Outbound(context.Background(), chat.Message{Sender: "alice", Receiver: "bob", Content: "ping", Timestamp: at})
	tap.Inbound(context.Background(), chat.Message{ID: "7", Sender: "bob", Receiver: "alice", Content: "pong", Timestamp: at})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- tailTopics(ctx, pubsub, []string{redisstream.TopicInbound, redisstream.TopicOutbound}, out)
	}()

	require.Eventually(t, func() bool {
		s := out.String()
		return strings.Contains(s, "ping") && strings.Contains(s, "pong")
	}, 2*time.Second, 10*time.Millisecond)
	require.Contains(t, out.String(), "->")
	require.Contains(t, out.String(), "<-")

	cancel()
	require.NoError(t, <-done)
}
