package chatsession

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/dmchat/pkg/api"
	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/conversation"
	"github.com/go-go-golems/dmchat/pkg/credentials"
	"github.com/go-go-golems/dmchat/pkg/multiplexer"
	"github.com/go-go-golems/dmchat/pkg/stomp"
	"github.com/go-go-golems/dmchat/pkg/stomp/stomptest"
	"github.com/go-go-golems/dmchat/pkg/transport"
)

type fakeBackend struct {
	mu       sync.Mutex
	token    string
	users    []api.User
	history  map[string][]chat.Message
	requests []string
}

func (b *fakeBackend) currentToken() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

func (b *fakeBackend) Login(_ context.Context, username, password string) (*api.LoginResponse, error) {
	if password != "pw" {
		return nil, &api.Error{Method: "POST", Path: "/api/auth/login", StatusCode: 401}
	}
	return &api.LoginResponse{Token: b.currentToken(), Username: username}, nil
}

func (b *fakeBackend) Users(_ context.Context, token string) ([]api.User, error) {
	if token != b.currentToken() {
		return nil, &api.Error{Method: "GET", Path: "/api/users", StatusCode: 401}
	}
	return b.users, nil
}

func (b *fakeBackend) Messages(_ context.Context, token, peer string) ([]chat.Message, error) {
	b.mu.Lock()
	b.requests = append(b.requests, peer)
	b.mu.Unlock()
	if token != b.currentToken() {
		return nil, &api.Error{Method: "GET", Path: "/api/messages/" + peer, StatusCode: 403}
	}
	return b.history[peer], nil
}

// echoAs answers every SEND with the confirmed message as the backend would
// push it back to its sender, numbering ids from first.
func echoAs(sender string, first int) stomptest.EchoFunc {
	var next atomic.Int64
	next.Store(int64(first))
	return func(f *stomp.Frame) (string, []byte, bool) {
		var out chat.Outbound
		if err := json.Unmarshal(f.Body, &out); err != nil {
			return "", nil, false
		}
		ts, err := chat.ParseTimestamp(out.Timestamp)
		if err != nil {
			return "", nil, false
		}
		id := next.Add(1) - 1
		body, err := json.Marshal(chat.Message{
			ID:        strconv.FormatInt(id, 10),
			Sender:    sender,
			Receiver:  out.ReceiverUsername,
			Content:   out.Content,
			Timestamp: ts,
		})
		if err != nil {
			return "", nil, false
		}
		return chat.InboxDestination, body, true
	}
}

type sessionFixture struct {
	broker    *stomptest.Broker
	backend   *fakeBackend
	creds     *credentials.Store
	session   *Session
	loggedOut atomic.Int32
	cause     atomic.Value
}

func newSessionFixture(t *testing.T, opts ...stomptest.Option) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		broker: stomptest.NewBroker(append([]stomptest.Option{stomptest.WithToken("tok")}, opts...)...),
		backend: &fakeBackend{
			token: "tok",
			users: []api.User{{ID: 3, Username: "carol"}, {ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}},
			history: map[string][]chat.Message{
				"bob": {{ID: "1", Sender: "bob", Receiver: "alice", Content: "hi", Timestamp: time.Now().Add(-time.Minute).UTC()}},
			},
		},
		creds: credentials.NewStore(filepath.Join(t.TempDir(), "credentials.yaml")),
	}
	t.Cleanup(f.broker.Close)

	s, err := NewSession(Config{
		Backend:     f.backend,
		Credentials: f.creds,
		BrokerURL:   f.broker.URL(),
		Channel:     transport.Config{ReconnectDelay: 20 * time.Millisecond, HandshakeTimeout: time.Second},
		OnLoggedOut: func(err error) {
			f.cause.Store(err)
			f.loggedOut.Add(1)
		},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	f.session = s
	return f
}

func waitForSnapshot(t *testing.T, c *Controller, cond func([]conversation.Entry) bool) []conversation.Entry {
	t.Helper()
	var snap []conversation.Entry
	require.Eventually(t, func() bool {
		snap = c.Snapshot()
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func TestSessionSendIsReconciledWithEcho(t *testing.T) {
	f := newSessionFixture(t, stomptest.WithEcho(echoAs("alice", 42)))
	ctx := context.Background()

	require.NoError(t, f.session.Login(ctx, "alice", "pw"))
	require.True(t, f.session.LoggedIn())
	require.Equal(t, "alice", f.session.Username())
	require.Equal(t, transport.StateConnected, f.session.ChannelState())

	stored, err := f.creds.Load()
	require.NoError(t, err)
	require.Equal(t, credentials.Credentials{Token: "tok", Username: "alice"}, stored)

	ctrl, err := f.session.OpenConversation(ctx, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.broker.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)

	entry, err := f.session.SendMessage(ctx, "hello")
	require.NoError(t, err)
	require.True(t, entry.Optimistic())

	snap := waitForSnapshot(t, ctrl, func(s []conversation.Entry) bool {
		return len(s) == 2 && s[1].ID == "42"
	})
	require.Equal(t, "hi", snap[0].Content)
	require.Equal(t, "hello", snap[1].Content)
	require.Equal(t, conversation.DeliveryConfirmed, snap[1].Delivery)
	require.Equal(t, entry.LocalID, snap[1].LocalID)

	sent := f.broker.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, chat.PublishDestination, sent[0].Header.Get(stomp.HeaderDestination))
}

func TestSessionInboundRoutedAfterReconnect(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Login(ctx, "alice", "pw"))

	ctrl, err := f.session.OpenConversation(ctx, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.broker.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)

	f.broker.DropConnections()
	require.Eventually(t, func() bool {
		return f.broker.SubscribeCount() == 2 && len(f.broker.Subscriptions()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	fromCarol, _ := json.Marshal(chat.Message{ID: "7", Sender: "carol", Receiver: "alice", Content: "elsewhere", Timestamp: time.Now()})
	fromBob, _ := json.Marshal(chat.Message{ID: "8", Sender: "bob", Receiver: "alice", Content: "still here", Timestamp: time.Now()})
	f.broker.Push(chat.InboxDestination, fromCarol)
	f.broker.Push(chat.InboxDestination, fromBob)

	snap := waitForSnapshot(t, ctrl, func(s []conversation.Entry) bool { return len(s) == 2 })
	require.Equal(t, "still here", snap[1].Content)
	require.Equal(t, 0, int(f.loggedOut.Load()))
}

func TestSessionResumeWithRejectedTokenLogsOut(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.creds.Save(credentials.Credentials{Token: "expired", Username: "alice"}))

	err := f.session.Resume(context.Background())
	require.True(t, errors.Is(err, chat.ErrAuthRejected))
	require.False(t, f.session.LoggedIn())

	require.Eventually(t, func() bool { return f.loggedOut.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), f.loggedOut.Load())
	require.True(t, errors.Is(f.cause.Load().(error), chat.ErrAuthRejected))

	stored, err := f.creds.Load()
	require.NoError(t, err)
	require.Empty(t, stored.Token)
	require.Equal(t, "alice", stored.Username)
}

func TestSessionResumeWithoutCredentials(t *testing.T) {
	f := newSessionFixture(t)
	require.True(t, errors.Is(f.session.Resume(context.Background()), ErrNotLoggedIn))

	_, err := f.session.OpenConversation(context.Background(), "bob")
	require.True(t, errors.Is(err, ErrNotLoggedIn))
	_, err = f.session.Users(context.Background())
	require.True(t, errors.Is(err, ErrNotLoggedIn))
	_, err = f.session.SendMessage(context.Background(), "hello")
	require.True(t, errors.Is(err, chat.ErrNotActive))
}

func TestSessionBrokerRevokesTokenAfterConnect(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.session.Login(context.Background(), "alice", "pw"))

	f.broker.SetToken("rotated")
	f.broker.DropConnections()

	require.Eventually(t, func() bool { return f.loggedOut.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.False(t, f.session.LoggedIn())
	stored, err := f.creds.Load()
	require.NoError(t, err)
	require.Empty(t, stored.Token)
}

func TestSessionUsersExcludesSelf(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.session.Login(context.Background(), "alice", "pw"))

	users, err := f.session.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, []api.User{{ID: 2, Username: "bob"}, {ID: 3, Username: "carol"}}, users)
}

func TestSessionOpenConversationClosesPrevious(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Login(ctx, "alice", "pw"))

	first, err := f.session.OpenConversation(ctx, "bob")
	require.NoError(t, err)
	second, err := f.session.OpenConversation(ctx, "carol")
	require.NoError(t, err)

	st, _ := first.State()
	require.Equal(t, StateClosed, st)
	require.Same(t, second, f.session.Active())

	f.session.CloseConversation()
	st, _ = second.State()
	require.Equal(t, StateClosed, st)
	require.Nil(t, f.session.Active())
	require.Eventually(t, func() bool { return len(f.broker.Subscriptions()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestSessionHistoryRejectionExpiresSession(t *testing.T) {
	f := newSessionFixture(t)
	ctx := context.Background()
	require.NoError(t, f.session.Login(ctx, "alice", "pw"))

	f.backend.mu.Lock()
	f.backend.token = "rotated"
	f.backend.mu.Unlock()

	ctrl, err := f.session.OpenConversation(ctx, "bob")
	require.Error(t, err)
	require.NotNil(t, ctrl)
	require.Eventually(t, func() bool { return f.loggedOut.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.False(t, f.session.LoggedIn())
	st, _ := ctrl.State()
	require.Equal(t, StateClosed, st)
}

func TestSessionLogoutForgetsCredentials(t *testing.T) {
	f := newSessionFixture(t)
	require.NoError(t, f.session.Login(context.Background(), "alice", "pw"))
	require.NoError(t, f.session.Logout())

	require.False(t, f.session.LoggedIn())
	require.Equal(t, transport.StateDisconnected, f.session.ChannelState())
	stored, err := f.creds.Load()
	require.NoError(t, err)
	require.Equal(t, credentials.Credentials{}, stored)
	require.Equal(t, int32(0), f.loggedOut.Load())
}

func TestSessionTapSeesTraffic(t *testing.T) {
	tap := &recordingTap{}
	f := newSessionFixture(t, stomptest.WithEcho(echoAs("alice", 1)))
	f.session.cfg.Tap = func(owner string) multiplexer.Tap {
		require.Equal(t, "alice", owner)
		return tap
	}
	ctx := context.Background()
	require.NoError(t, f.session.Login(ctx, "alice", "pw"))
	_, err := f.session.OpenConversation(ctx, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(f.broker.Subscriptions()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = f.session.SendMessage(ctx, "tapped")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		in, out := tap.counts()
		return in == 1 && out == 1
	}, time.Second, 5*time.Millisecond)
}

type recordingTap struct {
	mu       sync.Mutex
	inbound  []chat.Message
	outbound []chat.Message
}

func (r *recordingTap) Inbound(_ context.Context, m chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, m)
}

func (r *recordingTap) Outbound(_ context.Context, m chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outbound = append(r.outbound, m)
}

func (r *recordingTap) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inbound), len(r.outbound)
}
