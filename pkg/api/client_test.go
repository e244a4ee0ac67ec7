package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/dmchat/pkg/chat"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return c
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)
		require.Empty(t, r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"bad credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"token":"tok","username":"alice"}`))
	})

	resp, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	require.Equal(t, "tok", resp.Token)
	require.Equal(t, "alice", resp.Username)

	_, err = c.Login(context.Background(), "alice", "wrong")
	require.True(t, errors.Is(err, chat.ErrAuthRejected))
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	require.Contains(t, apiErr.Error(), "bad credentials")
}

func TestUsersSendsBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/users", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":1,"username":"alice"},{"id":2,"username":"bob"}]`))
	})

	users, err := c.Users(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, []User{{ID: 1, Username: "alice"}, {ID: 2, Username: "bob"}}, users)
}

func TestMessagesDecodesBackendShape(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/messages/bob smith", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"id":1,"sender":{"username":"bob smith"},"receiver":{"username":"alice"},"content":"hi","timestamp":"2024-05-01T10:00:00"},
			{"id":2,"sender":{"username":"alice"},"receiver":{"username":"bob smith"},"content":"yo","timestamp":"2024-05-01T10:00:05"}
		]`))
	})

	msgs, err := c.Messages(context.Background(), "tok", "bob smith")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "1", msgs[0].ID)
	require.Equal(t, "bob smith", msgs[0].Sender)
	require.Equal(t, "alice", msgs[1].Sender)
	require.Equal(t, 5, int(msgs[1].Timestamp.Sub(msgs[0].Timestamp).Seconds()))
}

func TestForbiddenIsAuthRejectedAndServerErrorIsNot(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusForbidden)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	})

	_, err := c.Users(context.Background(), "expired")
	require.True(t, errors.Is(err, chat.ErrAuthRejected))

	status.Store(http.StatusInternalServerError)
	_, err = c.Users(context.Background(), "tok")
	require.Error(t, err)
	require.False(t, errors.Is(err, chat.ErrAuthRejected))
}

func TestNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: url})
	require.NoError(t, err)
	_, err = c.Users(context.Background(), "tok")
	require.True(t, errors.Is(err, chat.ErrNetworkUnreachable))
}

func TestNewClientValidatesURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
	_, err = NewClient(Config{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}
