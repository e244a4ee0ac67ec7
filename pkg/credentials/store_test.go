package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.yaml")
	s := NewStore(path)

	_, ok, err := s.Token()
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Save(Credentials{Token: "tok", Username: "alice"}))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	reopened := NewStore(path)
	tok, ok, err := reopened.Token()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok", tok)
	user, ok, err := reopened.Username()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alice", user)
}

func TestClearToken(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "credentials.yaml"))
	require.NoError(t, s.Save(Credentials{Token: "tok", Username: "alice"}))
	require.NoError(t, s.ClearToken())

	c, err := NewStore(s.Path()).Load()
	require.NoError(t, err)
	require.Equal(t, Credentials{Username: "alice"}, c)
}

func TestClear(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "credentials.yaml"))
	require.NoError(t, s.Clear())
	require.NoError(t, s.Save(Credentials{Token: "tok", Username: "alice"}))
	require.NoError(t, s.Clear())

	_, err := os.Stat(s.Path())
	require.True(t, os.IsNotExist(err))
	_, ok, err := s.Username()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: [unterminated"), 0o600))
	_, _, err := NewStore(path).Token()
	require.Error(t, err)
}
