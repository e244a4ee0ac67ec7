package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	v := viper.New()
	root := &cobra.Command{Use: "dmchat"}
	require.NoError(t, InitViper(v, root))
	require.NoError(t, root.PersistentFlags().Parse(args))
	return v
}

func newViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := parse(t, args...)
	require.NoError(t, ReadConfigFile(v))
	return v
}

func TestExplicitConfigFileMustExist(t *testing.T) {
	v := parse(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, ReadConfigFile(v))
}

func TestDefaults(t *testing.T) {
	v := newViper(t, "--credentials-file", "/tmp/creds.yaml")
	s, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, DefaultServerURL, s.ServerURL)
	require.Equal(t, "ws://192.168.1.19:8080/ws/websocket", s.BrokerURL)
	require.Equal(t, 5*time.Second, s.ReconnectDelay)
	require.Equal(t, 15*time.Second, s.DedupWindow)
	require.False(t, s.Redis.Enabled)
	require.Equal(t, "localhost:6379", s.Redis.Addr)
}

func TestFlagsEnvAndFile(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("server-url: https://chat.example.com/base/\nreconnect-delay: 2s\nredis-enabled: true\n"), 0o600))
	t.Setenv("DMCHAT_DEDUP_WINDOW", "3s")

	v := newViper(t, "--config", cfg, "--reconnect-delay", "250ms", "--credentials-file", "/tmp/creds.yaml")
	s, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "https://chat.example.com/base/", s.ServerURL)
	require.Equal(t, "wss://chat.example.com/base/ws/websocket", s.BrokerURL)
	require.Equal(t, 250*time.Millisecond, s.ReconnectDelay)
	require.Equal(t, 3*time.Second, s.DedupWindow)
	require.True(t, s.Redis.Enabled)
}

func TestBrokerURLFor(t *testing.T) {
	u, err := BrokerURLFor("http://localhost:8080")
	require.NoError(t, err)
	require.Equal(t, "ws://localhost:8080/ws/websocket", u)

	_, err = BrokerURLFor("ftp://localhost")
	require.Error(t, err)
}

func TestValidateRejectsBadURLs(t *testing.T) {
	s := Settings{ServerURL: "http://localhost:8080", BrokerURL: "http://localhost:8080/ws"}
	require.Error(t, s.Validate())
	s.BrokerURL = "ws://localhost:8080/ws/websocket"
	require.NoError(t, s.Validate())
}
