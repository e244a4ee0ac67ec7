// Package config layers defaults, an optional YAML config file, DMCHAT_*
// environment variables and command line flags into Settings.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/go-go-golems/dmchat/pkg/credentials"
	"github.com/go-go-golems/dmchat/pkg/redisstream"
)

const (
	AppName   = "dmchat"
	EnvPrefix = "DMCHAT"

	// DefaultServerURL is the backend of the original deployment.
	DefaultServerURL = "http://192.168.1.19:8080"
	// BrokerPath is the raw websocket endpoint behind the SockJS /ws endpoint.
	BrokerPath = "/ws/websocket"
)

// Settings is the resolved configuration.
type Settings struct {
	ServerURL        string        `mapstructure:"server-url"`
	BrokerURL        string        `mapstructure:"broker-url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect-delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake-timeout"`
	RequestTimeout   time.Duration `mapstructure:"request-timeout"`
	DedupWindow      time.Duration `mapstructure:"dedup-window"`
	CredentialsFile  string        `mapstructure:"credentials-file"`
	ArchiveFile      string        `mapstructure:"archive-file"`
	MetricsAddr      string        `mapstructure:"metrics-addr"`
	LogLevel         string        `mapstructure:"log-level"`
	LogFormat        string        `mapstructure:"log-format"`

	Redis redisstream.Settings `mapstructure:",squash"`
}

// AddFlags registers every setting as a flag on fs.
func AddFlags(fs *pflag.FlagSet) {
	redis := redisstream.DefaultSettings()

	fs.String("server-url", DefaultServerURL, "REST base URL of the chat backend")
	fs.String("broker-url", "", "STOMP websocket endpoint (default: derived from --server-url)")
	fs.Duration("reconnect-delay", 5*time.Second, "Delay between broker reconnect attempts")
	fs.Duration("handshake-timeout", 10*time.Second, "Timeout for the websocket dial and STOMP handshake")
	fs.Duration("request-timeout", 30*time.Second, "Timeout for REST requests")
	fs.Duration("dedup-window", 15*time.Second, "Window for matching an optimistic message with its server echo")
	fs.String("credentials-file", "", "Credentials file (default: user config dir)")
	fs.String("archive-file", "", "SQLite transcript archive; empty keeps the archive in memory")
	fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-format", "auto", "Log format (auto, console, json)")

	fs.Bool("redis-enabled", redis.Enabled, "Mirror chat traffic to Redis Streams")
	fs.String("redis-addr", redis.Addr, "Redis address host:port")
	fs.String("redis-group", redis.Group, "Redis consumer group for tailing the tap")
	fs.String("redis-consumer", redis.Consumer, "Redis consumer name for tailing the tap")
}

// InitViper wires v to the root command: persistent flags, DMCHAT_* env
// vars and an optional config file ($HOME/.dmchat/config.yaml or --config).
func InitViper(v *viper.Viper, root *cobra.Command) error {
	fs := root.PersistentFlags()
	if fs.Lookup("config") == nil {
		fs.String("config", "", "Path to config file (default $HOME/.dmchat/config.yaml)")
	}
	AddFlags(fs)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return errors.Wrap(err, "bind flags")
	}
	return nil
}

// ReadConfigFile loads the config file, if any. Call after flag parsing.
func ReadConfigFile(v *viper.Viper) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+AppName))
		}
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "read config file")
	}
	return nil
}

// Load resolves Settings from v and fills derived defaults.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	if s.ServerURL == "" {
		s.ServerURL = DefaultServerURL
	}
	if s.BrokerURL == "" {
		broker, err := BrokerURLFor(s.ServerURL)
		if err != nil {
			return Settings{}, err
		}
		s.BrokerURL = broker
	}
	if s.CredentialsFile == "" {
		path, err := credentials.DefaultPath()
		if err != nil {
			return Settings{}, err
		}
		s.CredentialsFile = path
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks URLs and durations.
func (s Settings) Validate() error {
	u, err := url.Parse(s.ServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("invalid server url %q", s.ServerURL)
	}
	b, err := url.Parse(s.BrokerURL)
	if err != nil || (b.Scheme != "ws" && b.Scheme != "wss") || b.Host == "" {
		return errors.Errorf("invalid broker url %q", s.BrokerURL)
	}
	if s.ReconnectDelay < 0 || s.HandshakeTimeout < 0 || s.RequestTimeout < 0 || s.DedupWindow < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

// BrokerURLFor derives the websocket endpoint from a REST base URL:
// http://host:port becomes ws://host:port/ws/websocket.
func BrokerURLFor(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrapf(err, "parse server url %q", serverURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("server url %q must be http or https", serverURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + BrokerPath
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
