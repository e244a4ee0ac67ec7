// Package cmds holds the cobra commands of the dmchat CLI.
package cmds

import (
	"context"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/go-go-golems/dmchat/pkg/api"
	"github.com/go-go-golems/dmchat/pkg/chatsession"
	"github.com/go-go-golems/dmchat/pkg/config"
	"github.com/go-go-golems/dmchat/pkg/credentials"
	"github.com/go-go-golems/dmchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/dmchat/pkg/transport"
)

// App carries the resolved settings into every command.
type App struct {
	v        *viper.Viper
	Settings config.Settings
}

func NewApp(v *viper.Viper) *App {
	return &App{v: v}
}

// Init reads the config file, resolves Settings and sets up logging.
func (a *App) Init() error {
	if err := config.ReadConfigFile(a.v); err != nil {
		return err
	}
	s, err := config.Load(a.v)
	if err != nil {
		return err
	}
	a.Settings = s
	return InitLogger(os.Stderr, s.LogLevel, s.LogFormat)
}

// InitLogger configures the global zerolog logger. format "auto" picks the
// console writer when w is a terminal and JSON otherwise.
func InitLogger(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", level)
	}
	if lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	console := false
	switch format {
	case "console":
		console = true
	case "json":
	case "", "auto":
		if f, ok := w.(*os.File); ok {
			console = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
		}
	default:
		return errors.Errorf("invalid log format %q", format)
	}

	if console {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
	}
	return nil
}

func (a *App) apiClient() (*api.Client, error) {
	return api.NewClient(api.Config{
		BaseURL:    a.Settings.ServerURL,
		HTTPClient: &http.Client{Timeout: a.Settings.RequestTimeout},
	})
}

func (a *App) credentialStore() *credentials.Store {
	return credentials.NewStore(a.Settings.CredentialsFile)
}

// openArchive opens the sqlite archive, or an in-memory one without --archive-file.
func (a *App) openArchive() (chatstore.MessageStore, error) {
	if a.Settings.ArchiveFile == "" {
		return chatstore.NewInMemoryMessageStore(0), nil
	}
	dsn, err := chatstore.SQLiteMessageDSNForFile(a.Settings.ArchiveFile)
	if err != nil {
		return nil, err
	}
	return chatstore.NewSQLiteMessageStore(dsn)
}

type sessionOptions struct {
	archive     chatstore.MessageStore
	tap         chatsession.TapFactory
	onLoggedOut func(error)
}

func (a *App) newSession(opts sessionOptions) (*chatsession.Session, error) {
	client, err := a.apiClient()
	if err != nil {
		return nil, err
	}
	return chatsession.NewSession(chatsession.Config{
		Backend:     client,
		Credentials: a.credentialStore(),
		BrokerURL:   a.Settings.BrokerURL,
		Channel: transport.Config{
			ReconnectDelay:   a.Settings.ReconnectDelay,
			HandshakeTimeout: a.Settings.HandshakeTimeout,
		},
		DedupWindow: a.Settings.DedupWindow,
		Archive:     opts.archive,
		Tap:         opts.tap,
		OnLoggedOut: opts.onLoggedOut,
	})
}

// serveMetrics exposes /metrics until ctx is done. No-op without --metrics-addr.
func (a *App) serveMetrics(ctx context.Context) error {
	if a.Settings.MetricsAddr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: a.Settings.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", a.Settings.MetricsAddr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
