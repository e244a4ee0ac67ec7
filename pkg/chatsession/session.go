package chatsession

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dmchat/pkg/api"
	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/conversation"
	"github.com/go-go-golems/dmchat/pkg/credentials"
	"github.com/go-go-golems/dmchat/pkg/multiplexer"
	"github.com/go-go-golems/dmchat/pkg/persistence/chatstore"
	"github.com/go-go-golems/dmchat/pkg/transport"
)

// ErrNotLoggedIn is returned by operations that need a login session.
var ErrNotLoggedIn = errors.New("not logged in")

// Backend is the REST surface a Session uses; *api.Client implements it.
type Backend interface {
	Login(ctx context.Context, username, password string) (*api.LoginResponse, error)
	Users(ctx context.Context, token string) ([]api.User, error)
	Messages(ctx context.Context, token, peer string) ([]chat.Message, error)
}

var _ Backend = (*api.Client)(nil)

// CredentialStore persists the token; *credentials.Store implements it.
type CredentialStore interface {
	Load() (credentials.Credentials, error)
	Save(credentials.Credentials) error
	ClearToken() error
	Clear() error
}

var _ CredentialStore = (*credentials.Store)(nil)

// TapFactory builds the traffic tap of a login session for owner.
type TapFactory func(owner string) multiplexer.Tap

// Config configures a Session.
type Config struct {
	Backend     Backend
	Credentials CredentialStore
	// BrokerURL is the STOMP websocket endpoint.
	BrokerURL string
	Channel   transport.Config
	// DedupWindow is passed to every conversation log.
	DedupWindow time.Duration
	Archive     chatstore.MessageStore
	Tap         TapFactory
	// OnLoggedOut fires when the server rejects the stored credentials.
	OnLoggedOut func(error)
}

// Session is one login: it owns the broker channel, the multiplexer and at
// most one active conversation. Created logged out; Login or Resume starts it
// and Logout or a credential rejection ends it.
type Session struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	username string
	token    string
	channel  *transport.Channel
	mux      *multiplexer.Multiplexer
	active   *Controller
	// epoch increments on every login and logout so late callbacks of a
	// previous login are ignored.
	epoch uint64
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Backend == nil {
		return nil, errors.New("session: backend is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("session: credential store is required")
	}
	if cfg.BrokerURL == "" {
		return nil, errors.New("session: broker url is required")
	}
	return &Session{
		cfg: cfg,
		log: log.With().Str("component", "session").Logger(),
	}, nil
}

// Login authenticates, stores the credentials and connects to the broker.
func (s *Session) Login(ctx context.Context, username, password string) error {
	resp, err := s.cfg.Backend.Login(ctx, username, password)
	if err != nil {
		return errors.Wrap(err, "login")
	}
	if err := s.cfg.Credentials.Save(credentials.Credentials{Token: resp.Token, Username: resp.Username}); err != nil {
		return err
	}
	return s.start(ctx, resp.Username, resp.Token)
}

// Resume connects with stored credentials.
func (s *Session) Resume(ctx context.Context) error {
	c, err := s.cfg.Credentials.Load()
	if err != nil {
		return err
	}
	if c.Token == "" || c.Username == "" {
		return ErrNotLoggedIn
	}
	return s.start(ctx, c.Username, c.Token)
}

func (s *Session) start(ctx context.Context, username, token string) error {
	s.mu.Lock()
	s.stopLocked()
	s.epoch++
	epoch := s.epoch

	ch := transport.New(s.cfg.Channel)
	var opts []multiplexer.Option
	if s.cfg.Tap != nil {
		if tap := s.cfg.Tap(username); tap != nil {
			opts = append(opts, multiplexer.WithTap(tap))
		}
	}
	mux := multiplexer.New(ch, opts...)
	ch.OnStateChange(func(c transport.StateChange) {
		s.log.Debug().Str("from", c.Prev.String()).Str("to", c.Next.String()).AnErr("cause", c.Err).Msg("channel state")
		if c.Next == transport.StateDisconnected && errors.Is(c.Err, chat.ErrAuthRejected) {
			s.expire(epoch, c.Err)
		}
	})
	s.username = username
	s.token = token
	s.channel = ch
	s.mux = mux
	s.mu.Unlock()

	if _, err := ch.Connect(ctx, s.cfg.BrokerURL, token); err != nil {
		if errors.Is(err, chat.ErrAuthRejected) {
			// expire runs from the state listener as well; it is idempotent per epoch.
			s.expire(epoch, err)
			return err
		}
		s.mu.Lock()
		if s.epoch == epoch {
			s.stopLocked()
			s.epoch++
		}
		s.mu.Unlock()
		return errors.Wrap(err, "connect to broker")
	}
	s.log.Info().Str("user", username).Str("broker", s.cfg.BrokerURL).Msg("session started")
	return nil
}

// LoggedIn reports whether a login session is running.
func (s *Session) LoggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel != nil
}

// Username is the logged-in user, empty when logged out.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// ChannelState reports the broker connection state.
func (s *Session) ChannelState() transport.State {
	s.mu.Lock()
	ch := s.channel
	s.mu.Unlock()
	if ch == nil {
		return transport.StateDisconnected
	}
	return ch.State()
}

// OnChannelStateChange registers a listener on the current channel.
func (s *Session) OnChannelStateChange(l transport.StateListener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channel == nil {
		return ErrNotLoggedIn
	}
	s.channel.OnStateChange(l)
	return nil
}

// Users lists the directory without the current user, sorted by username.
func (s *Session) Users(ctx context.Context) ([]api.User, error) {
	s.mu.Lock()
	token, self, epoch := s.token, s.username, s.epoch
	s.mu.Unlock()
	if token == "" {
		return nil, ErrNotLoggedIn
	}
	users, err := s.cfg.Backend.Users(ctx, token)
	if err != nil {
		if errors.Is(err, chat.ErrAuthRejected) {
			s.expire(epoch, err)
		}
		return nil, err
	}
	out := make([]api.User, 0, len(users))
	for _, u := range users {
		if u.Username != self {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// OpenConversation closes the active conversation, if any, and opens peer.
// The controller is returned even when the history load fails so the caller
// can Reload it.
func (s *Session) OpenConversation(ctx context.Context, peer string) (*Controller, error) {
	s.mu.Lock()
	if s.mux == nil {
		s.mu.Unlock()
		return nil, ErrNotLoggedIn
	}
	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
	token, epoch := s.token, s.epoch
	ctrl, err := NewController(ControllerConfig{
		Self:        s.username,
		Peer:        peer,
		History:     s.historyFor(token, epoch),
		Router:      s.mux,
		Archive:     s.cfg.Archive,
		DedupWindow: s.cfg.DedupWindow,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.active = ctrl
	s.mu.Unlock()

	if err := ctrl.Open(ctx); err != nil {
		return ctrl, err
	}
	return ctrl, nil
}

func (s *Session) historyFor(token string, epoch uint64) History {
	return HistoryFunc(func(ctx context.Context, peer string) ([]chat.Message, error) {
		msgs, err := s.cfg.Backend.Messages(ctx, token, peer)
		if err != nil && errors.Is(err, chat.ErrAuthRejected) {
			s.expire(epoch, err)
		}
		return msgs, err
	})
}

// Active returns the open conversation, or nil.
func (s *Session) Active() *Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SendMessage sends text on the active conversation.
func (s *Session) SendMessage(ctx context.Context, text string) (conversation.Entry, error) {
	ctrl := s.Active()
	if ctrl == nil {
		return conversation.Entry{}, errors.Wrap(chat.ErrNotActive, "no open conversation")
	}
	return ctrl.Send(ctx, text)
}

// CloseConversation closes the active conversation. No-op without one.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	ctrl := s.active
	s.active = nil
	s.mu.Unlock()
	if ctrl != nil {
		ctrl.Close()
	}
}

// Logout ends the login session and forgets the credentials.
func (s *Session) Logout() error {
	s.mu.Lock()
	s.stopLocked()
	s.epoch++
	s.mu.Unlock()
	return s.cfg.Credentials.Clear()
}

// Close ends the login session and keeps the credentials for Resume.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.epoch++
	s.mu.Unlock()
}

// expire handles a credential rejection of login epoch: the session is torn
// down, the token forgotten and OnLoggedOut fired once.
func (s *Session) expire(epoch uint64, cause error) {
	s.mu.Lock()
	if epoch != s.epoch || s.channel == nil {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.epoch++
	s.mu.Unlock()

	s.log.Warn().Err(cause).Msg("credentials rejected, logging out")
	if err := s.cfg.Credentials.ClearToken(); err != nil {
		s.log.Error().Err(err).Msg("clearing token failed")
	}
	if s.cfg.OnLoggedOut != nil {
		s.cfg.OnLoggedOut(cause)
	}
}

func (s *Session) stopLocked() {
	if s.active != nil {
		s.active.Close()
		s.active = nil
	}
	if s.channel != nil {
		s.channel.Close()
	}
	s.channel = nil
	s.mux = nil
	s.username = ""
	s.token = ""
}
