// Package transport owns the single persistent STOMP-over-websocket
// connection of a login session: handshake, reconnect policy and raw
// frame send/receive.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/metrics"
	"github.com/go-go-golems/dmchat/pkg/stomp"
)

const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// StateChange describes one transition. Err carries the cause for failures
// (for example chat.ErrAuthRejected on a Disconnected transition). Conn is
// the id of the new connection on transitions into Connected, 0 otherwise.
type StateChange struct {
	Prev State
	Next State
	Err  error
	Conn uint64
}

// MessageHandler receives every inbound MESSAGE frame.
type MessageHandler func(destination string, payload []byte)

// StateListener observes state transitions.
type StateListener func(StateChange)

// ConnectionHandle describes an established broker session.
type ConnectionHandle struct {
	Endpoint    string
	Version     string
	Server      string
	UserName    string
	SessionID   string
	ConnectedAt time.Time
}

// Config configures a Channel.
type Config struct {
	// ReconnectDelay is the fixed wait between reconnect attempts.
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds dial plus CONNECT/CONNECTED.
	HandshakeTimeout time.Duration
	// Dialer opens sockets; defaults to gorilla/websocket.
	Dialer Dialer
	// Host is the STOMP host header; defaults to the endpoint's host.
	Host string
}

// Channel is one broker connection with automatic reconnect.
//
// Message handlers and state listeners run sequentially on a single event
// loop goroutine in the order the events occurred; they may call any
// Channel method.
type Channel struct {
	cfg  Config
	loop *eventLoop
	log  zerolog.Logger

	mu              sync.Mutex
	state           State
	endpoint        string
	token           string
	conn            Conn
	handle          *ConnectionHandle
	gen             uint64
	connID          uint64
	cancelReconnect context.CancelFunc
	handlers        []MessageHandler
	listeners       []StateListener
	closed          bool

	writeMu sync.Mutex
}

// New returns a disconnected Channel.
func New(cfg Config) *Channel {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewWebsocketDialer(cfg.HandshakeTimeout)
	}
	return &Channel{
		cfg:  cfg,
		loop: newEventLoop(),
		log:  log.With().Str("component", "transport").Logger(),
	}
}

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConnectionID identifies the live connection; ids grow with every
// established connection. Returns 0 unless Connected.
func (c *Channel) ConnectionID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.conn == nil {
		return 0
	}
	return c.connID
}

// Handle returns the current connection handle, nil unless Connected.
func (c *Channel) Handle() *ConnectionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.handle == nil {
		return nil
	}
	h := *c.handle
	return &h
}

// OnMessage registers a handler for inbound MESSAGE frames.
func (c *Channel) OnMessage(h MessageHandler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// OnStateChange registers a state listener.
func (c *Channel) OnStateChange(l StateListener) {
	if l == nil {
		return
	}
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Connect establishes the socket and performs the STOMP handshake. A non-empty
// token is sent as an Authorization bearer header on CONNECT. Calling Connect
// again replaces the current connection and cancels pending reconnects.
func (c *Channel) Connect(ctx context.Context, endpoint, token string) (*ConnectionHandle, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, chat.ErrClosed
	}
	c.gen++
	gen := c.gen
	c.stopReconnectLocked()
	old := c.conn
	c.conn = nil
	c.handle = nil
	c.endpoint = endpoint
	c.token = token
	c.setStateLocked(StateConnecting, nil)
	c.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	conn, handle, err := c.handshake(ctx, endpoint, token)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		if conn != nil {
			_ = conn.Close()
		}
		return nil, errors.New("connect superseded by a later connect or disconnect")
	}
	if err != nil {
		c.setStateLocked(StateDisconnected, err)
		return nil, err
	}
	c.installLocked(conn, handle)
	go c.readLoop(conn, gen)

	h := *handle
	return &h, nil
}

// Send writes a SEND frame. It fails immediately with chat.ErrNotConnected
// unless the channel is Connected; nothing is queued.
func (c *Channel) Send(destination string, payload []byte) error {
	f := stomp.NewFrame(stomp.CommandSend,
		stomp.HeaderDestination, destination,
		stomp.HeaderContentType, "application/json",
	)
	f.Body = payload
	return c.writeConnected(0, f)
}

// SubscribeOn issues a broker SUBSCRIBE on connection conn (see
// ConnectionID). It fails with chat.ErrNotConnected once that connection is
// gone, so a subscription is never issued on a connection the caller did not
// observe.
func (c *Channel) SubscribeOn(conn uint64, id, destination string) error {
	return c.writeConnected(conn, stomp.NewFrame(stomp.CommandSubscribe,
		stomp.HeaderID, id,
		stomp.HeaderDestination, destination,
		stomp.HeaderAck, "auto",
	))
}

// UnsubscribeOn releases a subscription issued on connection conn.
func (c *Channel) UnsubscribeOn(conn uint64, id string) error {
	return c.writeConnected(conn, stomp.NewFrame(stomp.CommandUnsubscribe, stomp.HeaderID, id))
}

// Disconnect closes the connection gracefully and stops reconnecting. Idempotent.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected && c.conn == nil && c.cancelReconnect == nil {
		c.mu.Unlock()
		return
	}
	c.gen++
	c.stopReconnectLocked()
	conn := c.conn
	c.conn = nil
	c.handle = nil
	c.setStateLocked(StateDisconnected, nil)
	c.mu.Unlock()

	if conn != nil {
		_ = c.write(conn, stomp.NewFrame(stomp.CommandDisconnect, stomp.HeaderReceipt, uuid.NewString()))
		_ = conn.Close()
	}
}

// Close disconnects and releases the event loop. The channel cannot be reused.
func (c *Channel) Close() {
	c.Disconnect()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.loop.stop()
}

// Flush waits until every callback queued so far has been delivered. Tests
// use it to observe handler effects without polling.
func (c *Channel) Flush() {
	c.loop.flush()
}

// writeConnected writes f on the live connection, or only on connection
// want when it is non-zero.
func (c *Channel) writeConnected(want uint64, f *stomp.Frame) error {
	c.mu.Lock()
	conn, id, state := c.conn, c.connID, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return errors.Wrapf(chat.ErrNotConnected, "%s while %s", f.Command, state)
	}
	if want != 0 && want != id {
		return errors.Wrapf(chat.ErrNotConnected, "%s: connection %d is gone", f.Command, want)
	}
	if err := c.write(conn, f); err != nil {
		return errors.Wrapf(chat.ErrNotConnected, "%s: %v", f.Command, err)
	}
	return nil
}

func (c *Channel) write(conn Conn, f *stomp.Frame) error {
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Channel) handshake(ctx context.Context, endpoint, token string) (Conn, *ConnectionHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := c.cfg.Dialer.Dial(ctx, endpoint, http.Header{})
	if err != nil {
		return nil, nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	connect := stomp.NewFrame(stomp.CommandConnect,
		stomp.HeaderAcceptVersion, "1.2,1.1",
		stomp.HeaderHost, c.hostFor(endpoint),
		stomp.HeaderHeartBeat, "0,0",
	)
	if token != "" {
		connect.Header.Set(stomp.HeaderAuthorization, "Bearer "+token)
	}
	if err := c.write(conn, connect); err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrapf(chat.ErrNetworkUnreachable, "send CONNECT: %v", err)
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, nil, errors.Wrapf(chat.ErrNetworkUnreachable, "await CONNECTED: %v", err)
		}
		frames, decodeErr := stomp.Decode(data)
		for _, f := range frames {
			switch f.Command {
			case stomp.CommandConnected:
				metrics.ChannelConnects.WithLabelValues("ok").Inc()
				return conn, &ConnectionHandle{
					Endpoint:    endpoint,
					Version:     f.Header.Get(stomp.HeaderVersion),
					Server:      f.Header.Get(stomp.HeaderServer),
					UserName:    f.Header.Get(stomp.HeaderUserName),
					SessionID:   f.Header.Get(stomp.HeaderSession),
					ConnectedAt: time.Now(),
				}, nil
			case stomp.CommandError:
				_ = conn.Close()
				metrics.ChannelConnects.WithLabelValues("rejected").Inc()
				return nil, nil, errors.Wrapf(chat.ErrAuthRejected, "broker: %s", f.Header.Get(stomp.HeaderMessage))
			}
		}
		if decodeErr != nil {
			_ = conn.Close()
			return nil, nil, errors.Wrap(decodeErr, "decode handshake reply")
		}
	}
}

func (c *Channel) hostFor(endpoint string) string {
	if c.cfg.Host != "" {
		return c.cfg.Host
	}
	if u, err := url.Parse(endpoint); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "/"
}

func (c *Channel) readLoop(conn Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.connectionLost(gen, conn, err)
			return
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			c.log.Warn().Err(err).Int("decoded", len(frames)).Msg("dropping undecodable frame data")
		}
		for _, f := range frames {
			switch f.Command {
			case stomp.CommandMessage:
				metrics.FramesReceived.Inc()
				c.dispatch(f.Header.Get(stomp.HeaderDestination), f.Body)
			case stomp.CommandReceipt:
				c.log.Debug().Str("receipt_id", f.Header.Get(stomp.HeaderReceiptID)).Msg("receipt")
			case stomp.CommandError:
				c.log.Warn().Str("message", f.Header.Get(stomp.HeaderMessage)).Msg("broker error frame")
				_ = conn.Close()
				c.connectionLost(gen, conn, errors.Errorf("broker error: %s", f.Header.Get(stomp.HeaderMessage)))
				return
			}
		}
	}
}

func (c *Channel) dispatch(destination string, payload []byte) {
	c.loop.post(func() {
		c.mu.Lock()
		handlers := append([]MessageHandler(nil), c.handlers...)
		c.mu.Unlock()
		for _, h := range handlers {
			h(destination, payload)
		}
	})
}

func (c *Channel) connectionLost(gen uint64, conn Conn, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.conn != conn {
		return
	}
	_ = conn.Close()
	c.conn = nil
	c.handle = nil
	c.log.Warn().Err(cause).Dur("delay", c.cfg.ReconnectDelay).Msg("connection lost, reconnecting")
	c.setStateLocked(StateReconnecting, cause)

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	go c.reconnectLoop(ctx, gen)
}

func (c *Channel) reconnectLoop(ctx context.Context, gen uint64) {
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		c.mu.Lock()
		if gen != c.gen {
			c.mu.Unlock()
			return
		}
		endpoint, token := c.endpoint, c.token
		c.mu.Unlock()

		metrics.ChannelReconnectAttempts.Inc()
		conn, handle, err := c.handshake(ctx, endpoint, token)

		c.mu.Lock()
		if gen != c.gen || ctx.Err() != nil {
			c.mu.Unlock()
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			if errors.Is(err, chat.ErrAuthRejected) {
				c.gen++
				c.cancelReconnect = nil
				c.setStateLocked(StateDisconnected, err)
				c.mu.Unlock()
				c.log.Error().Err(err).Msg("credentials rejected while reconnecting")
				return
			}
			c.mu.Unlock()
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			timer.Reset(c.cfg.ReconnectDelay)
			continue
		}
		c.cancelReconnect = nil
		c.installLocked(conn, handle)
		c.mu.Unlock()
		c.log.Info().Int("attempt", attempt).Msg("reconnected")
		go c.readLoop(conn, gen)
		return
	}
}

// installLocked makes conn the live connection under a fresh id.
func (c *Channel) installLocked(conn Conn, handle *ConnectionHandle) {
	c.connID++
	c.conn = conn
	c.handle = handle
	c.setStateLocked(StateConnected, nil)
}

func (c *Channel) stopReconnectLocked() {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
}

// setStateLocked records a transition and queues listener notification while
// c.mu is held, so listeners observe transitions in order.
func (c *Channel) setStateLocked(next State, err error) {
	prev := c.state
	if prev == next && err == nil {
		return
	}
	c.state = next
	metrics.ChannelState.Set(float64(next))
	listeners := append([]StateListener(nil), c.listeners...)
	change := StateChange{Prev: prev, Next: next, Err: err}
	if next == StateConnected {
		change.Conn = c.connID
	}
	c.loop.post(func() {
		for _, l := range listeners {
			l(change)
		}
	})
}
