// Package stomptest runs an in-process STOMP-over-websocket broker good enough
// to exercise the chat transport and multiplexer in tests.
package stomptest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dmchat/pkg/stomp"
)

// EchoFunc turns a SEND frame into a push: the returned body is delivered on
// destination to every subscribed connection.
type EchoFunc func(f *stomp.Frame) (destination string, body []byte, ok bool)

// Option configures a Broker.
type Option func(*Broker)

// WithToken makes the broker reject CONNECT frames whose Authorization header
// is not "Bearer <token>".
func WithToken(token string) Option {
	return func(b *Broker) { b.token = token }
}

// WithEcho installs an echo function invoked for every SEND frame.
func WithEcho(fn EchoFunc) Option {
	return func(b *Broker) { b.echo = fn }
}

// Broker is a fake STOMP broker served over httptest.
type Broker struct {
	Server *httptest.Server

	mu             sync.Mutex
	token          string
	echo           EchoFunc
	rejectStatus   int
	conns          map[*brokerConn]struct{}
	connects       int
	subscribeCount int
	sent           []*stomp.Frame
	connectHeaders map[string]string
}

type brokerConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string]string // subscription id -> destination
}

// Subscription is an active broker-side subscription.
type Subscription struct {
	ID          string
	Destination string
}

// NewBroker starts a broker; call Close when done.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{conns: map[*brokerConn]struct{}{}}
	for _, opt := range opts {
		opt(b)
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	return b
}

// URL is the websocket endpoint of the broker.
func (b *Broker) URL() string {
	return "ws" + strings.TrimPrefix(b.Server.URL, "http") + "/ws/websocket"
}

// Close drops every connection and stops the server.
func (b *Broker) Close() {
	b.DropConnections()
	b.Server.Close()
}

// RejectUpgrade makes subsequent websocket upgrades fail with status; 0 re-enables them.
func (b *Broker) RejectUpgrade(status int) {
	b.mu.Lock()
	b.rejectStatus = status
	b.mu.Unlock()
}

// SetToken changes the token accepted by future CONNECT frames.
func (b *Broker) SetToken(token string) {
	b.mu.Lock()
	b.token = token
	b.mu.Unlock()
}

// DropConnections closes every live connection without a DISCONNECT, simulating a network drop.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.conns = map[*brokerConn]struct{}{}
	b.mu.Unlock()
	for _, c := range conns {
		_ = c.ws.Close()
	}
}

// Connects counts accepted CONNECT frames.
func (b *Broker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

// SubscribeCount counts SUBSCRIBE frames received over the broker lifetime.
func (b *Broker) SubscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeCount
}

// ConnectHeaders returns the headers of the last CONNECT frame.
func (b *Broker) ConnectHeaders() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[string]string{}
	for k, v := range b.connectHeaders {
		out[k] = v
	}
	return out
}

// Sent returns every SEND frame received so far.
func (b *Broker) Sent() []*stomp.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*stomp.Frame(nil), b.sent...)
}

// Subscriptions lists active subscriptions across live connections.
func (b *Broker) Subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Subscription
	for c := range b.conns {
		for id, dest := range c.subs {
			out = append(out, Subscription{ID: id, Destination: dest})
		}
	}
	return out
}

// Push delivers body on destination to every matching subscription and
// returns how many deliveries were written.
func (b *Broker) Push(destination string, body []byte) int {
	type target struct {
		conn  *brokerConn
		subID string
	}
	b.mu.Lock()
	var targets []target
	for c := range b.conns {
		for id, dest := range c.subs {
			if dest == destination {
				targets = append(targets, target{conn: c, subID: id})
			}
		}
	}
	b.mu.Unlock()

	delivered := 0
	for _, t := range targets {
		f := stomp.NewFrame(stomp.CommandMessage,
			stomp.HeaderDestination, destination,
			stomp.HeaderSubscription, t.subID,
			stomp.HeaderMessageID, uuid.NewString(),
			stomp.HeaderContentType, "application/json",
		)
		f.Body = body
		if err := t.conn.write(f); err == nil {
			delivered++
		}
	}
	return delivered
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	reject := b.rejectStatus
	b.mu.Unlock()
	if reject != 0 {
		http.Error(w, http.StatusText(reject), reject)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &brokerConn{ws: ws, subs: map[string]string{}}
	defer func() {
		b.mu.Lock()
		delete(b.conns, c)
		b.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frames, err := stomp.Decode(data)
		if err != nil {
			log.Debug().Err(err).Str("component", "stomptest").Msg("bad frame")
			return
		}
		for _, f := range frames {
			if !b.handle(c, f) {
				return
			}
		}
	}
}

func (b *Broker) handle(c *brokerConn, f *stomp.Frame) bool {
	switch f.Command {
	case stomp.CommandConnect, stomp.CommandStomp:
		b.mu.Lock()
		token := b.token
		b.connectHeaders = headerMap(f)
		b.mu.Unlock()
		if token != "" && f.Header.Get(stomp.HeaderAuthorization) != "Bearer "+token {
			errFrame := stomp.NewFrame(stomp.CommandError, stomp.HeaderMessage, "Access denied")
			_ = c.write(errFrame)
			return false
		}
		b.mu.Lock()
		b.connects++
		b.conns[c] = struct{}{}
		b.mu.Unlock()
		return c.write(stomp.NewFrame(stomp.CommandConnected,
			stomp.HeaderVersion, "1.2",
			stomp.HeaderHeartBeat, "0,0",
			stomp.HeaderServer, "stomptest",
		)) == nil

	case stomp.CommandSubscribe:
		b.mu.Lock()
		c.subs[f.Header.Get(stomp.HeaderID)] = f.Header.Get(stomp.HeaderDestination)
		b.subscribeCount++
		b.mu.Unlock()

	case stomp.CommandUnsubscribe:
		b.mu.Lock()
		delete(c.subs, f.Header.Get(stomp.HeaderID))
		b.mu.Unlock()

	case stomp.CommandSend:
		b.mu.Lock()
		b.sent = append(b.sent, f)
		echo := b.echo
		b.mu.Unlock()
		if echo != nil {
			if dest, body, ok := echo(f); ok {
				go b.Push(dest, body)
			}
		}

	case stomp.CommandDisconnect:
		if receipt := f.Header.Get(stomp.HeaderReceipt); receipt != "" {
			_ = c.write(stomp.NewFrame(stomp.CommandReceipt, stomp.HeaderReceiptID, receipt))
		}
		return false
	}
	return true
}

func (c *brokerConn) write(f *stomp.Frame) error {
	data, err := stomp.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func headerMap(f *stomp.Frame) map[string]string {
	out := make(map[string]string, f.Header.Len())
	for i := 0; i < f.Header.Len(); i++ {
		k, v := f.Header.GetAt(i)
		if _, seen := out[k]; !seen {
			out[k] = v
		}
	}
	return out
}
