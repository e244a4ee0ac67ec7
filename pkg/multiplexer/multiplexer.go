// Package multiplexer maps the single broker channel of a login session onto
// per-conversation logical subscriptions and serializes outbound publishes.
package multiplexer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/metrics"
	"github.com/go-go-golems/dmchat/pkg/transport"
)

// Channel is the part of *transport.Channel the multiplexer drives.
type Channel interface {
	ConnectionID() uint64
	Send(destination string, payload []byte) error
	SubscribeOn(conn uint64, id, destination string) error
	UnsubscribeOn(conn uint64, id string) error
	OnMessage(transport.MessageHandler)
	OnStateChange(transport.StateListener)
}

var _ Channel = (*transport.Channel)(nil)

// InboundHandler receives messages routed to one conversation.
type InboundHandler func(chat.Message)

// Tap mirrors traffic to an out-of-process consumer.
type Tap interface {
	Inbound(ctx context.Context, msg chat.Message)
	Outbound(ctx context.Context, msg chat.Message)
}

// Subscription is a (topic, conversation) pair owned by the multiplexer.
type Subscription struct {
	Topic          string
	ConversationID string
	handler        InboundHandler
}

// Option configures a Multiplexer.
type Option func(*Multiplexer)

// WithTap installs a traffic tap.
func WithTap(t Tap) Option {
	return func(m *Multiplexer) { m.tap = t }
}

// WithTopic overrides the inbound broker destination.
func WithTopic(topic string) Option {
	return func(m *Multiplexer) { m.topic = topic }
}

// Multiplexer owns every write to the channel. It keeps one broker-level
// subscription on the user's inbox and fans inbound messages out to the
// conversations registered in its dispatch table.
type Multiplexer struct {
	ch    Channel
	topic string
	tap   Tap
	log   zerolog.Logger

	mu   sync.Mutex
	subs map[string]*Subscription
	// brokerSubID is the inbox subscription issued on connection brokerConn.
	// Connection ids only grow, so state events queued for an older
	// connection cannot disturb it.
	brokerSubID string
	brokerConn  uint64
}

// New wires a multiplexer onto ch. The multiplexer registers itself for the
// channel's messages and state changes, so create one per channel.
func New(ch Channel, opts ...Option) *Multiplexer {
	m := &Multiplexer{
		ch:    ch,
		topic: chat.InboxDestination,
		subs:  map[string]*Subscription{},
		log:   log.With().Str("component", "multiplexer").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	ch.OnMessage(m.onFrame)
	ch.OnStateChange(m.onStateChange)
	return m
}

// Subscribe registers onInbound for messages whose sender or receiver is
// conversationID, replacing any previous handler for it. The broker-level
// subscription is established now if connected, and replayed on every
// later transition into Connected.
func (m *Multiplexer) Subscribe(conversationID string, onInbound InboundHandler) error {
	if conversationID == "" {
		return errors.New("multiplexer: empty conversation id")
	}
	if onInbound == nil {
		return errors.New("multiplexer: nil handler")
	}
	m.mu.Lock()
	m.subs[conversationID] = &Subscription{Topic: m.topic, ConversationID: conversationID, handler: onInbound}
	m.mu.Unlock()
	m.log.Debug().Str("conversation", conversationID).Msg("subscribed")

	return m.ensureBrokerSubscription(m.ch.ConnectionID())
}

// Unsubscribe removes the conversation from the dispatch table. No-op if absent.
func (m *Multiplexer) Unsubscribe(conversationID string) {
	m.mu.Lock()
	if _, ok := m.subs[conversationID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, conversationID)
	release, conn := "", uint64(0)
	if len(m.subs) == 0 && m.brokerSubID != "" {
		release, conn = m.brokerSubID, m.brokerConn
		m.brokerSubID = ""
	}
	m.mu.Unlock()
	m.log.Debug().Str("conversation", conversationID).Msg("unsubscribed")

	if release != "" {
		if err := m.ch.UnsubscribeOn(conn, release); err != nil {
			m.log.Debug().Err(err).Msg("broker unsubscribe failed")
		}
	}
}

// Subscriptions lists the active subscriptions sorted by conversation.
func (m *Multiplexer) Subscriptions() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, Subscription{Topic: s.Topic, ConversationID: s.ConversationID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Publish sends a locally composed message to the broker. Publishing is
// fire-and-forget: success means the frame was written, not that the server
// stored it. Returns chat.ErrNotConnected when the channel is not Connected.
func (m *Multiplexer) Publish(ctx context.Context, msg chat.Message) error {
	payload, err := json.Marshal(chat.NewOutbound(msg))
	if err != nil {
		metrics.Publishes.WithLabelValues("error").Inc()
		return errors.Wrap(err, "encode outbound message")
	}
	if err := m.ch.Send(chat.PublishDestination, payload); err != nil {
		if errors.Is(err, chat.ErrNotConnected) {
			metrics.Publishes.WithLabelValues("not_connected").Inc()
		} else {
			metrics.Publishes.WithLabelValues("error").Inc()
		}
		return err
	}
	metrics.Publishes.WithLabelValues("ok").Inc()
	if m.tap != nil {
		m.tap.Outbound(ctx, msg)
	}
	return nil
}

// ensureBrokerSubscription subscribes the inbox on connection conn unless
// that or a newer connection already carries it. conn 0 means not connected.
func (m *Multiplexer) ensureBrokerSubscription(conn uint64) error {
	if conn == 0 {
		return nil
	}
	m.mu.Lock()
	if len(m.subs) == 0 || conn < m.brokerConn || (conn == m.brokerConn && m.brokerSubID != "") {
		m.mu.Unlock()
		return nil
	}
	id := "sub-" + uuid.NewString()
	m.brokerSubID, m.brokerConn = id, conn
	m.mu.Unlock()

	if err := m.ch.SubscribeOn(conn, id, m.topic); err != nil {
		m.mu.Lock()
		if m.brokerSubID == id {
			m.brokerSubID = ""
		}
		m.mu.Unlock()
		return errors.Wrap(err, "subscribe to inbox")
	}
	metrics.BrokerSubscriptions.Inc()
	m.log.Debug().Str("subscription", id).Str("topic", m.topic).Msg("broker subscription issued")
	return nil
}

// onStateChange replays the inbox subscription on every new connection. The
// broker forgets subscriptions with the connection, so nothing is released
// on the way down.
func (m *Multiplexer) onStateChange(c transport.StateChange) {
	if c.Next != transport.StateConnected {
		return
	}
	if err := m.ensureBrokerSubscription(c.Conn); err != nil {
		m.log.Warn().Err(err).Msg("replaying inbox subscription failed")
	}
}

func (m *Multiplexer) onFrame(destination string, payload []byte) {
	if destination != m.topic {
		metrics.MessagesDropped.WithLabelValues("destination").Inc()
		m.log.Debug().Str("destination", destination).Msg("ignoring frame for foreign destination")
		return
	}
	var msg chat.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		metrics.MessagesDropped.WithLabelValues("undecodable").Inc()
		m.log.Warn().Err(err).Msg("dropping undecodable inbound message")
		return
	}
	if m.tap != nil {
		m.tap.Inbound(context.Background(), msg)
	}

	m.mu.Lock()
	var handlers []InboundHandler
	for id, s := range m.subs {
		if msg.Involves(id) {
			handlers = append(handlers, s.handler)
		}
	}
	m.mu.Unlock()

	if len(handlers) == 0 {
		metrics.MessagesDropped.WithLabelValues("unmatched").Inc()
		m.log.Debug().Str("sender", msg.Sender).Str("receiver", msg.Receiver).Msg("no conversation for inbound message")
		return
	}
	for _, h := range handlers {
		metrics.MessagesDispatched.Inc()
		h(msg)
	}
}
