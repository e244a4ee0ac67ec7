// Package chatsession orchestrates a login session: the broker channel, the
// multiplexer on top of it and one Controller per open conversation.
package chatsession

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/conversation"
	"github.com/go-go-golems/dmchat/pkg/metrics"
	"github.com/go-go-golems/dmchat/pkg/multiplexer"
	"github.com/go-go-golems/dmchat/pkg/persistence/chatstore"
)

// State of a Controller.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateActive
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// History fetches the transcript with a peer.
type History interface {
	History(ctx context.Context, peer string) ([]chat.Message, error)
}

// HistoryFunc adapts a function to History.
type HistoryFunc func(ctx context.Context, peer string) ([]chat.Message, error)

func (f HistoryFunc) History(ctx context.Context, peer string) ([]chat.Message, error) {
	return f(ctx, peer)
}

// Router is the multiplexer surface a Controller uses.
type Router interface {
	Subscribe(conversationID string, onInbound multiplexer.InboundHandler) error
	Unsubscribe(conversationID string)
	Publish(ctx context.Context, msg chat.Message) error
}

var _ Router = (*multiplexer.Multiplexer)(nil)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	// Self is the local username, used as sender of optimistic messages.
	Self string
	// Peer identifies the conversation.
	Peer    string
	History History
	Router  Router
	// Archive, when set, receives every confirmed message.
	Archive     chatstore.MessageStore
	DedupWindow time.Duration
	// Now stamps optimistic messages; defaults to time.Now.
	Now func() time.Time
}

// Controller drives one conversation: Idle -> Loading -> Active -> Closed,
// with Loading -> Error on a failed history fetch and Error -> Loading on Reload.
//
// Every deferred effect (history result, inbound push) is applied only while
// the controller is open; after Close nothing mutates its log.
type Controller struct {
	cfg ControllerConfig
	log zerolog.Logger

	mu     sync.Mutex
	state  State
	err    error
	conv   *conversation.Log
	cancel context.CancelFunc
	// loadSeq invalidates history results of superseded loads.
	loadSeq uint64
}

func NewController(cfg ControllerConfig) (*Controller, error) {
	if cfg.Self == "" {
		return nil, errors.New("controller: self username is required")
	}
	if cfg.Peer == "" {
		return nil, errors.New("controller: peer is required")
	}
	if cfg.History == nil || cfg.Router == nil {
		return nil, errors.New("controller: history and router are required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Controller{
		cfg:   cfg,
		log:   log.With().Str("component", "controller").Str("peer", cfg.Peer).Logger(),
		state: StateIdle,
		conv:  conversation.New(cfg.Peer, conversation.WithDedupWindow(cfg.DedupWindow)),
	}, nil
}

// Peer is the conversation id.
func (c *Controller) Peer() string { return c.cfg.Peer }

// State returns the state and, in StateError, the history failure.
func (c *Controller) State() (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.err
}

// Snapshot returns the ordered transcript; nil once closed.
func (c *Controller) Snapshot() []conversation.Entry {
	c.mu.Lock()
	conv := c.conv
	c.mu.Unlock()
	if conv == nil {
		return nil
	}
	return conv.Snapshot()
}

// Changes signals transcript and status changes. The channel is never
// closed; stop reading after Close.
func (c *Controller) Changes() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conv == nil {
		return nil
	}
	return c.conv.Changes()
}

// Open fetches the history and subscribes concurrently. It returns once the
// history is loaded (StateActive) or failed (StateError). A failed
// subscription is logged and leaves the conversation send-only until the
// next reconnect.
func (c *Controller) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		st := c.state
		c.mu.Unlock()
		if st == StateClosed {
			return chat.ErrClosed
		}
		return errors.Errorf("controller: open in state %s", st)
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateLoading
	c.loadSeq++
	seq := c.loadSeq
	c.mu.Unlock()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return c.load(egCtx, seq)
	})
	eg.Go(func() error {
		c.subscribe()
		return nil
	})
	return eg.Wait()
}

// subscribe registers the inbound handler unless the controller closed
// first. Holding c.mu orders it against Close's Unsubscribe.
func (c *Controller) subscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return
	}
	if err := c.cfg.Router.Subscribe(c.cfg.Peer, c.onInbound); err != nil {
		c.log.Warn().Err(err).Msg("subscription failed, conversation is send-only until reconnect")
	}
}

// Reload refetches the history after a failure.
func (c *Controller) Reload(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateError {
		st := c.state
		c.mu.Unlock()
		if st == StateClosed {
			return chat.ErrClosed
		}
		return errors.Errorf("controller: reload in state %s", st)
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = StateLoading
	c.err = nil
	c.loadSeq++
	seq := c.loadSeq
	c.conv.Reset()
	c.mu.Unlock()

	return c.load(ctx, seq)
}

func (c *Controller) load(ctx context.Context, seq uint64) error {
	msgs, err := c.cfg.History.History(ctx, c.cfg.Peer)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.conv == nil || seq != c.loadSeq {
		c.log.Debug().Msg("discarding history result of a closed or superseded load")
		return chat.ErrClosed
	}
	if err != nil {
		err = errors.Wrapf(err, "load history with %s", c.cfg.Peer)
		c.state = StateError
		c.err = err
		c.conv.Fail(err)
		c.log.Warn().Err(err).Msg("history load failed")
		return err
	}
	c.conv.LoadHistory(msgs)
	c.state = StateActive
	c.log.Debug().Int("messages", len(msgs)).Msg("history loaded")
	c.archive(ctx, msgs...)
	return nil
}

func (c *Controller) onInbound(m chat.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed || c.conv == nil {
		return
	}
	if c.conv.Merge(m) && m.Confirmed() {
		c.archive(context.Background(), m)
	}
}

// Send validates content, appends it optimistically and publishes it. On
// chat.ErrNotConnected the entry stays visible as DeliveryUnconfirmed and
// the error is returned; nothing is retried.
func (c *Controller) Send(ctx context.Context, content string) (conversation.Entry, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		metrics.SendsRejected.WithLabelValues("empty").Inc()
		return conversation.Entry{}, chat.ErrEmptyMessage
	}

	c.mu.Lock()
	if c.state != StateActive {
		st := c.state
		c.mu.Unlock()
		metrics.SendsRejected.WithLabelValues("inactive").Inc()
		if st == StateClosed {
			return conversation.Entry{}, chat.ErrClosed
		}
		return conversation.Entry{}, errors.Wrapf(chat.ErrNotActive, "conversation with %s is %s", c.cfg.Peer, st)
	}
	conv := c.conv
	entry := conv.AppendOptimistic(chat.Message{
		Sender:    c.cfg.Self,
		Receiver:  c.cfg.Peer,
		Content:   content,
		Timestamp: c.cfg.Now(),
	})
	c.mu.Unlock()

	if err := c.cfg.Router.Publish(ctx, entry.Message); err != nil {
		conv.MarkUnconfirmed(entry.LocalID)
		entry.Delivery = conversation.DeliveryUnconfirmed
		c.log.Warn().Err(err).Str("local_id", entry.LocalID).Msg("publish failed, message left unconfirmed")
		return entry, err
	}
	return entry, nil
}

// Close unsubscribes, cancels in-flight work and discards the transcript.
// Terminal and idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	subscribed := c.state != StateIdle
	c.state = StateClosed
	c.conv = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	if subscribed {
		c.cfg.Router.Unsubscribe(c.cfg.Peer)
	}
	c.log.Debug().Msg("closed")
}

// archive is called with c.mu held.
func (c *Controller) archive(ctx context.Context, msgs ...chat.Message) {
	if c.cfg.Archive == nil {
		return
	}
	for _, m := range msgs {
		if !m.Confirmed() {
			continue
		}
		if err := c.cfg.Archive.Append(ctx, c.cfg.Self, m); err != nil {
			c.log.Warn().Err(err).Str("message_id", m.ID).Msg("archive append failed")
		}
	}
}
