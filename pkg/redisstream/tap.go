package redisstream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/metrics"
)

// Tap topics.
const (
	TopicInbound  = "dmchat.inbound"
	TopicOutbound = "dmchat.outbound"
)

// Direction of a tapped message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event is the payload of a tap message.
type Event struct {
	Direction  Direction    `json:"direction"`
	Owner      string       `json:"owner"`
	Message    chat.Message `json:"message"`
	ObservedAt time.Time    `json:"observed_at"`
}

const (
	DefaultTapQueueSize      = 256
	DefaultTapPublishTimeout = 5 * time.Second
)

// TapOption configures a Tap.
type TapOption func(*Tap)

// WithQueueSize bounds the events waiting to be published.
func WithQueueSize(n int) TapOption {
	return func(t *Tap) {
		if n > 0 {
			t.queueSize = n
		}
	}
}

// WithPublishTimeout bounds a single publish.
func WithPublishTimeout(d time.Duration) TapOption {
	return func(t *Tap) {
		if d > 0 {
			t.timeout = d
		}
	}
}

type tapItem struct {
	ctx   context.Context
	topic string
	msg   *message.Message
}

// Tap mirrors chat traffic onto a watermill publisher. Inbound and Outbound
// only enqueue and never block; one worker publishes in order. Events are
// dropped when the queue is full. Close drains the queue.
type Tap struct {
	pub       message.Publisher
	owner     string
	log       zerolog.Logger
	queueSize int
	timeout   time.Duration

	mu     sync.RWMutex
	queue  chan tapItem
	closed bool
	done   chan struct{}
}

func NewTap(pub message.Publisher, owner string, opts ...TapOption) *Tap {
	t := &Tap{
		pub:       pub,
		owner:     owner,
		log:       log.With().Str("component", "tap").Logger(),
		queueSize: DefaultTapQueueSize,
		timeout:   DefaultTapPublishTimeout,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if pub == nil {
		close(t.done)
		return t
	}
	t.queue = make(chan tapItem, t.queueSize)
	go t.run()
	return t
}

// Close publishes what is queued and stops the worker. Idempotent.
func (t *Tap) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		if t.queue != nil {
			close(t.queue)
		}
	}
	t.mu.Unlock()
	<-t.done
}

func (t *Tap) run() {
	defer close(t.done)
	for it := range t.queue {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(it.ctx), t.timeout)
		it.msg.SetContext(ctx)
		if err := t.pub.Publish(it.topic, it.msg); err != nil {
			t.log.Warn().Err(err).Str("topic", it.topic).Msg("tap publish failed")
		}
		cancel()
	}
}

func (t *Tap) Inbound(ctx context.Context, msg chat.Message) {
	t.publish(ctx, TopicInbound, DirectionInbound, msg)
}

func (t *Tap) Outbound(ctx context.Context, msg chat.Message) {
	t.publish(ctx, TopicOutbound, DirectionOutbound, msg)
}

func (t *Tap) publish(ctx context.Context, topic string, dir Direction, msg chat.Message) {
	if t == nil || t.pub == nil {
		return
	}
	payload, err := json.Marshal(Event{Direction: dir, Owner: t.owner, Message: msg, ObservedAt: time.Now().UTC()})
	if err != nil {
		t.log.Warn().Err(err).Msg("encode tap event")
		return
	}
	wm := message.NewMessage(watermill.NewUUID(), payload)
	wm.Metadata.Set("direction", string(dir))
	wm.Metadata.Set("peer", msg.Peer(t.owner))
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.queue <- tapItem{ctx: ctx, topic: topic, msg: wm}:
	default:
		metrics.TapEventsDropped.Inc()
		t.log.Warn().Str("topic", topic).Msg("tap queue full, dropping event")
	}
}

// DecodeEvent parses a tap message payload.
func DecodeEvent(m *message.Message) (Event, error) {
	var ev Event
	if err := json.Unmarshal(m.Payload, &ev); err != nil {
		return Event{}, errors.Wrapf(err, "decode tap event %s", m.UUID)
	}
	return ev, nil
}
