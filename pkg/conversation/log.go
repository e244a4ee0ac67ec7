// Package conversation holds the per-peer transcript: an ordered,
// duplicate-free log that reconciles REST history, optimistic local sends and
// messages pushed by the broker.
package conversation

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/dmchat/pkg/chat"
	"github.com/go-go-golems/dmchat/pkg/metrics"
)

// DefaultDedupWindow bounds the timestamp distance between an optimistic
// entry and the server echo that confirms it.
const DefaultDedupWindow = 15 * time.Second

// Status of a conversation log.
type Status int

const (
	StatusLoading Status = iota
	StatusReady
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Delivery tracks whether the server has acknowledged an entry.
type Delivery int

const (
	// DeliveryPending is an optimistic entry whose publish was handed to the broker.
	DeliveryPending Delivery = iota
	// DeliveryUnconfirmed is an optimistic entry whose publish failed.
	DeliveryUnconfirmed
	// DeliveryConfirmed entries came from the server.
	DeliveryConfirmed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryPending:
		return "pending"
	case DeliveryUnconfirmed:
		return "unconfirmed"
	case DeliveryConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Entry is one line of the transcript.
type Entry struct {
	chat.Message
	// At orders the entry. It is the message timestamp, except for a
	// reconciled optimistic entry which keeps its optimistic instant.
	At       time.Time
	Delivery Delivery
}

// Optimistic reports whether the entry still waits for its server echo.
func (e Entry) Optimistic() bool {
	return e.ID == "" && e.Delivery != DeliveryConfirmed
}

// Option configures a Log.
type Option func(*Log)

// WithDedupWindow overrides DefaultDedupWindow.
func WithDedupWindow(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.window = d
		}
	}
}

// Log is safe for concurrent use. Readers never observe a partially applied
// mutation.
type Log struct {
	peer   string
	window time.Duration

	mu      sync.RWMutex
	status  Status
	err     error
	entries []Entry

	changes chan struct{}
}

// New returns an empty log for peer in StatusLoading.
func New(peer string, opts ...Option) *Log {
	l := &Log{
		peer:    peer,
		window:  DefaultDedupWindow,
		status:  StatusLoading,
		changes: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Peer is the conversation id.
func (l *Log) Peer() string { return l.peer }

// Status returns the current status and, for StatusError, its cause.
func (l *Log) Status() (Status, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status, l.err
}

// Changes returns a channel that receives a value after one or more
// mutations. Notifications coalesce: read Snapshot after each receive.
func (l *Log) Changes() <-chan struct{} { return l.changes }

// Snapshot returns a copy of the ordered entries.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Entry(nil), l.entries...)
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// LoadHistory replaces the contents with messages and marks the log Ready.
// Entries that arrived while the history was in flight are merged back on
// top so a racing push is not lost.
func (l *Log) LoadHistory(messages []chat.Message) {
	l.mu.Lock()
	prior := l.entries

	history := make([]Entry, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		k := m.Key()
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		m.LocalID = ""
		history = append(history, Entry{Message: m, At: m.Timestamp, Delivery: DeliveryConfirmed})
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].At.Before(history[j].At) })

	l.entries = append([]Entry(nil), history...)
	l.status = StatusReady
	l.err = nil
	for _, e := range prior {
		if e.Optimistic() {
			if l.confirmedIn(history, e) {
				continue
			}
			l.insertLocked(e)
			continue
		}
		l.mergeLocked(e.Message)
	}
	l.mu.Unlock()
	l.notify()
}

// Fail marks the log as failed to load.
func (l *Log) Fail(err error) {
	if err == nil {
		err = errors.New("history load failed")
	}
	l.mu.Lock()
	l.status = StatusError
	l.err = err
	l.mu.Unlock()
	l.notify()
}

// Reset empties the log and puts it back into StatusLoading.
func (l *Log) Reset() {
	l.mu.Lock()
	l.entries = nil
	l.status = StatusLoading
	l.err = nil
	l.mu.Unlock()
	l.notify()
}

// AppendOptimistic inserts a locally composed message with a fresh LocalID
// and DeliveryPending, and returns the stored entry.
func (l *Log) AppendOptimistic(m chat.Message) Entry {
	m.ID = ""
	if m.LocalID == "" {
		m.LocalID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	e := Entry{Message: m, At: m.Timestamp, Delivery: DeliveryPending}

	l.mu.Lock()
	l.insertLocked(e)
	l.mu.Unlock()
	l.notify()
	return e
}

// MarkUnconfirmed flags the optimistic entry localID as not handed to the
// broker. It returns false if no such optimistic entry exists.
func (l *Log) MarkUnconfirmed(localID string) bool {
	l.mu.Lock()
	changed := false
	for i := range l.entries {
		e := &l.entries[i]
		if e.LocalID == localID && e.Optimistic() {
			if e.Delivery != DeliveryUnconfirmed {
				e.Delivery = DeliveryUnconfirmed
				changed = true
			}
			l.mu.Unlock()
			if changed {
				l.notify()
			}
			return true
		}
	}
	l.mu.Unlock()
	return false
}

// Merge applies a message from the history fetch or the broker and reports
// whether the visible sequence changed.
//
// A message whose id is already present replaces that entry in place. Else
// the earliest optimistic entry with the same sender, receiver and content
// within the dedup window is confirmed in place. Else an id-less duplicate is
// ignored. Anything else is inserted in timestamp order after entries with an
// equal timestamp.
func (l *Log) Merge(m chat.Message) bool {
	l.mu.Lock()
	changed := l.mergeLocked(m)
	l.mu.Unlock()
	if changed {
		l.notify()
	}
	return changed
}

func (l *Log) mergeLocked(m chat.Message) bool {
	m.LocalID = ""

	if m.ID != "" {
		for i := range l.entries {
			e := &l.entries[i]
			if e.ID != m.ID {
				continue
			}
			updated := m
			updated.LocalID = e.LocalID
			if sameMessage(e.Message, updated) && e.Delivery == DeliveryConfirmed {
				return false
			}
			e.Message = updated
			e.Delivery = DeliveryConfirmed
			return true
		}
	}

	for i := range l.entries {
		e := &l.entries[i]
		if !e.Optimistic() || !e.SameSend(m) || !l.withinWindow(e.Timestamp, m.Timestamp) {
			continue
		}
		confirmed := m
		confirmed.LocalID = e.LocalID
		e.Message = confirmed
		e.Delivery = DeliveryConfirmed
		metrics.OptimisticReconciled.Inc()
		return true
	}

	if m.ID == "" {
		k := m.Key()
		for _, e := range l.entries {
			if e.ID == "" && e.Key() == k {
				return false
			}
		}
	}

	l.insertLocked(Entry{Message: m, At: m.Timestamp, Delivery: DeliveryConfirmed})
	return true
}

// confirmedIn reports whether the optimistic entry e has a server copy in history.
func (l *Log) confirmedIn(history []Entry, e Entry) bool {
	for _, h := range history {
		if h.SameSend(e.Message) && l.withinWindow(h.Timestamp, e.Timestamp) {
			return true
		}
	}
	return false
}

func (l *Log) insertLocked(e Entry) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].At.After(e.At) })
	l.entries = append(l.entries, Entry{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = e
}

func sameMessage(a, b chat.Message) bool {
	return a.ID == b.ID && a.LocalID == b.LocalID && a.SameSend(b) && a.Timestamp.Equal(b.Timestamp)
}

func (l *Log) withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= l.window
}

func (l *Log) notify() {
	select {
	case l.changes <- struct{}{}:
	default:
	}
}
