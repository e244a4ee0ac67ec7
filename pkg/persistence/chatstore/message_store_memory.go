package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/dmchat/pkg/chat"
)

// InMemoryMessageStore is a size-limited, in-memory MessageStore implementation.
// It mirrors the ordering semantics of the SQLite store.
type InMemoryMessageStore struct {
	mu                 sync.Mutex
	maxMessagesPerConv int
	convs              map[convKey]*inMemConversation
}

type convKey struct {
	owner string
	peer  string
}

type inMemConversation struct {
	messages       map[string]inMemMessage
	seq            int
	lastActivityMs int64
}

type inMemMessage struct {
	msg chat.Message
	seq int
}

var _ MessageStore = &InMemoryMessageStore{}

func NewInMemoryMessageStore(maxMessagesPerConv int) *InMemoryMessageStore {
	if maxMessagesPerConv <= 0 {
		maxMessagesPerConv = 5000
	}
	return &InMemoryMessageStore{
		maxMessagesPerConv: maxMessagesPerConv,
		convs:              map[convKey]*inMemConversation{},
	}
}

func (s *InMemoryMessageStore) Close() error { return nil }

func (s *InMemoryMessageStore) Append(_ context.Context, owner string, msg chat.Message) error {
	if s == nil {
		return errors.New("in-memory message store: nil store")
	}
	owner, err := validateAppend("in-memory message store", owner, msg)
	if err != nil {
		return err
	}
	msg.LocalID = ""

	s.mu.Lock()
	defer s.mu.Unlock()

	k := convKey{owner: owner, peer: msg.Peer(owner)}
	conv := s.convs[k]
	if conv == nil {
		conv = &inMemConversation{messages: map[string]inMemMessage{}}
		s.convs[k] = conv
	}
	now := time.Now().UnixMilli()
	if now > conv.lastActivityMs {
		conv.lastActivityMs = now
	}

	key := msg.Key()
	if existing, ok := conv.messages[key]; ok {
		existing.msg = msg
		conv.messages[key] = existing
		return nil
	}
	conv.seq++
	conv.messages[key] = inMemMessage{msg: msg, seq: conv.seq}

	// Evict the oldest messages beyond the per-conversation limit.
	if len(conv.messages) > s.maxMessagesPerConv {
		ordered := conv.ordered()
		for _, m := range ordered[:len(ordered)-s.maxMessagesPerConv] {
			delete(conv.messages, m.msg.Key())
		}
	}
	return nil
}

func (s *InMemoryMessageStore) List(_ context.Context, owner, peer string, limit int) ([]chat.Message, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	owner, peer = strings.TrimSpace(owner), strings.TrimSpace(peer)
	if owner == "" || peer == "" {
		return nil, errors.New("in-memory message store: owner and peer are required")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.convs[convKey{owner: owner, peer: peer}]
	if conv == nil {
		return []chat.Message{}, nil
	}
	ordered := conv.ordered()
	if len(ordered) > limit {
		ordered = ordered[len(ordered)-limit:]
	}
	out := make([]chat.Message, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, m.msg)
	}
	return out, nil
}

func (s *InMemoryMessageStore) ListConversations(_ context.Context, owner string, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errors.New("in-memory message store: nil store")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("in-memory message store: owner is empty")
	}
	if limit <= 0 {
		limit = 200
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := make([]ConversationRecord, 0, len(s.convs))
	for k, conv := range s.convs {
		if k.owner != owner {
			continue
		}
		if sinceMs > 0 && conv.lastActivityMs < sinceMs {
			continue
		}
		r := ConversationRecord{Owner: k.owner, Peer: k.peer, MessageCount: len(conv.messages), LastActivityMs: conv.lastActivityMs}
		for _, m := range conv.messages {
			ts := m.msg.Timestamp.UnixMilli()
			if r.FirstMessageMs == 0 || ts < r.FirstMessageMs {
				r.FirstMessageMs = ts
			}
			if ts > r.LastMessageMs {
				r.LastMessageMs = ts
			}
		}
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastActivityMs == records[j].LastActivityMs {
			return records[i].Peer < records[j].Peer
		}
		return records[i].LastActivityMs > records[j].LastActivityMs
	})
	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (c *inMemConversation) ordered() []inMemMessage {
	out := make([]inMemMessage, 0, len(c.messages))
	for _, m := range c.messages {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].msg.Timestamp, out[j].msg.Timestamp
		if ti.Equal(tj) {
			return out[i].seq < out[j].seq
		}
		return ti.Before(tj)
	})
	return out
}
