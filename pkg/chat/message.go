// Package chat holds the direct-message model shared by every layer of the
// client: the message type, its wire encodings and the identity rule used to
// deduplicate transcripts.
package chat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/pkg/errors"
)

// Broker destinations used by the backend.
const (
	// PublishDestination receives outbound private messages.
	PublishDestination = "/app/private-message"
	// InboxDestination delivers messages addressed to the current user.
	InboxDestination = "/user/queue/messages"
)

// Message is one private message between two users.
//
// ID is empty while the message is optimistic (composed locally, not yet
// confirmed by the server). LocalID names the local send attempt and never
// travels over the wire.
type Message struct {
	ID        string
	LocalID   string
	Sender    string
	Receiver  string
	Content   string
	Timestamp time.Time
}

// Confirmed reports whether the server assigned an id to the message.
func (m Message) Confirmed() bool { return m.ID != "" }

// Involves reports whether username is the sender or the receiver.
func (m Message) Involves(username string) bool {
	return username != "" && (m.Sender == username || m.Receiver == username)
}

// Peer returns the other party of the message from self's point of view.
func (m Message) Peer(self string) string {
	if m.Sender == self {
		return m.Receiver
	}
	return m.Sender
}

// Key is the deduplication identity of a message: the server id when present,
// otherwise sender, receiver, content and timestamp.
func (m Message) Key() string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	return "msg:" + m.Sender + "\x00" + m.Receiver + "\x00" + m.Content + "\x00" +
		strconv.FormatInt(m.Timestamp.UnixNano(), 10)
}

// SameSend reports whether m and other carry the same sender, receiver and content.
func (m Message) SameSend(other Message) bool {
	return m.Sender == other.Sender && m.Receiver == other.Receiver && m.Content == other.Content
}

type userRef struct {
	Username string `json:"username"`
}

type wireMessage struct {
	ID               json.RawMessage `json:"id,omitempty"`
	Sender           *userRef        `json:"sender,omitempty"`
	Receiver         *userRef        `json:"receiver,omitempty"`
	SenderUsername   string          `json:"senderUsername,omitempty"`
	ReceiverUsername string          `json:"receiverUsername,omitempty"`
	Content          string          `json:"content"`
	Timestamp        json.RawMessage `json:"timestamp,omitempty"`
}

// MarshalJSON encodes the message in the backend's inbound shape.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Sender:   &userRef{Username: m.Sender},
		Receiver: &userRef{Username: m.Receiver},
		Content:  m.Content,
	}
	if m.ID != "" {
		id, err := json.Marshal(m.ID)
		if err != nil {
			return nil, err
		}
		w.ID = id
	}
	if !m.Timestamp.IsZero() {
		ts, err := json.Marshal(FormatTimestamp(m.Timestamp))
		if err != nil {
			return nil, err
		}
		w.Timestamp = ts
	}
	return json.Marshal(w)
}

// UnmarshalJSON accepts both the nested {"sender":{"username":..}} form the
// backend pushes and the flat senderUsername/receiverUsername form.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := decodeID(w.ID)
	if err != nil {
		return err
	}
	ts, err := decodeTimestamp(w.Timestamp)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        id,
		Sender:    w.SenderUsername,
		Receiver:  w.ReceiverUsername,
		Content:   w.Content,
		Timestamp: ts,
	}
	if w.Sender != nil && w.Sender.Username != "" {
		m.Sender = w.Sender.Username
	}
	if w.Receiver != nil && w.Receiver.Username != "" {
		m.Receiver = w.Receiver.Username
	}
	return nil
}

// Outbound is the payload published to PublishDestination.
type Outbound struct {
	Content          string `json:"content"`
	ReceiverUsername string `json:"receiverUsername"`
	Timestamp        string `json:"timestamp"`
}

// NewOutbound builds the publish payload for a locally composed message.
func NewOutbound(m Message) Outbound {
	return Outbound{
		Content:          m.Content,
		ReceiverUsername: m.Receiver,
		Timestamp:        FormatTimestamp(m.Timestamp),
	}
}

// FormatTimestamp renders t the way a JSON-encoded JS Date looks (UTC, millisecond precision).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTimestamp accepts RFC 3339, zone-less ISO date-times (read as UTC) and
// epoch milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t, nil
}

func decodeID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.Wrap(err, "decode message id")
	}
	return n.String(), nil
}

func decodeTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return ParseTimestamp(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, errors.Wrap(err, "decode message timestamp")
	}
	return ParseTimestamp(n.String())
}
