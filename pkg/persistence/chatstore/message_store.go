package chatstore

import (
	"context"
	"strings"

	"github.com/go-go-golems/dmchat/pkg/chat"
)

// ConversationRecord summarizes one archived conversation of an owner.
type ConversationRecord struct {
	Owner          string `json:"owner"`
	Peer           string `json:"peer"`
	MessageCount   int    `json:"message_count"`
	FirstMessageMs int64  `json:"first_message_ms"`
	LastMessageMs  int64  `json:"last_message_ms"`
	LastActivityMs int64  `json:"last_activity_ms"`
}

// MessageStore archives confirmed messages per (owner, peer) conversation.
//
// Messages are keyed by chat.Message.Key, so storing the same server message
// twice updates the archived copy instead of duplicating it.
type MessageStore interface {
	Append(ctx context.Context, owner string, msg chat.Message) error
	List(ctx context.Context, owner, peer string, limit int) ([]chat.Message, error)
	ListConversations(ctx context.Context, owner string, limit int, sinceMs int64) ([]ConversationRecord, error)
	Close() error
}

func validateAppend(store, owner string, msg chat.Message) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errorf(store, "owner is empty")
	}
	if !msg.Involves(owner) {
		return "", errorf(store, "message %s does not involve %s", msg.Key(), owner)
	}
	if msg.Peer(owner) == "" {
		return "", errorf(store, "message %s has no peer", msg.Key())
	}
	return owner, nil
}
