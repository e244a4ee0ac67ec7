package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/dmchat/pkg/chat"
)

type SQLiteMessageStore struct {
	db *sql.DB
}

var _ MessageStore = &SQLiteMessageStore{}

func NewSQLiteMessageStore(dsn string) (*SQLiteMessageStore, error) {
	if dsn == "" {
		return nil, errors.New("sqlite message store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteMessageStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMessageStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteMessageStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS archived_messages (
		  owner TEXT NOT NULL,
		  peer TEXT NOT NULL,
		  message_key TEXT NOT NULL,
		  message_id TEXT NOT NULL DEFAULT '',
		  sender TEXT NOT NULL,
		  receiver TEXT NOT NULL,
		  content TEXT NOT NULL,
		  timestamp_ms INTEGER NOT NULL,
		  stored_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (owner, message_key)
		);`,
		`CREATE INDEX IF NOT EXISTS archived_messages_by_conversation
		  ON archived_messages(owner, peer, timestamp_ms);`,
		`CREATE TABLE IF NOT EXISTS archived_conversations (
		  owner TEXT NOT NULL,
		  peer TEXT NOT NULL,
		  last_activity_ms INTEGER NOT NULL,
		  PRIMARY KEY (owner, peer)
		);`,
		`CREATE INDEX IF NOT EXISTS archived_conversations_by_last_activity
		  ON archived_conversations(owner, last_activity_ms DESC, peer ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite message store: migrate")
		}
	}
	return nil
}

func (s *SQLiteMessageStore) Append(ctx context.Context, owner string, msg chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite message store: db is nil")
	}
	owner, err := validateAppend("sqlite message store", owner, msg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now().UnixMilli()
	peer := msg.Peer(owner)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archived_messages(owner, peer, message_key, message_id, sender, receiver, content, timestamp_ms, stored_at_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner, message_key) DO UPDATE SET
		  content = excluded.content,
		  timestamp_ms = excluded.timestamp_ms,
		  stored_at_ms = excluded.stored_at_ms
	`, owner, peer, msg.Key(), msg.ID, msg.Sender, msg.Receiver, msg.Content, msg.Timestamp.UnixMilli(), now); err != nil {
		return errors.Wrap(err, "sqlite message store: upsert message")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO archived_conversations(owner, peer, last_activity_ms)
		VALUES(?, ?, ?)
		ON CONFLICT(owner, peer) DO UPDATE SET
			last_activity_ms = CASE
				WHEN excluded.last_activity_ms > archived_conversations.last_activity_ms THEN excluded.last_activity_ms
				ELSE archived_conversations.last_activity_ms
			END
	`, owner, peer, now); err != nil {
		return errors.Wrap(err, "sqlite message store: upsert conversation")
	}

	return tx.Commit()
}

func (s *SQLiteMessageStore) List(ctx context.Context, owner, peer string, limit int) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	owner, peer = strings.TrimSpace(owner), strings.TrimSpace(peer)
	if owner == "" || peer == "" {
		return nil, errors.New("sqlite message store: owner and peer are required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 5000
	}

	// Newest `limit` rows, returned oldest first.
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, sender, receiver, content, timestamp_ms FROM (
			SELECT message_id, sender, receiver, content, timestamp_ms, rowid AS rid
			FROM archived_messages
			WHERE owner = ? AND peer = ?
			ORDER BY timestamp_ms DESC, rid DESC
			LIMIT ?
		) ORDER BY timestamp_ms ASC, rid ASC
	`, owner, peer, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: query messages")
	}
	defer func() { _ = rows.Close() }()

	msgs := make([]chat.Message, 0, 64)
	for rows.Next() {
		var (
			m  chat.Message
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.Sender, &m.Receiver, &m.Content, &ts); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan message")
		}
		m.Timestamp = time.UnixMilli(ts).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate messages")
	}
	return msgs, nil
}

func (s *SQLiteMessageStore) ListConversations(ctx context.Context, owner string, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite message store: db is nil")
	}
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("sqlite message store: owner is empty")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 {
		limit = 200
	}

	query := `
		SELECT c.owner, c.peer, c.last_activity_ms,
		       COUNT(m.message_key), COALESCE(MIN(m.timestamp_ms), 0), COALESCE(MAX(m.timestamp_ms), 0)
		FROM archived_conversations c
		LEFT JOIN archived_messages m ON m.owner = c.owner AND m.peer = c.peer
		WHERE c.owner = ?
	`
	args := []any{owner}
	if sinceMs > 0 {
		query += ` AND c.last_activity_ms >= ?`
		args = append(args, sinceMs)
	}
	query += ` GROUP BY c.owner, c.peer, c.last_activity_ms
		ORDER BY c.last_activity_ms DESC, c.peer ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite message store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	records := make([]ConversationRecord, 0, 16)
	for rows.Next() {
		var r ConversationRecord
		if err := rows.Scan(&r.Owner, &r.Peer, &r.LastActivityMs, &r.MessageCount, &r.FirstMessageMs, &r.LastMessageMs); err != nil {
			return nil, errors.Wrap(err, "sqlite message store: scan conversation")
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "sqlite message store: iterate conversations")
	}
	return records, nil
}

func SQLiteMessageDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite message store: empty path")
	}
	// WAL for concurrent readers + writer. busy_timeout to avoid transient SQLITE_BUSY.
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func errorf(store, format string, args ...any) error {
	return errors.Errorf(store+": "+format, args...)
}
