package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pkg/errors"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

const defaultDocumentCacheSize = 1024

type SQLiteStore struct {
	db *sql.DB

	// documents caches version lists by document id. Writes invalidate.
	documents *lru.Cache[string, []Document]
	// cacheMu guards generation, which every document write bumps so a read
	// that raced a write never caches its stale list.
	cacheMu    sync.Mutex
	generation uint64
}

func NewSQLiteStore(dataSourceName string, cacheSize int) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// A single connection keeps writes serialized and makes :memory: usable.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	if cacheSize <= 0 {
		cacheSize = defaultDocumentCacheSize
	}
	cache, err := lru.New[string, []Document](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to create document cache")
	}

	store := &SQLiteStore{db: db, documents: cache}
	if err = store.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "failed to initialize schema")
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at INTEGER NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT NOT NULL,
        visibility TEXT NOT NULL DEFAULT 'private' CHECK (visibility IN ('private', 'public')),
        created_at INTEGER NOT NULL,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
        parts TEXT NOT NULL,
        attachments TEXT NOT NULL,
        created_at INTEGER NOT NULL,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );
    CREATE INDEX IF NOT EXISTS messages_chat_created ON messages (chat_id, created_at);

    CREATE TABLE IF NOT EXISTS votes (
        chat_id TEXT NOT NULL,
        message_id TEXT NOT NULL,
        is_upvoted BOOLEAN NOT NULL,
        PRIMARY KEY (chat_id, message_id),
        FOREIGN KEY (chat_id) REFERENCES chats (id),
        FOREIGN KEY (message_id) REFERENCES messages (id)
    );

    CREATE TABLE IF NOT EXISTS documents (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL,
        title TEXT NOT NULL,
        kind TEXT NOT NULL,
        content TEXT NOT NULL,
        user_id INTEGER NOT NULL,
        created_at INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS documents_id_created ON documents (id, created_at, seq);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Timestamps are stored as Unix nanoseconds so "after" comparisons are exact.
func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// inClause returns "(?, ?, ...)" and the matching args.
func inClause(ids []string) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ") + ")", args
}

// inTx runs fn in a transaction, rolling back when it fails.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "failed to commit transaction")
}

// User methods
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	var user User
	var created int64
	err := s.db.QueryRowContext(ctx, "SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "user %s", externalUserID)
		}
		return nil, errors.Wrap(err, "failed to query user")
	}
	user.CreatedAt = fromNanos(created)
	return &user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, passwordHash string) (*User, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (external_user_id, password_hash, created_at) VALUES (?, ?, ?)",
		externalUserID, passwordHash, toNanos(now))
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert user")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read user id")
	}
	return &User{ID: id, ExternalUserID: externalUserID, PasswordHash: passwordHash, CreatedAt: fromNanos(toNanos(now))}, nil
}

// Chat methods
func (s *SQLiteStore) SaveChat(ctx context.Context, id string, userID int64, title string) error {
	stmt, err := s.db.PrepareContext(ctx, "INSERT INTO chats (id, user_id, title, visibility, created_at) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "failed to prepare chat insert")
	}
	defer stmt.Close()

	if _, err = stmt.ExecContext(ctx, id, userID, title, string(VisibilityPrivate), toNanos(time.Now())); err != nil {
		return errors.Wrap(err, "failed to execute chat insert")
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id string) (*Chat, error) {
	var chat Chat
	var visibility string
	var created int64
	err := s.db.QueryRowContext(ctx, "SELECT id, user_id, title, visibility, created_at FROM chats WHERE id = ?", id).
		Scan(&chat.ID, &chat.UserID, &chat.Title, &visibility, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "chat %s", id)
		}
		return nil, errors.Wrap(err, "failed to get chat")
	}
	chat.Visibility = Visibility(visibility)
	chat.CreatedAt = fromNanos(created)
	return &chat, nil
}

// ListChats returns the user's chats, newest first.
func (s *SQLiteStore) ListChats(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, title, visibility, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query chats")
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var chat Chat
		var visibility string
		var created int64
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &visibility, &created); err != nil {
			return nil, errors.Wrap(err, "failed to scan chat row")
		}
		chat.Visibility = Visibility(visibility)
		chat.CreatedAt = fromNanos(created)
		chats = append(chats, chat)
	}
	return chats, errors.Wrap(rows.Err(), "failed to iterate chats")
}

func (s *SQLiteStore) UpdateChatVisibility(ctx context.Context, id string, visibility Visibility) error {
	if !visibility.Valid() {
		return errors.Errorf("invalid visibility %q", visibility)
	}
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET visibility = ? WHERE id = ?", string(visibility), id)
	if err != nil {
		return errors.Wrap(err, "failed to update chat visibility")
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.Wrapf(ErrNotFound, "chat %s", id)
	}
	return nil
}

// DeleteChat removes the chat with its messages and votes.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM votes WHERE chat_id = ?", id); err != nil {
			return errors.Wrap(err, "failed to delete votes")
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", id); err != nil {
			return errors.Wrap(err, "failed to delete messages")
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", id)
		if err != nil {
			return errors.Wrap(err, "failed to delete chat")
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return errors.Wrapf(ErrNotFound, "chat %s", id)
		}
		return nil
	})
}

// Message methods
func (s *SQLiteStore) SaveMessages(ctx context.Context, messages []Message) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, "INSERT INTO messages (id, chat_id, role, parts, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)")
		if err != nil {
			return errors.Wrap(err, "failed to prepare message insert")
		}
		defer stmt.Close()

		for _, msg := range messages {
			parts, attachments := string(msg.Parts), string(msg.Attachments)
			if parts == "" {
				parts = "[]"
			}
			if attachments == "" {
				attachments = "[]"
			}
			created := msg.CreatedAt
			if created.IsZero() {
				created = time.Now()
			}
			if _, err := stmt.ExecContext(ctx, msg.ID, msg.ChatID, string(msg.Role), parts, attachments, toNanos(created)); err != nil {
				return errors.Wrapf(err, "failed to execute message insert for %s", msg.ID)
			}
		}
		return nil
	})
}

const messageColumns = "id, chat_id, role, parts, attachments, created_at"

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var msg Message
	var role, parts, attachments string
	var created int64
	if err := row.Scan(&msg.ID, &msg.ChatID, &role, &parts, &attachments, &created); err != nil {
		return Message{}, err
	}
	msg.Role = Role(role)
	msg.Parts = []byte(parts)
	msg.Attachments = []byte(attachments)
	msg.CreatedAt = fromNanos(created)
	return msg, nil
}

// GetMessages returns a chat's messages in creation order.
func (s *SQLiteStore) GetMessages(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE chat_id = ? ORDER BY created_at ASC", chatID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query messages")
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan message row")
		}
		messages = append(messages, msg)
	}
	return messages, errors.Wrap(rows.Err(), "failed to iterate messages")
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(ErrNotFound, "message %s", id)
		}
		return nil, errors.Wrap(err, "failed to get message")
	}
	return &msg, nil
}

// DeleteMessagesAfter removes the chat's messages created strictly after ts,
// together with their votes, and returns the removed ids.
func (s *SQLiteStore) DeleteMessagesAfter(ctx context.Context, chatID string, ts time.Time) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, "SELECT id FROM messages WHERE chat_id = ? AND created_at > ?", chatID, toNanos(ts))
		if err != nil {
			return errors.Wrap(err, "failed to query messages")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errors.Wrap(err, "failed to scan message id")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return errors.Wrap(err, "failed to iterate message ids")
		}
		if len(ids) == 0 {
			return nil
		}

		in, args := inClause(ids)
		voteArgs := append([]any{chatID}, args...)
		if _, err := tx.ExecContext(ctx, "DELETE FROM votes WHERE chat_id = ? AND message_id IN "+in, voteArgs...); err != nil {
			return errors.Wrap(err, "failed to delete votes")
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ? AND id IN "+in, voteArgs...); err != nil {
			return errors.Wrap(err, "failed to delete messages")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Vote methods
func (s *SQLiteStore) UpsertVote(ctx context.Context, chatID, messageID string, isUpvoted bool) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO votes (chat_id, message_id, is_upvoted) VALUES (?, ?, ?)
        ON CONFLICT (chat_id, message_id) DO UPDATE SET is_upvoted = excluded.is_upvoted
    `, chatID, messageID, isUpvoted)
	return errors.Wrap(err, "failed to upsert vote")
}

func (s *SQLiteStore) GetVotes(ctx context.Context, chatID string) ([]Vote, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT chat_id, message_id, is_upvoted FROM votes WHERE chat_id = ? ORDER BY message_id", chatID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query votes")
	}
	defer rows.Close()

	votes := []Vote{}
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.ChatID, &v.MessageID, &v.IsUpvoted); err != nil {
			return nil, errors.Wrap(err, "failed to scan vote row")
		}
		votes = append(votes, v)
	}
	return votes, errors.Wrap(rows.Err(), "failed to iterate votes")
}
