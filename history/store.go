package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"
)

// TitleWidth is the maximum display width of a derived chat title.
const TitleWidth = 100

// Options configures a Store.
type Options struct {
	// JournalPath, when set, mirrors every write to a JSONL file. An empty
	// database is rebuilt from the journal on Open.
	JournalPath string
	Logger      *slog.Logger
}

// Store persists chats and their ordered messages in SQLite. It is safe for
// concurrent use; appends are scoped by chat id.
type Store struct {
	db          *sql.DB
	journal     *journal
	searchAvail bool
	log         *slog.Logger
	now         func() time.Time
}

// Open opens (creating if needed) the history database at dbPath.
func Open(ctx context.Context, dbPath string, opts Options) (*Store, error) {
	db, ftsEnabled, err := initDB(dbPath)
	if err != nil {
		return nil, storageErr("open", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		db:          db,
		searchAvail: ftsEnabled,
		log:         logger.With("component", "history"),
		now:         time.Now,
	}

	if opts.JournalPath != "" {
		s.journal = &journal{path: opts.JournalPath}
		if err := s.rebuildFromJournal(ctx); err != nil {
			s.log.Warn("journal replay failed", "path", opts.JournalPath, "error", err)
		}
	}

	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SearchAvailable reports whether FTS5 search is usable.
func (s *Store) SearchAvailable() bool {
	return s.searchAvail
}

// Summarize derives a chat title from its first message.
func Summarize(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return runewidth.Truncate(text, TitleWidth, "...")
}

// CreateChat allocates a new chat titled after firstMessage.
func (s *Store) CreateChat(ctx context.Context, firstMessage string) (ChatID, error) {
	title := Summarize(firstMessage)
	ts := s.now().Unix()

	res, err := s.db.ExecContext(ctx, "INSERT INTO chats(title, created_at) VALUES(?, ?)", title, ts)
	if err != nil {
		return 0, storageErr("create chat", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("create chat", err)
	}

	s.appendJournal(journalRecord{Kind: "chat", ChatID: id, TS: ts, Title: title})
	s.log.Debug("chat created", "chat_id", id)
	return ChatID(id), nil
}

// AppendMessage adds msg at the end of the chat's message list.
func (s *Store) AppendMessage(ctx context.Context, chatID ChatID, msg NewMessage) (MessageID, error) {
	if !msg.Role.Valid() {
		return 0, storageErr("append message", fmt.Errorf("invalid role %q", msg.Role))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("append message", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM chats WHERE id = ?", chatID).Scan(&n); err != nil {
		return 0, storageErr("append message", err)
	}
	if n == 0 {
		return 0, storageErr("append message", fmt.Errorf("chat %d: %w", chatID, ErrChatNotFound))
	}

	var pos int
	err = tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(position) + 1, 0) FROM messages WHERE chat_id = ?", chatID).Scan(&pos)
	if err != nil {
		return 0, storageErr("append message", err)
	}

	rec := journalRecord{
		Kind:     "message",
		ChatID:   int64(chatID),
		TS:       s.now().Unix(),
		UUID:     uuid.NewString(),
		Role:     string(msg.Role),
		Content:  msg.Content,
		ImageURL: msg.ImageURL,
		Position: pos,
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages(uuid, chat_id, role, content, image_url, position, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)",
		rec.UUID, chatID, rec.Role, rec.Content, rec.ImageURL, pos, rec.TS)
	if err != nil {
		return 0, storageErr("append message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("append message", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("append message", err)
	}

	s.appendJournal(rec)
	return MessageID(id), nil
}

// ListMessages returns the chat's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, chatID ChatID) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, uuid, role, content, image_url, position, created_at FROM messages WHERE chat_id = ? ORDER BY position ASC",
		chatID)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m := Message{ChatID: chatID}
		var role string
		var ts int64
		if err := rows.Scan(&m.ID, &m.UUID, &role, &m.Content, &m.ImageURL, &m.Position, &ts); err != nil {
			return nil, storageErr("list messages", err)
		}
		m.Role = Role(role)
		m.CreatedAt = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return msgs, nil
}

// GetChat loads one chat record.
func (s *Store) GetChat(ctx context.Context, chatID ChatID) (Chat, error) {
	c := Chat{ID: chatID}
	var ts int64
	err := s.db.QueryRowContext(ctx, "SELECT title, created_at FROM chats WHERE id = ?", chatID).Scan(&c.Title, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, storageErr("get chat", fmt.Errorf("chat %d: %w", chatID, ErrChatNotFound))
	}
	if err != nil {
		return Chat{}, storageErr("get chat", err)
	}
	c.CreatedAt = time.Unix(ts, 0)
	return c, nil
}

// RenameChat replaces a chat's title. The title is the only mutable part
// of a chat.
func (s *Store) RenameChat(ctx context.Context, chatID ChatID, title string) error {
	title = strings.TrimSpace(title)
	if title == "" {
		return storageErr("rename chat", errors.New("empty title"))
	}
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ? WHERE id = ?", title, chatID)
	if err != nil {
		return storageErr("rename chat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storageErr("rename chat", fmt.Errorf("chat %d: %w", chatID, ErrChatNotFound))
	}
	s.appendJournal(journalRecord{Kind: "rename", ChatID: int64(chatID), TS: s.now().Unix(), Title: title})
	return nil
}

// ListChats returns the most recently active chats first.
func (s *Store) ListChats(ctx context.Context, limit int) ([]ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.created_at, COUNT(m.id), COALESCE(MAX(m.created_at), c.created_at) AS updated
		FROM chats c
		LEFT JOIN messages m ON m.chat_id = c.id
		GROUP BY c.id
		ORDER BY updated DESC, c.id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("list chats", err)
	}
	defer rows.Close()

	var chats []ChatSummary
	for rows.Next() {
		var cs ChatSummary
		var created, updated int64
		if err := rows.Scan(&cs.ID, &cs.Title, &created, &cs.MessageCount, &updated); err != nil {
			return nil, storageErr("list chats", err)
		}
		cs.CreatedAt = time.Unix(created, 0)
		cs.UpdatedAt = time.Unix(updated, 0)
		chats = append(chats, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list chats", err)
	}
	return chats, nil
}

// Search runs a full-text query over all messages.
func (s *Store) Search(ctx context.Context, query string) ([]SearchResult, error) {
	if !s.searchAvail {
		return nil, fmt.Errorf("search is unavailable (binary compiled without FTS5 support)")
	}

	ftsQuery := ParseQuery(query)
	if ftsQuery == "" {
		return nil, fmt.Errorf("empty query")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT messages_fts.chat_id, messages_fts.role, highlight(messages_fts, 0, '[', ']'), chats.created_at
		FROM messages_fts
		JOIN chats ON chats.id = messages_fts.chat_id
		WHERE messages_fts MATCH ?
		ORDER BY rank
		LIMIT 50`, ftsQuery)
	if err != nil {
		return nil, storageErr("search", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var role string
		var ts int64
		if err := rows.Scan(&r.ChatID, &role, &r.Preview, &ts); err != nil {
			continue
		}
		r.Role = Role(role)
		r.Timestamp = time.Unix(ts, 0)
		results = append(results, r)
	}
	return results, rows.Err()
}

func (s *Store) appendJournal(rec journalRecord) {
	if s.journal == nil {
		return
	}
	if err := s.journal.append(rec); err != nil {
		s.log.Warn("journal write failed", "kind", rec.Kind, "chat_id", rec.ChatID, "error", err)
	}
}
