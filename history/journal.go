package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
)

// journal is an append-only JSONL mirror of the database writes.
type journal struct {
	path string
	mu   sync.Mutex
}

func (j *journal) append(rec journalRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := os.OpenFile(j.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	bytes, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	_, err = f.Write(append(bytes, '\n'))
	return err
}

// rebuildFromJournal imports the journal into an empty database.
func (s *Store) rebuildFromJournal(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT count(*) FROM chats").Scan(&count); err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	s.journal.mu.Lock()
	defer s.journal.mu.Unlock()

	f, err := os.Open(s.journal.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 16*1024*1024)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmtChat, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO chats(id, title, created_at) VALUES(?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmtChat.Close()
	stmtMsg, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO messages(uuid, chat_id, role, content, image_url, position, created_at) VALUES(?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmtMsg.Close()
	stmtRename, err := tx.PrepareContext(ctx, "UPDATE chats SET title = ? WHERE id = ?")
	if err != nil {
		return err
	}
	defer stmtRename.Close()

	var chats, msgs int
	for scanner.Scan() {
		var rec journalRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		switch rec.Kind {
		case "chat":
			if _, err := stmtChat.ExecContext(ctx, rec.ChatID, rec.Title, rec.TS); err != nil {
				return err
			}
			chats++
		case "message":
			if _, err := stmtMsg.ExecContext(ctx, rec.UUID, rec.ChatID, rec.Role, rec.Content, rec.ImageURL, rec.Position, rec.TS); err != nil {
				return err
			}
			msgs++
		case "rename":
			if _, err := stmtRename.ExecContext(ctx, rec.Title, rec.ChatID); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	if chats > 0 {
		s.log.Info("history rebuilt from journal", "chats", chats, "messages", msgs)
	}
	return nil
}
