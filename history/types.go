package history

import "time"

// ChatID identifies a chat. It is assigned by the store on creation.
type ChatID int64

// MessageID identifies a persisted message.
type MessageID int64

// Role is the author of a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleBot    Role = "assistant"
	RoleSystem Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleBot, RoleSystem:
		return true
	}
	return false
}

// Chat is a persisted conversation
type Chat struct {
	ID        ChatID
	Title     string
	CreatedAt time.Time
}

// ChatSummary is a Chat plus what a chat picker needs to show
type ChatSummary struct {
	Chat
	MessageCount int
	UpdatedAt    time.Time
}

// Message is one turn of a chat. Position is the 0-based insertion order
// within the chat.
type Message struct {
	ID        MessageID
	UUID      string
	ChatID    ChatID
	Role      Role
	Content   string
	ImageURL  string
	Position  int
	CreatedAt time.Time
}

// NewMessage is the payload for AppendMessage
type NewMessage struct {
	Role     Role
	Content  string
	ImageURL string
}

// SearchResult represents a hit from the FTS index
type SearchResult struct {
	ChatID    ChatID
	Role      Role
	Preview   string
	Timestamp time.Time
}

// journalRecord is one line of the JSONL journal.
type journalRecord struct {
	Kind     string `json:"kind"` // "chat", "message" or "rename"
	ChatID   int64  `json:"chat_id"`
	TS       int64  `json:"ts"`
	Title    string `json:"title,omitempty"`
	UUID     string `json:"uuid,omitempty"`
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Position int    `json:"position,omitempty"`
}
