package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role attributes a Turn to one side of the conversation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ConversationID is an opaque conversation token. Freshly allocated ids are
// version-4 UUIDs; ids recovered from a location are adopted verbatim.
type ConversationID string

func NewConversationID() ConversationID {
	return ConversationID(uuid.NewString())
}

func (id ConversationID) String() string { return string(id) }

func (id ConversationID) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// Turn is one message of a conversation.
type Turn struct {
	Role    Role   `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

const (
	// TitleMaxRunes is the number of characters of the first user turn kept in a title.
	TitleMaxRunes = 50
	// PlaceholderTitle is used until the conversation has a user turn.
	PlaceholderTitle = "New Conversation"
)

// Conversation is the persisted record of one conversation. Title is derived
// from Turns and recomputed on every save.
type Conversation struct {
	ID           ConversationID `json:"id" yaml:"id"`
	Title        string         `json:"title" yaml:"title"`
	Turns        []Turn         `json:"messages" yaml:"messages"`
	LastModified time.Time      `json:"timestamp" yaml:"timestamp"`
}

// Clone returns a deep copy so that callers never share turn storage.
func (c Conversation) Clone() Conversation {
	out := c
	if c.Turns != nil {
		out.Turns = make([]Turn, len(c.Turns))
		copy(out.Turns, c.Turns)
	}
	return out
}

// DeriveTitle returns the first TitleMaxRunes characters of the first user
// turn, ellipsized when truncated, or PlaceholderTitle.
func DeriveTitle(turns []Turn) string {
	for _, t := range turns {
		if t.Role != RoleUser {
			continue
		}
		if utf8.RuneCountInString(t.Content) <= TitleMaxRunes {
			return t.Content
		}
		runes := []rune(t.Content)
		return string(runes[:TitleMaxRunes]) + "..."
	}
	return PlaceholderTitle
}

// HistoryWindow returns a copy of at most the last n turns.
func HistoryWindow(turns []Turn, n int) []Turn {
	if n <= 0 || len(turns) == 0 {
		return []Turn{}
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// IsBlank reports whether s has no non-whitespace content.
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
