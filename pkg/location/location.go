// Package location tracks the "current conversation" path, the equivalent of
// a browser address bar for a terminal client. Paths look like /chat/{id}.
package location

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatterbox/pkg/chat"
)

// Location is read on startup to recover the conversation id and written
// whenever a new conversation is started or switched to.
type Location interface {
	Current() string
	Push(path string) error
}

const pathPrefix = "/chat/"

var chatPathRE = regexp.MustCompile(`^/chat/(.+)$`)

// IDFromPath extracts the conversation id from a /chat/{id} path.
func IDFromPath(path string) (chat.ConversationID, bool) {
	m := chatPathRE.FindStringSubmatch(strings.TrimSpace(path))
	if m == nil {
		return "", false
	}
	id := strings.TrimRight(m[1], "/")
	if id == "" {
		return "", false
	}
	return chat.ConversationID(id), true
}

func PathFor(id chat.ConversationID) string {
	return pathPrefix + id.String()
}

type Memory struct {
	mu      sync.Mutex
	current string
	history []string
}

var _ Location = &Memory{}

func NewMemory(initial string) *Memory {
	return &Memory{current: initial}
}

func (m *Memory) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Memory) Push(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, path)
	m.current = path
	return nil
}

// History returns every pushed path in order.
func (m *Memory) History() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}

// File persists the current path in a small state file so a restarted client
// resumes the last conversation.
type File struct {
	path string
	mu   sync.Mutex
}

var _ Location = &File{}

func NewFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("location: empty state file path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "location: create state dir")
	}
	return &File{path: path}, nil
}

func (f *File) Current() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, err := os.ReadFile(f.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (f *File) Push(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(path+"\n"), 0o644); err != nil {
		return errors.Wrap(err, "location: write state file")
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "location: replace state file")
	}
	return nil
}
