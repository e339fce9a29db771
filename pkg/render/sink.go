// Package render defines how turns reach the screen. The controller only
// knows the Sink interface; Terminal draws to a writer and Recorder keeps an
// in-memory transcript.
package render

import (
	"sync"

	"github.com/google/uuid"

	"github.com/go-go-golems/chatterbox/pkg/chat"
)

// Handle identifies a rendered message so it can be updated in place.
type Handle string

func newHandle() Handle { return Handle(uuid.NewString()) }

// Sink receives render instructions. UpdateMessage always carries the full
// message content, never a diff.
type Sink interface {
	RenderMessage(turnID string, role chat.Role, content string) Handle
	UpdateMessage(h Handle, content string)
	Clear()
	GenerationStateChanged(active bool)
}

// Message is one entry of a Recorder transcript.
type Message struct {
	Handle  Handle
	TurnID  string
	Role    chat.Role
	Content string
	Updates int
}

// Recorder is a Sink that remembers what would have been displayed.
type Recorder struct {
	mu          sync.Mutex
	messages    []Message
	clears      int
	transitions []bool
}

var _ Sink = &Recorder{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) RenderMessage(turnID string, role chat.Role, content string) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := newHandle()
	r.messages = append(r.messages, Message{Handle: h, TurnID: turnID, Role: role, Content: content})
	return h
}

func (r *Recorder) UpdateMessage(h Handle, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.messages {
		if r.messages[i].Handle == h {
			r.messages[i].Content = content
			r.messages[i].Updates++
			return
		}
	}
}

func (r *Recorder) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.clears++
}

func (r *Recorder) GenerationStateChanged(active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, active)
}

// Messages returns a copy of the currently displayed messages.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *Recorder) Clears() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.clears
}

// Transitions lists every GenerationStateChanged call in order.
func (r *Recorder) Transitions() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.transitions...)
}
