package render

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatterbox/pkg/chat"
)

var (
	userLabelStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	assistantLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	statusStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Italic(true)
)

type TerminalOption func(*Terminal)

// WithMarkdown forces markdown rendering on or off. By default it is on only
// when the writer is a terminal.
func WithMarkdown(enabled bool) TerminalOption {
	return func(t *Terminal) {
		t.markdown = enabled
	}
}

// WithTheme selects the glamour style (dark, light, notty, ...).
func WithTheme(theme string) TerminalOption {
	return func(t *Terminal) {
		if strings.TrimSpace(theme) != "" {
			t.theme = theme
		}
	}
}

func WithWordWrap(width int) TerminalOption {
	return func(t *Terminal) {
		if width > 0 {
			t.wordWrap = width
		}
	}
}

// Terminal writes turns to a line-oriented terminal. Streaming assistant
// content is written as it grows; already complete assistant turns are
// rendered as markdown.
type Terminal struct {
	mu       sync.Mutex
	w        io.Writer
	markdown bool
	theme    string
	wordWrap int

	streaming Handle
	printed   string
	contents  map[Handle]string
}

var _ Sink = &Terminal{}

func NewTerminal(w io.Writer, opts ...TerminalOption) *Terminal {
	t := &Terminal{
		w:        w,
		markdown: isTerminal(w),
		theme:    "dark",
		wordWrap: 100,
		contents: map[Handle]string{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (t *Terminal) SetTheme(theme string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if strings.TrimSpace(theme) != "" {
		t.theme = theme
	}
}

func label(role chat.Role) string {
	if role == chat.RoleUser {
		return userLabelStyle.Render("You")
	}
	return assistantLabelStyle.Render("Assistant")
}

// Markdown renders md with the configured style, falling back to the raw
// text if rendering fails.
func (t *Terminal) Markdown(md string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.markdownLocked(md)
}

func (t *Terminal) markdownLocked(md string) string {
	if !t.markdown {
		return md
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(t.theme),
		glamour.WithWordWrap(t.wordWrap),
	)
	if err != nil {
		log.Debug().Err(err).Str("component", "render").Msg("markdown renderer unavailable")
		return md
	}
	out, err := r.Render(md)
	if err != nil {
		log.Debug().Err(err).Str("component", "render").Msg("markdown render failed")
		return md
	}
	return strings.Trim(out, "\n")
}

func (t *Terminal) RenderMessage(_ string, role chat.Role, content string) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endStreamLocked()

	h := newHandle()
	t.contents[h] = content
	_, _ = fmt.Fprintf(t.w, "%s\n", label(role))

	switch {
	case role == chat.RoleUser:
		_, _ = fmt.Fprintf(t.w, "%s\n\n", content)
	case content == "":
		// an empty assistant message is the placeholder a generation streams into
		t.streaming = h
		t.printed = ""
	default:
		_, _ = fmt.Fprintf(t.w, "%s\n\n", t.markdownLocked(content))
	}
	return h
}

func (t *Terminal) UpdateMessage(h Handle, content string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.contents[h]; !ok {
		return
	}
	t.contents[h] = content
	if h != t.streaming {
		return
	}
	if strings.HasPrefix(content, t.printed) {
		_, _ = io.WriteString(t.w, content[len(t.printed):])
	} else {
		// replaced rather than extended, e.g. by a cancellation notice
		_, _ = fmt.Fprintf(t.w, "\n%s", content)
	}
	t.printed = content
}

func (t *Terminal) endStreamLocked() {
	if t.streaming == "" {
		return
	}
	_, _ = io.WriteString(t.w, "\n\n")
	t.streaming = ""
	t.printed = ""
}

func (t *Terminal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.endStreamLocked()
	t.contents = map[Handle]string{}
	if t.markdown {
		// ANSI clear screen and home cursor
		_, _ = io.WriteString(t.w, "\x1b[2J\x1b[H")
		return
	}
	_, _ = fmt.Fprintf(t.w, "%s\n\n", statusStyle.Render("--- new conversation ---"))
}

func (t *Terminal) GenerationStateChanged(active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !active {
		t.endStreamLocked()
	}
}

// Status prints an out-of-band notice such as command feedback.
func (t *Terminal) Status(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.w, "%s\n", statusStyle.Render(fmt.Sprintf(format, args...)))
}
