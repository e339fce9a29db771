// Package controller owns one conversation at a time and drives generation
// sessions against it. At most one session is active per controller.
package controller

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/generation"
	"github.com/go-go-golems/chatterbox/pkg/location"
	"github.com/go-go-golems/chatterbox/pkg/render"
)

var (
	ErrBlankMessage         = errors.New("message is blank")
	ErrGenerationActive     = errors.New("a generation is already in progress")
	ErrNoActiveGeneration   = errors.New("no generation in progress")
	ErrConversationNotFound = errors.New("conversation not found")
)

const (
	DefaultModel         = "gpt-4o"
	DefaultHistoryWindow = 10
)

// Store is the persistence the controller needs. chatstore.ConversationStore
// implements it.
type Store interface {
	Load(ctx context.Context, id chat.ConversationID) (chat.Conversation, bool)
	Save(ctx context.Context, conv chat.Conversation) error
}

// GenerationNotifier hears about session lifecycle. events.Bus implements it.
type GenerationNotifier interface {
	GenerationStarted(ctx context.Context, id chat.ConversationID, sessionID string)
	GenerationEnded(ctx context.Context, id chat.ConversationID, sessionID string, outcome string)
}

type Option func(*Controller)

func WithLocation(loc location.Location) Option {
	return func(c *Controller) {
		c.loc = loc
	}
}

func WithGenerationNotifier(n GenerationNotifier) Option {
	return func(c *Controller) {
		c.notifier = n
	}
}

func WithModel(model string) Option {
	return func(c *Controller) {
		if !chat.IsBlank(model) {
			c.model = model
		}
	}
}

// WithHistoryWindow sets how many trailing turns, including the one being
// submitted, are sent as conversation_history.
func WithHistoryWindow(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.historyWindow = n
		}
	}
}

func WithReadBufferSize(n int) Option {
	return func(c *Controller) {
		c.readBufferSize = n
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.timeout = d
	}
}

// WithConversationID starts on id instead of the one found in the location.
func WithConversationID(id chat.ConversationID) Option {
	return func(c *Controller) {
		c.initialID = id
	}
}

type activeSession struct {
	session *generation.Session
	done    chan struct{}
}

type Controller struct {
	streamer       generation.Streamer
	store          Store
	sink           render.Sink
	loc            location.Location
	notifier       GenerationNotifier
	historyWindow  int
	readBufferSize int
	timeout        time.Duration
	initialID      chat.ConversationID
	logger         zerolog.Logger

	mu     sync.Mutex
	model  string
	conv   chat.Conversation
	active *activeSession

	// serializes saves so the last write always carries the latest state
	persistMu sync.Mutex
}

// New builds a controller and resumes the conversation named by
// WithConversationID or the current location, rendering its turns. Without
// either a fresh id is allocated.
func New(ctx context.Context, streamer generation.Streamer, store Store, sink render.Sink, opts ...Option) *Controller {
	c := &Controller{
		streamer:      streamer,
		store:         store,
		sink:          sink,
		historyWindow: DefaultHistoryWindow,
		model:         DefaultModel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = log.With().Str("component", "controller").Logger()

	id := c.initialID
	if id.IsZero() && c.loc != nil {
		if fromLoc, ok := location.IDFromPath(c.loc.Current()); ok {
			id = fromLoc
		}
	}
	if id.IsZero() {
		id = chat.NewConversationID()
	}
	c.conv = chat.Conversation{ID: id, Title: chat.PlaceholderTitle}

	if conv, ok := c.store.Load(ctx, id); ok {
		c.conv = conv
		c.renderAll(conv)
	}
	return c
}

func (c *Controller) ID() chat.ConversationID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.ID
}

// Conversation returns a copy of the in-memory conversation.
func (c *Controller) Conversation() chat.Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Clone()
}

func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SetModel applies to the next submitted message.
func (c *Controller) SetModel(model string) {
	if chat.IsBlank(model) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = model
}

func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

func turnID(id chat.ConversationID, idx int) string {
	return fmt.Sprintf("%s-%d", id, idx)
}

func (c *Controller) renderAll(conv chat.Conversation) {
	if c.sink == nil {
		return
	}
	for i, t := range conv.Turns {
		c.sink.RenderMessage(turnID(conv.ID, i), t.Role, t.Content)
	}
}

// Submit appends a user turn and runs a generation for it, blocking until the
// session is closed. Generation failures and cancellation end up as assistant
// turns in the Result, not as errors. The returned error is ErrBlankMessage,
// ErrGenerationActive or a persistence failure.
func (c *Controller) Submit(ctx context.Context, text string) (generation.Result, error) {
	if chat.IsBlank(text) {
		return generation.Result{}, ErrBlankMessage
	}
	text = strings.TrimSpace(text)

	c.mu.Lock()
	if c.active != nil {
		c.mu.Unlock()
		c.logger.Debug().Msg("ignoring submit while a generation is active")
		return generation.Result{}, ErrGenerationActive
	}
	userTurn := chat.Turn{Role: chat.RoleUser, Content: text}
	c.conv.Turns = append(c.conv.Turns, userTurn)
	convID := c.conv.ID
	userIdx := len(c.conv.Turns) - 1
	snapshot := c.conv.Clone()
	req := generation.Request{
		Message:             text,
		Model:               c.model,
		ConversationHistory: chat.HistoryWindow(c.conv.Turns, c.historyWindow),
	}
	persistCtx := context.WithoutCancel(ctx)
	var saveErr error
	// assigned before Run, read only by the session sink during Run
	var handle render.Handle

	act := &activeSession{done: make(chan struct{})}
	opts := []generation.SessionOption{
		generation.WithReadBufferSize(c.readBufferSize),
		generation.WithTimeout(c.timeout),
		generation.WithFinalizer(func(res generation.Result) {
			if err := c.finalize(persistCtx, act, snapshot, res); err != nil && saveErr == nil {
				saveErr = err
			}
		}),
	}
	if c.sink != nil {
		opts = append(opts, generation.WithSink(generation.SinkFunc(func(content string) {
			c.sink.UpdateMessage(handle, content)
		})))
	}
	act.session = generation.NewSession(c.streamer, req, opts...)
	c.active = act
	c.mu.Unlock()
	defer close(act.done)
	sess := act.session

	if c.sink != nil {
		c.sink.RenderMessage(turnID(convID, userIdx), chat.RoleUser, text)
	}
	if err := c.persist(persistCtx, snapshot); err != nil {
		saveErr = err
	}
	if c.sink != nil {
		handle = c.sink.RenderMessage(turnID(convID, userIdx+1), chat.RoleAssistant, "")
	}

	if c.sink != nil {
		c.sink.GenerationStateChanged(true)
	}
	if c.notifier != nil {
		c.notifier.GenerationStarted(persistCtx, convID, sess.ID())
	}
	c.logger.Debug().Str("conv_id", convID.String()).Str("session_id", sess.ID()).Str("model", req.Model).Msg("submitting message")

	res, err := sess.Run(ctx)
	if err != nil {
		// only possible if the session was reused, which Submit never does
		return res, errors.Wrap(err, "run generation")
	}
	return res, saveErr
}

// finalize runs inside the session's finalizing state.
func (c *Controller) finalize(ctx context.Context, act *activeSession, snapshot chat.Conversation, res generation.Result) error {
	var assistant *chat.Turn
	if !chat.IsBlank(res.Content) {
		assistant = &chat.Turn{Role: chat.RoleAssistant, Content: res.Content}
		snapshot.Turns = append(snapshot.Turns, *assistant)
	}

	c.mu.Lock()
	if assistant != nil && c.conv.ID == snapshot.ID {
		c.conv.Turns = append(c.conv.Turns, *assistant)
	}
	if c.active == act {
		c.active = nil
	}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.GenerationStateChanged(false)
	}
	if c.notifier != nil {
		c.notifier.GenerationEnded(ctx, snapshot.ID, res.SessionID, res.Outcome.String())
	}
	return c.persist(ctx, snapshot)
}

// persist saves the in-memory conversation if fallback is still the current
// one, and fallback itself otherwise.
func (c *Controller) persist(ctx context.Context, fallback chat.Conversation) error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	c.mu.Lock()
	conv := fallback
	if c.conv.ID == fallback.ID {
		conv = c.conv.Clone()
	}
	c.mu.Unlock()

	if err := c.store.Save(ctx, conv); err != nil {
		c.logger.Error().Err(err).Str("conv_id", conv.ID.String()).Msg("failed to save conversation")
		return errors.Wrapf(err, "save conversation %s", conv.ID)
	}
	return nil
}

// CancelActive stops the in-flight generation at its next suspension point.
func (c *Controller) CancelActive() error {
	c.mu.Lock()
	act := c.active
	c.mu.Unlock()
	if act == nil {
		return ErrNoActiveGeneration
	}
	act.session.Cancel()
	return nil
}

// cancelAndWait cancels any active session and blocks until it has closed.
// It must not be called from a render sink callback.
func (c *Controller) cancelAndWait() {
	c.mu.Lock()
	act := c.active
	c.mu.Unlock()
	if act == nil {
		return
	}
	_ = c.CancelActive()
	<-act.done
}

// StartNew abandons the current conversation for a fresh one, cancelling any
// active generation first.
func (c *Controller) StartNew() chat.ConversationID {
	c.cancelAndWait()

	id := chat.NewConversationID()
	c.mu.Lock()
	c.conv = chat.Conversation{ID: id, Title: chat.PlaceholderTitle}
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.Clear()
	}
	c.pushLocation(id)
	c.logger.Debug().Str("conv_id", id.String()).Msg("started new conversation")
	return id
}

// SwitchTo replaces the in-memory conversation with the stored record for id
// and re-renders it. The current conversation is untouched if id is unknown.
func (c *Controller) SwitchTo(ctx context.Context, id chat.ConversationID) error {
	conv, ok := c.store.Load(ctx, id)
	if !ok {
		return errors.Wrapf(ErrConversationNotFound, "switch to %s", id)
	}
	c.cancelAndWait()
	// reload: the cancelled session may just have written to this record
	if fresh, ok := c.store.Load(ctx, id); ok {
		conv = fresh
	}

	c.mu.Lock()
	c.conv = conv
	c.mu.Unlock()

	if c.sink != nil {
		c.sink.Clear()
	}
	c.renderAll(conv)
	c.pushLocation(id)
	return nil
}

func (c *Controller) pushLocation(id chat.ConversationID) {
	if c.loc == nil {
		return
	}
	if err := c.loc.Push(location.PathFor(id)); err != nil {
		c.logger.Warn().Err(err).Str("conv_id", id.String()).Msg("failed to update location")
	}
}

// LastAssistantContent returns the text of the most recent assistant turn.
func (c *Controller) LastAssistantContent() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.conv.Turns) - 1; i >= 0; i-- {
		if c.conv.Turns[i].Role == chat.RoleAssistant {
			return c.conv.Turns[i].Content, true
		}
	}
	return "", false
}
