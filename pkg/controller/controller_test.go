package controller

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/generation"
	"github.com/go-go-golems/chatterbox/pkg/location"
	"github.com/go-go-golems/chatterbox/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatterbox/pkg/render"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sseBody(lines ...string) io.ReadCloser {
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString("data: ")
		sb.WriteString(l)
		sb.WriteString("\n\n")
	}
	return io.NopCloser(strings.NewReader(sb.String()))
}

// blockingBody yields first, then blocks until ctx is done.
type blockingBody struct {
	ctx   context.Context
	first []byte
}

func (b *blockingBody) Read(p []byte) (int, error) {
	if len(b.first) > 0 {
		n := copy(p, b.first)
		b.first = b.first[n:]
		return n, nil
	}
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}

func (b *blockingBody) Close() error { return nil }

type fakeStreamer struct {
	mu      sync.Mutex
	reqs    []generation.Request
	started chan struct{}
	respond func(ctx context.Context, req generation.Request) (io.ReadCloser, error)
}

func newFakeStreamer(respond func(ctx context.Context, req generation.Request) (io.ReadCloser, error)) *fakeStreamer {
	return &fakeStreamer{started: make(chan struct{}, 16), respond: respond}
}

func (f *fakeStreamer) Stream(ctx context.Context, req generation.Request) (io.ReadCloser, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	f.started <- struct{}{}
	return f.respond(ctx, req)
}

func (f *fakeStreamer) Requests() []generation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]generation.Request(nil), f.reqs...)
}

func replying(content string) *fakeStreamer {
	return newFakeStreamer(func(context.Context, generation.Request) (io.ReadCloser, error) {
		return sseBody(fmt.Sprintf(`{"content":%q,"done":false}`, content), `{"content":"","done":true}`), nil
	})
}

func blocking(partial string) *fakeStreamer {
	return newFakeStreamer(func(ctx context.Context, _ generation.Request) (io.ReadCloser, error) {
		return &blockingBody{ctx: ctx, first: []byte(fmt.Sprintf("data: {\"content\":%q}\n", partial))}, nil
	})
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) GenerationStarted(_ context.Context, id chat.ConversationID, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "started:"+id.String())
}

func (n *recordingNotifier) GenerationEnded(_ context.Context, id chat.ConversationID, _ string, outcome string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, "ended:"+id.String()+":"+outcome)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type fixture struct {
	store *chatstore.ConversationStore
	sink  *render.Recorder
	loc   *location.Memory
}

func newFixture() *fixture {
	return &fixture{
		store: chatstore.NewConversationStore(chatstore.NewInMemoryKVStore()),
		sink:  render.NewRecorder(),
		loc:   location.NewMemory(""),
	}
}

func (f *fixture) controller(t *testing.T, s generation.Streamer, opts ...Option) *Controller {
	t.Helper()
	opts = append([]Option{WithLocation(f.loc)}, opts...)
	return New(context.Background(), s, f.store, f.sink, opts...)
}

func waitStarted(t *testing.T, f *fakeStreamer) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation request never arrived")
	}
}

func TestSubmit_CompletesAndPersists(t *testing.T) {
	f := newFixture()
	n := &recordingNotifier{}
	s := replying("Hello!")
	c := f.controller(t, s, WithGenerationNotifier(n), WithModel("o3-mini"))

	res, err := c.Submit(context.Background(), "Hi there")
	require.NoError(t, err)
	require.Equal(t, generation.OutcomeCompleted, res.Outcome)
	require.Equal(t, "Hello!", res.Content)

	want := []chat.Turn{
		{Role: chat.RoleUser, Content: "Hi there"},
		{Role: chat.RoleAssistant, Content: "Hello!"},
	}
	if diff := cmp.Diff(want, c.Conversation().Turns); diff != "" {
		t.Fatalf("in-memory turns mismatch (-want +got):\n%s", diff)
	}

	stored, ok := f.store.Load(context.Background(), c.ID())
	require.True(t, ok)
	if diff := cmp.Diff(want, stored.Turns); diff != "" {
		t.Fatalf("stored turns mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, "Hi there", stored.Title)

	reqs := s.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "Hi there", reqs[0].Message)
	require.Equal(t, "o3-mini", reqs[0].Model)
	require.True(t, reqs[0].Stream)
	require.Equal(t, []chat.Turn{{Role: chat.RoleUser, Content: "Hi there"}}, reqs[0].ConversationHistory)

	msgs := f.sink.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, chat.RoleUser, msgs[0].Role)
	require.Equal(t, "Hello!", msgs[1].Content)
	require.Equal(t, []bool{true, false}, f.sink.Transitions())
	require.False(t, c.Active())

	id := c.ID().String()
	require.Equal(t, []string{"started:" + id, "ended:" + id + ":completed"}, n.Events())
}

func TestSubmit_BlankIsNoOp(t *testing.T) {
	f := newFixture()
	s := replying("x")
	c := f.controller(t, s)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := c.Submit(context.Background(), text)
		require.ErrorIs(t, err, ErrBlankMessage)
	}
	require.Empty(t, c.Conversation().Turns)
	require.Empty(t, s.Requests())
	require.Empty(t, f.sink.Messages())
}

func TestSubmit_TrimsSurroundingWhitespace(t *testing.T) {
	f := newFixture()
	s := replying("ok")
	c := f.controller(t, s)

	_, err := c.Submit(context.Background(), "  padded question \n")
	require.NoError(t, err)

	require.Equal(t, "padded question", c.Conversation().Turns[0].Content)
	stored, ok := f.store.Load(context.Background(), c.ID())
	require.True(t, ok)
	require.Equal(t, "padded question", stored.Turns[0].Content)
	require.Equal(t, "padded question", stored.Title)

	reqs := s.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "padded question", reqs[0].Message)
	require.Equal(t, "padded question", reqs[0].ConversationHistory[0].Content)
	require.Equal(t, "padded question", f.sink.Messages()[0].Content)
}

func TestSubmit_WhileActiveIsNoOpAndCancelLeavesOneSentinel(t *testing.T) {
	f := newFixture()
	s := blocking("partial answer")
	c := f.controller(t, s)

	type outcome struct {
		res generation.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Submit(context.Background(), "first")
		done <- outcome{res, err}
	}()
	waitStarted(t, s)
	require.True(t, c.Active())

	_, err := c.Submit(context.Background(), "second")
	require.ErrorIs(t, err, ErrGenerationActive)
	require.Len(t, s.Requests(), 1)

	require.NoError(t, c.CancelActive())
	var got outcome
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("submit did not return after cancel")
	}
	require.NoError(t, got.err)
	require.Equal(t, generation.OutcomeCancelled, got.res.Outcome)

	want := []chat.Turn{
		{Role: chat.RoleUser, Content: "first"},
		{Role: chat.RoleAssistant, Content: generation.StoppedContent},
	}
	if diff := cmp.Diff(want, c.Conversation().Turns); diff != "" {
		t.Fatalf("turns mismatch (-want +got):\n%s", diff)
	}
	stored, ok := f.store.Load(context.Background(), c.ID())
	require.True(t, ok)
	require.Equal(t, want, stored.Turns)

	msgs := f.sink.Messages()
	require.Equal(t, generation.StoppedContent, msgs[len(msgs)-1].Content)
	require.ErrorIs(t, c.CancelActive(), ErrNoActiveGeneration)
}

func TestSubmit_ServerErrorBecomesTurn(t *testing.T) {
	f := newFixture()
	s := newFakeStreamer(func(context.Context, generation.Request) (io.ReadCloser, error) {
		return sseBody(`{"content":"par"}`, `{"error":"X","done":true}`), nil
	})
	c := f.controller(t, s)

	res, err := c.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, generation.OutcomeFailed, res.Outcome)

	stored, ok := f.store.Load(context.Background(), c.ID())
	require.True(t, ok)
	require.Equal(t, []chat.Turn{
		{Role: chat.RoleUser, Content: "hello"},
		{Role: chat.RoleAssistant, Content: "*Error: X*"},
	}, stored.Turns)
}

func TestSubmit_NetworkErrorBecomesTurn(t *testing.T) {
	f := newFixture()
	s := newFakeStreamer(func(context.Context, generation.Request) (io.ReadCloser, error) {
		return nil, &generation.NetworkError{Op: "request", Err: fmt.Errorf("connection refused")}
	})
	c := f.controller(t, s)

	res, err := c.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, generation.OutcomeFailed, res.Outcome)
	turns := c.Conversation().Turns
	require.Len(t, turns, 2)
	require.Equal(t, "*Error: network failure during request: connection refused*", turns[1].Content)
	require.False(t, c.Active())
}

func TestSubmit_EmptyCompletionAddsNoAssistantTurn(t *testing.T) {
	f := newFixture()
	s := newFakeStreamer(func(context.Context, generation.Request) (io.ReadCloser, error) {
		return sseBody(`{"content":"","done":true}`), nil
	})
	c := f.controller(t, s)

	_, err := c.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []chat.Turn{{Role: chat.RoleUser, Content: "hello"}}, c.Conversation().Turns)
	require.Equal(t, []bool{true, false}, f.sink.Transitions())
}

func TestSubmit_HistoryWindowIncludesNewTurn(t *testing.T) {
	f := newFixture()
	id := chat.ConversationID("long")
	var turns []chat.Turn
	for i := 0; i < 12; i++ {
		role := chat.RoleUser
		if i%2 == 1 {
			role = chat.RoleAssistant
		}
		turns = append(turns, chat.Turn{Role: role, Content: fmt.Sprintf("turn %d", i)})
	}
	require.NoError(t, f.store.Save(context.Background(), chat.Conversation{ID: id, Turns: turns}))

	s := replying("ok")
	c := f.controller(t, s, WithConversationID(id), WithHistoryWindow(10))
	require.Len(t, f.sink.Messages(), 12)

	_, err := c.Submit(context.Background(), "latest")
	require.NoError(t, err)

	hist := s.Requests()[0].ConversationHistory
	require.Len(t, hist, 10)
	require.Equal(t, "turn 3", hist[0].Content)
	require.Equal(t, chat.Turn{Role: chat.RoleUser, Content: "latest"}, hist[9])
	require.Len(t, c.Conversation().Turns, 14)
}

func TestNew_ResumesFromLocation(t *testing.T) {
	f := newFixture()
	id := chat.ConversationID("from-location")
	require.NoError(t, f.store.Save(context.Background(), chat.Conversation{
		ID:    id,
		Turns: []chat.Turn{{Role: chat.RoleUser, Content: "earlier"}},
	}))
	require.NoError(t, f.loc.Push(location.PathFor(id)))

	c := f.controller(t, replying("x"))
	require.Equal(t, id, c.ID())
	require.Len(t, c.Conversation().Turns, 1)
	require.Equal(t, "earlier", f.sink.Messages()[0].Content)
}

func TestNew_UnknownLocationIDStartsEmpty(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.loc.Push("/chat/not-stored"))
	c := f.controller(t, replying("x"))
	require.Equal(t, chat.ConversationID("not-stored"), c.ID())
	require.Empty(t, c.Conversation().Turns)
	require.Empty(t, f.sink.Messages())
}

func TestStartNew(t *testing.T) {
	f := newFixture()
	c := f.controller(t, replying("hi"))
	_, err := c.Submit(context.Background(), "hello")
	require.NoError(t, err)
	old := c.ID()

	id := c.StartNew()
	require.NotEqual(t, old, id)
	require.Equal(t, id, c.ID())
	require.Empty(t, c.Conversation().Turns)
	require.Equal(t, 1, f.sink.Clears())
	require.Empty(t, f.sink.Messages())
	require.Equal(t, location.PathFor(id), f.loc.Current())

	// the old conversation is still stored
	prev, ok := f.store.Load(context.Background(), old)
	require.True(t, ok)
	require.Len(t, prev.Turns, 2)
}

func TestStartNew_CancelsActiveGeneration(t *testing.T) {
	f := newFixture()
	s := blocking("half")
	c := f.controller(t, s)
	old := c.ID()

	done := make(chan generation.Result, 1)
	go func() {
		res, _ := c.Submit(context.Background(), "question")
		done <- res
	}()
	waitStarted(t, s)

	id := c.StartNew()
	res := <-done
	require.Equal(t, generation.OutcomeCancelled, res.Outcome)
	require.NotEqual(t, old, id)
	require.Empty(t, c.Conversation().Turns)

	prev, ok := f.store.Load(context.Background(), old)
	require.True(t, ok)
	require.Equal(t, []chat.Turn{
		{Role: chat.RoleUser, Content: "question"},
		{Role: chat.RoleAssistant, Content: generation.StoppedContent},
	}, prev.Turns)
}

func TestSwitchTo(t *testing.T) {
	f := newFixture()
	target := chat.Conversation{
		ID: "other",
		Turns: []chat.Turn{
			{Role: chat.RoleUser, Content: "q1"},
			{Role: chat.RoleAssistant, Content: "a1"},
			{Role: chat.RoleUser, Content: "q2"},
		},
	}
	require.NoError(t, f.store.Save(context.Background(), target))

	c := f.controller(t, replying("x"))
	require.NoError(t, c.SwitchTo(context.Background(), "other"))
	require.Equal(t, chat.ConversationID("other"), c.ID())
	require.Equal(t, target.Turns, c.Conversation().Turns)

	msgs := f.sink.Messages()
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		require.Equal(t, target.Turns[i].Role, m.Role)
		require.Equal(t, target.Turns[i].Content, m.Content)
	}
	require.Equal(t, "/chat/other", f.loc.Current())

	err := c.SwitchTo(context.Background(), "missing")
	require.ErrorIs(t, err, ErrConversationNotFound)
	require.Equal(t, chat.ConversationID("other"), c.ID())
}

func TestSetModel(t *testing.T) {
	f := newFixture()
	c := f.controller(t, replying("x"))
	require.Equal(t, DefaultModel, c.Model())
	c.SetModel("  ")
	require.Equal(t, DefaultModel, c.Model())
	c.SetModel("gpt-4o-mini")
	require.Equal(t, "gpt-4o-mini", c.Model())

	_, ok := c.LastAssistantContent()
	require.False(t, ok)
	_, err := c.Submit(context.Background(), "hi")
	require.NoError(t, err)
	last, ok := c.LastAssistantContent()
	require.True(t, ok)
	require.Equal(t, "x", last)
}
