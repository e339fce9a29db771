package events

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/redisstream"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "event channel closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestBus_InMemoryRoundTrip(t *testing.T) {
	bus, err := NewBus(redisstream.DefaultSettings())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	id := chat.ConversationID("c1")
	bus.ConversationsChanged(ctx, id, false)
	bus.GenerationStarted(ctx, id, "s1")
	bus.GenerationEnded(ctx, id, "s1", "completed")
	bus.ConversationsChanged(ctx, id, true)

	got := map[Type]Event{}
	for i := 0; i < 4; i++ {
		ev := receive(t, ch)
		require.Equal(t, id, ev.ConvID)
		require.False(t, ev.At.IsZero())
		got[ev.Type] = ev
	}
	require.Contains(t, got, TypeConversationSaved)
	require.Contains(t, got, TypeConversationDeleted)
	require.Equal(t, "s1", got[TypeGenerationStarted].SessionID)
	require.Equal(t, "completed", got[TypeGenerationEnded].Outcome)
}

func TestBus_NilIsSafe(t *testing.T) {
	var bus *Bus
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeConversationSaved}))
	require.NoError(t, bus.Close())
	_, err := bus.Subscribe(context.Background())
	require.Error(t, err)
}

func TestBuildPubSub_RedisRequiresAddr(t *testing.T) {
	_, err := NewBus(redisstream.Settings{Enabled: true})
	require.Error(t, err)
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestBus_SubscribeWarnsWhenGroupSetupFails(t *testing.T) {
	out := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out).Level(zerolog.WarnLevel)
	t.Cleanup(func() { log.Logger = prev })

	ps, err := redisstream.BuildPubSub(redisstream.DefaultSettings())
	require.NoError(t, err)
	bus := &Bus{ps: ps, settings: redisstream.Settings{Enabled: true, Addr: "127.0.0.1:1", Group: "g"}}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	_, err = bus.Subscribe(ctx)
	require.NoError(t, err)
	cancel()
	require.NoError(t, bus.Close())

	logged := out.String()
	require.Contains(t, logged, `"component":"events"`)
	require.Contains(t, logged, `"level":"warn"`)
	require.Contains(t, logged, "consumer group")
}
