package chatstore

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatterbox/pkg/chat"
)

type notification struct {
	id      chat.ConversationID
	deleted bool
}

func newTestStore(t *testing.T, kv KVStore) (*ConversationStore, *[]notification, *time.Time) {
	t.Helper()
	var notes []notification
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewConversationStore(kv,
		WithListingNotifier(ListingNotifierFunc(func(_ context.Context, id chat.ConversationID, deleted bool) {
			notes = append(notes, notification{id: id, deleted: deleted})
		})),
		WithClock(func() time.Time { return now }),
	)
	return s, &notes, &now
}

func TestConversationStore_SaveLoadRoundTrip(t *testing.T) {
	for name, kv := range kvBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s, notes, _ := newTestStore(t, kv)

			turns := []chat.Turn{
				{Role: chat.RoleUser, Content: strings.Repeat("long question ", 10)},
				{Role: chat.RoleAssistant, Content: "**answer**"},
			}
			conv := chat.Conversation{ID: chat.NewConversationID(), Title: "stale title", Turns: turns}
			require.NoError(t, s.Save(ctx, conv))

			loaded, ok := s.Load(ctx, conv.ID)
			require.True(t, ok)
			if diff := cmp.Diff(turns, loaded.Turns); diff != "" {
				t.Fatalf("turns differ (-want +got):\n%s", diff)
			}
			require.Equal(t, chat.DeriveTitle(turns), loaded.Title)
			require.True(t, strings.HasSuffix(loaded.Title, "..."))
			require.Equal(t, conv.ID, loaded.ID)
			require.False(t, loaded.LastModified.IsZero())

			require.Equal(t, []notification{{id: conv.ID}}, *notes)

			// the caller's value is untouched
			require.Equal(t, "stale title", conv.Title)
		})
	}
}

func TestConversationStore_LoadMissingAndCorrupt(t *testing.T) {
	var logs bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&logs)
	t.Cleanup(func() { log.Logger = prev })

	ctx := context.Background()
	kv := NewInMemoryKVStore()
	s := NewConversationStore(kv)

	_, ok := s.Load(ctx, "nope")
	require.False(t, ok)
	_, ok = s.Load(ctx, "")
	require.False(t, ok)

	require.NoError(t, kv.Set(ctx, ConversationKey("broken"), "{not json"))
	_, ok = s.Load(ctx, "broken")
	require.False(t, ok)

	require.NoError(t, kv.Set(ctx, ConversationKey("badrole"), `{"id":"badrole","messages":[{"role":"system","content":"x"}]}`))
	_, ok = s.Load(ctx, "badrole")
	require.False(t, ok)

	require.Contains(t, logs.String(), "ignoring corrupt conversation record")
	require.Contains(t, logs.String(), ConversationKey("broken"))
}

func TestConversationStore_ReadsBrowserShapedRecords(t *testing.T) {
	ctx := context.Background()
	kv := NewInMemoryKVStore()
	s := NewConversationStore(kv)
	require.NoError(t, kv.Set(ctx, "chat-legacy", `{"title":"whatever","messages":[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}],"timestamp":"2024-05-01T10:00:00.000Z"}`))

	conv, ok := s.Load(ctx, "legacy")
	require.True(t, ok)
	require.Equal(t, chat.ConversationID("legacy"), conv.ID)
	require.Equal(t, "hi", conv.Title)
	require.Len(t, conv.Turns, 2)
	require.Equal(t, 2024, conv.LastModified.Year())
}

func TestConversationStore_AppendTurn(t *testing.T) {
	ctx := context.Background()
	s, notes, _ := newTestStore(t, NewInMemoryKVStore())

	id := chat.NewConversationID()
	require.NoError(t, s.AppendTurn(ctx, id, chat.Turn{Role: chat.RoleUser, Content: "one"}))
	require.NoError(t, s.AppendTurn(ctx, id, chat.Turn{Role: chat.RoleAssistant, Content: "two"}))
	require.Error(t, s.AppendTurn(ctx, id, chat.Turn{Role: "system", Content: "three"}))

	conv, ok := s.Load(ctx, id)
	require.True(t, ok)
	require.Equal(t, []chat.Turn{
		{Role: chat.RoleUser, Content: "one"},
		{Role: chat.RoleAssistant, Content: "two"},
	}, conv.Turns)
	require.Len(t, *notes, 2)
}

func TestConversationStore_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	kv := NewInMemoryKVStore()
	s, notes, now := newTestStore(t, kv)

	require.NoError(t, s.Save(ctx, chat.Conversation{ID: "old", Turns: []chat.Turn{{Role: chat.RoleUser, Content: "first"}}}))
	*now = now.Add(time.Minute)
	require.NoError(t, s.Save(ctx, chat.Conversation{ID: "new"}))
	require.NoError(t, kv.Set(ctx, ConversationKey("junk"), "]["))
	require.NoError(t, NewSettingsStore(kv).Save(ctx, Settings{Model: "gpt-4o"}))

	list, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, chat.ConversationID("new"), list[0].ID)
	require.Equal(t, chat.PlaceholderTitle, list[0].Title)
	require.Equal(t, chat.ConversationID("old"), list[1].ID)
	require.Equal(t, "first", list[1].Title)
	require.Equal(t, 1, list[1].Turns)

	require.NoError(t, s.Delete(ctx, "old"))
	_, ok := s.Load(ctx, "old")
	require.False(t, ok)
	require.Equal(t, notification{id: "old", deleted: true}, (*notes)[len(*notes)-1])

	require.Error(t, s.Save(ctx, chat.Conversation{}))
	require.Error(t, s.Delete(ctx, ""))
}

func TestSettingsStore(t *testing.T) {
	ctx := context.Background()
	kv := NewInMemoryKVStore()
	s := NewSettingsStore(kv)

	require.Equal(t, Settings{Theme: DefaultTheme}, s.Load(ctx))

	require.NoError(t, s.Save(ctx, Settings{Model: "o3-mini", Theme: "light"}))
	require.Equal(t, Settings{Model: "o3-mini", Theme: "light"}, s.Load(ctx))

	raw, err := kv.Get(ctx, SettingsKey)
	require.NoError(t, err)
	require.JSONEq(t, `{"model":"o3-mini","theme":"light"}`, raw)

	require.NoError(t, kv.Set(ctx, SettingsKey, "garbage"))
	require.Equal(t, Settings{Theme: DefaultTheme}, s.Load(ctx))
}
