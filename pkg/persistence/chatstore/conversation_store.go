package chatstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatterbox/pkg/chat"
)

// ConversationKeyPrefix prefixes every conversation record key.
const ConversationKeyPrefix = "chat-"

func ConversationKey(id chat.ConversationID) string {
	return ConversationKeyPrefix + string(id)
}

// ListingNotifier is told whenever the set of stored conversations changes,
// so any conversation listing can be refreshed.
type ListingNotifier interface {
	ConversationsChanged(ctx context.Context, id chat.ConversationID, deleted bool)
}

type ListingNotifierFunc func(ctx context.Context, id chat.ConversationID, deleted bool)

func (f ListingNotifierFunc) ConversationsChanged(ctx context.Context, id chat.ConversationID, deleted bool) {
	f(ctx, id, deleted)
}

// ConversationSummary is a listing row.
type ConversationSummary struct {
	ID           chat.ConversationID `json:"id" yaml:"id"`
	Title        string              `json:"title" yaml:"title"`
	Turns        int                 `json:"turns" yaml:"turns"`
	LastModified time.Time           `json:"last_modified" yaml:"last_modified"`
}

// ConversationStore maps conversations onto a KVStore. It owns no identity:
// every call returns copies and nothing is cached.
type ConversationStore struct {
	kv       KVStore
	notifier ListingNotifier
	now      func() time.Time
	logger   zerolog.Logger
}

type ConversationStoreOption func(*ConversationStore)

func WithListingNotifier(n ListingNotifier) ConversationStoreOption {
	return func(s *ConversationStore) {
		s.notifier = n
	}
}

func WithClock(now func() time.Time) ConversationStoreOption {
	return func(s *ConversationStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewConversationStore(kv KVStore, opts ...ConversationStoreOption) *ConversationStore {
	s := &ConversationStore{
		kv:     kv,
		now:    time.Now,
		logger: log.With().Str("component", "chatstore").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the stored conversation, or false when there is none. Storage
// errors and corrupt records are logged and reported as absent.
func (s *ConversationStore) Load(ctx context.Context, id chat.ConversationID) (chat.Conversation, bool) {
	if id.IsZero() {
		return chat.Conversation{}, false
	}
	key := ConversationKey(id)
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Warn().Err(err).Str("key", key).Msg("failed to read conversation record")
		}
		return chat.Conversation{}, false
	}
	conv, err := decodeConversation(raw)
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("ignoring corrupt conversation record")
		return chat.Conversation{}, false
	}
	if conv.ID.IsZero() {
		conv.ID = id
	}
	conv.Title = chat.DeriveTitle(conv.Turns)
	return conv, true
}

func decodeConversation(raw string) (chat.Conversation, error) {
	var conv chat.Conversation
	if err := json.Unmarshal([]byte(raw), &conv); err != nil {
		return chat.Conversation{}, errors.Wrap(err, "decode conversation")
	}
	for i, t := range conv.Turns {
		if !t.Role.Valid() {
			return chat.Conversation{}, errors.Errorf("turn %d has unknown role %q", i, t.Role)
		}
	}
	if conv.Turns == nil {
		conv.Turns = []chat.Turn{}
	}
	return conv, nil
}

// Save overwrites the record for conv.ID with a freshly titled and timestamped
// copy, then notifies the listing collaborator.
func (s *ConversationStore) Save(ctx context.Context, conv chat.Conversation) error {
	if conv.ID.IsZero() {
		return errors.New("chatstore: conversation id is empty")
	}
	rec := conv.Clone()
	if rec.Turns == nil {
		rec.Turns = []chat.Turn{}
	}
	rec.Title = chat.DeriveTitle(rec.Turns)
	rec.LastModified = s.now().UTC()

	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "chatstore: encode conversation")
	}
	if err := s.kv.Set(ctx, ConversationKey(rec.ID), string(payload)); err != nil {
		return errors.Wrapf(err, "chatstore: save conversation %s", rec.ID)
	}
	s.logger.Debug().Str("conv_id", rec.ID.String()).Int("turns", len(rec.Turns)).Msg("conversation saved")
	if s.notifier != nil {
		s.notifier.ConversationsChanged(ctx, rec.ID, false)
	}
	return nil
}

// AppendTurn loads (or starts) the conversation, appends turn and saves it.
// It is not atomic across processes.
func (s *ConversationStore) AppendTurn(ctx context.Context, id chat.ConversationID, turn chat.Turn) error {
	if !turn.Role.Valid() {
		return errors.Errorf("chatstore: invalid role %q", turn.Role)
	}
	conv, ok := s.Load(ctx, id)
	if !ok {
		conv = chat.Conversation{ID: id}
	}
	conv.Turns = append(conv.Turns, turn)
	return s.Save(ctx, conv)
}

func (s *ConversationStore) Delete(ctx context.Context, id chat.ConversationID) error {
	if id.IsZero() {
		return errors.New("chatstore: conversation id is empty")
	}
	if err := s.kv.Delete(ctx, ConversationKey(id)); err != nil {
		return errors.Wrapf(err, "chatstore: delete conversation %s", id)
	}
	if s.notifier != nil {
		s.notifier.ConversationsChanged(ctx, id, true)
	}
	return nil
}

// List returns summaries of every readable conversation, most recently
// modified first.
func (s *ConversationStore) List(ctx context.Context) ([]ConversationSummary, error) {
	keys, err := s.kv.Keys(ctx, ConversationKeyPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "chatstore: list conversations")
	}
	out := make([]ConversationSummary, 0, len(keys))
	for _, k := range keys {
		id := chat.ConversationID(strings.TrimPrefix(k, ConversationKeyPrefix))
		conv, ok := s.Load(ctx, id)
		if !ok {
			continue
		}
		out = append(out, ConversationSummary{
			ID:           conv.ID,
			Title:        conv.Title,
			Turns:        len(conv.Turns),
			LastModified: conv.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastModified.Equal(out[j].LastModified) {
			return out[i].ID < out[j].ID
		}
		return out[i].LastModified.After(out[j].LastModified)
	})
	return out, nil
}
