// Package events publishes conversation lifecycle notifications so listings
// and other observers can refresh without polling the store.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/redisstream"
)

// Topic carries every chatterbox lifecycle event.
const Topic = "chatterbox.events"

type Type string

const (
	TypeConversationSaved   Type = "conversation.saved"
	TypeConversationDeleted Type = "conversation.deleted"
	TypeGenerationStarted   Type = "generation.started"
	TypeGenerationEnded     Type = "generation.ended"
)

type Event struct {
	Type      Type                `json:"type"`
	ConvID    chat.ConversationID `json:"conv_id"`
	SessionID string              `json:"session_id,omitempty"`
	Outcome   string              `json:"outcome,omitempty"`
	At        time.Time           `json:"at"`
}

// Bus publishes and subscribes to lifecycle events over watermill.
type Bus struct {
	ps       *redisstream.PubSub
	settings redisstream.Settings
}

func NewBus(s redisstream.Settings) (*Bus, error) {
	ps, err := redisstream.BuildPubSub(s)
	if err != nil {
		return nil, err
	}
	return &Bus{ps: ps, settings: s}, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.ps.Close()
}

func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if b == nil || b.ps == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "events: encode")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	if err := b.ps.Publisher.Publish(Topic, msg); err != nil {
		return errors.Wrap(err, "events: publish")
	}
	return nil
}

// Subscribe delivers decoded events until ctx is done. Undecodable messages
// are acked and dropped.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if b == nil || b.ps == nil {
		return nil, errors.New("events: bus is not initialized")
	}
	if b.settings.Enabled {
		if err := redisstream.EnsureGroupAtTail(ctx, b.settings.Addr, Topic, b.settings.Group); err != nil {
			log.Warn().Err(err).
				Str("component", "events").
				Str("addr", b.settings.Addr).
				Str("group", b.settings.Group).
				Msg("could not create consumer group at stream tail")
		}
	}
	msgs, err := b.ps.Subscriber.Subscribe(ctx, Topic)
	if err != nil {
		return nil, errors.Wrap(err, "events: subscribe")
	}
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "events").Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) publishBestEffort(ctx context.Context, ev Event) {
	if err := b.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("component", "events").Str("type", string(ev.Type)).Msg("failed to publish event")
	}
}

// ConversationsChanged lets the bus act as the store's listing notifier.
func (b *Bus) ConversationsChanged(ctx context.Context, id chat.ConversationID, deleted bool) {
	t := TypeConversationSaved
	if deleted {
		t = TypeConversationDeleted
	}
	b.publishBestEffort(ctx, Event{Type: t, ConvID: id})
}

func (b *Bus) GenerationStarted(ctx context.Context, id chat.ConversationID, sessionID string) {
	b.publishBestEffort(ctx, Event{Type: TypeGenerationStarted, ConvID: id, SessionID: sessionID})
}

func (b *Bus) GenerationEnded(ctx context.Context, id chat.ConversationID, sessionID string, outcome string) {
	b.publishBestEffort(ctx, Event{Type: TypeGenerationEnded, ConvID: id, SessionID: sessionID, Outcome: outcome})
}
