package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/config"
	"github.com/go-go-golems/chatterbox/pkg/controller"
	"github.com/go-go-golems/chatterbox/pkg/events"
	"github.com/go-go-golems/chatterbox/pkg/generation"
	"github.com/go-go-golems/chatterbox/pkg/location"
	"github.com/go-go-golems/chatterbox/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatterbox/pkg/render"
)

// app wires the configured collaborators together for one command run.
type app struct {
	cfg      config.Config
	client   *generation.Client
	kv       chatstore.KVStore
	store    *chatstore.ConversationStore
	settings *chatstore.SettingsStore
	bus      *events.Bus
	loc      location.Location

	hooksMu      sync.Mutex
	listingHooks []func()
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configFile())
	if err != nil {
		return config.Config{}, err
	}
	if serverURL != "" {
		cfg.Server.URL = serverURL
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg config.Config, httpClient *http.Client) (*app, error) {
	client, err := generation.NewClient(cfg.Server.URL,
		generation.WithEndpoint(cfg.Server.Endpoint),
		generation.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, err
	}

	kv, err := chatstore.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, errors.Wrap(err, "open conversation storage")
	}

	bus, err := events.NewBus(cfg.Events)
	if err != nil {
		_ = kv.Close()
		return nil, errors.Wrap(err, "open event bus")
	}

	var loc location.Location
	if cfg.Location.Path != "" {
		fl, err := location.NewFile(cfg.Location.Path)
		if err != nil {
			log.Warn().Err(err).Msg("falling back to in-memory location")
			loc = location.NewMemory("")
		} else {
			loc = fl
		}
	} else {
		loc = location.NewMemory("")
	}

	a := &app{
		cfg:      cfg,
		client:   client,
		kv:       kv,
		settings: chatstore.NewSettingsStore(kv),
		bus:      bus,
		loc:      loc,
	}
	a.store = chatstore.NewConversationStore(kv,
		chatstore.WithListingNotifier(chatstore.ListingNotifierFunc(a.conversationsChanged)))
	return a, nil
}

// onListingChange registers fn to run synchronously after every save or
// delete made through this process's store.
func (a *app) onListingChange(fn func()) {
	a.hooksMu.Lock()
	defer a.hooksMu.Unlock()
	a.listingHooks = append(a.listingHooks, fn)
}

func (a *app) conversationsChanged(ctx context.Context, id chat.ConversationID, deleted bool) {
	a.hooksMu.Lock()
	hooks := append([]func(){}, a.listingHooks...)
	a.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	a.bus.ConversationsChanged(ctx, id, deleted)
}

func (a *app) Close() error {
	var first error
	if err := a.bus.Close(); err != nil {
		first = err
	}
	if err := a.kv.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// model resolves the model to use: an explicit flag wins over the stored
// settings record, which wins over chat.model.
func (a *app) model(ctx context.Context, flag string) string {
	if !chat.IsBlank(flag) {
		return flag
	}
	if s := a.settings.Load(ctx); !chat.IsBlank(s.Model) {
		return s.Model
	}
	return a.cfg.Chat.Model
}

func (a *app) newController(ctx context.Context, sink render.Sink, loc location.Location, id chat.ConversationID, model string) *controller.Controller {
	opts := []controller.Option{
		controller.WithGenerationNotifier(a.bus),
		controller.WithModel(a.model(ctx, model)),
		controller.WithHistoryWindow(a.cfg.Chat.HistoryWindow),
		controller.WithReadBufferSize(a.cfg.Chat.ReadBuffer),
		controller.WithTimeout(a.cfg.Server.Timeout),
	}
	if loc != nil {
		opts = append(opts, controller.WithLocation(loc))
	}
	if !id.IsZero() {
		opts = append(opts, controller.WithConversationID(id))
	}
	return controller.New(ctx, a.client, a.store, sink, opts...)
}
