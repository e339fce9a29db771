package main

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/controller"
	"github.com/go-go-golems/chatterbox/pkg/events"
	"github.com/go-go-golems/chatterbox/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatterbox/pkg/render"
)

func newChatCommand() *cobra.Command {
	var conversation string
	var model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: "Start an interactive chat session. Type a message and press enter to send it.\n" +
			"Ctrl-C stops a response that is being generated. Type /help for commands.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			theme := a.settings.Load(ctx).Theme
			term := render.NewTerminal(cmd.OutOrStdout(), render.WithTheme(theme))
			ctrl := a.newController(ctx, term, a.loc, chat.ConversationID(conversation), model)
			r := newREPL(a, ctrl, term)
			return r.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id to resume (default: the last one)")
	cmd.Flags().StringVar(&model, "model", "", "Model to use (default: stored setting or chat.model)")
	return cmd
}

// listingCache holds the conversation listing until a local save or delete,
// or a bus event from another process, reports a change.
type listingCache struct {
	store *chatstore.ConversationStore

	mu    sync.Mutex
	valid bool
	rows  []chatstore.ConversationSummary
}

func (l *listingCache) invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.valid = false
}

func (l *listingCache) get(ctx context.Context) ([]chatstore.ConversationSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.valid {
		return l.rows, nil
	}
	rows, err := l.store.List(ctx)
	if err != nil {
		return nil, err
	}
	l.rows = rows
	l.valid = true
	return rows, nil
}

type repl struct {
	app     *app
	ctrl    *controller.Controller
	term    *render.Terminal
	listing *listingCache
	copy    func(string) error
}

func newREPL(a *app, ctrl *controller.Controller, term *render.Terminal) *repl {
	listing := &listingCache{store: a.store}
	a.onListingChange(listing.invalidate)
	return &repl{
		app:     a,
		ctrl:    ctrl,
		term:    term,
		listing: listing,
		copy:    clipboard.WriteAll,
	}
}

const replHelp = `commands:
  /new            start a new conversation
  /switch <id>    switch to a stored conversation
  /list           list stored conversations
  /model [id]     show or set the model
  /theme <name>   set the markdown theme (dark, light, notty, ...)
  /copy           copy the last response to the clipboard
  /quit           exit`

// run reads lines from in until EOF, /quit or ctx is done. Interrupts cancel
// the active generation, and bus events keep the listing fresh.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		defer signal.Stop(sigCh)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigCh:
				if err := r.ctrl.CancelActive(); errors.Is(err, controller.ErrNoActiveGeneration) {
					r.term.Status("(type /quit or press Ctrl-D to exit)")
				}
			}
		}
	})

	eg.Go(func() error {
		evs, err := r.app.bus.Subscribe(ctx)
		if err != nil {
			return err
		}
		for ev := range evs {
			if ev.Type == events.TypeConversationSaved || ev.Type == events.TypeConversationDeleted {
				r.listing.invalidate()
			}
			log.Trace().Str("type", string(ev.Type)).Str("conv_id", ev.ConvID.String()).Msg("event")
		}
		return nil
	})

	eg.Go(func() error {
		defer cancel()
		r.term.Status("conversation %s, model %s. /help for commands", r.ctrl.ID(), r.ctrl.Model())
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := r.handle(ctx, line)
				if err != nil {
					return err
				}
				if quit {
					return nil
				}
			}
		}
	})

	return eg.Wait()
}

// handle executes one input line. Only storage failures are returned as
// errors; command mistakes are reported on the terminal.
func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return false, nil
	}
	if !strings.HasPrefix(trimmed, "/") {
		_, err := r.ctrl.Submit(ctx, trimmed)
		if err != nil && !errors.Is(err, controller.ErrBlankMessage) && !errors.Is(err, controller.ErrGenerationActive) {
			return false, err
		}
		return false, nil
	}

	fields := strings.Fields(trimmed)
	name, args := fields[0], fields[1:]
	switch name {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		r.term.Status("%s", replHelp)
	case "/new":
		id := r.ctrl.StartNew()
		r.term.Status("started conversation %s", id)
	case "/switch":
		if len(args) != 1 {
			r.term.Status("usage: /switch <id>")
			return false, nil
		}
		if err := r.ctrl.SwitchTo(ctx, chat.ConversationID(args[0])); err != nil {
			r.term.Status("%v", err)
		}
	case "/list":
		rows, err := r.listing.get(ctx)
		if err != nil {
			return false, err
		}
		if len(rows) == 0 {
			r.term.Status("no stored conversations")
		}
		current := r.ctrl.ID()
		for _, row := range rows {
			marker := " "
			if row.ID == current {
				marker = "*"
			}
			r.term.Status("%s %s  %s  (%d turns, %s)", marker, row.ID, row.Title, row.Turns, row.LastModified.Local().Format("2006-01-02 15:04"))
		}
	case "/model":
		if len(args) == 0 {
			r.term.Status("model: %s", r.ctrl.Model())
			return false, nil
		}
		r.ctrl.SetModel(args[0])
		if err := r.updateSettings(ctx, func(s *chatstore.Settings) { s.Model = args[0] }); err != nil {
			return false, err
		}
		r.term.Status("model set to %s", args[0])
	case "/theme":
		if len(args) != 1 {
			r.term.Status("usage: /theme <name>")
			return false, nil
		}
		r.term.SetTheme(args[0])
		if err := r.updateSettings(ctx, func(s *chatstore.Settings) { s.Theme = args[0] }); err != nil {
			return false, err
		}
		r.term.Status("theme set to %s", args[0])
	case "/copy":
		content, ok := r.ctrl.LastAssistantContent()
		if !ok {
			r.term.Status("nothing to copy yet")
			return false, nil
		}
		if err := r.copy(content); err != nil {
			r.term.Status("copy failed: %v", err)
			return false, nil
		}
		r.term.Status("copied %d characters", len(content))
	default:
		r.term.Status("unknown command %s, try /help", name)
	}
	return false, nil
}

func (r *repl) updateSettings(ctx context.Context, mutate func(*chatstore.Settings)) error {
	s := r.app.settings.Load(ctx)
	mutate(&s)
	return r.app.settings.Save(ctx, s)
}
