package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/persistence/chatstore"
	"github.com/go-go-golems/chatterbox/pkg/render"
)

// withApp loads config, opens the app and runs f.
func withApp(ctx context.Context, f func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	return f(a)
}

func newConversationsCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage stored conversations",
	}

	listCmd, err := NewConversationsListCommand()
	if err != nil {
		return nil, err
	}
	cobraListCmd, err := cli.BuildCobraCommand(listCmd)
	if err != nil {
		return nil, err
	}
	exportCmd, err := NewConversationsExportCommand()
	if err != nil {
		return nil, err
	}
	cobraExportCmd, err := cli.BuildCobraCommand(exportCmd)
	if err != nil {
		return nil, err
	}

	cmd.AddCommand(
		cobraListCmd,
		newConversationsShowCommand(),
		cobraExportCmd,
		newConversationsDeleteCommand(),
	)
	return cmd, nil
}

type ConversationsListCommand struct {
	*cmds.CommandDescription
}

type ConversationsListSettings struct {
	Limit int `glazed:"limit"`
}

func NewConversationsListCommand() (*ConversationsListCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List stored conversations, newest first"),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Limit number of conversations (0 = no limit)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ConversationsListCommand{CommandDescription: desc}, nil
}

func (c *ConversationsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationsListSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	return withApp(ctx, func(a *app) error {
		summaries, err := a.store.List(ctx)
		if err != nil {
			return err
		}
		for _, row := range summaryRows(summaries, s.Limit) {
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ cmds.GlazeCommand = &ConversationsListCommand{}

// summaryRows keeps the store's newest-first order.
func summaryRows(summaries []chatstore.ConversationSummary, limit int) []types.Row {
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	rows := make([]types.Row, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, types.NewRow(
			types.MRP("id", s.ID.String()),
			types.MRP("title", s.Title),
			types.MRP("turns", s.Turns),
			types.MRP("last_modified", s.LastModified.UTC().Format(time.RFC3339)),
		))
	}
	return rows
}

func loadOrFail(ctx context.Context, store *chatstore.ConversationStore, id string) (chat.Conversation, error) {
	conv, ok := store.Load(ctx, chat.ConversationID(id))
	if !ok {
		return chat.Conversation{}, errors.Errorf("conversation %s not found", id)
	}
	return conv, nil
}

func newConversationsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Print a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				conv, err := loadOrFail(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				term := render.NewTerminal(cmd.OutOrStdout(), render.WithTheme(a.settings.Load(ctx).Theme))
				term.Status("%s (%s)", conv.Title, conv.ID)
				for i, t := range conv.Turns {
					term.RenderMessage(fmt.Sprintf("%s-%d", conv.ID, i), t.Role, t.Content)
				}
				return nil
			})
		},
	}
}

type ConversationsExportCommand struct {
	*cmds.CommandDescription
}

type ConversationsExportSettings struct {
	ID string `glazed:"id"`
}

func NewConversationsExportCommand() (*ConversationsExportCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"export",
		cmds.WithShort("Export the turns of a stored conversation"),
		cmds.WithLong("Export a stored conversation, one row per turn. "+
			"Use --output yaml, json or csv to pick the format."),
		cmds.WithArguments(
			fields.New(
				"id",
				fields.TypeString,
				fields.WithHelp("Conversation id"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ConversationsExportCommand{CommandDescription: desc}, nil
}

func (c *ConversationsExportCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &ConversationsExportSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	if chat.IsBlank(s.ID) {
		return errors.New("a conversation id is required")
	}
	return withApp(ctx, func(a *app) error {
		conv, err := loadOrFail(ctx, a.store, s.ID)
		if err != nil {
			return err
		}
		for _, row := range turnRows(conv) {
			if err := gp.AddRow(ctx, row); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ cmds.GlazeCommand = &ConversationsExportCommand{}

func turnRows(conv chat.Conversation) []types.Row {
	rows := make([]types.Row, 0, len(conv.Turns))
	for i, t := range conv.Turns {
		rows = append(rows, types.NewRow(
			types.MRP("conv_id", conv.ID.String()),
			types.MRP("title", conv.Title),
			types.MRP("index", i),
			types.MRP("role", string(t.Role)),
			types.MRP("content", t.Content),
		))
	}
	return rows
}

func newConversationsDeleteCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app) error {
				conv, err := loadOrFail(ctx, a.store, args[0])
				if err != nil {
					return err
				}
				if !yes && isatty.IsTerminal(os.Stdin.Fd()) {
					ok, err := confirm(os.Stdin, cmd.ErrOrStderr(), fmt.Sprintf("Delete %q (%d turns)? [y/N]", conv.Title, len(conv.Turns)))
					if err != nil {
						return err
					}
					if !ok {
						return nil
					}
				}
				if err := a.store.Delete(ctx, conv.ID); err != nil {
					return err
				}
				cmd.Printf("deleted %s\n", conv.ID)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(r io.Reader, w io.Writer, query string) (bool, error) {
	ui := &input.UI{Writer: w, Reader: r}
	answer, err := ui.Ask(query, &input.Options{
		Default:     "n",
		HideDefault: true,
		Loop:        true,
		ValidateFunc: func(answer string) error {
			switch strings.ToLower(answer) {
			case "y", "yes", "n", "no", "":
				return nil
			default:
				return errors.Errorf("please enter 'y' or 'n'")
			}
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "failed to get user input")
	}
	a := strings.ToLower(answer)
	return a == "y" || a == "yes", nil
}
