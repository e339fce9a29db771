package main

import (
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatterbox/pkg/chat"
	"github.com/go-go-golems/chatterbox/pkg/render"
)

func newAskCommand() *cobra.Command {
	var conversation string
	var model string

	cmd := &cobra.Command{
		Use:   "ask MESSAGE...",
		Short: "Send a single message and print the streamed answer",
		Long: "Send a single message and print the streamed answer. Without --conversation a new\n" +
			"conversation is created. Generation failures are printed as the answer; only\n" +
			"configuration and storage problems make the command fail.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			message := strings.Join(args, " ")
			if chat.IsBlank(message) {
				return errors.New("message is blank")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(ctx, cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			id := chat.ConversationID(conversation)
			if id.IsZero() {
				id = chat.NewConversationID()
			}
			term := render.NewTerminal(cmd.OutOrStdout(), render.WithTheme(a.settings.Load(ctx).Theme))
			ctrl := a.newController(ctx, term, nil, id, model)

			res, err := ctrl.Submit(ctx, message)
			if err != nil {
				return err
			}
			cmd.PrintErrf("conversation %s (%s)\n", ctrl.ID(), res.Outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&conversation, "conversation", "", "Conversation id to continue")
	cmd.Flags().StringVar(&model, "model", "", "Model to use (default: stored setting or chat.model)")
	return cmd
}
