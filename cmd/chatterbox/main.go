package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:          "chatterbox",
	Short:        "chatterbox is a terminal client for streaming chat completion servers",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger now that --log-level and co are parsed
		return logging.InitLoggerFromCobra(cmd)
	},
}

// configFile is the --config flag when set explicitly, whether clay
// registered it or we did.
func configFile() string {
	if f := rootCmd.PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return ""
}

func initRootCmd() error {
	if err := clay.InitGlazed("chatterbox", rootCmd); err != nil {
		return err
	}
	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	pf := rootCmd.PersistentFlags()
	if pf.Lookup("config") == nil {
		pf.String("config", "", "Config file (default $XDG_CONFIG_HOME/chatterbox/config.yaml)")
	}
	pf.StringVar(&serverURL, "server", "", "Generation server base URL, overrides server.url")

	conversationsCmd, err := newConversationsCommand()
	if err != nil {
		return err
	}
	eventsCmd, err := newEventsCommand()
	if err != nil {
		return err
	}
	modelsCmd, err := NewModelsCommand()
	if err != nil {
		return err
	}
	cobraModelsCmd, err := cli.BuildCobraCommand(modelsCmd)
	if err != nil {
		return err
	}

	rootCmd.AddCommand(
		newChatCommand(),
		newAskCommand(),
		conversationsCmd,
		cobraModelsCmd,
		newHealthCommand(),
		eventsCmd,
	)
	return nil
}

func main() {
	cobra.CheckErr(initRootCmd())
	cobra.CheckErr(rootCmd.Execute())
}
