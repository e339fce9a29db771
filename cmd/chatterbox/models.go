package main

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatterbox/pkg/generation"
)

const serverCallTimeout = 10 * time.Second

func newClientFromConfig() (*generation.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return generation.NewClient(cfg.Server.URL, generation.WithEndpoint(cfg.Server.Endpoint))
}

type ModelsCommand struct {
	*cmds.CommandDescription
}

func NewModelsCommand() (*ModelsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"models",
		cmds.WithShort("List the models offered by the server"),
		cmds.WithSections(glazedSection, commandSettingsSection),
	)
	return &ModelsCommand{CommandDescription: desc}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	_ *values.Values,
	gp middlewares.Processor,
) error {
	client, err := newClientFromConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, serverCallTimeout)
	defer cancel()
	catalog, err := client.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, row := range modelRows(catalog) {
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &ModelsCommand{}

func modelRows(catalog *generation.ModelCatalog) []types.Row {
	rows := make([]types.Row, 0, len(catalog.Models))
	for _, m := range catalog.Models {
		rows = append(rows, types.NewRow(
			types.MRP("id", m.ID),
			types.MRP("name", m.Name),
			types.MRP("context_window", m.ContextWindow),
			types.MRP("max_tokens", m.MaxTokens),
			types.MRP("default", m.ID == catalog.DefaultModel),
		))
	}
	return rows
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is reachable and healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newClientFromConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), serverCallTimeout)
			defer cancel()
			status, err := client.Health(ctx)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(status); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}
