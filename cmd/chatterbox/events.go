package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatterbox/pkg/events"
	"github.com/go-go-golems/chatterbox/pkg/redisstream"
)

func newEventsCommand() (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect conversation lifecycle events",
	}
	watchCmd, err := NewEventsWatchCommand()
	if err != nil {
		return nil, err
	}
	cobraWatchCmd, err := cli.BuildCobraCommand(watchCmd)
	if err != nil {
		return nil, err
	}
	cmd.AddCommand(cobraWatchCmd)
	return cmd, nil
}

type EventsWatchCommand struct {
	*cmds.CommandDescription
}

type EventsWatchSettings struct {
	Limit int `glazed:"limit"`
}

func NewEventsWatchCommand() (*EventsWatchCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	redisSection, err := redisstream.NewSection()
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"watch",
		cmds.WithShort("Watch lifecycle events published by chatterbox processes"),
		cmds.WithLong("Subscribe to the Redis Streams event topic and emit one row per event. "+
			"Rows are written when the watch ends, after --limit events or on Ctrl-C. "+
			"Redis settings fall back to the events section of the config file."),
		cmds.WithFlags(
			fields.New(
				"limit",
				fields.TypeInteger,
				fields.WithDefault(0),
				fields.WithHelp("Stop after this many events (0 = until interrupted)"),
			),
		),
		cmds.WithSections(glazedSection, commandSettingsSection, redisSection),
	)
	return &EventsWatchCommand{CommandDescription: desc}, nil
}

func (c *EventsWatchCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsedValues *values.Values,
	gp middlewares.Processor,
) error {
	s := &EventsWatchSettings{}
	if err := parsedValues.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	rs := redisstream.Settings{}
	if err := parsedValues.DecodeSectionInto(redisstream.SectionSlug, &rs); err != nil {
		return err
	}
	if !rs.Enabled {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		rs = cfg.Events
	}
	if !rs.Enabled {
		return errors.New("events watch needs the redis transport: pass --redis-enabled or set events.redis_enabled")
	}

	bus, err := events.NewBus(rs)
	if err != nil {
		return errors.Wrap(err, "open event bus")
	}
	defer func() { _ = bus.Close() }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()
	evs, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("addr", rs.Addr).Str("group", rs.Group).Msg("watching events")

	seen := 0
	for ev := range evs {
		if err := gp.AddRow(ctx, eventRow(ev)); err != nil {
			return err
		}
		seen++
		if s.Limit > 0 && seen >= s.Limit {
			break
		}
	}
	return nil
}

var _ cmds.GlazeCommand = &EventsWatchCommand{}

func eventRow(ev events.Event) types.Row {
	return types.NewRow(
		types.MRP("at", ev.At.UTC().Format(time.RFC3339Nano)),
		types.MRP("type", string(ev.Type)),
		types.MRP("conv_id", ev.ConvID.String()),
		types.MRP("session_id", ev.SessionID),
		types.MRP("outcome", ev.Outcome),
	)
}
