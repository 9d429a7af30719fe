package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamfold/pkg/config"
	"github.com/go-go-golems/streamfold/pkg/engine"
	"github.com/go-go-golems/streamfold/pkg/streamlog"
)

var streamsSections = []string{config.StreamLogSlug}

type StreamsListCommand struct {
	*cmds.CommandDescription
	base config.Config
}

type StreamsListSettings struct {
	Limit int `glazed:"limit"`
}

type StreamsShowCommand struct {
	*cmds.CommandDescription
	base config.Config
}

type StreamsShowSettings struct {
	StreamID string `glazed:"stream-id"`
	Chunks   bool   `glazed:"chunks"`
}

var (
	_ cmds.GlazeCommand = (*StreamsListCommand)(nil)
	_ cmds.GlazeCommand = (*StreamsShowCommand)(nil)
)

func streamsOutputSections(base config.Config) ([]schema.Section, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	sections, err := config.Sections(base, streamsSections...)
	if err != nil {
		return nil, err
	}
	return append(sections, glazedSection, commandSettingsSection), nil
}

func NewStreamsListCommand(base config.Config) (*StreamsListCommand, error) {
	sections, err := streamsOutputSections(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"list",
		cmds.WithShort("List the most recent streams"),
		cmds.WithLong("List stream records from the sqlite stream log, newest first."),
		cmds.WithFlags(
			fields.New("limit", fields.TypeInteger, fields.WithDefault(20), fields.WithHelp("Maximum number of streams (0 = all kept)")),
		),
		cmds.WithSections(sections...),
	)
	return &StreamsListCommand{CommandDescription: desc, base: base}, nil
}

func (c *StreamsListCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &StreamsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cfg, err := config.FromValues(parsed, c.base, streamsSections...)
	if err != nil {
		return err
	}
	db, err := openStreamLog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	recs, err := db.List(ctx, s.Limit)
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := gp.AddRow(ctx, streamRow(r)); err != nil {
			return err
		}
	}
	return nil
}

func NewStreamsShowCommand(base config.Config) (*StreamsShowCommand, error) {
	sections, err := streamsOutputSections(base)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"show",
		cmds.WithShort("Show one stream record"),
		cmds.WithLong("Show the summary of one stream record, or its raw chunks with --chunks."),
		cmds.WithFlags(
			fields.New("chunks", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Emit one row per raw chunk instead of the summary")),
		),
		cmds.WithArguments(
			fields.New("stream-id", fields.TypeString, fields.WithRequired(true), fields.WithHelp("Stream id")),
		),
		cmds.WithSections(sections...),
	)
	return &StreamsShowCommand{CommandDescription: desc, base: base}, nil
}

func (c *StreamsShowCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &StreamsShowSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cfg, err := config.FromValues(parsed, c.base, streamsSections...)
	if err != nil {
		return err
	}
	db, err := openStreamLog(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	rec, ok, err := db.Get(ctx, s.StreamID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Errorf("stream %s not found", s.StreamID)
	}
	if !s.Chunks {
		row := streamRow(rec)
		row.Set("chunks", len(rec.Chunks))
		return gp.AddRow(ctx, row)
	}
	return chunkRows(rec, func(row types.Row) error {
		return gp.AddRow(ctx, row)
	})
}

func openStreamLog(cfg config.Config) (*streamlog.SQLiteStore, error) {
	if cfg.StreamLog.SQLitePath == "" {
		return nil, errors.New("no stream log configured: pass --sqlite or set streamlog.sqlite-path")
	}
	dsn, err := streamlog.DSNForFile(cfg.StreamLog.SQLitePath)
	if err != nil {
		return nil, err
	}
	return streamlog.NewSQLiteStore(dsn, cfg.StreamLog.Limit)
}

func streamRow(r engine.StreamRecord) types.Row {
	var durationMs int64
	if r.Terminated() {
		durationMs = r.EndedAt.Sub(r.StartedAt).Milliseconds()
	}
	return types.NewRow(
		types.MRP("id", r.ID),
		types.MRP("status", status(r)),
		types.MRP("started_at_ms", r.StartedAt.UnixMilli()),
		types.MRP("duration_ms", durationMs),
		types.MRP("objects", r.Objects),
		types.MRP("applied", r.Applied),
		types.MRP("malformed", r.Malformed),
		types.MRP("dropped", r.Dropped),
		types.MRP("error", r.Error),
	)
}

func chunkRows(r engine.StreamRecord, add func(types.Row) error) error {
	for _, c := range r.Chunks {
		row := types.NewRow(
			types.MRP("stream_id", r.ID),
			types.MRP("sequence", c.Sequence),
			types.MRP("timestamp_ms", c.Timestamp.UnixMilli()),
			types.MRP("bytes", len(c.Text)),
			types.MRP("text", c.Text),
		)
		if err := add(row); err != nil {
			return err
		}
	}
	return nil
}

func status(r engine.StreamRecord) string {
	switch {
	case r.Completed:
		return "completed"
	case r.Error != "":
		return "failed"
	default:
		return "open"
	}
}
