package cmds

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamfold/pkg/config"
	"github.com/go-go-golems/streamfold/pkg/engine"
	"github.com/go-go-golems/streamfold/pkg/intercept"
	"github.com/go-go-golems/streamfold/pkg/message"
	"github.com/go-go-golems/streamfold/pkg/recency"
	"github.com/go-go-golems/streamfold/pkg/store"
	"github.com/go-go-golems/streamfold/pkg/streamlog"
)

const stdinStreamID = "stdin"

var replaySections = []string{config.ProtocolSlug, config.StoreSlug}

type ReplayCommand struct {
	*cmds.CommandDescription
	base config.Config
}

type ReplaySettings struct {
	Files         []string `glazed:"files"`
	ChunkSize     int      `glazed:"chunk-size"`
	Authoritative bool     `glazed:"authoritative"`
}

var _ cmds.GlazeCommand = (*ReplayCommand)(nil)

func NewReplayCommand(base config.Config) (*ReplayCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	sections, err := config.Sections(base, replaySections...)
	if err != nil {
		return nil, err
	}

	desc := cmds.NewCommandDescription(
		"replay",
		cmds.WithShort("Feed captured response bodies through the engine and print the resulting messages"),
		cmds.WithLong("Each file is replayed as its own stream into one fresh store, in order. "+
			"Without files the body is read from stdin. One row is emitted per message."),
		cmds.WithFlags(
			fields.New("chunk-size", fields.TypeInteger, fields.WithDefault(64), fields.WithHelp("Bytes per fed chunk")),
			fields.New("authoritative", fields.TypeBool, fields.WithDefault(false), fields.WithHelp("Hide superseded action messages")),
		),
		cmds.WithArguments(
			fields.New("files", fields.TypeStringList, fields.WithHelp("Captured response bodies")),
		),
		cmds.WithSections(append(sections, glazedSection, commandSettingsSection)...),
	)
	return &ReplayCommand{CommandDescription: desc, base: base}, nil
}

func (c *ReplayCommand) RunIntoGlazeProcessor(
	ctx context.Context,
	parsed *values.Values,
	gp middlewares.Processor,
) error {
	s := &ReplaySettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, s); err != nil {
		return err
	}
	cfg, err := config.FromValues(parsed, c.base, replaySections...)
	if err != nil {
		return err
	}

	var stdin io.Reader
	if len(s.Files) == 0 {
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return errors.New("no input: pass body files or pipe a body on stdin")
		}
		stdin = os.Stdin
	}

	res, recs, err := replayFiles(ctx, cfg, s.Files, stdin, s.ChunkSize)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		log.Info().Str("stream_id", rec.ID).Int("chunks", len(rec.Chunks)).Int("objects", rec.Objects).
			Int("malformed", rec.Malformed).Int("dropped", rec.Dropped).Msg("replayed stream")
	}
	return messageRows(res, cfg.PatchOptions().ArrayFields, s.Authoritative, func(row types.Row) error {
		return gp.AddRow(ctx, row)
	})
}

type replayResult struct {
	store *store.Store
}

// replayFiles feeds each file as its own stream into a fresh store. stdin is
// replayed only when paths is empty.
func replayFiles(ctx context.Context, cfg config.Config, paths []string, stdin io.Reader, chunkSize int) (replayResult, []engine.StreamRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	s := store.New(cfg.StoreOptions()...)
	buf := streamlog.NewBuffer(len(paths) + 1)
	eng := engine.New(s,
		engine.WithLogger(log.With().Str("component", "replay").Logger()),
		engine.WithRecorder(buf),
		engine.WithPatchOptions(cfg.PatchOptions()),
		engine.WithMaxObjectBytes(cfg.Protocol.MaxObjectBytes),
	)
	defer eng.Close()
	sink := engine.NewSink(eng)

	if len(paths) == 0 && stdin != nil {
		if err := intercept.ReaderSource(ctx, sink, stdinStreamID, stdin, chunkSize); err != nil {
			return replayResult{}, nil, errors.Wrap(err, "replay stdin")
		}
	}
	for _, p := range paths {
		if err := replayFile(ctx, sink, p, chunkSize); err != nil {
			return replayResult{}, nil, err
		}
	}
	list, err := buf.List(ctx, 0)
	if err != nil {
		return replayResult{}, nil, err
	}
	recs := make([]engine.StreamRecord, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		rec, _, _ := buf.Get(ctx, list[i].ID)
		recs = append(recs, rec)
	}
	return replayResult{store: s}, recs, nil
}

func replayFile(ctx context.Context, sink intercept.ChunkSink, path string, chunkSize int) error {
	fh, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = fh.Close() }()
	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := intercept.ReaderSource(ctx, sink, id, fh, chunkSize); err != nil {
		return errors.Wrapf(err, "replay %s", path)
	}
	return nil
}

// messageRows emits one row per message in store order. Array fields are
// joined into their text; other fields follow in key order.
func messageRows(res replayResult, arrayFields []string, authoritativeOnly bool, add func(types.Row) error) error {
	policy := recency.New(res.store)
	isArray := map[string]bool{}
	for _, f := range arrayFields {
		isArray[f] = true
	}
	for _, m := range res.store.All() {
		authoritative := policy.IsAuthoritative(m)
		if authoritativeOnly && !authoritative {
			continue
		}
		row := types.NewRow(
			types.MRP(message.KeyID, m.ID),
			types.MRP(message.KeyKind, m.Kind),
			types.MRP(message.KeyCreatedAt, createdAtMs(m)),
			types.MRP("authoritative", authoritative),
		)
		keys := make([]string, 0, len(m.Fields))
		for k := range m.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if isArray[k] {
				row.Set(k, m.Text(k))
				continue
			}
			row.Set(k, plainValue(m.Fields[k]))
		}
		if err := add(row); err != nil {
			return err
		}
	}
	return nil
}

func createdAtMs(m message.Message) any {
	if m.CreatedAt.IsZero() {
		return nil
	}
	return m.CreatedAt.UnixMilli()
}

// plainValue converts json.Number leaves into numbers so every output
// format prints them as such.
func plainValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = plainValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = plainValue(vv)
		}
		return out
	default:
		return v
	}
}
