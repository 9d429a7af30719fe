package config

import (
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/streamfold/pkg/relay"
)

const (
	ServerSlug    = "server"
	UpstreamSlug  = "upstream"
	ProtocolSlug  = "protocol"
	StoreSlug     = "store"
	StreamLogSlug = "streamlog"
	RelaySlug     = relay.SectionSlug
)

// NewServerSection declares the listen address.
func NewServerSection(d Config) (schema.Section, error) {
	return schema.NewSection(
		ServerSlug,
		"HTTP server",
		schema.WithFields(
			fields.New("addr", fields.TypeString, fields.WithDefault(d.Server.Addr), fields.WithHelp("Listen address")),
		),
	)
}

func NewUpstreamSection(d Config) (schema.Section, error) {
	return schema.NewSection(
		UpstreamSlug,
		"Agent backend reverse proxy",
		schema.WithFields(
			fields.New("upstream", fields.TypeString, fields.WithDefault(d.Upstream.URL), fields.WithHelp("Agent backend URL to reverse proxy")),
			fields.New("upstream-prefixes", fields.TypeStringList, fields.WithDefault(d.Upstream.Prefixes), fields.WithHelp("Path prefixes whose responses are intercepted")),
		),
	)
}

// NewProtocolSection declares the wire protocol knobs shared by serve and replay.
func NewProtocolSection(d Config) (schema.Section, error) {
	return schema.NewSection(
		ProtocolSlug,
		"Wire protocol",
		schema.WithFields(
			fields.New("array-name", fields.TypeString, fields.WithDefault(d.Protocol.ArrayName), fields.WithHelp("Name of the message array in patch paths")),
			fields.New("array-fields", fields.TypeStringList, fields.WithDefault(d.Protocol.ArrayFields), fields.WithHelp("Message fields streamed as string segments")),
			fields.New("action-kinds", fields.TypeStringList, fields.WithDefault(d.Protocol.ActionKinds), fields.WithHelp("Message kinds grouped by name for recency")),
			fields.New("max-object-bytes", fields.TypeInteger, fields.WithDefault(d.Protocol.MaxObjectBytes), fields.WithHelp("Discard objects larger than this (0 = no limit)")),
		),
	)
}

func NewStoreSection(d Config) (schema.Section, error) {
	return schema.NewSection(
		StoreSlug,
		"Message store",
		schema.WithFields(
			fields.New("max-messages", fields.TypeInteger, fields.WithDefault(d.Store.MaxMessages), fields.WithHelp("Evict the oldest messages past this count (0 = unbounded)")),
		),
	)
}

func NewStreamLogSection(d Config) (schema.Section, error) {
	return schema.NewSection(
		StreamLogSlug,
		"Stream log",
		schema.WithFields(
			fields.New("sqlite", fields.TypeString, fields.WithDefault(d.StreamLog.SQLitePath), fields.WithHelp("Mirror stream records into this sqlite file")),
			fields.New("streamlog-limit", fields.TypeInteger, fields.WithDefault(d.StreamLog.Limit), fields.WithHelp("Stream records kept")),
		),
	)
}

// Sections builds the sections named by slugs, in order, defaulted from d.
func Sections(d Config, slugs ...string) ([]schema.Section, error) {
	ret := make([]schema.Section, 0, len(slugs))
	for _, slug := range slugs {
		var (
			s   schema.Section
			err error
		)
		switch slug {
		case ServerSlug:
			s, err = NewServerSection(d)
		case UpstreamSlug:
			s, err = NewUpstreamSection(d)
		case ProtocolSlug:
			s, err = NewProtocolSection(d)
		case StoreSlug:
			s, err = NewStoreSection(d)
		case StreamLogSlug:
			s, err = NewStreamLogSection(d)
		case RelaySlug:
			s, err = relay.NewSection(d.Relay)
		default:
			return nil, errors.Errorf("unknown config section %q", slug)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "build %s section", slug)
		}
		ret = append(ret, s)
	}
	return ret, nil
}

// FromValues decodes the named sections over base and validates the result.
func FromValues(parsed *values.Values, base Config, slugs ...string) (Config, error) {
	cfg := base
	for _, slug := range slugs {
		var dst any
		switch slug {
		case ServerSlug:
			dst = &cfg.Server
		case UpstreamSlug:
			dst = &cfg.Upstream
		case ProtocolSlug:
			dst = &cfg.Protocol
		case StoreSlug:
			dst = &cfg.Store
		case StreamLogSlug:
			dst = &cfg.StreamLog
		case RelaySlug:
			dst = &cfg.Relay
		default:
			return cfg, errors.Errorf("unknown config section %q", slug)
		}
		if err := parsed.DecodeSectionInto(slug, dst); err != nil {
			return cfg, errors.Wrapf(err, "decode %s section", slug)
		}
	}
	cfg.normalizeLists()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// normalizeLists trims list entries coming from comma separated env values.
func (c *Config) normalizeLists() {
	c.Upstream.Prefixes = trimList(c.Upstream.Prefixes)
	c.Protocol.ArrayFields = trimList(c.Protocol.ArrayFields)
	c.Protocol.ActionKinds = trimList(c.Protocol.ActionKinds)
}

func trimList(in []string) []string {
	var out []string
	for _, v := range in {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
