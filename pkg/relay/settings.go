package relay

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Settings holds the chunk relay transport configuration. When Enabled is
// false chunks travel over an in-process channel.
type Settings struct {
	Enabled  bool   `yaml:"enabled" glazed:"redis-enabled"`
	Addr     string `yaml:"addr" glazed:"redis-addr"`
	Group    string `yaml:"group" glazed:"redis-group"`
	Consumer string `yaml:"consumer" glazed:"redis-consumer"`
	Topic    string `yaml:"topic" glazed:"redis-topic"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "streamfold",
		Consumer: "folder-1",
		Topic:    "streamfold.chunks",
	}
}

// NewSection returns the redis relay section, defaulting every field from d.
func NewSection(d Settings) (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"Redis Streams chunk relay",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(d.Enabled), fields.WithHelp("Relay chunks over Redis Streams")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group), fields.WithHelp("Redis consumer group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer), fields.WithHelp("Redis consumer name")),
			fields.New("redis-topic", fields.TypeString, fields.WithDefault(d.Topic), fields.WithHelp("Stream carrying raw chunks")),
		),
	)
}

func (s Settings) topic() string {
	if s.Topic == "" {
		return DefaultSettings().Topic
	}
	return s.Topic
}
