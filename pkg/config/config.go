// Package config holds streamfold settings. A YAML file provides the
// defaults of the glazed sections; STREAMFOLD_* environment variables and
// command line flags override them.
package config

import (
	"bytes"
	"os"
	"strings"

	appconfig "github.com/go-go-golems/glazed/pkg/config"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/streamfold/pkg/intercept"
	"github.com/go-go-golems/streamfold/pkg/patch"
	"github.com/go-go-golems/streamfold/pkg/relay"
	"github.com/go-go-golems/streamfold/pkg/store"
	"github.com/go-go-golems/streamfold/pkg/streamlog"
)

const (
	AppName   = "streamfold"
	EnvPrefix = "STREAMFOLD"
	// EnvConfigPath names an explicit config file.
	EnvConfigPath = "STREAMFOLD_CONFIG"
)

type Config struct {
	Server    ServerSettings    `yaml:"server"`
	Upstream  UpstreamSettings  `yaml:"upstream"`
	Protocol  ProtocolSettings  `yaml:"protocol"`
	Store     StoreSettings     `yaml:"store"`
	StreamLog StreamLogSettings `yaml:"streamlog"`
	Relay     relay.Settings    `yaml:"relay"`
}

type ServerSettings struct {
	Addr string `yaml:"addr" glazed:"addr"`
}

type UpstreamSettings struct {
	// URL of the agent backend to reverse proxy. Empty disables the proxy.
	URL      string   `yaml:"url" glazed:"upstream"`
	Prefixes []string `yaml:"prefixes" glazed:"upstream-prefixes"`
}

type ProtocolSettings struct {
	ArrayName      string   `yaml:"array-name" glazed:"array-name"`
	ArrayFields    []string `yaml:"array-fields" glazed:"array-fields"`
	ActionKinds    []string `yaml:"action-kinds" glazed:"action-kinds"`
	MaxObjectBytes int      `yaml:"max-object-bytes" glazed:"max-object-bytes"`
}

type StoreSettings struct {
	// MaxMessages caps the store; 0 is unbounded.
	MaxMessages int `yaml:"max-messages" glazed:"max-messages"`
}

type StreamLogSettings struct {
	Limit int `yaml:"limit" glazed:"streamlog-limit"`
	// SQLitePath enables the sqlite mirror when set.
	SQLitePath string `yaml:"sqlite-path" glazed:"sqlite"`
}

func Default() Config {
	return Config{
		Server:   ServerSettings{Addr: ":8088"},
		Upstream: UpstreamSettings{Prefixes: append([]string(nil), intercept.DefaultPrefixes...)},
		Protocol: ProtocolSettings{
			ArrayName:      patch.DefaultArrayName,
			ArrayFields:    append([]string(nil), patch.DefaultArrayFields...),
			ActionKinds:    append([]string(nil), store.DefaultActionKinds...),
			MaxObjectBytes: 8 << 20,
		},
		StreamLog: StreamLogSettings{Limit: streamlog.DefaultLimit},
		Relay:     relay.DefaultSettings(),
	}
}

// ResolvePath returns the config file to load: explicit when set, otherwise
// whatever glazed finds for the app. An empty result means no file.
func ResolvePath(explicit string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, nil
	}
	path, err := appconfig.ResolveAppConfigPath(AppName, "")
	if err != nil {
		return "", errors.Wrap(err, "resolve config path")
	}
	return path, nil
}

// Load returns defaults overlaid with the file at path, if any.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "read config %s", path)
	}
	if err := Decode(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Decode overlays YAML onto cfg. Unknown keys are an error.
func Decode(b []byte, cfg *Config) error {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Protocol.ArrayName) == "" {
		return errors.New("protocol.array-name is empty")
	}
	if c.Protocol.MaxObjectBytes < 0 {
		return errors.New("protocol.max-object-bytes must be >= 0")
	}
	if c.Store.MaxMessages < 0 {
		return errors.New("store.max-messages must be >= 0")
	}
	if c.Relay.Enabled && strings.TrimSpace(c.Relay.Addr) == "" {
		return errors.New("relay.addr is required when relay is enabled")
	}
	return nil
}

// PatchOptions returns the wire protocol options.
func (c Config) PatchOptions() patch.Options {
	return patch.Options{
		ArrayName:   c.Protocol.ArrayName,
		ArrayFields: append([]string(nil), c.Protocol.ArrayFields...),
	}
}

// StoreOptions returns the store construction options.
func (c Config) StoreOptions() []store.Option {
	var opts []store.Option
	if len(c.Protocol.ActionKinds) > 0 {
		opts = append(opts, store.WithActionKinds(c.Protocol.ActionKinds...))
	}
	if c.Store.MaxMessages > 0 {
		opts = append(opts, store.WithMaxMessages(c.Store.MaxMessages))
	}
	return opts
}
