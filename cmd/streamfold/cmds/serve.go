package cmds

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/streamfold/pkg/config"
	"github.com/go-go-golems/streamfold/pkg/engine"
	"github.com/go-go-golems/streamfold/pkg/intercept"
	"github.com/go-go-golems/streamfold/pkg/metrics"
	"github.com/go-go-golems/streamfold/pkg/relay"
	"github.com/go-go-golems/streamfold/pkg/store"
	"github.com/go-go-golems/streamfold/pkg/streamlog"
	"github.com/go-go-golems/streamfold/pkg/webchat"
)

var serveSections = []string{
	config.ServerSlug,
	config.UpstreamSlug,
	config.ProtocolSlug,
	config.StoreSlug,
	config.StreamLogSlug,
	config.RelaySlug,
}

type ServeCommand struct {
	*cmds.CommandDescription
	base config.Config
}

var _ cmds.BareCommand = (*ServeCommand)(nil)

func NewServeCommand(base config.Config) (*ServeCommand, error) {
	sections, err := config.Sections(base, serveSections...)
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"serve",
		cmds.WithShort("Serve the message API and websocket, optionally proxying an agent backend"),
		cmds.WithLong("Serve the live message table over HTTP and websocket. Chunks arrive from the reverse proxy, "+
			"the HTTP ingest endpoint or the Redis relay."),
		cmds.WithSections(sections...),
	)
	return &ServeCommand{CommandDescription: desc, base: base}, nil
}

func (c *ServeCommand) Run(ctx context.Context, parsed *values.Values) error {
	cfg, err := config.FromValues(parsed, c.base, serveSections...)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runServe(ctx, cfg)
}

func runServe(ctx context.Context, cfg config.Config) error {
	m := metrics.New()
	s := store.New(cfg.StoreOptions()...)
	defer s.Dispose()

	buf := streamlog.NewBuffer(cfg.StreamLog.Limit)
	var (
		recorder engine.Recorder = buf
		readLog  streamlog.Log   = buf
	)
	if cfg.StreamLog.SQLitePath != "" {
		dsn, err := streamlog.DSNForFile(cfg.StreamLog.SQLitePath)
		if err != nil {
			return err
		}
		db, err := streamlog.NewSQLiteStore(dsn, cfg.StreamLog.Limit)
		if err != nil {
			return errors.Wrap(err, "open stream log")
		}
		defer func() { _ = db.Close() }()
		recorder = streamlog.Multi(buf, db)
		readLog = db
	}

	eng := engine.New(s,
		engine.WithLogger(log.With().Str("component", "engine").Logger()),
		engine.WithRecorder(recorder),
		engine.WithMetrics(m),
		engine.WithPatchOptions(cfg.PatchOptions()),
		engine.WithMaxObjectBytes(cfg.Protocol.MaxObjectBytes),
	)
	defer eng.Close()

	hub := webchat.NewHub(s, webchat.NewConnectionPool(m.SetWSClients))
	defer hub.Close()
	api := webchat.NewServer(eng, hub, webchat.WithStreamLog(readLog), webchat.WithMetrics(m)).Handler()

	bus, err := relay.NewBus(ctx, cfg.Relay, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = bus.Close() }()
	coord := relay.NewCoordinator(bus.Subscriber, bus.Topic, engine.NewSink(eng), log.Logger)
	// Subscribe before anything can publish.
	if err := coord.Start(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", api)
	mux.Handle("/ws", api)
	mux.Handle("/metrics", api)
	mux.Handle("/healthz", api)
	if cfg.Upstream.URL != "" {
		u, err := url.Parse(cfg.Upstream.URL)
		if err != nil {
			return errors.Wrapf(err, "parse upstream %q", cfg.Upstream.URL)
		}
		mux.Handle("/", intercept.NewReverseProxy(u, relay.NewPublisher(bus.Publisher, bus.Topic), cfg.Upstream.Prefixes...))
		log.Info().Str("upstream", u.String()).Strs("prefixes", cfg.Upstream.Prefixes).Msg("proxying agent backend")
	}

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return coord.Run(egCtx)
	})
	eg.Go(func() error {
		<-egCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		return nil
	})
	eg.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting streamfold server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})
	return eg.Wait()
}
