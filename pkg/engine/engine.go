// Package engine wires the extractor, interpreter and store into per-stream
// lifecycles. Every chunk from every stream is processed to completion, store
// notifications included, before the next chunk is looked at.
package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamfold/pkg/extract"
	"github.com/go-go-golems/streamfold/pkg/message"
	"github.com/go-go-golems/streamfold/pkg/metrics"
	"github.com/go-go-golems/streamfold/pkg/patch"
	"github.com/go-go-golems/streamfold/pkg/reconstruct"
	"github.com/go-go-golems/streamfold/pkg/store"
)

var (
	ErrStreamClosed  = errors.New("stream closed")
	ErrStreamExists  = errors.New("stream already open")
	ErrUnknownStream = errors.New("unknown stream")
	ErrEngineClosed  = errors.New("engine closed")
)

const recordTimeout = 5 * time.Second

// Recorder receives the record of every terminated stream.
type Recorder interface {
	Record(ctx context.Context, rec StreamRecord) error
}

type Option func(*Engine)

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.log = logger }
}

func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithPatchOptions(opts patch.Options) Option {
	return func(e *Engine) { e.patchOpts = opts }
}

// WithMaxObjectBytes caps the size of a single buffered wire object; 0 means
// unlimited.
func WithMaxObjectBytes(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxObjectBytes = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

type Engine struct {
	mu      sync.Mutex
	store   *store.Store
	interp  *reconstruct.Interpreter
	streams map[string]*Stream
	closed  bool

	recorder       Recorder
	metrics        *metrics.Metrics
	patchOpts      patch.Options
	maxObjectBytes int
	now            func() time.Time
	log            zerolog.Logger

	unsubscribe func()
}

func New(s *store.Store, opts ...Option) *Engine {
	if s == nil {
		s = store.New()
	}
	e := &Engine{
		store:     s,
		streams:   map[string]*Stream{},
		patchOpts: patch.DefaultOptions(),
		now:       time.Now,
		log:       log.With().Str("component", "engine").Logger(),
	}
	for _, o := range opts {
		o(e)
	}
	e.interp = reconstruct.NewInterpreter(s, e.patchOpts, e.log)
	if e.metrics != nil {
		m := e.metrics
		e.unsubscribe = s.Subscribe(func(msg message.Message) { m.Put(msg.Kind) })
	}
	return e
}

func (e *Engine) Store() *store.Store {
	return e.store
}

// Open starts a new stream. An empty id is replaced with a random one.
func (e *Engine) Open(id string) (*Stream, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if _, ok := e.streams[id]; ok {
		return nil, errors.Wrapf(ErrStreamExists, "stream %s", id)
	}
	var ex *extract.Extractor
	if e.maxObjectBytes > 0 {
		ex = extract.NewWithLimit(e.maxObjectBytes)
	} else {
		ex = extract.New()
	}
	st := &Stream{
		e:         e,
		rec:       StreamRecord{ID: id, StartedAt: e.now()},
		extractor: ex,
		tracker:   reconstruct.NewIndexTracker(),
		log:       e.log.With().Str("stream_id", id).Logger(),
	}
	e.streams[id] = st
	e.metrics.StreamOpened()
	st.log.Debug().Msg("stream opened")
	return st, nil
}

// Lookup returns the active stream with the given id.
func (e *Engine) Lookup(id string) (*Stream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[id]
	return st, ok
}

// Active returns the ids of open streams.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.streams))
	for id := range e.streams {
		out = append(out, id)
	}
	return out
}

// Reset clears the store and forgets every open stream's index positions.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.streams {
		st.tracker.Reset()
	}
	e.store.Reset()
	e.log.Info().Msg("store reset")
}

// Close fails every open stream and rejects further Opens. The store is left
// intact.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	open := make([]*Stream, 0, len(e.streams))
	for _, st := range e.streams {
		open = append(open, st)
	}
	unsub := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	for _, st := range open {
		st.Fail(ErrEngineClosed)
	}
	if unsub != nil {
		unsub()
	}
}

func (e *Engine) record(rec StreamRecord) {
	if e.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := e.recorder.Record(ctx, rec); err != nil {
		e.log.Warn().Err(err).Str("stream_id", rec.ID).Msg("failed to record stream")
	}
}
