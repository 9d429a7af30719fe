package webchat

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamfold/pkg/engine"
	"github.com/go-go-golems/streamfold/pkg/intercept"
	"github.com/go-go-golems/streamfold/pkg/message"
	"github.com/go-go-golems/streamfold/pkg/metrics"
	"github.com/go-go-golems/streamfold/pkg/recency"
	"github.com/go-go-golems/streamfold/pkg/streamlog"
)

// Server exposes the store, the stream log and the websocket fan-out over
// HTTP.
type Server struct {
	engine   *engine.Engine
	hub      *Hub
	policy   *recency.Policy
	streams  streamlog.Log
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

type Option func(*Server)

func WithStreamLog(l streamlog.Log) Option {
	return func(s *Server) { s.streams = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(s *Server) { s.upgrader = u }
}

func NewServer(e *engine.Engine, hub *Hub, opts ...Option) *Server {
	s := &Server{
		engine: e,
		hub:    hub,
		policy: recency.New(e.Store()),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log: log.With().Str("component", "webchat").Logger(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/messages", s.handleMessages)
	mux.HandleFunc("GET /api/messages/{id}", s.handleMessage)
	mux.HandleFunc("GET /api/actions/latest", s.handleLatestAction)
	mux.HandleFunc("GET /api/actions/pending", s.handlePendingActions)
	mux.HandleFunc("GET /api/streams", s.handleStreams)
	mux.HandleFunc("GET /api/streams/{id}", s.handleStream)
	mux.HandleFunc("POST /api/ingest", s.handleIngest)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

type messagesResponse struct {
	Version  uint64            `json:"version"`
	Messages []message.Message `json:"messages"`
}

// handleMessages lists messages in insertion order. Query parameters: kind
// filters by kind, since returns only messages changed after that version,
// authoritative=true hides superseded actions.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	st := s.engine.Store()
	q := r.URL.Query()

	var (
		version uint64
		msgs    []message.Message
	)
	if raw := strings.TrimSpace(q.Get("since")); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
		version, msgs = st.Since(since)
		if kind := strings.TrimSpace(q.Get("kind")); kind != "" {
			msgs = filterKind(msgs, kind)
		}
	} else {
		version = st.Version()
		if kind := strings.TrimSpace(q.Get("kind")); kind != "" {
			msgs = st.ByKind(kind)
		} else {
			msgs = st.All()
		}
	}
	if b, _ := strconv.ParseBool(q.Get("authoritative")); b {
		msgs = s.policy.Authoritative(msgs)
	}
	if msgs == nil {
		msgs = []message.Message{}
	}
	writeJSON(w, http.StatusOK, messagesResponse{Version: version, Messages: msgs})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	m, ok := s.engine.Store().Get(r.PathValue("id"))
	if !ok {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleLatestAction(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.URL.Query().Get("name"))
	if name == "" {
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	m, ok := s.engine.Store().LatestActionByName(name)
	if !ok {
		http.Error(w, "no action with that name", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handlePendingActions(w http.ResponseWriter, r *http.Request) {
	var names []string
	for _, n := range strings.Split(r.URL.Query().Get("names"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	pending := s.policy.PendingInput(s.engine.Store().All(), names...)
	if pending == nil {
		pending = []message.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": pending})
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recent := []engine.StreamRecord{}
	if s.streams != nil {
		list, err := s.streams.List(r.Context(), limit)
		if err != nil {
			s.log.Error().Err(err).Msg("list streams failed")
			http.Error(w, "failed to list streams", http.StatusInternalServerError)
			return
		}
		recent = append(recent, list...)
	}
	active := s.engine.Active()
	if active == nil {
		active = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active, "recent": recent})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if st, ok := s.engine.Lookup(id); ok {
		writeJSON(w, http.StatusOK, st.Record())
		return
	}
	if s.streams != nil {
		rec, ok, err := s.streams.Get(r.Context(), id)
		if err != nil {
			s.log.Error().Err(err).Str("stream_id", id).Msg("get stream failed")
			http.Error(w, "failed to load stream", http.StatusInternalServerError)
			return
		}
		if ok {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}
	http.Error(w, "stream not found", http.StatusNotFound)
}

// handleIngest feeds the request body into the engine as one stream.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("stream_id"))
	if id == "" {
		id = uuid.NewString()
	}
	err := intercept.ReaderSource(r.Context(), engine.NewSink(s.engine), id, r.Body, 0)
	switch {
	case errors.Is(err, engine.ErrStreamExists):
		http.Error(w, "stream already open", http.StatusConflict)
		return
	case errors.Is(err, engine.ErrEngineClosed):
		http.Error(w, "engine closed", http.StatusServiceUnavailable)
		return
	case err != nil:
		s.log.Warn().Err(err).Str("stream_id", id).Msg("ingest stream failed")
	}
	resp := map[string]any{"stream_id": id, "version": s.engine.Store().Version()}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.engine.Reset()
	if s.hub != nil {
		s.hub.BroadcastReset()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.Error(w, "websocket hub not initialized", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	if err := s.hub.Attach(conn); err != nil {
		s.log.Warn().Err(err).Msg("ws attach failed")
		_ = conn.Close()
	}
}

func filterKind(msgs []message.Message, kind string) []message.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
