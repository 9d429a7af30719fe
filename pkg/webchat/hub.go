package webchat

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/streamfold/pkg/message"
	"github.com/go-go-golems/streamfold/pkg/recency"
	"github.com/go-go-golems/streamfold/pkg/store"
)

// Frame types sent to websocket clients.
const (
	FrameHello    = "hello"
	FrameSnapshot = "snapshot"
	FrameUpsert   = "message.upsert"
	FrameReset    = "store.reset"
	FramePong     = "pong"
)

type upsertFrame struct {
	Type          string          `json:"type"`
	Message       message.Message `json:"message"`
	Authoritative bool            `json:"authoritative"`
}

type snapshotFrame struct {
	Type     string            `json:"type"`
	Version  uint64            `json:"version"`
	Messages []message.Message `json:"messages"`
	// Superseded lists action ids that a newer same-named action replaces.
	Superseded []string `json:"superseded,omitempty"`
}

type controlFrame struct {
	Type       string `json:"type"`
	ServerTime int64  `json:"serverTime"`
	Version    uint64 `json:"version,omitempty"`
}

// Hub broadcasts store changes to websocket clients.
//
// When a put changes which action of a name group is authoritative, the
// siblings whose flag flipped are re-sent after the put itself, so connected
// clients never hold two authoritative copies of one tool call.
type Hub struct {
	store       *store.Store
	policy      *recency.Policy
	pool        *ConnectionPool
	log         zerolog.Logger
	unsubscribe func()

	mu sync.Mutex
	// latest is the authoritative action id per name, as last broadcast.
	latest map[string]string
	// names is the last seen name of each action id.
	names map[string]string
}

func NewHub(s *store.Store, pool *ConnectionPool) *Hub {
	if pool == nil {
		pool = NewConnectionPool(nil)
	}
	h := &Hub{
		store:  s,
		policy: recency.New(s),
		pool:   pool,
		log:    log.With().Str("component", "webchat").Logger(),
	}
	h.seed()
	h.unsubscribe = s.Subscribe(h.onPut)
	return h
}

func (h *Hub) seed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.latest = map[string]string{}
	h.names = map[string]string{}
	for _, m := range h.store.All() {
		if name := m.Name(); name != "" && h.store.IsAction(m) {
			h.names[m.ID] = name
		}
	}
	for _, name := range h.names {
		if cur, ok := h.store.LatestActionByName(name); ok {
			h.latest[name] = cur.ID
		}
	}
}

func (h *Hub) Pool() *ConnectionPool {
	return h.pool
}

func (h *Hub) onPut(msg message.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	flipped := h.trackLocked(msg)
	if h.pool.Count() == 0 {
		return
	}
	h.broadcastUpsert(msg)
	for _, id := range flipped {
		if sibling, ok := h.store.Get(id); ok {
			h.broadcastUpsert(sibling)
		}
	}
}

// trackLocked updates the per-name authoritative ids after msg was put and
// returns the ids, other than msg, whose authoritative flag changed.
func (h *Hub) trackLocked(msg message.Message) []string {
	if !h.store.IsAction(msg) {
		return nil
	}
	affected := []string{}
	if prevName, ok := h.names[msg.ID]; ok && prevName != msg.Name() {
		affected = append(affected, prevName)
	}
	if name := msg.Name(); name != "" {
		h.names[msg.ID] = name
		affected = append(affected, name)
	} else {
		delete(h.names, msg.ID)
	}

	var flipped []string
	for _, name := range affected {
		prev := h.latest[name]
		cur := ""
		if m, ok := h.store.LatestActionByName(name); ok {
			cur = m.ID
		}
		if cur == prev {
			continue
		}
		if cur == "" {
			delete(h.latest, name)
		} else {
			h.latest[name] = cur
		}
		if prev != "" && prev != msg.ID {
			flipped = append(flipped, prev)
		}
		if cur != "" && cur != msg.ID {
			flipped = append(flipped, cur)
		}
	}
	return flipped
}

func (h *Hub) broadcastUpsert(msg message.Message) {
	b, err := json.Marshal(upsertFrame{
		Type:          FrameUpsert,
		Message:       msg,
		Authoritative: h.policy.IsAuthoritative(msg),
	})
	if err != nil {
		h.log.Warn().Err(err).Str("message_id", msg.ID).Msg("failed to encode upsert frame")
		return
	}
	h.pool.Broadcast(b)
}

// BroadcastReset tells clients to drop their copy of the store.
func (h *Hub) BroadcastReset() {
	h.seed()
	b, _ := json.Marshal(controlFrame{Type: FrameReset, ServerTime: time.Now().UnixMilli(), Version: h.store.Version()})
	h.pool.Broadcast(b)
}

// Snapshot builds the frame a newly attached client receives.
func (h *Hub) Snapshot() ([]byte, error) {
	version := h.store.Version()
	msgs := h.store.All()
	frame := snapshotFrame{Type: FrameSnapshot, Version: version, Messages: msgs}
	for _, m := range msgs {
		if !h.policy.IsAuthoritative(m) {
			frame.Superseded = append(frame.Superseded, m.ID)
		}
	}
	if frame.Messages == nil {
		frame.Messages = []message.Message{}
	}
	b, err := json.Marshal(frame)
	return b, errors.Wrap(err, "encode snapshot")
}

// Attach registers conn, sends hello and a snapshot, and serves pings until
// the connection drops.
func (h *Hub) Attach(conn *websocket.Conn) error {
	if conn == nil {
		return errors.New("websocket connection is nil")
	}
	wsLog := h.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	h.pool.Add(conn)

	hello, _ := json.Marshal(controlFrame{Type: FrameHello, ServerTime: time.Now().UnixMilli(), Version: h.store.Version()})
	h.pool.SendToOne(conn, hello)
	snap, err := h.Snapshot()
	if err != nil {
		h.pool.Remove(conn)
		return err
	}
	h.pool.SendToOne(conn, snap)
	wsLog.Info().Msg("ws connected")

	go func() {
		defer h.pool.Remove(conn)
		defer wsLog.Info().Msg("ws disconnected")
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				wsLog.Debug().Err(err).Msg("ws read loop end")
				return
			}
			if msgType == websocket.TextMessage && isPing(data) {
				pong, _ := json.Marshal(controlFrame{Type: FramePong, ServerTime: time.Now().UnixMilli()})
				h.pool.SendToOne(conn, pong)
			}
		}
	}()
	return nil
}

func isPing(data []byte) bool {
	text := strings.TrimSpace(strings.ToLower(string(data)))
	if text == "ping" {
		return true
	}
	var v struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return false
	}
	return strings.EqualFold(v.Type, "ping")
}

func (h *Hub) Close() {
	if h.unsubscribe != nil {
		h.unsubscribe()
	}
	h.pool.CloseAll()
}
