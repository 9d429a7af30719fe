package webchat

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamfold/pkg/engine"
	"github.com/go-go-golems/streamfold/pkg/message"
	"github.com/go-go-golems/streamfold/pkg/metrics"
	"github.com/go-go-golems/streamfold/pkg/store"
	"github.com/go-go-golems/streamfold/pkg/streamlog"
)

type fixture struct {
	store  *store.Store
	engine *engine.Engine
	hub    *Hub
	log    *streamlog.Buffer
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.New()
	buf := streamlog.NewBuffer(10)
	m := metrics.New()
	e := engine.New(s, engine.WithLogger(zerolog.Nop()), engine.WithRecorder(buf), engine.WithMetrics(m))
	hub := NewHub(s, NewConnectionPool(m.SetWSClients))
	srv := httptest.NewServer(NewServer(e, hub, WithStreamLog(buf), WithMetrics(m)).Handler())
	t.Cleanup(func() {
		srv.Close()
		hub.Close()
		e.Close()
	})
	return &fixture{store: s, engine: e, hub: hub, log: buf, srv: srv}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *fixture) ingest(t *testing.T, id, body string) map[string]any {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/api/ingest?stream_id="+id, "text/plain", strings.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

const agentRun = `{"data":{"x":{"messages":[` +
	`{"id":"m1","kind":"text","content":["hi"],"createdAt":1000},` +
	`{"id":"s1","kind":"action","name":"tavily_search","createdAt":1100},` +
	`{"id":"s2","kind":"action","name":"tavily_search","createdAt":1200},` +
	`{"id":"q1","kind":"action","name":"ask_user_question","status":"awaiting_input","createdAt":1300}` +
	`]}}}` +
	`{"incremental":[{"path":["x","messages",0,"content",1],"items":[" there"]}]}`

func TestAPI_IngestAndQuery(t *testing.T) {
	f := newFixture(t)
	out := f.ingest(t, "run-1", agentRun)
	require.Equal(t, "run-1", out["stream_id"])

	var all messagesResponse
	require.Equal(t, http.StatusOK, f.get(t, "/api/messages", &all))
	require.Len(t, all.Messages, 4)
	require.Equal(t, "hi there", all.Messages[0].Text("content"))

	var actions messagesResponse
	f.get(t, "/api/messages?kind=action&authoritative=true", &actions)
	var ids []string
	for _, m := range actions.Messages {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"s2", "q1"}, ids)

	var since messagesResponse
	f.get(t, "/api/messages?since="+itoa(all.Version-1), &since)
	require.Len(t, since.Messages, 1)
	require.Equal(t, "m1", since.Messages[0].ID)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/messages?since=x", nil))

	var one message.Message
	require.Equal(t, http.StatusOK, f.get(t, "/api/messages/s1", &one))
	require.Equal(t, "tavily_search", one.Name())
	require.Equal(t, http.StatusNotFound, f.get(t, "/api/messages/nope", nil))

	var latest message.Message
	require.Equal(t, http.StatusOK, f.get(t, "/api/actions/latest?name=tavily_search", &latest))
	require.Equal(t, "s2", latest.ID)
	require.Equal(t, http.StatusBadRequest, f.get(t, "/api/actions/latest", nil))
	require.Equal(t, http.StatusNotFound, f.get(t, "/api/actions/latest?name=other", nil))

	var pending struct {
		Messages []message.Message `json:"messages"`
	}
	f.get(t, "/api/actions/pending", &pending)
	require.Len(t, pending.Messages, 1)
	require.Equal(t, "q1", pending.Messages[0].ID)
}

func TestAPI_Streams(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "run-1", agentRun)
	f.ingest(t, "run-2", `{"data":`)

	var list struct {
		Active []string              `json:"active"`
		Recent []engine.StreamRecord `json:"recent"`
	}
	require.Equal(t, http.StatusOK, f.get(t, "/api/streams", &list))
	require.Empty(t, list.Active)
	require.Len(t, list.Recent, 2)
	require.Equal(t, "run-2", list.Recent[0].ID)

	var rec engine.StreamRecord
	require.Equal(t, http.StatusOK, f.get(t, "/api/streams/run-1", &rec))
	require.True(t, rec.Completed)
	require.Equal(t, 2, rec.Objects)
	require.NotEmpty(t, rec.Chunks)

	st, err := f.engine.Open("live")
	require.NoError(t, err)
	require.NoError(t, st.Feed("{"))
	require.Equal(t, http.StatusOK, f.get(t, "/api/streams/live", &rec))
	require.False(t, rec.Terminated())

	require.Equal(t, http.StatusNotFound, f.get(t, "/api/streams/none", nil))

	resp, err := http.Post(f.srv.URL+"/api/ingest?stream_id=live", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestAPI_ResetAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.ingest(t, "r", agentRun)
	require.Equal(t, 4, f.store.Len())

	resp, err := http.Post(f.srv.URL+"/api/reset", "", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, 0, f.store.Len())

	resp, err = http.Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Contains(t, string(body), `streamfold_store_puts_total{kind="action"} 3`)
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWS_HelloSnapshotUpsertPing(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.Put(message.Message{ID: "a1", Kind: "action", CreatedAt: time.UnixMilli(1), Fields: map[string]any{"name": "lookup"}})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Equal(t, FrameHello, readFrame(t, conn)["type"])
	snap := readFrame(t, conn)
	require.Equal(t, FrameSnapshot, snap["type"])
	require.Len(t, snap["messages"], 1)

	_, err = f.store.Put(message.Message{ID: "a2", Kind: "action", CreatedAt: time.UnixMilli(2), Fields: map[string]any{"name": "lookup"}})
	require.NoError(t, err)
	up := readFrame(t, conn)
	require.Equal(t, FrameUpsert, up["type"])
	require.Equal(t, true, up["authoritative"])
	require.Equal(t, "a2", up["message"].(map[string]any)["id"])
	// The replaced action follows, no longer authoritative.
	up = readFrame(t, conn)
	require.Equal(t, FrameUpsert, up["type"])
	require.Equal(t, false, up["authoritative"])
	require.Equal(t, "a1", up["message"].(map[string]any)["id"])

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	require.Equal(t, FramePong, readFrame(t, conn)["type"])

	// Re-putting the superseded action reports it as non-authoritative.
	_, err = f.store.Put(message.Message{ID: "a1", Kind: "action", Fields: map[string]any{"name": "lookup", "status": "done"}})
	require.NoError(t, err)
	up = readFrame(t, conn)
	require.Equal(t, false, up["authoritative"])

	require.Eventually(t, func() bool { return f.hub.Pool().Count() == 1 }, time.Second, 10*time.Millisecond)
}

func itoa(v uint64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
