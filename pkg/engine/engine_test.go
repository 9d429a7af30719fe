package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamfold/pkg/message"
	"github.com/go-go-golems/streamfold/pkg/metrics"
	"github.com/go-go-golems/streamfold/pkg/recency"
	"github.com/go-go-golems/streamfold/pkg/store"
)

type captureRecorder struct {
	mu   sync.Mutex
	recs []StreamRecord
}

func (c *captureRecorder) Record(_ context.Context, rec StreamRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureRecorder) all() []StreamRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StreamRecord(nil), c.recs...)
}

func newEngine(opts ...Option) (*Engine, *store.Store) {
	s := store.New()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	return New(s, opts...), s
}

func TestEngine_ObjectSplitAcrossChunks(t *testing.T) {
	e, s := newEngine()
	st, err := e.Open("r1")
	require.NoError(t, err)

	require.NoError(t, st.Feed(`{"data":{"x":{"mess`))
	require.Equal(t, 0, s.Len())
	require.NoError(t, st.Feed(`ages":[{"id":"m1","kind":"text","content":["hi"]}]}}}`))

	require.Equal(t, 1, s.Len())
	m, ok := s.Get("m1")
	require.True(t, ok)
	require.Equal(t, []any{"hi"}, m.Fields["content"])

	require.NoError(t, st.Feed(`{"incremental":[{"path":["x","messages",0,"content",1],"items":["world"],"data":null}]}`))
	m, _ = s.Get("m1")
	require.Equal(t, []any{"hi", "world"}, m.Fields["content"])

	rec := st.Record()
	require.Len(t, rec.Chunks, 3)
	for i, c := range rec.Chunks {
		require.Equal(t, i, c.Sequence)
	}
	require.Equal(t, 2, rec.Objects)
	require.Equal(t, 2, rec.Applied)
}

func TestEngine_LatestActionAcrossStreams(t *testing.T) {
	e, s := newEngine()
	a, err := e.Open("a")
	require.NoError(t, err)
	b, err := e.Open("b")
	require.NoError(t, err)

	require.NoError(t, a.Feed(`{"data":{"x":{"messages":[{"id":"l1","kind":"action","name":"lookup","createdAt":1000}]}}}`))
	require.NoError(t, b.Feed(`{"data":{"x":{"messages":[{"id":"l2","kind":"action","name":"lookup","createdAt":2000}]}}}`))

	latest, ok := s.LatestActionByName("lookup")
	require.True(t, ok)
	require.Equal(t, "l2", latest.ID)

	l1, _ := s.Get("l1")
	require.False(t, recency.New(s).IsAuthoritative(l1))
}

func TestEngine_TrackersArePerStream(t *testing.T) {
	e, s := newEngine()
	a, _ := e.Open("a")
	b, _ := e.Open("b")
	require.NoError(t, a.Feed(`{"data":{"x":{"messages":[{"id":"m1","kind":"text","content":["a"]}]}}}`))

	// b has not seen position 0, so its patch is dropped.
	require.NoError(t, b.Feed(`{"incremental":[{"path":["x","messages",0,"content",1],"items":["b"]}]}`))
	m, _ := s.Get("m1")
	require.Equal(t, []any{"a"}, m.Fields["content"])
	require.Equal(t, 1, b.Record().Dropped)
}

func TestEngine_MalformedObjectDoesNotStopStream(t *testing.T) {
	e, s := newEngine()
	st, _ := e.Open("r")
	require.NoError(t, st.Feed(`data: {"oops": } `))
	require.NoError(t, st.Feed(`{"data":{"x":{"messages":[{"id":"m1","kind":"text"}]}}}`))
	require.Equal(t, 1, s.Len())
	rec := st.Record()
	require.Equal(t, 2, rec.Objects)
	require.Equal(t, 1, rec.Malformed)
}

func TestEngine_MalformedObjectLoggedAtWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.InfoLevel)
	e, _ := newEngine(WithLogger(logger))
	st, _ := e.Open("r")
	require.NoError(t, st.Feed(`{"oops": }`))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "discarding malformed object", entry["message"])
	require.Equal(t, "r", entry["stream_id"])
}

func TestEngine_CompleteAndFail(t *testing.T) {
	rec := &captureRecorder{}
	e, s := newEngine(WithRecorder(rec))

	st, err := e.Open("done")
	require.NoError(t, err)
	require.NoError(t, st.Feed(`{"data":{"x":{"messages":[{"id":"m1","kind":"text"}]}}} {"data":`))
	st.Complete()
	st.Complete()
	require.ErrorIs(t, st.Feed("{}"), ErrStreamClosed)

	failed, err := e.Open("broken")
	require.NoError(t, err)
	failed.Fail(errors.New("connection reset"))

	recs := rec.all()
	require.Len(t, recs, 2)
	require.Equal(t, "done", recs[0].ID)
	require.True(t, recs[0].Completed)
	require.True(t, recs[0].Terminated())
	require.Equal(t, "broken", recs[1].ID)
	require.False(t, recs[1].Completed)
	require.Equal(t, "connection reset", recs[1].Error)

	// Committed messages survive termination.
	require.Equal(t, 1, s.Len())
	require.Empty(t, e.Active())

	// The id can be reused once the stream is gone.
	_, err = e.Open("done")
	require.NoError(t, err)
}

func TestEngine_OpenRules(t *testing.T) {
	e, _ := newEngine()
	st, err := e.Open("")
	require.NoError(t, err)
	require.NotEmpty(t, st.ID())

	_, err = e.Open(st.ID())
	require.ErrorIs(t, err, ErrStreamExists)

	e.Close()
	require.Empty(t, e.Active())
	require.ErrorIs(t, st.Feed("{}"), ErrStreamClosed)
	_, err = e.Open("late")
	require.ErrorIs(t, err, ErrEngineClosed)
}

func TestEngine_CloseFailsOpenStreams(t *testing.T) {
	rec := &captureRecorder{}
	e, _ := newEngine(WithRecorder(rec))
	_, _ = e.Open("a")
	_, _ = e.Open("b")
	e.Close()
	recs := rec.all()
	require.Len(t, recs, 2)
	for _, r := range recs {
		require.Equal(t, ErrEngineClosed.Error(), r.Error)
	}
}

func TestEngine_Reset(t *testing.T) {
	e, s := newEngine()
	st, _ := e.Open("r")
	require.NoError(t, st.Feed(`{"data":{"x":{"messages":[{"id":"m1","kind":"text"}]}}}`))
	e.Reset()
	require.Equal(t, 0, s.Len())

	require.NoError(t, st.Feed(`{"incremental":[{"path":["x","messages",0],"data":{"role":"user"}}]}`))
	require.Equal(t, 0, s.Len())
	require.Equal(t, 1, st.Record().Dropped)
}

func TestEngine_MaxObjectBytes(t *testing.T) {
	e, s := newEngine(WithMaxObjectBytes(64))
	st, _ := e.Open("r")
	big := `{"data":{"x":{"messages":[{"id":"big","kind":"text","content":["aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"]}]}}}`
	require.NoError(t, st.Feed(big))
	require.NoError(t, st.Feed(`{"data":{"x":{"messages":[{"id":"ok","kind":"text"}]}}}`))
	_, ok := s.Get("big")
	require.False(t, ok)
	_, ok = s.Get("ok")
	require.True(t, ok)
}

func TestEngine_Sink(t *testing.T) {
	e, s := newEngine()
	sink := NewSink(e)
	require.NoError(t, sink.Open("s"))
	require.NoError(t, sink.Chunk("s", `{"data":{"x":{"messages":[{"id":"m1","kind":"text"}]}}}`))
	require.NoError(t, sink.Close("s", nil))
	require.Equal(t, 1, s.Len())

	require.ErrorIs(t, sink.Chunk("s", "x"), ErrUnknownStream)
	require.ErrorIs(t, sink.Close("nope", nil), ErrUnknownStream)
}

func TestEngine_ConcurrentStreamsSerialize(t *testing.T) {
	e, s := newEngine()
	var seen []string
	var mu sync.Mutex
	s.Subscribe(func(m message.Message) {
		mu.Lock()
		seen = append(seen, m.ID)
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := e.Open("")
			if err != nil {
				return
			}
			id := string(rune('a' + i))
			_ = st.Feed(`{"data":{"x":{"messages":[{"id":"` + id + `","kind":"text"}]}}}`)
			st.Complete()
		}(i)
	}
	wg.Wait()
	require.Equal(t, 8, s.Len())
	mu.Lock()
	require.Len(t, seen, 8)
	mu.Unlock()
}

func TestEngine_MetricsObservePuts(t *testing.T) {
	m := metrics.New()
	e, _ := newEngine(WithMetrics(m), WithClock(func() time.Time { return time.UnixMilli(42) }))
	st, _ := e.Open("r")
	require.NoError(t, st.Feed(`{"data":{"x":{"messages":[{"id":"a1","kind":"action","name":"search"}]}}}`))
	st.Complete()
	require.Equal(t, int64(42), st.Record().StartedAt.UnixMilli())

	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range mfs {
		if mf.GetName() == "streamfold_store_puts_total" {
			found = true
			require.Equal(t, 1.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)
}
