package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamfold/pkg/message"
)

func msgAt(id, kind string, ms int64, fields map[string]any) message.Message {
	m := message.Message{ID: id, Kind: kind, Fields: fields}
	if ms > 0 {
		m.CreatedAt = time.UnixMilli(ms)
	}
	return m
}

func TestStore_PutAndGet(t *testing.T) {
	s := New()

	_, err := s.Put(message.Message{Kind: "text"})
	require.Error(t, err)
	_, err = s.Put(message.Message{ID: "m0"})
	require.Error(t, err)

	_, err = s.Put(msgAt("m1", "text", 200, map[string]any{"content": []any{"hi"}}))
	require.NoError(t, err)

	got, ok := s.Get("m1")
	require.True(t, ok)
	require.Equal(t, "text", got.Kind)
	require.Equal(t, []any{"hi"}, got.Fields["content"])
	require.Equal(t, int64(200), got.CreatedAt.UnixMilli())

	// Mutating the returned copy must not leak into the store.
	got.Fields["content"].([]any)[0] = "changed"
	again, _ := s.Get("m1")
	require.Equal(t, []any{"hi"}, again.Fields["content"])

	_, ok = s.Get("missing")
	require.False(t, ok)
}

func TestStore_IdempotentReplacement(t *testing.T) {
	s := New()
	m := msgAt("m1", "text", 100, map[string]any{"content": []any{"a", "b"}})

	_, err := s.Put(m)
	require.NoError(t, err)
	once := s.All()

	_, err = s.Put(m)
	require.NoError(t, err)
	twice := s.All()

	require.Equal(t, once, twice)
	require.Equal(t, 1, s.Len())
	require.Len(t, s.ByKind("text"), 1)
}

func TestStore_CreatedAtPreservedAndStamped(t *testing.T) {
	now := time.UnixMilli(5000)
	s := New(WithClock(func() time.Time { return now }))

	_, err := s.Put(msgAt("m1", "text", 0, nil))
	require.NoError(t, err)
	got, _ := s.Get("m1")
	require.Equal(t, now, got.CreatedAt)

	now = time.UnixMilli(9000)
	_, err = s.Put(msgAt("m1", "text", 0, map[string]any{"role": "assistant"}))
	require.NoError(t, err)
	got, _ = s.Get("m1")
	require.Equal(t, int64(5000), got.CreatedAt.UnixMilli())
	require.Equal(t, "assistant", got.Fields["role"])
}

func TestStore_KindCannotChange(t *testing.T) {
	s := New()
	_, err := s.Put(msgAt("m1", "text", 1, nil))
	require.NoError(t, err)
	_, err = s.Put(msgAt("m1", "action", 1, nil))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrKindChanged))

	got, _ := s.Get("m1")
	require.Equal(t, "text", got.Kind)
}

func TestStore_ByKindInsertionOrder(t *testing.T) {
	s := New()
	for _, id := range []string{"c", "a", "b"} {
		_, err := s.Put(msgAt(id, "text", 1, nil))
		require.NoError(t, err)
	}
	_, err := s.Put(msgAt("x", "action", 1, map[string]any{"name": "search"}))
	require.NoError(t, err)

	var ids []string
	for _, m := range s.ByKind("text") {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"c", "a", "b"}, ids)
	require.Len(t, s.ByKind("action"), 1)
	require.Empty(t, s.ByKind("nope"))
}

func TestStore_LatestActionByName(t *testing.T) {
	s := New()
	_, err := s.Put(msgAt("a1", "action", 100, map[string]any{"name": "lookup"}))
	require.NoError(t, err)
	_, err = s.Put(msgAt("a2", "action", 200, map[string]any{"name": "lookup"}))
	require.NoError(t, err)
	// Older timestamp inserted later does not win.
	_, err = s.Put(msgAt("a0", "action", 50, map[string]any{"name": "lookup"}))
	require.NoError(t, err)

	latest, ok := s.LatestActionByName("lookup")
	require.True(t, ok)
	require.Equal(t, "a2", latest.ID)
	require.Len(t, s.ActionsByName("lookup"), 3)

	// Equal timestamps: last inserted wins.
	_, err = s.Put(msgAt("a3", "action", 200, map[string]any{"name": "lookup"}))
	require.NoError(t, err)
	latest, _ = s.LatestActionByName("lookup")
	require.Equal(t, "a3", latest.ID)

	// Renaming moves the record between groups.
	_, err = s.Put(msgAt("a3", "action", 200, map[string]any{"name": "search"}))
	require.NoError(t, err)
	latest, _ = s.LatestActionByName("lookup")
	require.Equal(t, "a2", latest.ID)
	latest, _ = s.LatestActionByName("search")
	require.Equal(t, "a3", latest.ID)

	// Non-action kinds never enter the name index.
	_, err = s.Put(msgAt("t1", "text", 999, map[string]any{"name": "lookup"}))
	require.NoError(t, err)
	latest, _ = s.LatestActionByName("lookup")
	require.Equal(t, "a2", latest.ID)

	_, ok = s.LatestActionByName("unknown")
	require.False(t, ok)
}

func TestStore_LateNameKeepsInsertionOrder(t *testing.T) {
	s := New()
	_, err := s.Put(msgAt("a", "tool_call", 1000, nil))
	require.NoError(t, err)
	_, err = s.Put(msgAt("b", "tool_call", 1000, map[string]any{"name": "search"}))
	require.NoError(t, err)
	// a is named after b was stored; a was still inserted first.
	_, err = s.Put(msgAt("a", "tool_call", 1000, map[string]any{"name": "search"}))
	require.NoError(t, err)

	var ids []string
	for _, m := range s.ActionsByName("search") {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"a", "b"}, ids)

	latest, ok := s.LatestActionByName("search")
	require.True(t, ok)
	require.Equal(t, "b", latest.ID)
}

func TestStore_CustomActionKinds(t *testing.T) {
	s := New(WithActionKinds("function"))
	require.False(t, s.IsAction(message.Message{Kind: "action"}))
	require.True(t, s.IsAction(message.Message{Kind: "function"}))
}

func TestStore_SubscribeAndUnsubscribe(t *testing.T) {
	s := New()
	var a, b []string
	unsubA := s.Subscribe(func(m message.Message) { a = append(a, m.ID) })
	unsubB := s.Subscribe(func(m message.Message) {
		b = append(b, m.ID)
		// Reads from a callback observe the Put that triggered it.
		got, ok := s.Get(m.ID)
		require.True(t, ok)
		require.Equal(t, m.ID, got.ID)
	})

	_, err := s.Put(msgAt("m1", "text", 1, nil))
	require.NoError(t, err)
	unsubA()
	unsubA()
	_, err = s.Put(msgAt("m2", "text", 1, nil))
	require.NoError(t, err)
	unsubB()
	_, err = s.Put(msgAt("m3", "text", 1, nil))
	require.NoError(t, err)

	require.Equal(t, []string{"m1"}, a)
	require.Equal(t, []string{"m1", "m2"}, b)
}

func TestStore_SinceVersion(t *testing.T) {
	s := New()
	for _, id := range []string{"m1", "m2", "m3"} {
		_, err := s.Put(msgAt(id, "text", 1, nil))
		require.NoError(t, err)
	}
	_, err := s.Put(msgAt("m1", "text", 1, map[string]any{"content": []any{"x"}}))
	require.NoError(t, err)

	v, all := s.Since(0)
	require.Equal(t, uint64(4), v)
	require.Len(t, all, 3)
	require.Equal(t, "m2", all[0].ID)
	require.Equal(t, "m1", all[2].ID)

	_, inc := s.Since(3)
	require.Len(t, inc, 1)
	require.Equal(t, "m1", inc[0].ID)
}

func TestStore_MaxMessagesEvictsOldestVersion(t *testing.T) {
	s := New(WithMaxMessages(2))
	_, err := s.Put(msgAt("a1", "action", 10, map[string]any{"name": "search"}))
	require.NoError(t, err)
	_, err = s.Put(msgAt("m2", "text", 20, nil))
	require.NoError(t, err)
	_, err = s.Put(msgAt("m3", "text", 30, nil))
	require.NoError(t, err)

	require.Equal(t, 2, s.Len())
	_, ok := s.Get("a1")
	require.False(t, ok)
	_, ok = s.LatestActionByName("search")
	require.False(t, ok)
	require.Empty(t, s.ByKind("action"))
}

func TestStore_ResetAndDispose(t *testing.T) {
	s := New()
	calls := 0
	s.Subscribe(func(message.Message) { calls++ })

	_, err := s.Put(msgAt("a1", "action", 10, map[string]any{"name": "search"}))
	require.NoError(t, err)
	s.Reset()
	require.Equal(t, 0, s.Len())
	_, ok := s.LatestActionByName("search")
	require.False(t, ok)
	require.Equal(t, uint64(1), s.Version())

	_, err = s.Put(msgAt("m1", "text", 10, nil))
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	s.Dispose()
	_, err = s.Put(msgAt("m2", "text", 10, nil))
	require.True(t, errors.Is(err, ErrDisposed))
	require.Equal(t, 2, calls)
	require.Equal(t, 0, s.Len())
}
