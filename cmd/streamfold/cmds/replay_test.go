package cmds

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/streamfold/pkg/config"
)

func writeBody(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func collect(rows *[]types.Row) func(types.Row) error {
	return func(row types.Row) error {
		*rows = append(*rows, row)
		return nil
	}
}

func cell(t *testing.T, row types.Row, key string) any {
	t.Helper()
	v, ok := row.Get(key)
	require.True(t, ok, "missing column %s", key)
	return v
}

func TestReplayFiles(t *testing.T) {
	dir := t.TempDir()
	first := writeBody(t, dir, "run-1.txt",
		"data: "+`{"data":{"x":{"messages":[{"id":"l1","kind":"action","name":"lookup","createdAt":1000,"arguments":["{\"q\":"]}]}}}`+"\n\n"+
			"data: "+`{"incremental":[{"path":["x","messages",0,"arguments",1],"items":["\"héllo\"}"]}]}`+"\n\n")
	second := writeBody(t, dir, "run-2.txt",
		`{"data":{"x":{"messages":[{"id":"l2","kind":"action","name":"lookup","createdAt":2000,"meta":{"n":3}}]}}}`)

	cfg := config.Default()
	res, recs, err := replayFiles(context.Background(), cfg, []string{first, second}, nil, 7)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "run-1", recs[0].ID)
	require.Equal(t, 2, recs[0].Objects)
	require.True(t, recs[1].Completed)

	l1, ok := res.store.Get("l1")
	require.True(t, ok)
	require.Equal(t, `{"q":"héllo"}`, l1.Text("arguments"))

	var rows []types.Row
	require.NoError(t, messageRows(res, cfg.PatchOptions().ArrayFields, false, collect(&rows)))
	require.Len(t, rows, 2)
	require.Equal(t, "l1", cell(t, rows[0], "id"))
	require.Equal(t, int64(1000), cell(t, rows[0], "createdAt"))
	require.Equal(t, `{"q":"héllo"}`, cell(t, rows[0], "arguments"))
	require.Equal(t, false, cell(t, rows[0], "authoritative"))
	require.Equal(t, true, cell(t, rows[1], "authoritative"))
	require.Equal(t, map[string]any{"n": int64(3)}, cell(t, rows[1], "meta"))

	rows = nil
	require.NoError(t, messageRows(res, cfg.PatchOptions().ArrayFields, true, collect(&rows)))
	require.Len(t, rows, 1)
	require.Equal(t, "l2", cell(t, rows[0], "id"))
}

func TestReplayFiles_Stdin(t *testing.T) {
	body := `{"data":{"x":{"messages":[{"id":"s1","kind":"text","content":["hi"]}]}}}`
	res, recs, err := replayFiles(context.Background(), config.Default(), nil, strings.NewReader(body), 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, stdinStreamID, recs[0].ID)

	var rows []types.Row
	require.NoError(t, messageRows(res, []string{"content"}, false, collect(&rows)))
	require.Len(t, rows, 1)
	require.Equal(t, "hi", cell(t, rows[0], "content"))
	require.Nil(t, cell(t, rows[0], "createdAt"))
}

func TestReplayFiles_MissingFile(t *testing.T) {
	_, _, err := replayFiles(context.Background(), config.Default(), []string{filepath.Join(t.TempDir(), "nope")}, nil, 0)
	require.Error(t, err)
}
