package reconstruct

// IndexTracker maps positions in the logical messages array to message ids for
// one stream. An index resolves only after a message has been observed at it.
type IndexTracker struct {
	ids map[int]string
}

func NewIndexTracker() *IndexTracker {
	return &IndexTracker{ids: map[int]string{}}
}

func (t *IndexTracker) Set(pos int, id string) {
	if t == nil || pos < 0 || id == "" {
		return
	}
	if t.ids == nil {
		t.ids = map[int]string{}
	}
	t.ids[pos] = id
}

func (t *IndexTracker) Resolve(pos int) (string, bool) {
	if t == nil {
		return "", false
	}
	id, ok := t.ids[pos]
	return id, ok
}

func (t *IndexTracker) Len() int {
	if t == nil {
		return 0
	}
	return len(t.ids)
}

func (t *IndexTracker) Reset() {
	if t == nil {
		return
	}
	t.ids = map[int]string{}
}
