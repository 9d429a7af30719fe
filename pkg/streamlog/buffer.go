package streamlog

import (
	"context"
	"sync"

	"github.com/go-go-golems/streamfold/pkg/engine"
)

// Buffer keeps the most recent terminated streams in memory.
type Buffer struct {
	mu      sync.Mutex
	max     int
	records []engine.StreamRecord
}

var _ Log = &Buffer{}

func NewBuffer(limit int) *Buffer {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &Buffer{max: limit, records: make([]engine.StreamRecord, 0, limit)}
}

func (b *Buffer) Record(_ context.Context, rec engine.StreamRecord) error {
	if b == nil {
		return nil
	}
	rec.Chunks = append([]engine.RawChunk(nil), rec.Chunks...)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = append(b.records, rec)
	if len(b.records) > b.max {
		drop := len(b.records) - b.max
		b.records = append([]engine.StreamRecord(nil), b.records[drop:]...)
	}
	return nil
}

func (b *Buffer) List(_ context.Context, limit int) ([]engine.StreamRecord, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > len(b.records) {
		limit = len(b.records)
	}
	out := make([]engine.StreamRecord, 0, limit)
	for i := len(b.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, summary(b.records[i]))
	}
	return out, nil
}

func (b *Buffer) Get(_ context.Context, id string) (engine.StreamRecord, bool, error) {
	if b == nil {
		return engine.StreamRecord{}, false, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.records) - 1; i >= 0; i-- {
		if b.records[i].ID == id {
			rec := b.records[i]
			rec.Chunks = append([]engine.RawChunk(nil), rec.Chunks...)
			return rec, true, nil
		}
	}
	return engine.StreamRecord{}, false, nil
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}
