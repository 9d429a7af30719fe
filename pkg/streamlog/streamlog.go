// Package streamlog keeps the records of terminated streams for inspection.
package streamlog

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/streamfold/pkg/engine"
)

const DefaultLimit = 50

// Log is a Recorder that can also be queried. List returns the most recent
// records first, without chunks; Get includes chunks.
type Log interface {
	engine.Recorder
	List(ctx context.Context, limit int) ([]engine.StreamRecord, error)
	Get(ctx context.Context, id string) (engine.StreamRecord, bool, error)
}

type multi []engine.Recorder

// Multi records into every non-nil recorder. All are attempted; failures are
// joined.
func Multi(recorders ...engine.Recorder) engine.Recorder {
	out := make(multi, 0, len(recorders))
	for _, r := range recorders {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (m multi) Record(ctx context.Context, rec engine.StreamRecord) error {
	var msgs []string
	for _, r := range m {
		if err := r.Record(ctx, rec); err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) > 0 {
		return errors.Errorf("stream log: %s", strings.Join(msgs, "; "))
	}
	return nil
}

func summary(rec engine.StreamRecord) engine.StreamRecord {
	rec.Chunks = nil
	return rec
}
