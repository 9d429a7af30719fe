package engine

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/streamfold/pkg/extract"
	"github.com/go-go-golems/streamfold/pkg/reconstruct"
)

// RawChunk is one text fragment as delivered by the transport.
type RawChunk struct {
	Text      string    `json:"text" yaml:"text"`
	Sequence  int       `json:"sequence" yaml:"sequence"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// StreamRecord describes one intercepted response.
type StreamRecord struct {
	ID        string     `json:"id" yaml:"id"`
	Chunks    []RawChunk `json:"chunks,omitempty" yaml:"chunks,omitempty"`
	Completed bool       `json:"completed" yaml:"completed"`
	Error     string     `json:"error,omitempty" yaml:"error,omitempty"`
	StartedAt time.Time  `json:"startedAt" yaml:"startedAt"`
	EndedAt   time.Time  `json:"endedAt,omitempty" yaml:"endedAt,omitempty"`

	// Objects counts complete wire objects extracted.
	Objects int `json:"objects" yaml:"objects"`
	// Applied counts objects that changed the store at least once.
	Applied int `json:"applied" yaml:"applied"`
	// Malformed counts objects that failed to decode.
	Malformed int `json:"malformed" yaml:"malformed"`
	// Dropped counts patches that addressed an unknown position.
	Dropped int `json:"dropped" yaml:"dropped"`
}

// Terminated reports whether the stream has completed or failed.
func (r StreamRecord) Terminated() bool {
	return !r.EndedAt.IsZero()
}

func (r StreamRecord) clone() StreamRecord {
	r.Chunks = append([]RawChunk(nil), r.Chunks...)
	return r
}

// Stream is one open response. Its methods are safe for concurrent use; all
// work is serialized on the owning engine.
type Stream struct {
	e         *Engine
	rec       StreamRecord
	extractor *extract.Extractor
	tracker   *reconstruct.IndexTracker
	done      bool
	log       zerolog.Logger
}

func (s *Stream) ID() string {
	return s.rec.ID
}

// Feed appends a chunk and applies every wire object it completes.
func (s *Stream) Feed(text string) error {
	e := s.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.done {
		return ErrStreamClosed
	}

	s.rec.Chunks = append(s.rec.Chunks, RawChunk{
		Text:      text,
		Sequence:  len(s.rec.Chunks),
		Timestamp: e.now(),
	})
	e.metrics.Chunk(len(text))

	objs := s.extractor.Feed(text)
	malformed, dropped, rejected := 0, 0, 0
	for _, obj := range objs {
		res, err := e.interp.Apply(s.tracker, obj)
		if err != nil {
			malformed++
			s.log.Warn().Err(err).Int("len", len(obj)).Msg("discarding malformed object")
			continue
		}
		if res.Skipped > 0 {
			s.log.Debug().Int("skipped", res.Skipped).Msg("object had unusable entries")
		}
		if res.Applied > 0 {
			s.rec.Applied++
		}
		dropped += res.Dropped
		rejected += res.Rejected
	}
	s.rec.Objects += len(objs)
	s.rec.Malformed += malformed
	s.rec.Dropped += dropped
	e.metrics.Objects(len(objs), malformed, dropped, rejected)
	return nil
}

// Complete marks the stream as finished normally.
func (s *Stream) Complete() {
	s.finish(nil)
}

// Fail terminates the stream with err. Messages already committed stay in the
// store.
func (s *Stream) Fail(err error) {
	if err == nil {
		err = errors.New("stream failed")
	}
	s.finish(err)
}

func (s *Stream) finish(cause error) {
	e := s.e
	e.mu.Lock()
	if s.done {
		e.mu.Unlock()
		return
	}
	s.done = true
	s.rec.EndedAt = e.now()
	s.rec.Completed = cause == nil
	if cause != nil {
		s.rec.Error = cause.Error()
	}
	if s.extractor.Pending() {
		s.log.Debug().Int("buffered", s.extractor.Buffered()).Msg("discarding incomplete trailing object")
	}
	s.extractor.Reset()
	s.tracker.Reset()
	if cur, ok := e.streams[s.rec.ID]; ok && cur == s {
		delete(e.streams, s.rec.ID)
	}
	rec := s.rec.clone()
	e.mu.Unlock()

	e.metrics.StreamClosed(cause != nil)
	if cause != nil {
		s.log.Info().Err(cause).Int("chunks", len(rec.Chunks)).Msg("stream failed")
	} else {
		s.log.Debug().Int("chunks", len(rec.Chunks)).Int("objects", rec.Objects).Msg("stream completed")
	}
	e.record(rec)
}

// Record returns a copy of the stream's record so far.
func (s *Stream) Record() StreamRecord {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	return s.rec.clone()
}
