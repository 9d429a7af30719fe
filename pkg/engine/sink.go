package engine

import "github.com/pkg/errors"

// Sink adapts an Engine to id-addressed chunk delivery, as used by the HTTP
// interceptor and the relay.
type Sink struct {
	e *Engine
}

func NewSink(e *Engine) *Sink {
	return &Sink{e: e}
}

func (s *Sink) Open(id string) error {
	_, err := s.e.Open(id)
	return err
}

func (s *Sink) Chunk(id string, text string) error {
	st, ok := s.e.Lookup(id)
	if !ok {
		return errors.Wrapf(ErrUnknownStream, "stream %s", id)
	}
	return st.Feed(text)
}

// Close completes the stream when err is nil and fails it otherwise.
func (s *Sink) Close(id string, err error) error {
	st, ok := s.e.Lookup(id)
	if !ok {
		return errors.Wrapf(ErrUnknownStream, "stream %s", id)
	}
	if err != nil {
		st.Fail(err)
	} else {
		st.Complete()
	}
	return nil
}
