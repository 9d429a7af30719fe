// Package intercept taps chunked HTTP response bodies and forwards every read
// to a ChunkSink while the original consumer keeps reading the body unchanged.
package intercept

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HeaderStreamID carries the stream id on requests (optional) and responses.
const HeaderStreamID = "X-Streamfold-Stream-Id"

var ErrBodyClosedEarly = errors.New("body closed before EOF")

// ChunkSink receives the text of one stream at a time, addressed by id.
type ChunkSink interface {
	Open(id string) error
	Chunk(id string, text string) error
	Close(id string, err error) error
}

// MatchPathPrefix matches requests whose URL path starts with any prefix.
func MatchPathPrefix(prefixes ...string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if r == nil || r.URL == nil {
			return false
		}
		for _, p := range prefixes {
			if p != "" && strings.HasPrefix(r.URL.Path, p) {
				return true
			}
		}
		return false
	}
}

// Transport is an http.RoundTripper that tees matching successful response
// bodies into Sink.
type Transport struct {
	Base  http.RoundTripper
	Sink  ChunkSink
	Match func(*http.Request) bool
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base().RoundTrip(req)
	if err != nil || resp == nil || t.Sink == nil {
		return resp, err
	}
	if t.Match != nil && !t.Match(req) {
		return resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || resp.Body == nil {
		return resp, nil
	}

	id := strings.TrimSpace(req.Header.Get(HeaderStreamID))
	if id == "" {
		id = uuid.NewString()
	}
	logger := log.With().Str("component", "intercept").Str("stream_id", id).Str("path", req.URL.Path).Logger()
	if err := t.Sink.Open(id); err != nil {
		logger.Warn().Err(err).Msg("sink refused stream, passing body through")
		return resp, nil
	}
	resp.Header.Set(HeaderStreamID, id)
	resp.Body = &teeBody{body: resp.Body, sink: t.Sink, id: id, log: logger}
	return resp, nil
}

type teeBody struct {
	body io.ReadCloser
	sink ChunkSink
	id   string
	log  zerolog.Logger

	mu       sync.Mutex
	text     textChunker
	finished bool
}

func (b *teeBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finished {
		return n, err
	}
	if n > 0 {
		if s := b.text.push(p[:n]); s != "" {
			b.forward(s)
		}
	}
	switch {
	case err == io.EOF:
		if s := b.text.flush(); s != "" {
			b.forward(s)
		}
		b.finishLocked(nil)
	case err != nil:
		b.finishLocked(err)
	}
	return n, err
}

func (b *teeBody) Close() error {
	b.mu.Lock()
	if !b.finished {
		b.finishLocked(ErrBodyClosedEarly)
	}
	b.mu.Unlock()
	return b.body.Close()
}

func (b *teeBody) forward(s string) {
	if err := b.sink.Chunk(b.id, s); err != nil {
		b.log.Warn().Err(err).Msg("sink rejected chunk")
	}
}

func (b *teeBody) finishLocked(cause error) {
	b.finished = true
	if err := b.sink.Close(b.id, cause); err != nil {
		b.log.Warn().Err(err).Msg("sink close failed")
	}
}

// textChunker holds back a UTF-8 sequence split across reads so every chunk
// handed on is whole text.
type textChunker struct {
	carry []byte
}

func (c *textChunker) push(b []byte) string {
	buf := append(c.carry, b...)
	cut := completePrefix(buf)
	out := string(buf[:cut])
	c.carry = append([]byte(nil), buf[cut:]...)
	return out
}

func (c *textChunker) flush() string {
	out := string(c.carry)
	c.carry = nil
	return out
}

// completePrefix returns the length of the longest prefix of b that does not
// end inside a multi-byte sequence.
func completePrefix(b []byte) int {
	lo := len(b) - utf8.UTFMax
	if lo < 0 {
		lo = 0
	}
	for i := len(b) - 1; i >= lo; i-- {
		if !utf8.RuneStart(b[i]) {
			continue
		}
		if utf8.FullRune(b[i:]) {
			return len(b)
		}
		return i
	}
	return len(b)
}
