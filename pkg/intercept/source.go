package intercept

import (
	"context"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/pkg/errors"
)

const DefaultBufSize = 4096

// DefaultPrefixes are the agent routes whose responses carry the stream
// protocol.
var DefaultPrefixes = []string{"/chat/agui", "/search/agui"}

// ReaderSource pumps r through sink as stream id until EOF, a read error or
// ctx cancellation. The returned error is the one the stream was failed with.
func ReaderSource(ctx context.Context, sink ChunkSink, id string, r io.Reader, bufSize int) error {
	if bufSize <= 0 {
		bufSize = DefaultBufSize
	}
	if err := sink.Open(id); err != nil {
		return errors.Wrap(err, "open stream")
	}
	var text textChunker
	buf := make([]byte, bufSize)
	for {
		if err := ctx.Err(); err != nil {
			_ = sink.Close(id, err)
			return err
		}
		n, err := r.Read(buf)
		if n > 0 {
			if s := text.push(buf[:n]); s != "" {
				if cerr := sink.Chunk(id, s); cerr != nil {
					_ = sink.Close(id, cerr)
					return errors.Wrap(cerr, "feed chunk")
				}
			}
		}
		if err == io.EOF {
			if s := text.flush(); s != "" {
				if cerr := sink.Chunk(id, s); cerr != nil {
					_ = sink.Close(id, cerr)
					return errors.Wrap(cerr, "feed chunk")
				}
			}
			return sink.Close(id, nil)
		}
		if err != nil {
			_ = sink.Close(id, err)
			return errors.Wrap(err, "read stream")
		}
	}
}

// NewReverseProxy fronts upstream and taps responses on the given path
// prefixes (DefaultPrefixes when none are given).
func NewReverseProxy(upstream *url.URL, sink ChunkSink, prefixes ...string) *httputil.ReverseProxy {
	if len(prefixes) == 0 {
		prefixes = DefaultPrefixes
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.Transport = &Transport{
		Base:  http.DefaultTransport,
		Sink:  sink,
		Match: MatchPathPrefix(prefixes...),
	}
	// Flush immediately so streamed responses are not held back.
	proxy.FlushInterval = -1
	return proxy
}
