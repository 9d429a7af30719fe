// Package extract pulls complete top-level JSON objects out of a text stream
// that arrives in arbitrarily split chunks.
//
// The scanner is a four state automaton (outside an object, inside an object,
// inside a string literal, right after a backslash). A backslash suppresses
// the next character wherever it appears inside an object. The scanner never
// backtracks and only buffers the object currently being assembled.
// Validity of the emitted text is left to the JSON parser downstream: the
// scanner only guarantees that braces outside string literals balance.
package extract

import "strings"

// State is the scanner state carried between Feed calls.
type State struct {
	Buffer          strings.Builder
	BraceDepth      int
	InStringLiteral bool
	PendingEscape   bool
}

// Extractor is owned by exactly one stream. It is not safe for concurrent use.
type Extractor struct {
	state    State
	maxBytes int
	// skipping is set while an oversized object is being discarded.
	skipping bool
}

func New() *Extractor {
	return &Extractor{}
}

// NewWithLimit returns an extractor that abandons any object growing past
// maxBytes. A limit <= 0 disables the cap.
func NewWithLimit(maxBytes int) *Extractor {
	if maxBytes < 0 {
		maxBytes = 0
	}
	return &Extractor{maxBytes: maxBytes}
}

// Feed scans one chunk and returns every object completed by it, in order.
func (e *Extractor) Feed(chunk string) []string {
	if e == nil || chunk == "" {
		return nil
	}
	var out []string
	st := &e.state
	for i := 0; i < len(chunk); i++ {
		c := chunk[i]

		if st.BraceDepth == 0 {
			if c == '{' {
				st.BraceDepth = 1
				st.InStringLiteral = false
				st.PendingEscape = false
				e.skipping = false
				st.Buffer.Reset()
				st.Buffer.WriteByte(c)
			}
			continue
		}

		if !e.skipping {
			st.Buffer.WriteByte(c)
		}

		switch {
		case st.PendingEscape:
			st.PendingEscape = false
		case st.InStringLiteral:
			switch c {
			case '\\':
				st.PendingEscape = true
			case '"':
				st.InStringLiteral = false
			}
		default:
			switch c {
			case '\\':
				st.PendingEscape = true
			case '"':
				st.InStringLiteral = true
			case '{':
				st.BraceDepth++
			case '}':
				st.BraceDepth--
			}
		}

		if st.BraceDepth == 0 {
			if !e.skipping {
				out = append(out, st.Buffer.String())
			}
			st.Buffer.Reset()
			e.skipping = false
			continue
		}

		if e.maxBytes > 0 && !e.skipping && st.Buffer.Len() > e.maxBytes {
			e.skipping = true
			st.Buffer.Reset()
		}
	}
	return out
}

// Pending reports whether an object has been opened but not yet closed.
func (e *Extractor) Pending() bool {
	return e != nil && e.state.BraceDepth > 0
}

// Buffered returns the number of bytes held for the open object.
func (e *Extractor) Buffered() int {
	if e == nil {
		return 0
	}
	return e.state.Buffer.Len()
}

// Reset drops any partial object and returns to the outside-object state.
func (e *Extractor) Reset() {
	if e == nil {
		return
	}
	e.state.Buffer.Reset()
	e.state.BraceDepth = 0
	e.state.InStringLiteral = false
	e.state.PendingEscape = false
	e.skipping = false
}
