// Package patch decodes one complete wire object into an ordered list of
// typed operations against the logical messages array.
//
// Two shapes are recognized and may appear together in one object:
//
//	{"data": {"<wrapper>": {"messages": [ ... ]}}}
//	{"incremental": [{"path": [...], "items": [...], "data": {...}}, ...]}
//
// Snapshot operations are always returned before incremental ones so that a
// patch can address a message introduced by a snapshot in the same object.
package patch

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/streamfold/pkg/message"
)

const (
	DefaultArrayName = "messages"
)

// DefaultArrayFields are the message fields streamed segment by segment.
var DefaultArrayFields = []string{"content", "arguments"}

type Options struct {
	// ArrayName is the path segment naming the logical messages array.
	ArrayName string
	// ArrayFields lists message fields that are homogeneous string arrays.
	ArrayFields []string
}

func DefaultOptions() Options {
	return Options{
		ArrayName:   DefaultArrayName,
		ArrayFields: append([]string(nil), DefaultArrayFields...),
	}
}

func (o Options) normalized() Options {
	if strings.TrimSpace(o.ArrayName) == "" {
		o.ArrayName = DefaultArrayName
	}
	if o.ArrayFields == nil {
		o.ArrayFields = append([]string(nil), DefaultArrayFields...)
	}
	return o
}

func (o Options) isArrayField(name string) bool {
	for _, f := range o.ArrayFields {
		if f == name {
			return true
		}
	}
	return false
}

// Op is one decoded operation. The set of implementations is closed.
type Op interface {
	isOp()
}

// SnapshotEntry replaces a whole message and records its array position.
type SnapshotEntry struct {
	Position int
	Message  message.Message
}

// ItemEntry is a message streamed as an incremental item.
type ItemEntry struct {
	Target  PatchTarget
	Message message.Message
}

// ArrayFieldEntry sets one element of a string array field.
type ArrayFieldEntry struct {
	Target PatchTarget
	Value  string
}

// DataEntry merges keys into a message, or into one of its object fields when
// Target.HasField is set.
type DataEntry struct {
	Target PatchTarget
	Data   map[string]any
}

func (SnapshotEntry) isOp()   {}
func (ItemEntry) isOp()       {}
func (ArrayFieldEntry) isOp() {}
func (DataEntry) isOp()       {}

// Payload is the decoded form of one wire object.
type Payload struct {
	Ops []Op
	// Skipped counts wire entries that could not be turned into an operation.
	Skipped int
}

type wireIncremental struct {
	Path  []any           `json:"path"`
	Items []any           `json:"items"`
	Data  json.RawMessage `json:"data"`
}

// Decode parses raw and returns its operations. It fails only when raw is not
// a JSON object; parts it does not understand are skipped.
func Decode(raw []byte, opts Options) (Payload, error) {
	opts = opts.normalized()
	var p Payload

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return p, errors.New("patch: payload is not a JSON object")
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &top); err != nil {
		return p, errors.Wrap(err, "patch: decode payload")
	}

	if data, ok := top["data"]; ok {
		var wrappers map[string]json.RawMessage
		if err := json.Unmarshal(data, &wrappers); err == nil {
			decodeSnapshot(&p, wrappers, opts)
		}
	}
	if incRaw, ok := top["incremental"]; ok {
		var entries []json.RawMessage
		if err := json.Unmarshal(incRaw, &entries); err != nil {
			p.Skipped++
			return p, nil
		}
		for _, entry := range entries {
			var inc wireIncremental
			if err := decodeNumbers(entry, &inc); err != nil {
				p.Skipped++
				continue
			}
			decodeIncremental(&p, inc, opts)
		}
	}
	return p, nil
}

func decodeNumbers(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

func decodeSnapshot(p *Payload, data map[string]json.RawMessage, opts Options) {
	wrappers := make([]string, 0, len(data))
	for k := range data {
		wrappers = append(wrappers, k)
	}
	sort.Strings(wrappers)

	for _, w := range wrappers {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(data[w], &wrapper); err != nil || wrapper == nil {
			continue
		}
		arrRaw, ok := wrapper[opts.ArrayName]
		if !ok {
			continue
		}
		var items []any
		if err := decodeNumbers(arrRaw, &items); err != nil {
			p.Skipped++
			continue
		}
		for pos, item := range items {
			obj, ok := message.IsShaped(item)
			if !ok {
				continue
			}
			msg, err := message.FromMap(obj)
			if err != nil {
				p.Skipped++
				continue
			}
			p.Ops = append(p.Ops, SnapshotEntry{Position: pos, Message: msg})
		}
	}
}

func decodeIncremental(p *Payload, inc wireIncremental, opts Options) {
	target, ok := ResolvePath(inc.Path, opts.ArrayName)
	if !ok {
		p.Skipped++
		return
	}

	for i, item := range inc.Items {
		if s, ok := item.(string); ok {
			if !target.HasField || !target.HasElement || !opts.isArrayField(target.Field) {
				p.Skipped++
				continue
			}
			t := target
			t.ElementIndex += i
			p.Ops = append(p.Ops, ArrayFieldEntry{Target: t, Value: s})
			continue
		}
		obj, ok := message.IsShaped(item)
		if !ok || target.HasField {
			p.Skipped++
			continue
		}
		msg, err := message.FromMap(obj)
		if err != nil {
			p.Skipped++
			continue
		}
		t := target
		t.ArrayIndex += i
		p.Ops = append(p.Ops, ItemEntry{Target: t, Message: msg})
	}

	data := bytes.TrimSpace(inc.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return
	}
	var fields map[string]any
	if err := decodeNumbers(data, &fields); err != nil || fields == nil || target.HasElement {
		p.Skipped++
		return
	}
	p.Ops = append(p.Ops, DataEntry{Target: target, Data: fields})
}
