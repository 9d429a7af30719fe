package message

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	KeyID        = "id"
	KeyKind      = "kind"
	KeyCreatedAt = "createdAt"
	KeyName      = "name"
	KeyStatus    = "status"
)

// Message is a reconstructed protocol record.
//
// ID and Kind are fixed once the record exists in a store. Everything else the
// wire carries lives in Fields, keyed by its wire name.
type Message struct {
	ID        string
	Kind      string
	CreatedAt time.Time
	Fields    map[string]any
}

// Name returns the action name, or "" when the record carries none.
func (m Message) Name() string {
	if m.Fields == nil {
		return ""
	}
	s, _ := m.Fields[KeyName].(string)
	return strings.TrimSpace(s)
}

// Strings returns a string array field. Holes and non-string elements are
// returned as "".
func (m Message) Strings(field string) []string {
	arr, ok := m.Fields[field].([]any)
	if !ok {
		return nil
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, _ := v.(string)
		out[i] = s
	}
	return out
}

// Text joins a string array field.
func (m Message) Text(field string) string {
	return strings.Join(m.Strings(field), "")
}

func (m Message) Clone() Message {
	out := Message{ID: m.ID, Kind: m.Kind, CreatedAt: m.CreatedAt}
	if m.Fields != nil {
		out.Fields = CloneMap(m.Fields)
	}
	return out
}

// FromMap builds a Message from a decoded JSON object. The object must carry
// string "id" and "kind" values; every other key becomes a field.
func FromMap(obj map[string]any) (Message, error) {
	id, _ := obj[KeyID].(string)
	kind, _ := obj[KeyKind].(string)
	if strings.TrimSpace(id) == "" {
		return Message{}, errors.New("message: missing id")
	}
	if strings.TrimSpace(kind) == "" {
		return Message{}, errors.New("message: missing kind")
	}
	msg := Message{ID: id, Kind: kind, Fields: map[string]any{}}
	for k, v := range obj {
		switch k {
		case KeyID, KeyKind:
			continue
		case KeyCreatedAt:
			ts, err := ParseTimestamp(v)
			if err != nil {
				return Message{}, errors.Wrapf(err, "message %s", id)
			}
			msg.CreatedAt = ts
		default:
			msg.Fields[k] = CloneValue(v)
		}
	}
	return msg, nil
}

// IsShaped reports whether a decoded value looks like a message: an object with
// non-empty string id and kind.
func IsShaped(v any) (map[string]any, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	id, _ := obj[KeyID].(string)
	kind, _ := obj[KeyKind].(string)
	if strings.TrimSpace(id) == "" || strings.TrimSpace(kind) == "" {
		return nil, false
	}
	return obj, true
}

// ParseTimestamp accepts epoch milliseconds (any JSON number) or an RFC 3339
// string. nil yields the zero time.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return time.UnixMilli(ms), nil
		}
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, errors.Wrap(err, "invalid createdAt")
		}
		return time.UnixMilli(int64(f)), nil
	case float64:
		return time.UnixMilli(int64(t)), nil
	case int64:
		return time.UnixMilli(t), nil
	case int:
		return time.UnixMilli(int64(t)), nil
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, nil
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, errors.Wrap(err, "invalid createdAt")
		}
		return ts, nil
	default:
		return time.Time{}, errors.Errorf("invalid createdAt type %T", v)
	}
}

// MarshalJSON flattens the record back into its wire shape.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return err
	}
	msg, err := FromMap(obj)
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

// ToMap returns the wire shape with createdAt as epoch milliseconds.
func (m Message) ToMap() map[string]any {
	out := make(map[string]any, len(m.Fields)+3)
	for k, v := range m.Fields {
		out[k] = v
	}
	out[KeyID] = m.ID
	out[KeyKind] = m.Kind
	if !m.CreatedAt.IsZero() {
		out[KeyCreatedAt] = m.CreatedAt.UnixMilli()
	}
	return out
}

func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	default:
		return v
	}
}
