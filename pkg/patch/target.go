package patch

import (
	"encoding/json"
	"fmt"
	"math"
)

// PatchTarget is a resolved incremental path:
//
//	[..., arrayName, ArrayIndex]                          message slot
//	[..., arrayName, ArrayIndex, Field]                   object field of the message
//	[..., arrayName, ArrayIndex, Field, ElementIndex]     element of an array field
type PatchTarget struct {
	ArrayIndex   int
	Field        string
	HasField     bool
	ElementIndex int
	HasElement   bool
}

func (t PatchTarget) String() string {
	switch {
	case t.HasElement:
		return fmt.Sprintf("[%d].%s[%d]", t.ArrayIndex, t.Field, t.ElementIndex)
	case t.HasField:
		return fmt.Sprintf("[%d].%s", t.ArrayIndex, t.Field)
	default:
		return fmt.Sprintf("[%d]", t.ArrayIndex)
	}
}

// ResolvePath locates arrayName in path and reads the segments after it. The
// first occurrence of arrayName wins. It returns false when arrayName is
// missing, is not followed by a non-negative integer, or when the suffix has
// an unexpected shape.
func ResolvePath(path []any, arrayName string) (PatchTarget, bool) {
	var t PatchTarget
	at := -1
	for i, seg := range path {
		if s, ok := seg.(string); ok && s == arrayName {
			at = i
			break
		}
	}
	if at < 0 || at+1 >= len(path) {
		return t, false
	}
	idx, ok := segmentIndex(path[at+1])
	if !ok {
		return t, false
	}
	t.ArrayIndex = idx

	rest := path[at+2:]
	if len(rest) == 0 {
		return t, true
	}
	field, ok := rest[0].(string)
	if !ok || field == "" {
		return t, false
	}
	t.Field, t.HasField = field, true
	if len(rest) == 1 {
		return t, true
	}
	if len(rest) > 2 {
		return t, false
	}
	el, ok := segmentIndex(rest[1])
	if !ok {
		return t, false
	}
	t.ElementIndex, t.HasElement = el, true
	return t, true
}

func segmentIndex(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil || i < 0 || i > math.MaxInt32 {
			return 0, false
		}
		return int(i), true
	case float64:
		if n < 0 || n > math.MaxInt32 || n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case int:
		return n, n >= 0
	default:
		return 0, false
	}
}
