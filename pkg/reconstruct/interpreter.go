package reconstruct

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/streamfold/pkg/message"
	"github.com/go-go-golems/streamfold/pkg/patch"
)

// maxArrayGap bounds how far past the current end an array-field patch may
// write; larger gaps are treated as malformed.
const maxArrayGap = 4096

// Putter is the write surface of the message store.
type Putter interface {
	Get(id string) (message.Message, bool)
	Put(msg message.Message) (message.Message, error)
}

// Result summarizes one applied wire object.
type Result struct {
	// Applied counts successful store writes.
	Applied int
	// Dropped counts patches addressing a position with no known message.
	Dropped int
	// Skipped counts wire entries the decoder could not use.
	Skipped int
	// Rejected counts writes refused by the store.
	Rejected int
}

// Interpreter applies decoded wire objects to a store, translating positional
// patches into id-addressed writes through a per-stream IndexTracker.
type Interpreter struct {
	store Putter
	opts  patch.Options
	log   zerolog.Logger
}

func NewInterpreter(store Putter, opts patch.Options, logger zerolog.Logger) *Interpreter {
	return &Interpreter{store: store, opts: opts, log: logger}
}

// Apply decodes raw and applies its operations in order. The only error
// returned is a decode failure; per-operation problems are counted in Result.
func (in *Interpreter) Apply(tracker *IndexTracker, raw string) (Result, error) {
	var res Result
	if in == nil || in.store == nil {
		return res, errors.New("interpreter: no store")
	}
	payload, err := patch.Decode([]byte(raw), in.opts)
	if err != nil {
		return res, err
	}
	res.Skipped = payload.Skipped

	for _, op := range payload.Ops {
		switch o := op.(type) {
		case patch.SnapshotEntry:
			if in.put(&res, o.Message) {
				tracker.Set(o.Position, o.Message.ID)
			}
		case patch.ItemEntry:
			if in.put(&res, o.Message) {
				tracker.Set(o.Target.ArrayIndex, o.Message.ID)
			}
		case patch.DataEntry:
			in.applyData(&res, tracker, o)
		case patch.ArrayFieldEntry:
			in.applyArrayField(&res, tracker, o)
		}
	}
	return res, nil
}

func (in *Interpreter) put(res *Result, msg message.Message) bool {
	if _, err := in.store.Put(msg); err != nil {
		res.Rejected++
		in.log.Warn().Err(err).Str("message_id", msg.ID).Str("kind", msg.Kind).Msg("store rejected message")
		return false
	}
	res.Applied++
	return true
}

// resolve maps a target slot to the current message. A miss is an ordering
// race (patch before snapshot), not an error.
func (in *Interpreter) resolve(res *Result, tracker *IndexTracker, target patch.PatchTarget) (message.Message, bool) {
	id, ok := tracker.Resolve(target.ArrayIndex)
	if !ok {
		res.Dropped++
		in.log.Debug().Str("target", target.String()).Msg("dropping patch for unresolved index")
		return message.Message{}, false
	}
	msg, ok := in.store.Get(id)
	if !ok {
		res.Dropped++
		in.log.Debug().Str("target", target.String()).Str("message_id", id).Msg("dropping patch for evicted message")
		return message.Message{}, false
	}
	if msg.Fields == nil {
		msg.Fields = map[string]any{}
	}
	return msg, true
}

func (in *Interpreter) applyData(res *Result, tracker *IndexTracker, o patch.DataEntry) {
	msg, ok := in.resolve(res, tracker, o.Target)
	if !ok {
		return
	}
	dst := msg.Fields
	if o.Target.HasField {
		nested, _ := msg.Fields[o.Target.Field].(map[string]any)
		if nested == nil {
			nested = map[string]any{}
		}
		msg.Fields[o.Target.Field] = nested
		dst = nested
	}
	for k, v := range o.Data {
		if !o.Target.HasField {
			switch k {
			case message.KeyID, message.KeyKind, message.KeyCreatedAt:
				continue
			}
		}
		dst[k] = message.CloneValue(v)
	}
	in.put(res, msg)
}

func (in *Interpreter) applyArrayField(res *Result, tracker *IndexTracker, o patch.ArrayFieldEntry) {
	msg, ok := in.resolve(res, tracker, o.Target)
	if !ok {
		return
	}
	arr, _ := msg.Fields[o.Target.Field].([]any)
	idx := o.Target.ElementIndex
	if idx-len(arr) > maxArrayGap {
		res.Skipped++
		in.log.Warn().Str("target", o.Target.String()).Int("len", len(arr)).Msg("array patch index too far past end")
		return
	}
	if idx >= len(arr) {
		grown := make([]any, idx+1)
		copy(grown, arr)
		arr = grown
	}
	arr[idx] = o.Value
	msg.Fields[o.Target.Field] = arr
	in.put(res, msg)
}
