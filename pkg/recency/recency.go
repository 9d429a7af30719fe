// Package recency decides which of several same-named action messages is the
// one to display.
//
// An agent can emit the same tool call more than once while it deliberates;
// only the most recently created invocation is authoritative. Ordering is by
// CreatedAt, and equal timestamps fall back to store insertion order, so the
// record inserted last wins a tie. If transport reorders records that carry
// identical timestamps, the wrong one can win; that limitation is inherited
// from the wire protocol and is not corrected here.
package recency

import (
	"sort"
	"strings"

	"github.com/go-go-golems/streamfold/pkg/message"
)

// Source is the read surface the policy needs. *store.Store implements it.
type Source interface {
	IsAction(msg message.Message) bool
	ActionsByName(name string) []message.Message
}

// DefaultInputActions are tools that pause the agent for user input.
var DefaultInputActions = []string{"ask_user_question", "collect_user_feedback"}

type Policy struct {
	src Source
}

func New(src Source) *Policy {
	return &Policy{src: src}
}

// IsAuthoritative is true for every non-action message, and for an action
// message iff it is the last of its name group after a stable sort by
// CreatedAt.
func (p *Policy) IsAuthoritative(msg message.Message) bool {
	if p == nil || p.src == nil || !p.src.IsAction(msg) {
		return true
	}
	latest, ok := Latest(p.src.ActionsByName(msg.Name()))
	if !ok {
		// Not in the store yet (or unnamed): nothing supersedes it.
		return true
	}
	return latest.ID == msg.ID
}

// Authoritative filters msgs down to the records a renderer should show,
// preserving order.
func (p *Policy) Authoritative(msgs []message.Message) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if p.IsAuthoritative(m) {
			out = append(out, m)
		}
	}
	return out
}

// PendingInput returns authoritative action messages whose name is one of
// names (DefaultInputActions when empty) and whose status is not
// "completed".
func (p *Policy) PendingInput(msgs []message.Message, names ...string) []message.Message {
	if len(names) == 0 {
		names = DefaultInputActions
	}
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[strings.TrimSpace(n)] = struct{}{}
	}
	var out []message.Message
	for _, m := range msgs {
		if p == nil || p.src == nil || !p.src.IsAction(m) {
			continue
		}
		if _, ok := wanted[m.Name()]; !ok {
			continue
		}
		if status, _ := m.Fields[message.KeyStatus].(string); status == "completed" {
			continue
		}
		if p.IsAuthoritative(m) {
			out = append(out, m)
		}
	}
	return out
}

// Latest returns the last element of group after a stable ascending sort by
// CreatedAt. group must be in insertion order.
func Latest(group []message.Message) (message.Message, bool) {
	if len(group) == 0 {
		return message.Message{}, false
	}
	sorted := append([]message.Message(nil), group...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted[len(sorted)-1], true
}
