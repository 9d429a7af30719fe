package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/streamfold/pkg/message"
)

var (
	ErrDisposed    = errors.New("message store: disposed")
	ErrKindChanged = errors.New("message store: kind cannot change")
)

// DefaultActionKinds are the kinds treated as invocable actions.
var DefaultActionKinds = []string{"action", "tool_call"}

// Store is the authoritative table of reconstructed messages.
//
// Every Put gets a store-wide monotonic version, so readers can ask for the
// records changed since a version they already hold. Subscribers are invoked
// synchronously after each Put, outside the store lock, in subscription order.
type Store struct {
	mu          sync.RWMutex
	actionKinds map[string]struct{}
	maxMessages int
	now         func() time.Time

	version   uint64
	insertSeq uint64
	records   map[string]*record
	byKind    map[string][]string
	byName    map[string][]string
	latest    map[string]string
	disposed  bool

	subsMu  sync.Mutex
	subs    map[int]func(message.Message)
	nextSub int
}

type record struct {
	msg     message.Message
	seq     uint64
	version uint64
}

type Option func(*Store)

func WithActionKinds(kinds ...string) Option {
	return func(s *Store) {
		s.actionKinds = map[string]struct{}{}
		for _, k := range kinds {
			if k = strings.TrimSpace(k); k != "" {
				s.actionKinds[k] = struct{}{}
			}
		}
	}
}

// WithMaxMessages caps the number of records. When exceeded, the records with
// the oldest versions are evicted. n <= 0 means unbounded.
func WithMaxMessages(n int) Option {
	return func(s *Store) { s.maxMessages = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		now:  time.Now,
		subs: map[int]func(message.Message){},
	}
	WithActionKinds(DefaultActionKinds...)(s)
	for _, o := range opts {
		o(s)
	}
	s.resetLocked()
	return s
}

func (s *Store) resetLocked() {
	s.records = map[string]*record{}
	s.byKind = map[string][]string{}
	s.byName = map[string][]string{}
	s.latest = map[string]string{}
	s.insertSeq = 0
}

// IsAction reports whether msg's kind denotes an invocable action.
func (s *Store) IsAction(msg message.Message) bool {
	if s == nil {
		return false
	}
	_, ok := s.actionKinds[msg.Kind]
	return ok
}

// Put inserts or replaces msg by id and notifies subscribers with the stored
// copy. A zero CreatedAt keeps the existing creation time, or is stamped with
// the current time on first insert.
func (s *Store) Put(msg message.Message) (message.Message, error) {
	if s == nil {
		return message.Message{}, errors.New("message store: nil store")
	}
	if strings.TrimSpace(msg.ID) == "" {
		return message.Message{}, errors.New("message store: id is empty")
	}
	if strings.TrimSpace(msg.Kind) == "" {
		return message.Message{}, errors.New("message store: kind is empty")
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return message.Message{}, ErrDisposed
	}

	stored := msg.Clone()
	if stored.Fields == nil {
		stored.Fields = map[string]any{}
	}

	existing := s.records[msg.ID]
	if existing != nil && existing.msg.Kind != msg.Kind {
		s.mu.Unlock()
		return message.Message{}, errors.Wrapf(ErrKindChanged, "id %s: %s -> %s", msg.ID, existing.msg.Kind, msg.Kind)
	}
	if stored.CreatedAt.IsZero() {
		if existing != nil && !existing.msg.CreatedAt.IsZero() {
			stored.CreatedAt = existing.msg.CreatedAt
		} else {
			stored.CreatedAt = s.now()
		}
	}

	s.version++
	rec := existing
	if rec == nil {
		s.insertSeq++
		rec = &record{seq: s.insertSeq}
		s.records[msg.ID] = rec
		s.byKind[msg.Kind] = append(s.byKind[msg.Kind], msg.ID)
	}
	oldName := ""
	if existing != nil {
		oldName = existing.msg.Name()
	}
	rec.msg = stored
	rec.version = s.version

	if s.IsAction(stored) {
		newName := stored.Name()
		if oldName != newName {
			s.unindexNameLocked(oldName, msg.ID)
			if newName != "" {
				s.indexNameLocked(newName, msg.ID, rec.seq)
			}
		}
		s.recomputeLatestLocked(oldName)
		s.recomputeLatestLocked(newName)
	}

	s.evictLocked()
	out := stored.Clone()
	s.mu.Unlock()

	s.notify(out)
	return out, nil
}

// indexNameLocked inserts id into the name group, keeping the group ordered by
// first-insertion sequence. A record that gains its name late still sorts by
// when it was first stored.
func (s *Store) indexNameLocked(name, id string, seq uint64) {
	ids := s.byName[name]
	i := sort.Search(len(ids), func(i int) bool {
		other := s.records[ids[i]]
		return other != nil && other.seq > seq
	})
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	s.byName[name] = ids
}

func (s *Store) unindexNameLocked(name, id string) {
	if name == "" {
		return
	}
	ids := s.byName[name]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byName, name)
		return
	}
	s.byName[name] = ids
}

// recomputeLatestLocked picks the greatest CreatedAt among same-name actions.
// Ties go to the record inserted last.
func (s *Store) recomputeLatestLocked(name string) {
	if name == "" {
		return
	}
	var best *record
	bestID := ""
	for _, id := range s.byName[name] {
		rec := s.records[id]
		if rec == nil {
			continue
		}
		if best == nil || rec.msg.CreatedAt.After(best.msg.CreatedAt) ||
			(rec.msg.CreatedAt.Equal(best.msg.CreatedAt) && rec.seq > best.seq) {
			best, bestID = rec, id
		}
	}
	if best == nil {
		delete(s.latest, name)
		return
	}
	s.latest[name] = bestID
}

func (s *Store) evictLocked() {
	if s.maxMessages <= 0 || len(s.records) <= s.maxMessages {
		return
	}
	type pair struct {
		id      string
		version uint64
	}
	pairs := make([]pair, 0, len(s.records))
	for id, rec := range s.records {
		pairs = append(pairs, pair{id: id, version: rec.version})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].version < pairs[j].version })
	toDrop := len(s.records) - s.maxMessages
	for i := 0; i < toDrop && i < len(pairs); i++ {
		s.removeLocked(pairs[i].id)
	}
}

func (s *Store) removeLocked(id string) {
	rec := s.records[id]
	if rec == nil {
		return
	}
	delete(s.records, id)
	kind := rec.msg.Kind
	ids := s.byKind[kind]
	for i, v := range ids {
		if v == id {
			ids = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byKind, kind)
	} else {
		s.byKind[kind] = ids
	}
	if name := rec.msg.Name(); name != "" {
		s.unindexNameLocked(name, id)
		s.recomputeLatestLocked(name)
	}
}

func (s *Store) Get(id string) (message.Message, bool) {
	if s == nil {
		return message.Message{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := s.records[id]
	if rec == nil {
		return message.Message{}, false
	}
	return rec.msg.Clone(), true
}

// ByKind returns the records of one kind in insertion order.
func (s *Store) ByKind(kind string) []message.Message {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byKind[kind])
}

// ActionsByName returns same-name action records in insertion order.
func (s *Store) ActionsByName(name string) []message.Message {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byName[strings.TrimSpace(name)])
}

func (s *Store) LatestActionByName(name string) (message.Message, bool) {
	if s == nil {
		return message.Message{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latest[strings.TrimSpace(name)]
	if !ok {
		return message.Message{}, false
	}
	rec := s.records[id]
	if rec == nil {
		return message.Message{}, false
	}
	return rec.msg.Clone(), true
}

// All returns every record in insertion order.
func (s *Store) All() []message.Message {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	out := make([]message.Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.msg.Clone())
	}
	return out
}

// Since returns the current version and the records whose last Put is newer
// than sinceVersion, ordered by version. sinceVersion 0 returns everything.
func (s *Store) Since(sinceVersion uint64) (uint64, []message.Message) {
	if s == nil {
		return 0, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		if sinceVersion > 0 && rec.version <= sinceVersion {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].version < recs[j].version })
	out := make([]message.Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.msg.Clone())
	}
	return s.version, out
}

// InsertionSeq returns the first-insertion sequence number of id, 0 if absent.
func (s *Store) InsertionSeq(id string) uint64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rec := s.records[id]; rec != nil {
		return rec.seq
	}
	return 0
}

func (s *Store) Version() uint64 {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) collectLocked(ids []string) []message.Message {
	out := make([]message.Message, 0, len(ids))
	for _, id := range ids {
		if rec := s.records[id]; rec != nil {
			out = append(out, rec.msg.Clone())
		}
	}
	return out
}

// Subscribe registers fn for every subsequent Put. The returned function
// removes the subscription and is safe to call more than once.
func (s *Store) Subscribe(fn func(message.Message)) func() {
	if s == nil || fn == nil {
		return func() {}
	}
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Store) notify(msg message.Message) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(message.Message), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subsMu.Unlock()

	for i, fn := range fns {
		if i == len(fns)-1 {
			fn(msg)
			continue
		}
		fn(msg.Clone())
	}
}

// Reset clears all records and indexes. Subscribers and the version counter
// are kept, so readers holding a version never see it go backwards.
func (s *Store) Reset() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

// Dispose resets the store, drops every subscriber and rejects later Puts.
func (s *Store) Dispose() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.resetLocked()
	s.disposed = true
	s.mu.Unlock()

	s.subsMu.Lock()
	s.subs = map[int]func(message.Message){}
	s.subsMu.Unlock()
}
