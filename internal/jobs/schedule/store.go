package schedule

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// FailureBucket holds entries that could not fire (e.g. their class was not
// registered when they came due). It is never scanned by Due.
const FailureBucket = "0"

// Entry is one pending registration. Arguments must stay JSON-representable
// so entries survive export/import.
type Entry struct {
	ID           string `json:"id"`
	SchedulingID string `json:"scheduling_id"`

	// Target and Created are UnixNano timestamps. Target keys the bucket.
	Target  int64 `json:"target_ns"`
	Created int64 `json:"created_ns"`

	// Interval is the recurrence cadence in nanoseconds.
	//   0  one-shot: removed after the first firing
	//   <0 fires on every scheduling pass
	//   >0 fires when now >= Target + Interval*Occurrences
	Interval int64 `json:"interval_ns"`

	// MaxRecurrences bounds total firings for recurring entries; negative
	// means unlimited. The entry is removed once Occurrences reaches it.
	MaxRecurrences int `json:"max_recurrences"`
	Occurrences    int `json:"occurrences"`

	OwnerID    string         `json:"owner_id,omitempty"`
	OwnerLevel string         `json:"owner_level,omitempty"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
}

// due reports whether the entry should fire at now (UnixNano).
func (e *Entry) due(now int64) bool {
	if e.Target > now {
		return false
	}
	if e.Interval < 0 {
		return true
	}
	return now >= e.Target+e.Interval*int64(e.Occurrences)
}

// spent reports whether the entry is exhausted after its latest firing.
func (e *Entry) spent() bool {
	if e.Interval == 0 {
		return e.Occurrences > 0
	}
	return e.MaxRecurrences >= 0 && e.Occurrences >= e.MaxRecurrences
}

// NewID builds the canonical entry identifier.
func NewID(managerID string, targetNS, createdNS int64) string {
	return fmt.Sprintf("%s-%d-%d", managerID, targetNS, createdNS)
}

// bucket groups entries sharing a target timestamp. Imported buckets stay as
// raw JSON until first touched.
type bucket struct {
	raw     json.RawMessage
	entries []*Entry
}

func (b *bucket) materialize() error {
	if b.raw == nil {
		return nil
	}
	var es []*Entry
	if err := json.Unmarshal(b.raw, &es); err != nil {
		return fmt.Errorf("decode schedule bucket: %w", err)
	}
	b.entries = append(b.entries, es...)
	b.raw = nil
	return nil
}

// Store is the bucketed schedule container. Buckets are keyed by the decimal
// string of the target UnixNano timestamp; the live index maps entry ids to
// their bucket without forcing lazily-imported buckets to decode.
type Store struct {
	mu        sync.Mutex
	managerID string
	buckets   map[string]*bucket
	live      map[string]string // entry id -> bucket key
	failed    map[string]struct{}
}

func New(managerID string) *Store {
	return &Store{
		managerID: managerID,
		buckets:   map[string]*bucket{},
		live:      map[string]string{},
		failed:    map[string]struct{}{},
	}
}

func bucketKey(targetNS int64) string { return strconv.FormatInt(targetNS, 10) }

// Add inserts an entry, assigning its identifier when empty. Arguments are
// checked for JSON-representability here so a bad value fails the one Add
// that carries it instead of poisoning a later Export.
func (s *Store) Add(e *Entry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("nil schedule entry")
	}
	if e.SchedulingID == "" {
		return "", fmt.Errorf("schedule entry requires a scheduling identifier")
	}
	if err := validateArguments(e.Args, e.Kwargs); err != nil {
		return "", err
	}
	if e.Created == 0 {
		e.Created = time.Now().UnixNano()
	}
	if e.ID == "" {
		e.ID = NewID(s.managerID, e.Target, e.Created)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.live[e.ID]; dup {
		return "", fmt.Errorf("duplicate schedule entry %q", e.ID)
	}
	key := bucketKey(e.Target)
	b := s.buckets[key]
	if b == nil {
		b = &bucket{}
		s.buckets[key] = b
	}
	if err := b.materialize(); err != nil {
		return "", err
	}
	b.entries = append(b.entries, e)
	s.live[e.ID] = key
	return e.ID, nil
}

// validateArguments rejects argument values that cannot survive a snapshot.
func validateArguments(args []any, kwargs map[string]any) error {
	if len(args) == 0 && len(kwargs) == 0 {
		return nil
	}
	payload := struct {
		Args   []any          `json:"args"`
		Kwargs map[string]any `json:"kwargs"`
	}{args, kwargs}
	if _, err := json.Marshal(payload); err != nil {
		return fmt.Errorf("schedule entry arguments are not JSON-representable: %w", err)
	}
	return nil
}

// Remove deletes an entry by id. The removed entry is returned when found.
func (s *Store) Remove(id string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(id)
}

func (s *Store) removeLocked(id string) (*Entry, bool) {
	key, ok := s.live[id]
	if !ok {
		return nil, false
	}
	b := s.buckets[key]
	if b == nil {
		delete(s.live, id)
		return nil, false
	}
	if err := b.materialize(); err != nil {
		return nil, false
	}
	for i, e := range b.entries {
		if e.ID == id {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			if len(b.entries) == 0 && b.raw == nil {
				delete(s.buckets, key)
			}
			delete(s.live, id)
			delete(s.failed, id)
			return e, true
		}
	}
	delete(s.live, id)
	return nil, false
}

// Lookup returns a copy of the entry by id.
func (s *Store) Lookup(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.live[id]
	if !ok {
		return Entry{}, false
	}
	b := s.buckets[key]
	if b == nil || b.materialize() != nil {
		return Entry{}, false
	}
	for _, e := range b.entries {
		if e.ID == id {
			return *e, true
		}
	}
	return Entry{}, false
}

func (s *Store) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live[id]
	return ok
}

// Failed reports whether the entry sits in the failure bucket.
func (s *Store) Failed(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.failed[id]
	return ok
}

func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.live))
	for id := range s.live {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Clear drops every entry, including failed ones.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets = map[string]*bucket{}
	s.live = map[string]string{}
	s.failed = map[string]struct{}{}
}

// Due pops the entries that should fire at now. Recurring entries have their
// occurrence count advanced; exhausted and one-shot entries are removed.
// Returned entries are copies taken after the advance.
func (s *Store) Due(now time.Time) []Entry {
	ns := now.UnixNano()
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []Entry
	for key, b := range s.buckets {
		if key == FailureBucket {
			continue
		}
		target, err := strconv.ParseInt(key, 10, 64)
		if err != nil || target > ns {
			continue
		}
		if err := b.materialize(); err != nil {
			continue
		}
		kept := b.entries[:0]
		for _, e := range b.entries {
			if !e.due(ns) {
				kept = append(kept, e)
				continue
			}
			e.Occurrences++
			fired = append(fired, *e)
			if e.spent() {
				delete(s.live, e.ID)
				continue
			}
			kept = append(kept, e)
		}
		b.entries = kept
		if len(b.entries) == 0 {
			delete(s.buckets, key)
		}
	}
	sort.Slice(fired, func(i, j int) bool { return fired[i].ID < fired[j].ID })
	return fired
}

// Fail moves an entry into the failure bucket, where it is retained for
// inspection but never fires again.
func (s *Store) Fail(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.removeLocked(id)
	if !ok || e == nil {
		return false
	}
	s.failLocked(e)
	return true
}

// FailEntry inserts an entry copy directly into the failure bucket. Used for
// entries already popped by Due that could not fire.
func (s *Store) FailEntry(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.removeLocked(e.ID); ok && cur != nil {
		s.failLocked(cur)
		return
	}
	cp := e
	s.failLocked(&cp)
}

func (s *Store) failLocked(e *Entry) {
	b := s.buckets[FailureBucket]
	if b == nil {
		b = &bucket{}
		s.buckets[FailureBucket] = b
	}
	b.entries = append(b.entries, e)
	s.live[e.ID] = FailureBucket
	s.failed[e.ID] = struct{}{}
}

// blob is the export wire format. Buckets are kept as independent JSON
// documents so import can defer decoding until a bucket is touched.
type blob struct {
	ManagerID   string                     `json:"manager_id"`
	Identifiers map[string]string          `json:"identifiers"`
	Failed      []string                   `json:"failed,omitempty"`
	Buckets     map[string]json.RawMessage `json:"buckets"`
}

// Export serializes the full schedule state. Bucket encoding fans out over a
// bounded worker pool.
func (s *Store) Export(workers int) ([]byte, error) {
	if workers <= 0 {
		workers = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := blob{
		ManagerID:   s.managerID,
		Identifiers: make(map[string]string, len(s.live)),
		Buckets:     make(map[string]json.RawMessage, len(s.buckets)),
	}
	for id, key := range s.live {
		out.Identifiers[id] = key
	}
	for id := range s.failed {
		out.Failed = append(out.Failed, id)
	}
	sort.Strings(out.Failed)

	var (
		g  errgroup.Group
		em sync.Mutex
	)
	g.SetLimit(workers)
	for key, b := range s.buckets {
		key, b := key, b
		if b.raw != nil {
			// Still lazy: the imported bytes are already valid bucket JSON.
			out.Buckets[key] = b.raw
			continue
		}
		g.Go(func() error {
			enc, err := json.Marshal(b.entries)
			if err != nil {
				return fmt.Errorf("encode schedule bucket %s: %w", key, err)
			}
			em.Lock()
			out.Buckets[key] = enc
			em.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// ImportMode selects how Import merges a blob into existing state.
type ImportMode int

const (
	// ImportPartial keeps existing entries; imported entries with ids
	// already present locally are skipped. Buckets at fresh keys stay
	// undecoded until first touched; buckets colliding with a local key
	// are decoded and merged entry by entry.
	ImportPartial ImportMode = iota
	// ImportFull replaces all existing state with the blob. Every bucket is
	// decoded up front, so a corrupt payload fails the import as a whole
	// and leaves the current state untouched.
	ImportFull
)

// Import loads an exported blob.
func (s *Store) Import(data []byte, mode ImportMode) error {
	var in blob
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decode schedule blob: %w", err)
	}
	if mode == ImportFull {
		return s.importFull(in)
	}
	return s.importPartial(in)
}

// importFull decodes everything before swapping state, and rebuilds the live
// index from bucket contents so every indexed id is backed by a real entry.
func (s *Store) importFull(in blob) error {
	buckets := make(map[string]*bucket, len(in.Buckets))
	live := make(map[string]string, len(in.Identifiers))
	for key, raw := range in.Buckets {
		b := &bucket{raw: raw}
		if err := b.materialize(); err != nil {
			return fmt.Errorf("schedule bucket %s: %w", key, err)
		}
		buckets[key] = b
		for _, e := range b.entries {
			live[e.ID] = key
		}
	}
	failed := make(map[string]struct{}, len(in.Failed))
	for _, id := range in.Failed {
		if _, ok := live[id]; ok {
			failed[id] = struct{}{}
		}
	}

	s.mu.Lock()
	s.buckets = buckets
	s.live = live
	s.failed = failed
	s.mu.Unlock()
	return nil
}

func (s *Store) importPartial(in blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Buckets colliding with a local key cannot stay lazy: both sides are
	// decoded first so a bad payload fails before any state changes.
	colliding := make(map[string][]*Entry)
	for key, raw := range in.Buckets {
		local, exists := s.buckets[key]
		if !exists {
			continue
		}
		if err := local.materialize(); err != nil {
			return err
		}
		var es []*Entry
		if err := json.Unmarshal(raw, &es); err != nil {
			return fmt.Errorf("decode schedule bucket: %w", err)
		}
		colliding[key] = es
	}

	for key, raw := range in.Buckets {
		if es, collide := colliding[key]; collide {
			b := s.buckets[key]
			for _, e := range es {
				if _, dup := s.live[e.ID]; dup {
					continue
				}
				b.entries = append(b.entries, e)
				s.live[e.ID] = key
			}
			continue
		}
		s.buckets[key] = &bucket{raw: raw}
	}

	// The identifier index only seeds ids for buckets imported wholesale;
	// merged buckets had their ids installed from decoded entries above.
	for id, key := range in.Identifiers {
		if _, exists := s.live[id]; exists {
			continue
		}
		b, ok := s.buckets[key]
		if !ok || b.raw == nil {
			continue
		}
		s.live[id] = key
	}
	for _, id := range in.Failed {
		if _, ok := s.live[id]; ok {
			s.failed[id] = struct{}{}
		}
	}
	return nil
}
