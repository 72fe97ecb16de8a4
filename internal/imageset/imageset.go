// Package imageset implements the ordered set of device-path image names
// marked for splitting (spec.md section 4.1).
package imageset

import (
	"strings"
	"sync"

	"grimm.is/flywall/internal/errors"
)

// Set is an ordered, deduplicated collection of normalised image names.
// Mutation is only safe from the serialised request-handling path or
// during initial construction; readers at higher privilege (callouts) must
// use the -Exact variants since lowercasing is not a dispatch-level
// operation (spec.md section 4.1).
type Set struct {
	mu      sync.RWMutex
	order   []string
	present map[string]int // name -> index in order, for O(1) membership + stable removal
}

// New returns an empty Set.
func New() *Set {
	return &Set{present: make(map[string]int)}
}

// Normalize lower-cases an image name. Idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(name string) string {
	return strings.ToLower(name)
}

// AddEntry lowercases name and adds it if not already present.
func (s *Set) AddEntry(name string) {
	s.AddEntryExact(Normalize(name))
}

// AddEntryExact adds a pre-normalised name, used by callers that guarantee
// normalisation themselves (e.g. callouts running above dispatch level).
func (s *Set) AddEntryExact(normalized string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.present[normalized]; ok {
		return
	}
	s.present[normalized] = len(s.order)
	s.order = append(s.order, normalized)
}

// HasEntry lowercases name before testing membership.
func (s *Set) HasEntry(name string) bool {
	return s.HasEntryExact(Normalize(name))
}

// HasEntryExact tests membership of a pre-normalised name. Comparison is
// byte length first, then bytes, matching spec.md's matching rule (map
// lookup already gives us this for free, expressed explicitly for parity).
func (s *Set) HasEntryExact(normalized string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.present[normalized]
	return ok
}

// RemoveEntry removes name (normalised) if present.
func (s *Set) RemoveEntry(name string) {
	normalized := Normalize(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.present[normalized]
	if !ok {
		return
	}
	s.order = append(s.order[:idx], s.order[idx+1:]...)
	delete(s.present, normalized)
	for name, i := range s.present {
		if i > idx {
			s.present[name] = i - 1
		}
	}
}

// ForEach calls fn for every entry in insertion order. fn must not mutate
// the set.
func (s *Set) ForEach(fn func(name string)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		fn(name)
	}
}

// Reset empties the set.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.present = make(map[string]int)
}

// IsEmpty reports whether the set has no entries.
func (s *Set) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order) == 0
}

// Len returns the number of entries.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Names returns a snapshot copy of the entries in insertion order.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// NewFromList constructs a replacement candidate Set from a user-provided
// list of image names. An empty list is rejected with KindInvalidArgument
// (spec.md section 3 and section 8 "boundary behaviours"). The returned
// set is not yet active; callers swap it in atomically at the moment a
// configuration transaction commits.
func NewFromList(names []string) (*Set, error) {
	if len(names) == 0 {
		return nil, errors.New(errors.KindInvalidArgument, "image set cannot be empty")
	}
	s := New()
	for _, n := range names {
		s.AddEntry(n)
	}
	return s, nil
}
