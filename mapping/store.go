// Package mapping owns the tube<->extruder mapping that directs feed
// requests and filament-bitmap reporting to the right extruder.
package mapping

import (
	"fmt"
	"sync"
)

// Pair is a validated (left, right) mapping: left is the extruder mapped to
// tube 0, right the extruder mapped to tube 1. The two must differ.
type Pair struct {
	Left  byte
	Right byte
}

// Validate reports whether l and r form an acceptable mapping: each in
// {0,1}, and distinct.
func Validate(left, right byte) error {
	if left > 1 || right > 1 {
		return fmt.Errorf("mapping: values out of range: left=%d right=%d", left, right)
	}
	if left == right {
		return fmt.Errorf("mapping: left and right must differ")
	}
	return nil
}

// Persister writes an accepted mapping back to durable config storage. The
// config package's MappingPersister satisfies this.
type Persister interface {
	RewriteMapping(left, right byte) error
}

// Store is the runtime source of truth for the tube<->extruder mapping. The
// in-memory copy is mutated only through SetFromRemote; all other callers
// read a cheap snapshot.
type Store struct {
	mu        sync.RWMutex
	current   Pair
	persister Persister
}

// New creates a Store seeded with the mapping loaded from config at startup.
func New(initial Pair, persister Persister) *Store {
	return &Store{current: initial, persister: persister}
}

// Snapshot returns the current mapping.
func (s *Store) Snapshot() Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// ExtruderForTube returns the extruder currently mapped to the given tube
// (0 or 1). Any other tube value returns false.
func (s *Store) ExtruderForTube(tube byte) (byte, bool) {
	p := s.Snapshot()
	switch tube {
	case 0:
		return p.Left, true
	case 1:
		return p.Right, true
	default:
		return 0, false
	}
}

// TubeForExtruder returns the tube currently feeding the given extruder.
func (s *Store) TubeForExtruder(extruder byte) (byte, bool) {
	p := s.Snapshot()
	switch extruder {
	case p.Left:
		return 0, true
	case p.Right:
		return 1, true
	default:
		return 0, false
	}
}

// Result is the outcome of a remote mapping mutation.
type Result struct {
	Accepted bool
	Left     byte
	Right    byte
	// PersistFailed is true when the mapping was accepted in memory but the
	// on-disk rewrite failed; status=1 must be sent to the cabinet in this case.
	PersistFailed bool
}

// SetFromRemote validates and applies a SET_FEEDER_MAPPING request from the
// cabinet: updates the in-memory mapping, then persists synchronously.
// Invalid values leave the current mapping untouched.
func (s *Store) SetFromRemote(left, right byte) Result {
	if err := Validate(left, right); err != nil {
		return Result{Accepted: false}
	}

	s.mu.Lock()
	s.current = Pair{Left: left, Right: right}
	s.mu.Unlock()

	result := Result{Accepted: true, Left: left, Right: right}
	if s.persister != nil {
		if err := s.persister.RewriteMapping(left, right); err != nil {
			result.PersistFailed = true
		}
	}
	return result
}
