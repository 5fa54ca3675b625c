package command

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrBusy is returned when a non-preemptive command is submitted while
	// another command is executing. Callers may retry with backoff.
	ErrBusy = errors.New("another command is executing")

	// ErrInvalidKind is returned for a command kind outside the whitelist.
	ErrInvalidKind = errors.New("unknown command kind")

	// ErrNotFound is returned when a request identifier is unknown or has
	// been evicted from the retention window.
	ErrNotFound = errors.New("command not found")
)

// DefaultRetention is the default number of most-recent command records kept.
const DefaultRetention = 32

// Store is the concurrency-safe in-memory table of command records, bounded
// to the most recent retention records. The "one executing record" invariant
// is enforced here: Accept-time checks and every state transition run under
// the same mutex.
type Store struct {
	mu        sync.RWMutex
	records   map[string]*Record
	order     []string // insertion order, for retention eviction
	active    *Record  // the record currently executing, nil when idle
	retention int
}

// NewStore returns a Store retaining at most retention records. If
// retention <= 0, DefaultRetention is used.
func NewStore(retention int) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		records:   make(map[string]*Record),
		retention: retention,
	}
}

// Snapshot returns the current snapshot of the record with the given
// request identifier, or ErrNotFound if it is unknown or evicted.
func (s *Store) Snapshot(requestID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[requestID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return rec.snapshotLocked(time.Now()), nil
}

// Active returns the currently executing record, or nil when idle.
func (s *Store) Active() *Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// admit checks the single-flight invariant and inserts a new executing
// record. If a record is executing and kind is not preemptive, ErrBusy is
// returned. For the preemptive kind the active record is atomically marked
// interrupted before the new record is inserted; the interrupted record's
// final snapshot and its done channel are returned so the caller can
// broadcast the transition and wait for the displaced executor. Both are
// taken inside this critical section, so racing admissions cannot hand
// back a superseded executor's channel.
func (s *Store) admit(rec *Record, preemptive bool) (preempted *Snapshot, prevDone chan struct{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		if !preemptive {
			return nil, nil, ErrBusy
		}
		prev := s.active
		prev.Interrupt()
		prev.State = StateInterrupted
		prev.Message = "interrupted by safety preemption"
		prev.ElapsedMs = time.Since(prev.StartedAt).Milliseconds()
		snap := prev.snapshotLocked(time.Now())
		preempted = &snap
		prevDone = prev.done
	}

	s.records[rec.RequestID] = rec
	s.order = append(s.order, rec.RequestID)
	s.active = rec
	s.evictLocked()
	return preempted, prevDone, nil
}

// evictLocked drops the oldest records beyond the retention window. The
// active record is never evicted. Caller must hold the write lock.
func (s *Store) evictLocked() {
	for len(s.order) > s.retention {
		oldest := s.order[0]
		if s.active != nil && s.active.RequestID == oldest {
			return
		}
		s.order = s.order[1:]
		delete(s.records, oldest)
	}
}

// enterPhase records phase entry on an executing record and returns the
// snapshot to broadcast. It is a no-op returning ok=false if the record has
// already reached a terminal state (e.g. was preempted).
func (s *Store) enterPhase(rec *Record, phase Phase) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.State.Terminal() {
		return Snapshot{}, false
	}
	rec.Phase = phase
	rec.Message = "phase " + string(phase) + " started"
	return rec.snapshotLocked(time.Now()), true
}

// recordConfidence stores the detector confidence of the most recent
// attempt and returns the snapshot to broadcast.
func (s *Store) recordConfidence(rec *Record, confidence float64, msg string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.State.Terminal() {
		return Snapshot{}, false
	}
	rec.Confidence = confidence
	rec.Message = msg
	return rec.snapshotLocked(time.Now()), true
}

// completePhase appends a successfully finished phase.
func (s *Store) completePhase(rec *Record, phase Phase) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.State.Terminal() {
		return Snapshot{}, false
	}
	rec.CompletedPhases = append(rec.CompletedPhases, phase)
	rec.Message = "phase " + string(phase) + " done"
	return rec.snapshotLocked(time.Now()), true
}

// finish moves an executing record to a terminal state, freezes its elapsed
// time, and releases the active slot. It is a no-op returning ok=false if
// the record is already terminal (preemption won the race).
func (s *Store) finish(rec *Record, state State, msg string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.State.Terminal() {
		s.releaseLocked(rec)
		return Snapshot{}, false
	}
	rec.State = state
	rec.Message = msg
	rec.ElapsedMs = time.Since(rec.StartedAt).Milliseconds()
	s.releaseLocked(rec)
	return rec.snapshotLocked(time.Now()), true
}

// release clears the active slot if rec still owns it.
func (s *Store) release(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(rec)
}

func (s *Store) releaseLocked(rec *Record) {
	if s.active == rec {
		s.active = nil
	}
}

// Len returns the number of retained records. Used for metrics and tests.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
