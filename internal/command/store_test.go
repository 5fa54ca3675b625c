package command

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func newExecutingRecord(id string, kind Kind) *Record {
	return &Record{
		RequestID: id,
		Kind:      kind,
		State:     StateExecuting,
		StartedAt: time.Now(),
		Timeout:   time.Second,
	}
}

func TestStore_SnapshotNotFound(t *testing.T) {
	s := NewStore(4)
	if _, err := s.Snapshot("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_BusyRejectsSecondCommand(t *testing.T) {
	s := NewStore(4)
	r1 := newExecutingRecord("r1", KindFetch)
	if _, _, err := s.admit(r1, false); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	r2 := newExecutingRecord("r2", KindTreat)
	if _, _, err := s.admit(r2, false); !errors.Is(err, ErrBusy) {
		t.Errorf("expected ErrBusy, got %v", err)
	}
}

func TestStore_PreemptiveAdmitInterruptsActive(t *testing.T) {
	s := NewStore(4)
	r1 := newExecutingRecord("r1", KindFetch)
	if _, _, err := s.admit(r1, false); err != nil {
		t.Fatalf("first admit: %v", err)
	}

	home := newExecutingRecord("r2", KindHome)
	preempted, _, err := s.admit(home, true)
	if err != nil {
		t.Fatalf("preemptive admit: %v", err)
	}
	if preempted == nil {
		t.Fatal("expected preempted snapshot")
	}
	if preempted.State != StateInterrupted {
		t.Errorf("expected interrupted, got %s", preempted.State)
	}
	if !r1.Interrupted() {
		t.Error("interrupt flag not set on displaced record")
	}
	if s.Active() != home {
		t.Error("preempting record is not the active record")
	}
}

func TestStore_PreemptiveAdmitReturnsDisplacedDone(t *testing.T) {
	s := NewStore(4)
	r1 := newExecutingRecord("r1", KindFetch)
	r1.done = make(chan struct{})
	if _, _, err := s.admit(r1, false); err != nil {
		t.Fatalf("admit: %v", err)
	}

	home := newExecutingRecord("r2", KindHome)
	home.done = make(chan struct{})
	_, prevDone, err := s.admit(home, true)
	if err != nil {
		t.Fatalf("preemptive admit: %v", err)
	}
	if prevDone != r1.done {
		t.Error("admit did not return the displaced record's done channel")
	}

	// A second preemption must hand back the channel of the record it
	// displaced, not a stale one.
	home2 := newExecutingRecord("r3", KindHome)
	home2.done = make(chan struct{})
	_, prevDone, err = s.admit(home2, true)
	if err != nil {
		t.Fatalf("second preemptive admit: %v", err)
	}
	if prevDone != home.done {
		t.Error("second admit did not return the latest displaced done channel")
	}
}

func TestStore_TerminalSnapshotIsIdempotent(t *testing.T) {
	s := NewStore(4)
	rec := newExecutingRecord("r1", KindFetch)
	if _, _, err := s.admit(rec, false); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, ok := s.finish(rec, StateCompleted, "done"); !ok {
		t.Fatal("finish did not transition")
	}

	first, err := s.Snapshot("r1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	second, err := s.Snapshot("r1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("terminal snapshots differ: %+v vs %+v", first, second)
	}
	if first.ElapsedMs != second.ElapsedMs {
		t.Errorf("elapsed not frozen: %d vs %d", first.ElapsedMs, second.ElapsedMs)
	}
}

func TestStore_DoubleFinishKeepsFirstOutcome(t *testing.T) {
	s := NewStore(4)
	rec := newExecutingRecord("r1", KindFetch)
	if _, _, err := s.admit(rec, false); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if _, ok := s.finish(rec, StateTimeout, "command timed out"); !ok {
		t.Fatal("first finish did not transition")
	}
	if _, ok := s.finish(rec, StateCompleted, "done"); ok {
		t.Error("second finish transitioned an already terminal record")
	}

	snap, _ := s.Snapshot("r1")
	if snap.State != StateTimeout {
		t.Errorf("expected timeout, got %s", snap.State)
	}
}

func TestStore_RetentionEvictsOldest(t *testing.T) {
	s := NewStore(2)
	for _, id := range []string{"r1", "r2", "r3"} {
		rec := newExecutingRecord(id, KindFetch)
		if _, _, err := s.admit(rec, false); err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
		s.finish(rec, StateCompleted, "done")
	}

	if _, err := s.Snapshot("r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected r1 evicted, got %v", err)
	}
	for _, id := range []string{"r2", "r3"} {
		if _, err := s.Snapshot(id); err != nil {
			t.Errorf("expected %s retained, got %v", id, err)
		}
	}
}

func TestStore_ActiveRecordSurvivesEviction(t *testing.T) {
	s := NewStore(1)
	r1 := newExecutingRecord("r1", KindFetch)
	if _, _, err := s.admit(r1, false); err != nil {
		t.Fatalf("admit: %v", err)
	}
	// Preempt twice; retention is 1 but the executing record must stay.
	for _, id := range []string{"r2", "r3"} {
		rec := newExecutingRecord(id, KindHome)
		if _, _, err := s.admit(rec, true); err != nil {
			t.Fatalf("admit %s: %v", id, err)
		}
	}

	if _, err := s.Snapshot("r3"); err != nil {
		t.Errorf("active record was evicted: %v", err)
	}
}
