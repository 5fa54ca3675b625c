package command

import (
	"sync/atomic"
	"time"
)

// Kind identifies a whitelisted robot command.
type Kind string

const (
	// KindFetch picks up the ball and carries it to the throw position.
	KindFetch Kind = "fetch"
	// KindTreat locates the treat and waits for the pet to consume it.
	KindTreat Kind = "treat"
	// KindHome returns the robot to its safe resting pose. It is the
	// designated preemptive kind: accepting it interrupts any executing
	// command.
	KindHome Kind = "home"
)

// State is the lifecycle state of a command record. There is no stored
// "idle" state; idle means no record is currently executing.
type State string

const (
	StateExecuting   State = "executing"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateTimeout     State = "timeout"
	StateInterrupted State = "interrupted"
)

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateTimeout || s == StateInterrupted
}

// Phase is a named step within a multi-step command.
type Phase string

const (
	PhaseDetect       Phase = "detect"
	PhaseApproach     Phase = "approach"
	PhaseGrasp        Phase = "grasp"
	PhaseLift         Phase = "lift"
	PhaseDrop         Phase = "drop"
	PhaseReadyToThrow Phase = "ready_to_throw"
	PhaseConsumeWait  Phase = "consume_wait"
	PhaseReturnHome   Phase = "return_home"
)

// phaseClass distinguishes how the executor drives a phase.
type phaseClass int

const (
	// classDetect invokes the detector and applies confidence gating.
	classDetect phaseClass = iota
	// classActuate issues an actuator target and polls until it is reached.
	classActuate
	// classHome issues the bounded, path-planning-free safe-state motion.
	classHome
)

// phaseSpec describes one step of a command kind's sequence.
type phaseSpec struct {
	name  Phase
	class phaseClass
	// target is the actuator pose for classActuate, or the expected
	// detection label for classDetect.
	target string
}

// phaseTable maps each kind to its ordered phase sequence.
var phaseTable = map[Kind][]phaseSpec{
	KindFetch: {
		{name: PhaseDetect, class: classDetect, target: "ball"},
		{name: PhaseApproach, class: classActuate, target: "approach"},
		{name: PhaseGrasp, class: classActuate, target: "grasp"},
		{name: PhaseLift, class: classActuate, target: "lift"},
		{name: PhaseDrop, class: classActuate, target: "drop"},
		{name: PhaseReadyToThrow, class: classActuate, target: "ready_to_throw"},
	},
	KindTreat: {
		{name: PhaseDetect, class: classDetect, target: "treat"},
		{name: PhaseApproach, class: classActuate, target: "approach"},
		{name: PhaseConsumeWait, class: classDetect, target: "consume"},
	},
	KindHome: {
		{name: PhaseReturnHome, class: classHome, target: "home"},
	},
}

// ValidKind reports whether k is in the command whitelist.
func ValidKind(k Kind) bool {
	_, ok := phaseTable[k]
	return ok
}

// Record is the mutable server-side state of one accepted command.
// All fields except the interrupt flag are guarded by the Store's mutex;
// the interrupt flag is atomic so the preemption controller can flip it
// without taking the executor's locks.
type Record struct {
	RequestID       string
	Kind            Kind
	State           State
	Phase           Phase // empty until the first phase is entered
	Confidence      float64
	Message         string
	StartedAt       time.Time
	Timeout         time.Duration
	PhaseTimeouts   map[Phase]time.Duration
	CompletedPhases []Phase
	// ElapsedMs is frozen when the record reaches a terminal state so
	// repeated status reads of a finished command are identical.
	ElapsedMs int64

	interrupted atomic.Bool

	// done is closed when the record's executor loop exits. It is set
	// before admission so the store can hand the displaced record's
	// channel to the preempting caller inside the same critical section.
	done chan struct{}
}

// Interrupt flips the record's interrupt flag. The executor observes the
// flag between adapter calls and stops issuing further ones.
func (r *Record) Interrupt() {
	r.interrupted.Store(true)
}

// Interrupted reports whether an interrupt has been requested.
func (r *Record) Interrupted() bool {
	return r.interrupted.Load()
}

// phaseTimeout returns the configured timeout for the given phase,
// falling back to the record's overall timeout.
func (r *Record) phaseTimeout(p Phase) time.Duration {
	if d, ok := r.PhaseTimeouts[p]; ok {
		return d
	}
	return r.Timeout
}

// Snapshot carries exactly the fields a push notification carries, so
// switching between push and poll is transparent to the consumer.
type Snapshot struct {
	RequestID       string   `json:"request_id"`
	Kind            Kind     `json:"kind"`
	State           State    `json:"state"`
	Phase           string   `json:"phase,omitempty"`
	Confidence      float64  `json:"confidence"`
	Message         string   `json:"message"`
	ElapsedMs       int64    `json:"elapsed_ms"`
	CompletedPhases []string `json:"completed_phases,omitempty"`
}

// snapshotLocked builds a Snapshot from the record. Caller must hold the
// store lock.
func (r *Record) snapshotLocked(now time.Time) Snapshot {
	elapsed := r.ElapsedMs
	if !r.State.Terminal() {
		elapsed = now.Sub(r.StartedAt).Milliseconds()
	}
	s := Snapshot{
		RequestID:  r.RequestID,
		Kind:       r.Kind,
		State:      r.State,
		Phase:      string(r.Phase),
		Confidence: r.Confidence,
		Message:    r.Message,
		ElapsedMs:  elapsed,
	}
	if len(r.CompletedPhases) > 0 {
		s.CompletedPhases = make([]string, len(r.CompletedPhases))
		for i, p := range r.CompletedPhases {
			s.CompletedPhases[i] = string(p)
		}
	}
	return s
}
