package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"robot-orchestrator/internal/platform/metrics"

	"github.com/google/uuid"
)

// Notifier receives every state transition for fan-out to subscribers.
// Implementations must not block; the hub satisfies this.
type Notifier interface {
	PublishStatus(Snapshot)
}

// Config holds executor tunables. Zero values are replaced by defaults.
type Config struct {
	// PollInterval is the executor's control-loop cadence: how often it
	// re-checks interrupt, timeouts, and actuator pose.
	PollInterval time.Duration
	// CommandTimeout bounds a whole non-preemptive command.
	CommandTimeout time.Duration
	// PreemptTimeout bounds the safe-state command end to end.
	PreemptTimeout time.Duration
	// ConfidenceThreshold is the minimum detector confidence to pass a
	// detection phase.
	ConfidenceThreshold float64
	// DetectRetries is how many extra detector attempts are made after a
	// below-threshold result before the command fails.
	DetectRetries int
	// PhaseTimeouts bounds individual phases; phases not listed fall back
	// to the overall command timeout.
	PhaseTimeouts map[Phase]time.Duration
	// Retention is the number of most-recent command records kept.
	Retention int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:        50 * time.Millisecond,
		CommandTimeout:      30 * time.Second,
		PreemptTimeout:      time.Second,
		ConfidenceThreshold: 0.6,
		DetectRetries:       2,
		PhaseTimeouts: map[Phase]time.Duration{
			PhaseDetect:       5 * time.Second,
			PhaseApproach:     8 * time.Second,
			PhaseGrasp:        4 * time.Second,
			PhaseLift:         3 * time.Second,
			PhaseDrop:         3 * time.Second,
			PhaseReadyToThrow: 3 * time.Second,
			PhaseConsumeWait:  10 * time.Second,
			PhaseReturnHome:   time.Second,
		},
		Retention: DefaultRetention,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.PreemptTimeout <= 0 {
		c.PreemptTimeout = d.PreemptTimeout
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = d.ConfidenceThreshold
	}
	if c.DetectRetries < 0 {
		c.DetectRetries = d.DetectRetries
	}
	if c.PhaseTimeouts == nil {
		c.PhaseTimeouts = d.PhaseTimeouts
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Sentinel errors used inside the executor loop to pick the terminal state.
var (
	errInterrupted    = errors.New("interrupted")
	errPhaseTimeout   = errors.New("phase timeout")
	errCommandTimeout = errors.New("command timeout")
)

// Orchestrator owns the single-flight command invariant: it accepts
// commands, runs one executor loop at a time, and hands every transition
// to the Notifier.
type Orchestrator struct {
	cfg     Config
	store   *Store
	caps    Capabilities
	notify  Notifier
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewOrchestrator wires an Orchestrator. Metrics may be nil (e.g. in tests).
func NewOrchestrator(cfg Config, caps Capabilities, notify Notifier, log *slog.Logger, m *metrics.Metrics) *Orchestrator {
	cfg = cfg.withDefaults()
	return &Orchestrator{
		cfg:     cfg,
		store:   NewStore(cfg.Retention),
		caps:    caps,
		notify:  notify,
		log:     log,
		metrics: m,
	}
}

// Store exposes the command store for the status endpoint.
func (o *Orchestrator) Store() *Store {
	return o.store
}

// Accept validates and admits a command, returning its request identifier.
// It never blocks: ErrBusy is returned immediately when a non-preemptive
// command arrives while another is executing. The preemptive kind is always
// accepted; the executing record is atomically marked interrupted first.
func (o *Orchestrator) Accept(kind Kind) (string, error) {
	if !ValidKind(kind) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	preemptive := kind == KindHome
	timeout := o.cfg.CommandTimeout
	if preemptive {
		timeout = o.cfg.PreemptTimeout
	}
	rec := &Record{
		RequestID:     uuid.NewString(),
		Kind:          kind,
		State:         StateExecuting,
		StartedAt:     time.Now(),
		Timeout:       timeout,
		PhaseTimeouts: o.cfg.PhaseTimeouts,
		done:          make(chan struct{}),
	}

	preempted, prevDone, err := o.store.admit(rec, preemptive)
	if err != nil {
		if o.metrics != nil {
			o.metrics.IncCommandsBusy()
		}
		return "", err
	}

	if preempted != nil {
		o.log.Info("command preempted",
			slog.String("request_id", preempted.RequestID),
			slog.String("kind", string(preempted.Kind)))
		o.notify.PublishStatus(*preempted)
		if o.metrics != nil {
			o.metrics.IncPreemptions()
			o.metrics.IncCommandsFinished(string(StateInterrupted))
		}
		// Give the displaced executor one polling interval to observe the
		// interrupt flag and stop issuing adapter calls.
		if prevDone != nil {
			select {
			case <-prevDone:
			case <-time.After(o.cfg.PollInterval):
			}
		}
	}

	if o.metrics != nil {
		o.metrics.IncCommandsAccepted()
	}
	o.log.Info("command accepted",
		slog.String("request_id", rec.RequestID),
		slog.String("kind", string(kind)))

	if snap, err := o.store.Snapshot(rec.RequestID); err == nil {
		o.notify.PublishStatus(snap)
	}

	go o.run(rec)
	return rec.RequestID, nil
}

// run drives the record through its phase sequence.
func (o *Orchestrator) run(rec *Record) {
	defer close(rec.done)
	defer o.store.release(rec)

	for _, ps := range phaseTable[rec.Kind] {
		// No phase starts after an interrupt or timeout is observed.
		if rec.Interrupted() {
			o.finish(rec, StateInterrupted, "interrupted before phase "+string(ps.name))
			return
		}
		if time.Since(rec.StartedAt) > rec.Timeout {
			o.finish(rec, StateTimeout, fmt.Sprintf("command timed out after %dms", rec.Timeout.Milliseconds()))
			return
		}

		snap, ok := o.store.enterPhase(rec, ps.name)
		if !ok {
			return
		}
		o.notify.PublishStatus(snap)

		var err error
		switch ps.class {
		case classDetect:
			err = o.runDetect(rec, ps)
		default:
			err = o.runMotion(rec, ps)
		}
		if err != nil {
			switch {
			case errors.Is(err, errInterrupted):
				o.finish(rec, StateInterrupted, "interrupted during phase "+string(ps.name))
			case errors.Is(err, errPhaseTimeout):
				o.finish(rec, StateTimeout, fmt.Sprintf("phase %s timed out after %dms", ps.name, rec.phaseTimeout(ps.name).Milliseconds()))
			case errors.Is(err, errCommandTimeout):
				o.finish(rec, StateTimeout, fmt.Sprintf("command timed out during phase %s", ps.name))
			default:
				o.finish(rec, StateFailed, err.Error())
			}
			return
		}

		if snap, ok := o.store.completePhase(rec, ps.name); ok {
			o.notify.PublishStatus(snap)
		} else {
			return
		}
	}

	o.finish(rec, StateCompleted, string(rec.Kind)+" completed")
}

// finish publishes the terminal transition unless preemption already did.
func (o *Orchestrator) finish(rec *Record, state State, msg string) {
	snap, ok := o.store.finish(rec, state, msg)
	if !ok {
		return
	}
	o.log.Info("command finished",
		slog.String("request_id", rec.RequestID),
		slog.String("kind", string(rec.Kind)),
		slog.String("state", string(state)),
		slog.String("message", msg))
	o.notify.PublishStatus(snap)
	if o.metrics != nil {
		o.metrics.IncCommandsFinished(string(state))
	}
}

// runDetect invokes the detector with confidence gating and retries.
func (o *Orchestrator) runDetect(rec *Record, ps phaseSpec) error {
	attempts := o.cfg.DetectRetries + 1
	deadline := time.Now().Add(rec.phaseTimeout(ps.name))

	var last float64
	for attempt := 1; attempt <= attempts; attempt++ {
		if rec.Interrupted() {
			return errInterrupted
		}
		if time.Since(rec.StartedAt) > rec.Timeout {
			return errCommandTimeout
		}
		if time.Now().After(deadline) {
			return errPhaseTimeout
		}

		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		det, err := o.caps.Detect(ctx, ps.target)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errPhaseTimeout
			}
			return fmt.Errorf("detector failed for %s: %w", ps.target, err)
		}

		last = det.Confidence
		msg := fmt.Sprintf("detected %s confidence %.2f (attempt %d/%d)", det.Label, det.Confidence, attempt, attempts)
		snap, ok := o.store.recordConfidence(rec, det.Confidence, msg)
		if !ok {
			return errInterrupted
		}
		o.notify.PublishStatus(snap)

		if det.Confidence >= o.cfg.ConfidenceThreshold {
			return nil
		}
		o.log.Debug("detection below threshold",
			slog.String("request_id", rec.RequestID),
			slog.String("target", ps.target),
			slog.Float64("confidence", det.Confidence),
			slog.Int("attempt", attempt))
	}

	return fmt.Errorf("could not find %s: confidence %.2f below threshold %.2f after %d attempts",
		ps.target, last, o.cfg.ConfidenceThreshold, attempts)
}

// runMotion issues an actuator target and polls until the pose is reached
// or a timeout trips. The phase timeout is checked independently of the
// overall command timeout.
func (o *Orchestrator) runMotion(rec *Record, ps phaseSpec) error {
	phaseTimeout := rec.phaseTimeout(ps.name)
	phaseStart := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), phaseTimeout)
	var err error
	if ps.class == classHome {
		err = o.caps.Home(ctx)
	} else {
		err = o.caps.Actuate(ctx, ps.target)
	}
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errPhaseTimeout
		}
		return fmt.Errorf("actuator failed for %s: %w", ps.name, err)
	}

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if rec.Interrupted() {
			return errInterrupted
		}
		if time.Since(rec.StartedAt) > rec.Timeout {
			return errCommandTimeout
		}
		remaining := phaseTimeout - time.Since(phaseStart)
		if remaining <= 0 {
			return errPhaseTimeout
		}

		obsCtx, obsCancel := context.WithTimeout(context.Background(), remaining)
		st, err := o.caps.Observe(obsCtx)
		obsCancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return errPhaseTimeout
			}
			return fmt.Errorf("observe failed during %s: %w", ps.name, err)
		}
		if st.Pose == ps.target && st.Settled {
			return nil
		}

		<-ticker.C
	}
}

// Dispense is the fire-and-forget treat dispenser call.
func (o *Orchestrator) Dispense(ctx context.Context, d time.Duration) error {
	return o.caps.Dispense(ctx, d)
}

// Speak is the fire-and-forget speaker call.
func (o *Orchestrator) Speak(ctx context.Context, text string) error {
	return o.caps.Speak(ctx, text)
}
