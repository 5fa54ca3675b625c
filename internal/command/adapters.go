package command

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Detection is one labeled result from the detector adapter.
type Detection struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	// Geometry is the bounding box as normalized [x, y, w, h].
	Geometry [4]float64 `json:"geometry"`
}

// ActuatorState is the pose reported by the actuator adapter.
type ActuatorState struct {
	Pose    string `json:"pose"`
	Settled bool   `json:"settled"`
}

// Capabilities is the fixed method set the executor drives. Real hardware,
// the simulator, and test fakes all implement it. Every call takes a
// context and must honor its deadline; the executor bounds each call with
// a per-phase timeout so a hung adapter cannot stall the control loop.
type Capabilities interface {
	// Home drives the bounded, path-planning-free return to the safe pose.
	Home(ctx context.Context) error
	// Actuate starts motion toward the named target pose and returns
	// without waiting for arrival.
	Actuate(ctx context.Context, target string) error
	// Observe reports the current actuator pose.
	Observe(ctx context.Context) (ActuatorState, error)
	// Detect runs one detector inference on the current frame.
	Detect(ctx context.Context, label string) (Detection, error)
	// Dispense runs the treat dispenser for the given duration.
	Dispense(ctx context.Context, d time.Duration) error
	// Speak plays the given text through the speaker.
	Speak(ctx context.Context, text string) error
}

// SimCapabilities is a software stand-in for the robot: motions settle
// after a short latency and detections return a fixed high confidence.
// Used when no hardware is attached.
type SimCapabilities struct {
	// MoveLatency is how long a commanded motion takes to settle.
	MoveLatency time.Duration

	mu      sync.Mutex
	pose    string
	movedAt time.Time
}

// NewSimCapabilities returns a simulator with a 200ms motion latency.
func NewSimCapabilities() *SimCapabilities {
	return &SimCapabilities{MoveLatency: 200 * time.Millisecond, pose: "home"}
}

func (s *SimCapabilities) Home(ctx context.Context) error {
	return s.Actuate(ctx, "home")
}

func (s *SimCapabilities) Actuate(ctx context.Context, target string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pose = target
	s.movedAt = time.Now()
	return nil
}

func (s *SimCapabilities) Observe(ctx context.Context) (ActuatorState, error) {
	if err := ctx.Err(); err != nil {
		return ActuatorState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return ActuatorState{
		Pose:    s.pose,
		Settled: time.Since(s.movedAt) >= s.MoveLatency,
	}, nil
}

func (s *SimCapabilities) Detect(ctx context.Context, label string) (Detection, error) {
	if err := ctx.Err(); err != nil {
		return Detection{}, err
	}
	return Detection{
		Label:      label,
		Confidence: 0.85 + 0.1*rand.Float64(),
		Geometry:   [4]float64{0.4, 0.4, 0.2, 0.2},
	}, nil
}

func (s *SimCapabilities) Dispense(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func (s *SimCapabilities) Speak(ctx context.Context, text string) error {
	return ctx.Err()
}
