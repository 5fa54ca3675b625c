package events

import (
	"fmt"
	"sync"
	"time"
)

// Artifact duration bounds: every derived clip or bookmark request is
// clamped into this range regardless of how tight the matched sequence was.
const (
	MinArtifactDuration = 8 * time.Second
	MaxArtifactDuration = 12 * time.Second

	// artifactPadding is added to the matched gap so the clip covers a bit
	// of context after the second event.
	artifactPadding = 6 * time.Second
)

// Pattern is a short temporal sequence of two event types: First followed
// by Second within Window. Older partial matches expire silently.
type Pattern struct {
	Name   string
	First  string
	Second string
	Window time.Duration
	Reason string
	Label  string
}

// DefaultPatterns are the sequences the pet monitor derives artifacts from.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:   "fetch_return",
			First:  "approach",
			Second: "return_with_object",
			Window: 10 * time.Second,
			Reason: "fetch sequence detected",
			Label:  "fetch clip",
		},
		{
			Name:   "treat_consumed",
			First:  "approach",
			Second: "consume",
			Window: 5 * time.Second,
			Reason: "consumption sequence detected",
			Label:  "treat bookmark",
		},
	}
}

// Match describes one detected sequence.
type Match struct {
	Pattern    Pattern
	Anchor     time.Time
	DurationMs int64
}

// Matcher scans the recent event stream for configured patterns. It keeps
// only the timestamps of first-events still inside each pattern's window;
// nothing survives a restart.
type Matcher struct {
	patterns []Pattern

	mu     sync.Mutex
	firsts map[string][]time.Time // pattern name -> recent First timestamps
}

// NewMatcher returns a Matcher for the given patterns.
func NewMatcher(patterns []Pattern) *Matcher {
	return &Matcher{
		patterns: patterns,
		firsts:   make(map[string][]time.Time),
	}
}

// Observe feeds one event into the matcher and returns any matches it
// completes. A completed match consumes the first-event so one sequence
// yields one artifact.
func (m *Matcher) Observe(ev Event) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []Match
	for _, p := range m.patterns {
		m.pruneLocked(p, ev.Timestamp)

		if ev.Type == p.First {
			m.firsts[p.Name] = append(m.firsts[p.Name], ev.Timestamp)
			continue
		}
		if ev.Type != p.Second {
			continue
		}

		recent := m.firsts[p.Name]
		if len(recent) == 0 {
			continue
		}
		// Most recent eligible first-event anchors the artifact.
		anchor := recent[len(recent)-1]
		m.firsts[p.Name] = recent[:len(recent)-1]

		gap := ev.Timestamp.Sub(anchor)
		matches = append(matches, Match{
			Pattern:    p,
			Anchor:     anchor,
			DurationMs: clampDuration(gap + artifactPadding).Milliseconds(),
		})
	}
	return matches
}

// pruneLocked expires first-events older than the pattern window.
func (m *Matcher) pruneLocked(p Pattern, now time.Time) {
	recent := m.firsts[p.Name]
	kept := recent[:0]
	for _, t := range recent {
		if now.Sub(t) <= p.Window {
			kept = append(kept, t)
		}
	}
	m.firsts[p.Name] = kept
}

func clampDuration(d time.Duration) time.Duration {
	if d < MinArtifactDuration {
		return MinArtifactDuration
	}
	if d > MaxArtifactDuration {
		return MaxArtifactDuration
	}
	return d
}

// String implements fmt.Stringer for log readability.
func (mt Match) String() string {
	return fmt.Sprintf("%s anchor=%s duration=%dms", mt.Pattern.Name, mt.Anchor.Format(time.RFC3339), mt.DurationMs)
}
