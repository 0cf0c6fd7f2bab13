// Package rotation picks which instance handles the next message job.
package rotation

import (
	"sync"

	"campaignd/internal/domain"
)

// Candidate is a point-in-time snapshot of one instance's eligibility inputs.
type Candidate struct {
	ID        string
	Connected bool
	HasQuota  bool
	Health    float64
	InFlight  int
}

func (c Candidate) eligible() bool { return c.Connected && c.HasQuota }

// Selector keeps the round-robin cursor. The cursor advances on every
// selection, including when it only serves as a tie-break.
type Selector struct {
	mu     sync.Mutex
	cursor int
}

func New() *Selector { return &Selector{} }

// Pick returns the chosen instance id, or ok=false when no candidate is
// eligible (the job waits).
func (s *Selector) Pick(strategy domain.RotationStrategy, candidates []Candidate) (string, bool) {
	eligible := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.eligible() {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch strategy {
	case domain.RotateHealthBased:
		return s.pickLocked(eligible, func(a, b Candidate) bool {
			return a.Health > b.Health
		}), true
	case domain.RotateLoadBalanced:
		return s.pickLocked(eligible, func(a, b Candidate) bool {
			if a.InFlight != b.InFlight {
				return a.InFlight < b.InFlight
			}
			return a.Health > b.Health
		}), true
	default: // round_robin
		c := eligible[s.cursor%len(eligible)]
		s.cursor++
		return c.ID, true
	}
}

// pickLocked finds the best candidate under less; ties fall back to
// round-robin order from the cursor.
func (s *Selector) pickLocked(eligible []Candidate, less func(a, b Candidate) bool) string {
	best := eligible[0]
	for _, c := range eligible[1:] {
		if less(c, best) {
			best = c
		}
	}
	// collect ties on the best key
	var ties []Candidate
	for _, c := range eligible {
		if !less(c, best) && !less(best, c) {
			ties = append(ties, c)
		}
	}
	chosen := ties[s.cursor%len(ties)]
	s.cursor++
	return chosen.ID
}
