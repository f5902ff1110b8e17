package analysis

import (
	"time"

	"github.com/google/uuid"
)

// StuckCandidate is the snapshot the watchdog needs about one analysis.
type StuckCandidate struct {
	ID        uuid.UUID
	Status    Status
	StartedAt time.Time
}

// FindStuck returns the ids of analyses that are non-terminal and older than
// staleAfter at the given instant. The caller is responsible for forcing the
// selected analyses to FAILED; this function takes a snapshot and a clock and
// returns a decision, nothing more.
func FindStuck(candidates []StuckCandidate, now time.Time, staleAfter time.Duration) []uuid.UUID {
	var stuck []uuid.UUID
	for _, c := range candidates {
		if IsTerminal(c.Status) {
			continue
		}
		if now.Sub(c.StartedAt) > staleAfter {
			stuck = append(stuck, c.ID)
		}
	}
	return stuck
}
