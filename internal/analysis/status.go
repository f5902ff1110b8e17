// Package analysis holds the pure lifecycle rules for an analysis: the
// status transition graph, the append-only log model, and the stuck-analysis
// selector. Nothing in this package performs I/O.
package analysis

// Status is the lifecycle state of an analysis.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusScanning            Status = "SCANNING"
	StatusCloning             Status = "CLONING"
	StatusStaticAnalysis      Status = "STATIC_ANALYSIS"
	StatusBuilding            Status = "BUILDING"
	StatusPenetrationTest     Status = "PENETRATION_TEST"
	StatusExploitVerification Status = "EXPLOIT_VERIFICATION"
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
	StatusCancelled           Status = "CANCELLED"
)

var terminal = map[Status]bool{
	StatusCompleted:           true,
	StatusCompletedWithErrors: true,
	StatusFailed:              true,
	StatusCancelled:           true,
}

// transitions is the directed edge list of legal status moves. Absence of an
// edge means the transition is illegal, with one exception handled in
// CanTransition: any terminal status may be overwritten by another terminal
// status (late correction webhooks), but never reopened to a non-terminal one.
var transitions = map[Status][]Status{
	StatusPending: {StatusScanning, StatusCloning, StatusFailed, StatusCancelled},
	StatusScanning: {
		StatusCloning, StatusStaticAnalysis, StatusBuilding, StatusPenetrationTest,
		StatusExploitVerification, StatusCompleted, StatusCompletedWithErrors,
		StatusFailed, StatusCancelled,
	},
	StatusCloning: {StatusStaticAnalysis, StatusFailed, StatusCancelled},
	StatusStaticAnalysis: {
		StatusBuilding, StatusPenetrationTest, StatusCompleted,
		StatusCompletedWithErrors, StatusFailed, StatusCancelled,
	},
	StatusBuilding: {
		StatusPenetrationTest, StatusCompleted, StatusCompletedWithErrors,
		StatusFailed, StatusCancelled,
	},
	StatusPenetrationTest: {
		StatusExploitVerification, StatusCompleted, StatusCompletedWithErrors,
		StatusFailed, StatusCancelled,
	},
	StatusExploitVerification: {
		StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled,
	},
}

// IsTerminal reports whether s is a terminal status.
func IsTerminal(s Status) bool { return terminal[s] }

// Known reports whether s is a member of the closed status enum.
func Known(s Status) bool {
	if terminal[s] {
		return true
	}
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from one status to another is legal.
// It only answers yes or no; rejecting an illegal write is the caller's job.
func CanTransition(from, to Status) bool {
	if IsTerminal(from) {
		return IsTerminal(to)
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var steps = map[Status]string{
	StatusPending:             "Queued",
	StatusScanning:            "Scanning",
	StatusCloning:             "Cloning Repository",
	StatusStaticAnalysis:      "Static Analysis",
	StatusBuilding:            "Building Sandbox",
	StatusPenetrationTest:     "Penetration Test",
	StatusExploitVerification: "Exploit Verification",
	StatusCompleted:           "Completed",
	StatusCompletedWithErrors: "Completed With Errors",
	StatusFailed:              "Failed",
	StatusCancelled:           "Cancelled",
}

// StepFor maps a status to the human-readable step label used for log
// grouping and UI display. Unknown statuses fall back to the raw value.
func StepFor(s Status) string {
	if step, ok := steps[s]; ok {
		return step
	}
	return string(s)
}
