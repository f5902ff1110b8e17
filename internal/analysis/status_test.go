package analysis

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled} {
		require.True(t, IsTerminal(s), "expected %s to be terminal", s)
	}
	for _, s := range []Status{StatusPending, StatusScanning, StatusCloning, StatusStaticAnalysis, StatusBuilding, StatusPenetrationTest, StatusExploitVerification} {
		require.False(t, IsTerminal(s), "expected %s to be non-terminal", s)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusScanning, true},
		{StatusPending, StatusCloning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusBuilding, false},
		{StatusPending, StatusCompleted, false},

		{StatusScanning, StatusStaticAnalysis, true},
		{StatusScanning, StatusCompleted, true},
		{StatusScanning, StatusPending, false},

		{StatusCloning, StatusStaticAnalysis, true},
		{StatusCloning, StatusBuilding, false},
		{StatusCloning, StatusPenetrationTest, false},

		{StatusStaticAnalysis, StatusBuilding, true},
		{StatusStaticAnalysis, StatusPenetrationTest, true},
		{StatusStaticAnalysis, StatusCompleted, true},
		{StatusStaticAnalysis, StatusCloning, false},

		{StatusBuilding, StatusPenetrationTest, true},
		{StatusBuilding, StatusStaticAnalysis, false},

		{StatusPenetrationTest, StatusExploitVerification, true},
		{StatusPenetrationTest, StatusCompletedWithErrors, true},
		{StatusPenetrationTest, StatusBuilding, false},

		{StatusExploitVerification, StatusCompleted, true},
		{StatusExploitVerification, StatusFailed, true},
		{StatusExploitVerification, StatusPenetrationTest, false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestTerminalOverride(t *testing.T) {
	terminals := []Status{StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled}

	// A late correction may rewrite one terminal status as another.
	for _, from := range terminals {
		for _, to := range terminals {
			require.True(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	// But a terminal analysis can never be reopened.
	nonTerminals := []Status{StatusPending, StatusScanning, StatusCloning, StatusStaticAnalysis, StatusBuilding, StatusPenetrationTest, StatusExploitVerification}
	for _, from := range terminals {
		for _, to := range nonTerminals {
			require.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestKnown(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusScanning, StatusExploitVerification, StatusCompleted, StatusCancelled} {
		require.True(t, Known(s))
	}
	require.False(t, Known(Status("EXPLODED")))
	require.False(t, Known(Status("")))
	require.False(t, Known(Status("pending")))
}

func TestStepFor(t *testing.T) {
	require.Equal(t, "Queued", StepFor(StatusPending))
	require.Equal(t, "Building Sandbox", StepFor(StatusBuilding))
	require.Equal(t, "Exploit Verification", StepFor(StatusExploitVerification))
	require.Equal(t, "SOMETHING_NEW", StepFor(Status("SOMETHING_NEW")))
}
