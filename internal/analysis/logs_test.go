package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseLogs(t *testing.T) {
	require.Nil(t, ParseLogs(nil))
	require.Nil(t, ParseLogs([]byte{}))
	require.Nil(t, ParseLogs([]byte(`{not json`)))
	require.Nil(t, ParseLogs([]byte(`{"an":"object"}`)))

	entries := ParseLogs([]byte(`[{"timestamp":"2026-01-02T15:04:05Z","step":"Scanning","level":"info","message":"started"}]`))
	require.Len(t, entries, 1)
	require.Equal(t, "Scanning", entries[0].Step)
	require.Equal(t, "started", entries[0].Message)
}

func TestAppendLogPreservesOrder(t *testing.T) {
	base := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)

	var raw []byte
	var err error
	for i, msg := range []string{"first", "second", "third"} {
		raw, err = AppendLog(raw, LogEntry{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Step:      "Scanning",
			Level:     "info",
			Message:   msg,
		})
		require.NoError(t, err)
	}

	entries := ParseLogs(raw)
	require.Len(t, entries, 3)
	require.Equal(t, "first", entries[0].Message)
	require.Equal(t, "second", entries[1].Message)
	require.Equal(t, "third", entries[2].Message)
}

func TestAppendLogOntoMalformedBlob(t *testing.T) {
	raw, err := AppendLog([]byte(`garbage`), LogEntry{Step: "Queued", Level: "info", Message: "queued"})
	require.NoError(t, err)

	entries := ParseLogs(raw)
	require.Len(t, entries, 1)
	require.Equal(t, "queued", entries[0].Message)
}

func TestAppendLogs(t *testing.T) {
	raw, err := AppendLog(nil, LogEntry{Step: "Queued", Level: "info", Message: "queued"})
	require.NoError(t, err)

	raw, err = AppendLogs(raw, []LogEntry{
		{Step: "Scanning", Level: "info", Message: "scan started"},
		{Step: "Scanning", Level: "success", Message: "scan finished"},
	})
	require.NoError(t, err)

	entries := ParseLogs(raw)
	require.Len(t, entries, 3)
	require.Equal(t, "queued", entries[0].Message)
	require.Equal(t, "scan finished", entries[2].Message)
}

func TestGroupLogsByStep(t *testing.T) {
	entries := []LogEntry{
		{Step: "Queued", Message: "a"},
		{Step: "Scanning", Message: "b"},
		{Step: "Scanning", Message: "c"},
		{Step: "Penetration Test", Message: "d"},
	}

	grouped := GroupLogsByStep(entries)
	require.Len(t, grouped, 3)
	require.Len(t, grouped["Scanning"], 2)
	require.Equal(t, "b", grouped["Scanning"][0].Message)
	require.Equal(t, "c", grouped["Scanning"][1].Message)
	require.Equal(t, "d", grouped["Penetration Test"][0].Message)

	require.Empty(t, GroupLogsByStep(nil))
}
