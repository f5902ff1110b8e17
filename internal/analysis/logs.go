package analysis

import (
	"encoding/json"
	"time"
)

// LogEntry is one structured progress entry in an analysis log.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Step      string    `json:"step"`
	Level     string    `json:"level"` // info, warn, error, success
	Message   string    `json:"message"`
}

// ParseLogs deserializes a JSON-encoded log array. A nil, empty, or malformed
// blob yields an empty slice: logs are diagnostic, a corrupt blob is treated
// as no log rather than an error.
func ParseLogs(raw []byte) []LogEntry {
	if len(raw) == 0 {
		return nil
	}
	var entries []LogEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	return entries
}

// AppendLog appends one entry to a serialized log blob, preserving the order
// of existing entries. Concurrent appenders need a transactional
// read-modify-write around this; the function itself is pure.
func AppendLog(raw []byte, entry LogEntry) ([]byte, error) {
	entries := append(ParseLogs(raw), entry)
	return json.Marshal(entries)
}

// AppendLogs appends several entries at once, in the order given.
func AppendLogs(raw []byte, add []LogEntry) ([]byte, error) {
	entries := append(ParseLogs(raw), add...)
	return json.Marshal(entries)
}

// GroupLogsByStep partitions entries by step label, preserving each step's
// internal arrival order. Used to render collapsible per-step log sections.
func GroupLogsByStep(entries []LogEntry) map[string][]LogEntry {
	grouped := make(map[string][]LogEntry)
	for _, e := range entries {
		grouped[e.Step] = append(grouped[e.Step], e)
	}
	return grouped
}
