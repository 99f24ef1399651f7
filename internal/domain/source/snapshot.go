package source

import "time"

// Snapshot is the latest progress checkpoint an agent reported for a source.
// Data is opaque to the manager.
type Snapshot struct {
	Data       []byte
	ReportedAt time.Time
}

// IsZero reports whether no snapshot has been recorded.
func (s Snapshot) IsZero() bool { return len(s.Data) == 0 && s.ReportedAt.IsZero() }
