// Package reliability classifies lifecycle events by how much their loss
// would cost an audit consumer.
package reliability

import (
	"github.com/ahrav/sourcefleet/internal/domain/events"
	"github.com/ahrav/sourcefleet/internal/domain/source"
)

// IsCriticalEvent reports whether an event records a terminal or reversible
// outcome that no later event restates. Publishers retry these before giving up.
func IsCriticalEvent(eventType events.EventType) bool {
	switch eventType {
	case source.EventTypeSourceFinalized,
		source.EventTypeSourceTimedOut,
		source.EventTypeSourceRecovered,
		source.EventTypeSourcePurged,
		source.EventTypeSourceInvalidReport:
		return true

	// Issued and acknowledged are always followed by a finalized event.
	case source.EventTypeSourceIssued,
		source.EventTypeSourceAcknowledged:
		return false

	default:
		return false
	}
}
