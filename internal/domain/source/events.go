package source

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/sourcefleet/internal/domain/events"
)

// Lifecycle event types.
const (
	EventTypeSourceIssued        events.EventType = "SourceIssued"
	EventTypeSourceAcknowledged  events.EventType = "SourceAcknowledged"
	EventTypeSourceFinalized     events.EventType = "SourceFinalized"
	EventTypeSourceTimedOut      events.EventType = "SourceTimedOut"
	EventTypeSourceRecovered     events.EventType = "SourceRecovered"
	EventTypeSourcePurged        events.EventType = "SourcePurged"
	EventTypeSourceInvalidReport events.EventType = "SourceInvalidTransitionReported"
)

// StatusChangedEvent is raised for every committed lifecycle change. Its
// EventType distinguishes the reason.
type StatusChangedEvent struct {
	eventType   events.EventType
	SourceID    uuid.UUID
	GroupID     string
	AgentIP     string
	ClusterName string
	From        Status
	To          Status
	Message     string
	occurredAt  time.Time
}

// NewStatusChangedEvent builds the event for a committed change of src.
func NewStatusChangedEvent(eventType events.EventType, src *Source, c StatusChange) StatusChangedEvent {
	return StatusChangedEvent{
		eventType:   eventType,
		SourceID:    c.SourceID,
		GroupID:     src.GroupID(),
		AgentIP:     c.AgentIP,
		ClusterName: src.ClusterName(),
		From:        c.From,
		To:          c.To,
		Message:     c.Message,
		occurredAt:  c.At,
	}
}

// ReconstructStatusChangedEvent rebuilds an event read off the bus.
func ReconstructStatusChangedEvent(
	eventType events.EventType,
	sourceID uuid.UUID,
	groupID, agentIP, clusterName string,
	from, to Status,
	message string,
	occurredAt time.Time,
) StatusChangedEvent {
	return StatusChangedEvent{
		eventType:   eventType,
		SourceID:    sourceID,
		GroupID:     groupID,
		AgentIP:     agentIP,
		ClusterName: clusterName,
		From:        from,
		To:          to,
		Message:     message,
		occurredAt:  occurredAt,
	}
}

func (e StatusChangedEvent) EventType() events.EventType { return e.eventType }
func (e StatusChangedEvent) OccurredAt() time.Time       { return e.occurredAt }

// PurgedEvent is raised when the retention sweep physically deletes sources.
type PurgedEvent struct {
	Count      int64
	Cutoff     time.Time
	occurredAt time.Time
}

// NewPurgedEvent creates a PurgedEvent.
func NewPurgedEvent(count int64, cutoff, at time.Time) PurgedEvent {
	return PurgedEvent{Count: count, Cutoff: cutoff, occurredAt: at}
}

func (e PurgedEvent) EventType() events.EventType { return EventTypeSourcePurged }
func (e PurgedEvent) OccurredAt() time.Time       { return e.occurredAt }
