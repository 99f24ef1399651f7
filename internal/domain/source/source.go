// Package source models a unit of data collection and the lifecycle
// automaton that governs its status.
package source

import (
	"time"

	"github.com/google/uuid"
)

// Source is one configured unit of data collection, assigned to a single
// agent identified by (agentIP, clusterName).
type Source struct {
	id          uuid.UUID
	groupID     string
	streamID    string
	agentIP     string
	clusterName string

	status Status
	// preTimeoutStatus is the status held before HEARTBEAT_TIMEOUT, restored
	// when the agent comes back.
	preTimeoutStatus Status
	intent           Intent
	deleteState      DeleteState
	message          string
	// pendingOutcome is the acknowledged outcome of a BEEN_ISSUED command
	// that has not been finalized yet.
	pendingOutcome Outcome

	version    int64
	createTime time.Time
	modifyTime time.Time

	lastHeartbeatAt time.Time
	snapshot        Snapshot
}

// NewSource registers a source in StatusNew. agentIP may be empty until the
// source is bound.
func NewSource(groupID, streamID, clusterName, agentIP string, now time.Time) *Source {
	return &Source{
		id:          uuid.New(),
		groupID:     groupID,
		streamID:    streamID,
		agentIP:     agentIP,
		clusterName: clusterName,
		status:      StatusNew,
		deleteState: DeleteStateAlive,
		version:     1,
		createTime:  now,
		modifyTime:  now,
	}
}

// SourceState holds every persisted field; stores use it to rebuild a Source.
type SourceState struct {
	ID               uuid.UUID
	GroupID          string
	StreamID         string
	AgentIP          string
	ClusterName      string
	Status           Status
	PreTimeoutStatus Status
	Intent           Intent
	DeleteState      DeleteState
	Message          string
	PendingOutcome   Outcome
	Version          int64
	CreateTime       time.Time
	ModifyTime       time.Time
	LastHeartbeatAt  time.Time
	Snapshot         Snapshot
}

// ReconstructSource rebuilds a Source from persisted state.
func ReconstructSource(st SourceState) *Source {
	return &Source{
		id:               st.ID,
		groupID:          st.GroupID,
		streamID:         st.StreamID,
		agentIP:          st.AgentIP,
		clusterName:      st.ClusterName,
		status:           st.Status,
		preTimeoutStatus: st.PreTimeoutStatus,
		intent:           st.Intent,
		deleteState:      st.DeleteState,
		message:          st.Message,
		pendingOutcome:   st.PendingOutcome,
		version:          st.Version,
		createTime:       st.CreateTime,
		modifyTime:       st.ModifyTime,
		lastHeartbeatAt:  st.LastHeartbeatAt,
		snapshot:         st.Snapshot,
	}
}

// State returns a copy of the persisted fields.
func (s *Source) State() SourceState {
	return SourceState{
		ID:               s.id,
		GroupID:          s.groupID,
		StreamID:         s.streamID,
		AgentIP:          s.agentIP,
		ClusterName:      s.clusterName,
		Status:           s.status,
		PreTimeoutStatus: s.preTimeoutStatus,
		Intent:           s.intent,
		DeleteState:      s.deleteState,
		Message:          s.message,
		PendingOutcome:   s.pendingOutcome,
		Version:          s.version,
		CreateTime:       s.createTime,
		ModifyTime:       s.modifyTime,
		LastHeartbeatAt:  s.lastHeartbeatAt,
		Snapshot:         s.snapshot,
	}
}

func (s *Source) ID() uuid.UUID                   { return s.id }
func (s *Source) GroupID() string                 { return s.groupID }
func (s *Source) StreamID() string                { return s.streamID }
func (s *Source) AgentIP() string                 { return s.agentIP }
func (s *Source) ClusterName() string             { return s.clusterName }
func (s *Source) Status() Status                  { return s.status }
func (s *Source) PreTimeoutStatus() Status        { return s.preTimeoutStatus }
func (s *Source) Intent() Intent                  { return s.intent }
func (s *Source) DeleteState() DeleteState        { return s.deleteState }
func (s *Source) Message() string                 { return s.message }
func (s *Source) PendingOutcome() Outcome         { return s.pendingOutcome }
func (s *Source) Version() int64                  { return s.version }
func (s *Source) CreateTime() time.Time           { return s.createTime }
func (s *Source) ModifyTime() time.Time           { return s.modifyTime }
func (s *Source) LastHeartbeatAt() time.Time      { return s.lastHeartbeatAt }
func (s *Source) Snapshot() Snapshot              { return s.snapshot }
func (s *Source) Identity() (string, string)      { return s.agentIP, s.clusterName }
func (s *Source) IsBound() bool                   { return s.agentIP != "" }
func (s *Source) IsDeleted() bool                 { return s.deleteState.IsDeleted() }
func (s *Source) IsHeartbeatTimedOut() bool       { return s.status == StatusHeartbeatTimeout }
func (s *Source) HasPendingIntent() bool          { return s.intent != IntentNone }
func (s *Source) OwnedBy(ip, cluster string) bool { return s.agentIP == ip && s.clusterName == cluster }

// IsDeliverable reports whether a poll from the owning agent must return this
// source: either a command is pending or it was deleted server-side.
func (s *Source) IsDeliverable() bool {
	return s.status.IsToBeIssued() || s.deleteState.IsDeleted()
}

// EffectiveStatus is the status used to interpret agent acknowledgements.
// While timed out it is the retained pre-timeout status.
func (s *Source) EffectiveStatus() Status {
	if s.status == StatusHeartbeatTimeout && s.preTimeoutStatus != StatusUnspecified {
		return s.preTimeoutStatus
	}
	return s.status
}
