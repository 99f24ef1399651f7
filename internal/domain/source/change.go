package source

import (
	"time"

	"github.com/google/uuid"
)

// StatusChange is a planned, automaton-validated write of a source's
// lifecycle fields. Stores apply it only if the record still has
// ExpectedVersion and From; otherwise the write is a conflict.
type StatusChange struct {
	SourceID        uuid.UUID
	ExpectedVersion int64
	From            Status
	To              Status

	// The remaining fields are the complete new values, not deltas.
	PreTimeoutStatus Status
	Intent           Intent
	DeleteState      DeleteState
	AgentIP          string
	Message          string
	PendingOutcome   Outcome
	At               time.Time
}

// Validate checks the change against the automaton.
func (c StatusChange) Validate() error {
	if !IsAllowedTransition(c.From, c.To) {
		return &InvalidTransitionError{SourceID: c.SourceID, From: c.From, To: c.To}
	}
	return nil
}

// baseChange starts a change that keeps every field except status as-is.
func (s *Source) baseChange(to Status, at time.Time) StatusChange {
	return StatusChange{
		SourceID:         s.id,
		ExpectedVersion:  s.version,
		From:             s.status,
		To:               to,
		PreTimeoutStatus: s.preTimeoutStatus,
		Intent:           s.intent,
		DeleteState:      s.deleteState,
		AgentIP:          s.agentIP,
		Message:          s.message,
		PendingOutcome:   s.pendingOutcome,
		At:               at,
	}
}

// Transition plans a plain move to the given status. Leaving
// HEARTBEAT_TIMEOUT discards the retained pre-timeout status.
func (s *Source) Transition(to Status, at time.Time) (StatusChange, error) {
	c := s.baseChange(to, at)
	if s.status == StatusHeartbeatTimeout && to != StatusHeartbeatTimeout {
		c.PreTimeoutStatus = StatusUnspecified
	}
	if err := c.Validate(); err != nil {
		return StatusChange{}, err
	}
	return c, nil
}

// PlanIntent plans the to-be-issued status requested by the pending intent and
// clears the intent. A delete intent also soft-deletes the source. agentIP,
// when non-empty, binds the source in the same write.
func (s *Source) PlanIntent(agentIP string, at time.Time) (StatusChange, error) {
	target, ok := s.intent.Target()
	if !ok {
		return StatusChange{}, &InvalidTransitionError{SourceID: s.id, From: s.status, To: StatusUnspecified}
	}

	c, err := s.Transition(target, at)
	if err != nil {
		return StatusChange{}, err
	}

	c.Intent = IntentNone
	if s.intent == IntentDelete {
		c.DeleteState = DeleteStateSoftDeleted
	}
	if agentIP != "" {
		c.AgentIP = agentIP
	}
	return c, nil
}

// MarkIssued plans TO_BE_ISSUED_X -> BEEN_ISSUED_X for an acknowledgement and
// records the agent's outcome so the source can be finalized later even if
// the acknowledging replica never gets to it. A source in HEARTBEAT_TIMEOUT
// whose retained status is TO_BE_ISSUED_X moves straight to BEEN_ISSUED_X.
// The bool is false when the command is already past that point and nothing
// needs writing.
func (s *Source) MarkIssued(outcome Outcome, message string, at time.Time) (StatusChange, bool, error) {
	eff := s.EffectiveStatus()
	if eff.IsBeenIssued() {
		return StatusChange{}, false, nil
	}

	been, ok := eff.BeenIssued()
	if !ok {
		return StatusChange{}, false, &InvalidTransitionError{SourceID: s.id, From: s.status, To: StatusUnspecified}
	}

	c, err := s.Transition(been, at)
	if err != nil {
		return StatusChange{}, false, err
	}
	c.PendingOutcome = outcome
	c.Message = message
	return c, true, nil
}

// Finalize plans BEEN_ISSUED_X -> NORMAL or FAILED according to outcome. When
// the source is already resting in that terminal status the bool is false.
func (s *Source) Finalize(outcome Outcome, message string, at time.Time) (StatusChange, bool, error) {
	terminal := outcome.Terminal()
	eff := s.EffectiveStatus()

	if !eff.IsBeenIssued() {
		if s.status == terminal {
			return StatusChange{}, false, nil
		}
		return StatusChange{}, false, &InvalidTransitionError{SourceID: s.id, From: s.status, To: terminal}
	}

	c, err := s.Transition(terminal, at)
	if err != nil {
		return StatusChange{}, false, err
	}
	c.Message = message
	c.PendingOutcome = OutcomeUnspecified
	return c, true, nil
}

// MarkHeartbeatTimeout plans the move into HEARTBEAT_TIMEOUT and retains the
// current status. The bool is false when the source is already timed out, in
// which case the retained status is left untouched.
func (s *Source) MarkHeartbeatTimeout(at time.Time) (StatusChange, bool) {
	if s.status == StatusHeartbeatTimeout {
		return StatusChange{}, false
	}
	c := s.baseChange(StatusHeartbeatTimeout, at)
	c.PreTimeoutStatus = s.status
	return c, true
}

// RollbackTimeout plans the return from HEARTBEAT_TIMEOUT to the retained
// pre-timeout status, or NORMAL when none was retained. The bool is false when
// the source is not timed out.
func (s *Source) RollbackTimeout(at time.Time) (StatusChange, bool) {
	if s.status != StatusHeartbeatTimeout {
		return StatusChange{}, false
	}
	target := s.preTimeoutStatus
	if target == StatusUnspecified || target == StatusHeartbeatTimeout {
		target = StatusNormal
	}
	c := s.baseChange(target, at)
	c.PreTimeoutStatus = StatusUnspecified
	return c, true
}

// Apply returns a copy of s with the change applied and the version bumped.
// Stores use it after a successful conditional write.
func (s *Source) Apply(c StatusChange) *Source {
	st := s.State()
	st.Status = c.To
	st.PreTimeoutStatus = c.PreTimeoutStatus
	st.Intent = c.Intent
	st.DeleteState = c.DeleteState
	st.AgentIP = c.AgentIP
	st.Message = c.Message
	st.PendingOutcome = c.PendingOutcome
	st.Version = s.version + 1
	st.ModifyTime = c.At
	return ReconstructSource(st)
}
