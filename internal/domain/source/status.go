package source

import (
	"strconv"
)

// Status is the lifecycle state of a source. Its integer value is the wire and
// storage code shared by managers and agents, so existing values must never
// be renumbered.
type Status int

// StatusUnspecified is the zero value. It is not a valid lifecycle state and
// is used to mean "no status" in optional fields.
const StatusUnspecified Status = 0

// Stable statuses.
const (
	// StatusDisable indicates the source has been disabled by an operator.
	StatusDisable Status = 99
	// StatusNormal indicates the agent is collecting for the source.
	StatusNormal Status = 101
	// StatusFailed indicates the last issued command failed on the agent.
	StatusFailed Status = 102
	// StatusStop indicates collection has been stopped.
	StatusStop Status = 104
	// StatusNew indicates the source is registered but not yet approved.
	StatusNew Status = 110
)

// StatusHeartbeatTimeout means the owning agent went silent. It can interrupt
// any state and is reversible.
const StatusHeartbeatTimeout Status = 105

// To-be-issued statuses: a command waiting to be delivered to an agent.
const (
	StatusToBeIssuedAdd Status = 200 + iota
	StatusToBeIssuedDelete
	StatusToBeIssuedRetry
	StatusToBeIssuedBacktrack
	StatusToBeIssuedStop
	StatusToBeIssuedActive
	StatusToBeIssuedCheck
	StatusToBeIssuedRedoMetric
	StatusToBeIssuedMakeup
)

// Been-issued statuses: the agent has acknowledged the matching command.
const (
	StatusBeenIssuedAdd Status = 300 + iota
	StatusBeenIssuedDelete
	StatusBeenIssuedRetry
	StatusBeenIssuedBacktrack
	StatusBeenIssuedStop
	StatusBeenIssuedActive
	StatusBeenIssuedCheck
	StatusBeenIssuedRedoMetric
	StatusBeenIssuedMakeup
)

// issueOffset separates a to-be-issued code from its been-issued mirror.
const issueOffset = 100

var statusNames = map[Status]string{
	StatusDisable:              "DISABLE",
	StatusNormal:               "NORMAL",
	StatusFailed:               "FAILED",
	StatusStop:                 "STOP",
	StatusHeartbeatTimeout:     "HEARTBEAT_TIMEOUT",
	StatusNew:                  "NEW",
	StatusToBeIssuedAdd:        "TO_BE_ISSUED_ADD",
	StatusToBeIssuedDelete:     "TO_BE_ISSUED_DELETE",
	StatusToBeIssuedRetry:      "TO_BE_ISSUED_RETRY",
	StatusToBeIssuedBacktrack:  "TO_BE_ISSUED_BACKTRACK",
	StatusToBeIssuedStop:       "TO_BE_ISSUED_STOP",
	StatusToBeIssuedActive:     "TO_BE_ISSUED_ACTIVE",
	StatusToBeIssuedCheck:      "TO_BE_ISSUED_CHECK",
	StatusToBeIssuedRedoMetric: "TO_BE_ISSUED_REDO_METRIC",
	StatusToBeIssuedMakeup:     "TO_BE_ISSUED_MAKEUP",
	StatusBeenIssuedAdd:        "BEEN_ISSUED_ADD",
	StatusBeenIssuedDelete:     "BEEN_ISSUED_DELETE",
	StatusBeenIssuedRetry:      "BEEN_ISSUED_RETRY",
	StatusBeenIssuedBacktrack:  "BEEN_ISSUED_BACKTRACK",
	StatusBeenIssuedStop:       "BEEN_ISSUED_STOP",
	StatusBeenIssuedActive:     "BEEN_ISSUED_ACTIVE",
	StatusBeenIssuedCheck:      "BEEN_ISSUED_CHECK",
	StatusBeenIssuedRedoMetric: "BEEN_ISSUED_REDO_METRIC",
	StatusBeenIssuedMakeup:     "BEEN_ISSUED_MAKEUP",
}

// AllStatuses returns every defined status in code order.
func AllStatuses() []Status {
	return []Status{
		StatusDisable, StatusNormal, StatusFailed, StatusStop, StatusHeartbeatTimeout, StatusNew,
		StatusToBeIssuedAdd, StatusToBeIssuedDelete, StatusToBeIssuedRetry, StatusToBeIssuedBacktrack,
		StatusToBeIssuedStop, StatusToBeIssuedActive, StatusToBeIssuedCheck, StatusToBeIssuedRedoMetric,
		StatusToBeIssuedMakeup,
		StatusBeenIssuedAdd, StatusBeenIssuedDelete, StatusBeenIssuedRetry, StatusBeenIssuedBacktrack,
		StatusBeenIssuedStop, StatusBeenIssuedActive, StatusBeenIssuedCheck, StatusBeenIssuedRedoMetric,
		StatusBeenIssuedMakeup,
	}
}

// String returns the status name, or STATUS(<code>) for undefined codes.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "STATUS(" + strconv.Itoa(int(s)) + ")"
}

// Code returns the stable integer code.
func (s Status) Code() int { return int(s) }

// FromCode maps a wire code onto a Status. Unknown codes are an error; they
// are never coerced to a default.
func FromCode(code int) (Status, error) {
	s := Status(code)
	if _, ok := statusNames[s]; !ok {
		return StatusUnspecified, &UnknownStatusCodeError{Code: code}
	}
	return s, nil
}

// ParseStatus maps a status name onto a Status.
func ParseStatus(name string) (Status, bool) {
	for s, n := range statusNames {
		if n == name {
			return s, true
		}
	}
	return StatusUnspecified, false
}

// IsStable reports whether s is one of the resting statuses.
func (s Status) IsStable() bool {
	switch s {
	case StatusDisable, StatusNormal, StatusFailed, StatusStop, StatusNew:
		return true
	}
	return false
}

// IsToBeIssued reports whether s is a pending command.
func (s Status) IsToBeIssued() bool {
	return s >= StatusToBeIssuedAdd && s <= StatusToBeIssuedMakeup
}

// IsBeenIssued reports whether s is an acknowledged command.
func (s Status) IsBeenIssued() bool {
	return s >= StatusBeenIssuedAdd && s <= StatusBeenIssuedMakeup
}

// BeenIssued returns the been-issued mirror of a to-be-issued status.
func (s Status) BeenIssued() (Status, bool) {
	if !s.IsToBeIssued() {
		return StatusUnspecified, false
	}
	return s + issueOffset, true
}

// ToBeIssued returns the to-be-issued status a been-issued status came from.
func (s Status) ToBeIssued() (Status, bool) {
	if !s.IsBeenIssued() {
		return StatusUnspecified, false
	}
	return s - issueOffset, true
}
