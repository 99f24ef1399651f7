package source

import (
	"fmt"
	"strings"
)

// Outcome is the result an agent reports after applying a command.
type Outcome int

const (
	OutcomeUnspecified Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeFailure:
		return "FAILURE"
	default:
		return "UNSPECIFIED"
	}
}

// ParseOutcome accepts SUCCESS or FAILURE in any case.
func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(s) {
	case "SUCCESS":
		return OutcomeSuccess, nil
	case "FAILURE":
		return OutcomeFailure, nil
	}
	return OutcomeUnspecified, fmt.Errorf("unknown outcome %q", s)
}

// Terminal is the stable status a been-issued command settles in.
func (o Outcome) Terminal() Status {
	if o == OutcomeSuccess {
		return StatusNormal
	}
	return StatusFailed
}
