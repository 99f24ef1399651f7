package source

import "fmt"

// Intent is an operator or policy request waiting to be turned into a
// to-be-issued status by the dispatch coordinator.
type Intent string

const (
	IntentNone       Intent = ""
	IntentApprove    Intent = "APPROVE"
	IntentDelete     Intent = "DELETE"
	IntentRetry      Intent = "RETRY"
	IntentBacktrack  Intent = "BACKTRACK"
	IntentStop       Intent = "STOP"
	IntentActivate   Intent = "ACTIVATE"
	IntentCheck      Intent = "CHECK"
	IntentRedoMetric Intent = "REDO_METRIC"
	IntentMakeup     Intent = "MAKEUP"
)

var intentTargets = map[Intent]Status{
	IntentApprove:    StatusToBeIssuedAdd,
	IntentDelete:     StatusToBeIssuedDelete,
	IntentRetry:      StatusToBeIssuedRetry,
	IntentBacktrack:  StatusToBeIssuedBacktrack,
	IntentStop:       StatusToBeIssuedStop,
	IntentActivate:   StatusToBeIssuedActive,
	IntentCheck:      StatusToBeIssuedCheck,
	IntentRedoMetric: StatusToBeIssuedRedoMetric,
	IntentMakeup:     StatusToBeIssuedMakeup,
}

// ParseIntent validates an intent name.
func ParseIntent(s string) (Intent, error) {
	i := Intent(s)
	if _, ok := intentTargets[i]; !ok {
		return IntentNone, fmt.Errorf("unknown intent %q", s)
	}
	return i, nil
}

// String returns the intent name.
func (i Intent) String() string { return string(i) }

// Target is the to-be-issued status the intent asks for.
func (i Intent) Target() (Status, bool) {
	s, ok := intentTargets[i]
	return s, ok
}
