package source

// transitionSpec is the literal the automaton is built from. Each key lists the
// statuses it may move to. To-be-issued rows are generated from their
// category so that every command can be redirected to any other command.
var transitionSpec = map[Status][]Status{
	StatusNew: {
		StatusDisable, StatusHeartbeatTimeout,
		StatusToBeIssuedAdd,
	},
	StatusNormal: {
		StatusDisable, StatusFailed, StatusHeartbeatTimeout,
		StatusToBeIssuedDelete, StatusToBeIssuedRetry, StatusToBeIssuedBacktrack,
		StatusToBeIssuedStop, StatusToBeIssuedCheck, StatusToBeIssuedRedoMetric,
		StatusToBeIssuedMakeup,
	},
	StatusFailed: {
		StatusDisable, StatusHeartbeatTimeout,
		StatusToBeIssuedDelete, StatusToBeIssuedRetry,
	},
	StatusStop: {
		StatusDisable, StatusFailed, StatusHeartbeatTimeout,
		StatusToBeIssuedActive, StatusToBeIssuedDelete,
	},
	StatusDisable: {
		StatusHeartbeatTimeout,
		StatusToBeIssuedAdd, StatusToBeIssuedDelete,
	},
}

// Automaton answers whether a status change is permitted. It is immutable
// once built.
type Automaton struct {
	edges map[Status]map[Status]struct{}
}

var standard = buildAutomaton(transitionSpec)

// StandardAutomaton returns the process-wide transition table.
func StandardAutomaton() *Automaton { return standard }

// IsAllowedTransition reports whether the standard automaton permits
// current -> next.
func IsAllowedTransition(current, next Status) bool {
	return standard.IsAllowedTransition(current, next)
}

// ValidateTransition returns an *InvalidTransitionError when current -> next
// is not permitted.
func ValidateTransition(current, next Status) error {
	if !IsAllowedTransition(current, next) {
		return &InvalidTransitionError{From: current, To: next}
	}
	return nil
}

// IsAllowedTransition reports whether next is adjacent to current.
func (a *Automaton) IsAllowedTransition(current, next Status) bool {
	_, ok := a.edges[current][next]
	return ok
}

// Targets returns the statuses reachable from current in code order.
func (a *Automaton) Targets(current Status) []Status {
	var out []Status
	for _, s := range AllStatuses() {
		if a.IsAllowedTransition(current, s) {
			out = append(out, s)
		}
	}
	return out
}

func buildAutomaton(stable map[Status][]Status) *Automaton {
	all := AllStatuses()
	edges := make(map[Status]map[Status]struct{}, len(all))
	add := func(from, to Status) {
		if edges[from] == nil {
			edges[from] = make(map[Status]struct{})
		}
		edges[from][to] = struct{}{}
	}

	for from, targets := range stable {
		for _, to := range targets {
			add(from, to)
		}
	}

	for _, s := range all {
		switch {
		case s.IsToBeIssued():
			been, _ := s.BeenIssued()
			add(s, been)
			add(s, StatusHeartbeatTimeout)
			for _, other := range all {
				if other.IsToBeIssued() && other != s {
					add(s, other)
				}
			}
		case s.IsBeenIssued():
			add(s, StatusNormal)
			add(s, StatusFailed)
			add(s, StatusHeartbeatTimeout)
		}
	}

	// Re-entering HEARTBEAT_TIMEOUT is a permitted no-op.
	for _, s := range all {
		add(StatusHeartbeatTimeout, s)
	}

	return &Automaton{edges: edges}
}
