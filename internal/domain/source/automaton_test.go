package source

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var toBeIssued = []Status{
	StatusToBeIssuedAdd, StatusToBeIssuedDelete, StatusToBeIssuedRetry, StatusToBeIssuedBacktrack,
	StatusToBeIssuedStop, StatusToBeIssuedActive, StatusToBeIssuedCheck, StatusToBeIssuedRedoMetric,
	StatusToBeIssuedMakeup,
}

func without(list []Status, s Status) []Status {
	out := make([]Status, 0, len(list))
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// referenceTable spells out every permitted edge by hand.
func referenceTable() map[Status][]Status {
	ref := map[Status][]Status{
		StatusNew: {StatusDisable, StatusHeartbeatTimeout, StatusToBeIssuedAdd},
		StatusNormal: {
			StatusDisable, StatusFailed, StatusHeartbeatTimeout,
			StatusToBeIssuedDelete, StatusToBeIssuedRetry, StatusToBeIssuedBacktrack, StatusToBeIssuedStop,
			StatusToBeIssuedCheck, StatusToBeIssuedRedoMetric, StatusToBeIssuedMakeup,
		},
		StatusFailed: {StatusDisable, StatusHeartbeatTimeout, StatusToBeIssuedDelete, StatusToBeIssuedRetry},
		StatusStop: {
			StatusDisable, StatusFailed, StatusHeartbeatTimeout,
			StatusToBeIssuedActive, StatusToBeIssuedDelete,
		},
		StatusDisable:          {StatusHeartbeatTimeout, StatusToBeIssuedAdd, StatusToBeIssuedDelete},
		StatusHeartbeatTimeout: AllStatuses(),

		StatusToBeIssuedAdd:        append([]Status{StatusBeenIssuedAdd, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedAdd)...),
		StatusToBeIssuedDelete:     append([]Status{StatusBeenIssuedDelete, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedDelete)...),
		StatusToBeIssuedRetry:      append([]Status{StatusBeenIssuedRetry, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedRetry)...),
		StatusToBeIssuedBacktrack:  append([]Status{StatusBeenIssuedBacktrack, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedBacktrack)...),
		StatusToBeIssuedStop:       append([]Status{StatusBeenIssuedStop, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedStop)...),
		StatusToBeIssuedActive:     append([]Status{StatusBeenIssuedActive, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedActive)...),
		StatusToBeIssuedCheck:      append([]Status{StatusBeenIssuedCheck, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedCheck)...),
		StatusToBeIssuedRedoMetric: append([]Status{StatusBeenIssuedRedoMetric, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedRedoMetric)...),
		StatusToBeIssuedMakeup:     append([]Status{StatusBeenIssuedMakeup, StatusHeartbeatTimeout}, without(toBeIssued, StatusToBeIssuedMakeup)...),
	}
	for _, b := range []Status{
		StatusBeenIssuedAdd, StatusBeenIssuedDelete, StatusBeenIssuedRetry, StatusBeenIssuedBacktrack,
		StatusBeenIssuedStop, StatusBeenIssuedActive, StatusBeenIssuedCheck, StatusBeenIssuedRedoMetric,
		StatusBeenIssuedMakeup,
	} {
		ref[b] = []Status{StatusNormal, StatusFailed, StatusHeartbeatTimeout}
	}
	return ref
}

func TestIsAllowedTransition_MatchesReferenceTable(t *testing.T) {
	t.Parallel()

	ref := referenceTable()
	require.Len(t, ref, len(AllStatuses()))

	for _, from := range AllStatuses() {
		allowed := make(map[Status]bool)
		for _, to := range ref[from] {
			allowed[to] = true
		}
		for _, to := range AllStatuses() {
			assert.Equalf(t, allowed[to], IsAllowedTransition(from, to),
				"transition %s -> %s", from, to)
		}
	}
}

func TestIsAllowedTransition_SelfTransitions(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses() {
		if s == StatusHeartbeatTimeout {
			assert.True(t, IsAllowedTransition(s, s), "timeout re-entry is a permitted no-op")
			continue
		}
		assert.Falsef(t, IsAllowedTransition(s, s), "self transition on %s", s)
	}
}

func TestIsAllowedTransition_BeenIssuedOnlyFromMatchingToBeIssued(t *testing.T) {
	t.Parallel()

	for _, from := range AllStatuses() {
		for _, to := range AllStatuses() {
			if !to.IsBeenIssued() || !IsAllowedTransition(from, to) {
				continue
			}
			if from == StatusHeartbeatTimeout {
				continue
			}
			tbi, _ := to.ToBeIssued()
			assert.Equal(t, tbi, from, "only %s may enter %s", tbi, to)
		}
	}
}

func TestIsAllowedTransition_TimeoutReachableFromEverywhere(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses() {
		assert.True(t, IsAllowedTransition(s, StatusHeartbeatTimeout), s.String())
		assert.True(t, IsAllowedTransition(StatusHeartbeatTimeout, s), s.String())
	}
}

func TestIsAllowedTransition_UndefinedStatuses(t *testing.T) {
	t.Parallel()

	assert.False(t, IsAllowedTransition(StatusUnspecified, StatusNormal))
	assert.False(t, IsAllowedTransition(StatusNormal, Status(999)))
}

func TestFromCode_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses() {
		got, err := FromCode(s.Code())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestFromCode_Unknown(t *testing.T) {
	t.Parallel()

	defined := make(map[int]bool)
	for _, s := range AllStatuses() {
		defined[s.Code()] = true
	}

	for code := -5; code < 500; code++ {
		if defined[code] {
			continue
		}
		got, err := FromCode(code)
		require.Error(t, err, "code %d", code)
		assert.True(t, errors.Is(err, ErrUnknownStatusCode))

		var uerr *UnknownStatusCodeError
		require.ErrorAs(t, err, &uerr)
		assert.Equal(t, code, uerr.Code)
		assert.Equal(t, StatusUnspecified, got)
	}
}

func TestStatus_WireCodes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status Status
		code   int
	}{
		{StatusDisable, 99},
		{StatusNormal, 101},
		{StatusFailed, 102},
		{StatusStop, 104},
		{StatusHeartbeatTimeout, 105},
		{StatusNew, 110},
		{StatusToBeIssuedAdd, 200},
		{StatusToBeIssuedMakeup, 208},
		{StatusBeenIssuedAdd, 300},
		{StatusBeenIssuedMakeup, 308},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.code, tt.status.Code())
		})
	}
}

func TestStatus_Categories(t *testing.T) {
	t.Parallel()

	for _, s := range AllStatuses() {
		n := 0
		for _, in := range []bool{s.IsStable(), s.IsToBeIssued(), s.IsBeenIssued(), s == StatusHeartbeatTimeout} {
			if in {
				n++
			}
		}
		assert.Equal(t, 1, n, "%s must be in exactly one category", s)
	}

	been, ok := StatusToBeIssuedRetry.BeenIssued()
	require.True(t, ok)
	assert.Equal(t, StatusBeenIssuedRetry, been)

	_, ok = StatusNormal.BeenIssued()
	assert.False(t, ok)
}

func TestValidateTransition(t *testing.T) {
	t.Parallel()

	assert.NoError(t, ValidateTransition(StatusNew, StatusToBeIssuedAdd))

	err := ValidateTransition(StatusNormal, StatusNormal)
	var terr *InvalidTransitionError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, StatusNormal, terr.From)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}
