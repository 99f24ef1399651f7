package source

import "fmt"

// DeleteState is the logical delete marker of a source.
type DeleteState int

const (
	// DeleteStateAlive is a live source.
	DeleteStateAlive DeleteState = 0
	// DeleteStateSoftDeleted is removed server-side; the agent still has to
	// tear down local state.
	DeleteStateSoftDeleted DeleteState = 1
	// DeleteStatePurgeable may be physically deleted by the retention sweep.
	DeleteStatePurgeable DeleteState = 2
)

func (d DeleteState) String() string {
	switch d {
	case DeleteStateAlive:
		return "ALIVE"
	case DeleteStateSoftDeleted:
		return "SOFT_DELETED"
	case DeleteStatePurgeable:
		return "PURGEABLE"
	default:
		return fmt.Sprintf("DELETE_STATE(%d)", int(d))
	}
}

// IsDeleted reports whether the source is no longer alive.
func (d DeleteState) IsDeleted() bool { return d != DeleteStateAlive }

// DeleteStateFromInt validates a stored delete marker.
func DeleteStateFromInt(i int) (DeleteState, error) {
	switch d := DeleteState(i); d {
	case DeleteStateAlive, DeleteStateSoftDeleted, DeleteStatePurgeable:
		return d, nil
	}
	return DeleteStateAlive, fmt.Errorf("unknown delete state %d", i)
}
