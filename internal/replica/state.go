package replica

import (
	"context"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
)

// State is the lifecycle position of one entity within one replica.
type State string

const (
	StateUnknown State = "UNKNOWN"
	// StatePartial means other rows reference the id but no row exists yet.
	StatePartial State = "PARTIAL"
	StatePresent State = "PRESENT"
	StateDeleted State = "DELETED"
)

// StateOf derives the state of an entity from rows, references and
// tombstones.
func StateOf(ctx context.Context, r Reader, kind domain.EntityType, id int64) (State, error) {
	deleted, err := r.IsDeleted(ctx, kind, id)
	if err != nil {
		return "", err
	}
	if deleted {
		return StateDeleted, nil
	}
	var present bool
	switch kind {
	case domain.EntityEmployee:
		e, err := r.GetEmployee(ctx, id)
		if err != nil {
			return "", err
		}
		present = e != nil
	case domain.EntityDepartment:
		d, err := r.GetDepartment(ctx, id)
		if err != nil {
			return "", err
		}
		present = d != nil
	default:
		return "", domain.ErrUnknownEntity
	}
	if present {
		return StatePresent, nil
	}
	refs, err := r.FindReferencing(ctx, kind, id)
	if err != nil {
		return "", err
	}
	if !refs.Empty() {
		return StatePartial, nil
	}
	return StateUnknown, nil
}
