package replica

import "github.com/mailiemtruc/officesync-sub000/internal/domain"

// Outcome describes what applying one message did to the replica.
type Outcome string

const (
	OutcomeInserted Outcome = "inserted"
	OutcomeUpdated  Outcome = "updated"
	// OutcomeMerged means a row found by natural key under a stale id was
	// re-keyed to the event id.
	OutcomeMerged  Outcome = "merged"
	OutcomeDeleted Outcome = "deleted"
	// OutcomeNoop is a delete for an id that had no row.
	OutcomeNoop Outcome = "noop"
	// OutcomeIgnored is an upsert for an id that was already deleted.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDropped is a message that could not be applied.
	OutcomeDropped Outcome = "dropped"
)

// Result is the outcome of applying one message.
type Result struct {
	Entity     domain.EntityType
	Action     domain.Action
	ID         int64
	PreviousID int64
	Outcome    Outcome
	// Touched lists the other rows the message wrote or removed, such as
	// departments whose references were rewritten.
	Touched []RowRef
	Err     error
}

// RowRef addresses one replica row.
type RowRef struct {
	Entity domain.EntityType
	ID     int64
}

// OK reports whether the replica converged on the message.
func (r Result) OK() bool {
	return r.Err == nil
}
