package replica

import (
	"context"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
)

// trackingTx records every row written or removed through it.
type trackingTx struct {
	Tx
	touched []RowRef
	seen    map[RowRef]struct{}
}

func newTrackingTx(tx Tx) *trackingTx {
	return &trackingTx{Tx: tx, seen: map[RowRef]struct{}{}}
}

func (t *trackingTx) note(kind domain.EntityType, id int64) {
	ref := RowRef{Entity: kind, ID: id}
	if _, ok := t.seen[ref]; ok {
		return
	}
	t.seen[ref] = struct{}{}
	t.touched = append(t.touched, ref)
}

func (t *trackingTx) UpsertEmployee(ctx context.Context, e domain.Employee) error {
	if err := t.Tx.UpsertEmployee(ctx, e); err != nil {
		return err
	}
	t.note(domain.EntityEmployee, e.ID)
	return nil
}

func (t *trackingTx) UpsertDepartment(ctx context.Context, d domain.Department) error {
	if err := t.Tx.UpsertDepartment(ctx, d); err != nil {
		return err
	}
	t.note(domain.EntityDepartment, d.ID)
	return nil
}

func (t *trackingTx) Delete(ctx context.Context, kind domain.EntityType, id int64) error {
	if err := t.Tx.Delete(ctx, kind, id); err != nil {
		return err
	}
	t.note(kind, id)
	return nil
}

// others returns the touched rows except self, in write order.
func (t *trackingTx) others(self RowRef) []RowRef {
	var out []RowRef
	for _, ref := range t.touched {
		if ref != self {
			out = append(out, ref)
		}
	}
	return out
}
