package replica

import (
	"context"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
)

// linkManager re-asserts the department link of a managerial employee. The
// employee row itself keeps DepartmentID, so when the department does not
// exist yet the link stays a forward reference until the department arrives.
func linkManager(ctx context.Context, tx Tx, e domain.Employee) (bool, error) {
	if !e.Role.IsManagerial() || e.DepartmentID == nil {
		return false, nil
	}
	d, err := tx.GetDepartment(ctx, *e.DepartmentID)
	if err != nil || d == nil {
		return false, err
	}
	if domain.RefEquals(d.ManagerID, e.ID) {
		return false, nil
	}
	d.ManagerID = domain.Ref(e.ID)
	return true, tx.UpsertDepartment(ctx, *d)
}

// adoptManager fills the manager of a department materializing for the first
// time without one, from managerial employees that already name it. The
// highest id wins when several do.
func adoptManager(ctx context.Context, tx Tx, d *domain.Department) (bool, error) {
	if d.ManagerID != nil {
		return false, nil
	}
	refs, err := tx.FindReferencing(ctx, domain.EntityDepartment, d.ID)
	if err != nil {
		return false, err
	}
	var best int64
	for _, e := range refs.Employees {
		if e.Role.IsManagerial() && e.ID > best {
			best = e.ID
		}
	}
	if best == 0 {
		return false, nil
	}
	d.ManagerID = domain.Ref(best)
	return true, nil
}
