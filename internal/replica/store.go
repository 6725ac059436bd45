// Package replica keeps a service's local copy of employees and departments
// converged with the change events published by the owning service.
package replica

import (
	"context"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
)

// Reader is the read side of a replica store.
type Reader interface {
	GetEmployee(ctx context.Context, id int64) (*domain.Employee, error)
	GetDepartment(ctx context.Context, id int64) (*domain.Department, error)
	// FindByNaturalKey returns the employee holding key, or nil.
	FindByNaturalKey(ctx context.Context, key domain.NaturalKey) (*domain.Employee, error)
	// FindReferencing returns every row holding a soft reference to the
	// entity of the given kind and id.
	FindReferencing(ctx context.Context, kind domain.EntityType, id int64) (Referencing, error)
	IsDeleted(ctx context.Context, kind domain.EntityType, id int64) (bool, error)
	ListEmployees(ctx context.Context) ([]domain.Employee, error)
	ListDepartments(ctx context.Context) ([]domain.Department, error)
}

// Tx is one atomic unit of replica writes.
type Tx interface {
	Reader
	// UpsertEmployee overwrites the row by id. It fails with
	// domain.ErrNaturalKeyConflict when another id holds the same natural key.
	UpsertEmployee(ctx context.Context, e domain.Employee) error
	UpsertDepartment(ctx context.Context, d domain.Department) error
	// Delete removes the row if present. Missing rows are not an error.
	Delete(ctx context.Context, kind domain.EntityType, id int64) error
	// MarkDeleted records that id must never be materialized again.
	MarkDeleted(ctx context.Context, kind domain.EntityType, id int64) error
}

// Store runs transactions against a replica. Writes made inside Update are
// visible to other callers all at once or not at all.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(r Reader) error) error
}

// Referencing lists the rows that point at one entity.
type Referencing struct {
	Departments []domain.Department
	Employees   []domain.Employee
}

// Empty reports whether nothing references the entity.
func (r Referencing) Empty() bool {
	return len(r.Departments) == 0 && len(r.Employees) == 0
}
