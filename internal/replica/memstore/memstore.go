// Package memstore is an in-process replica store. Each transaction works on
// a private copy of the replica which replaces the shared one on commit.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

type tombstone struct {
	kind domain.EntityType
	id   int64
}

type snapshot struct {
	employees   map[int64]domain.Employee
	departments map[int64]domain.Department
	byKey       map[domain.NaturalKey]int64
	tombstones  map[tombstone]struct{}
}

func newSnapshot() *snapshot {
	return &snapshot{
		employees:   map[int64]domain.Employee{},
		departments: map[int64]domain.Department{},
		byKey:       map[domain.NaturalKey]int64{},
		tombstones:  map[tombstone]struct{}{},
	}
}

func (s *snapshot) clone() *snapshot {
	out := &snapshot{
		employees:   make(map[int64]domain.Employee, len(s.employees)),
		departments: make(map[int64]domain.Department, len(s.departments)),
		byKey:       make(map[domain.NaturalKey]int64, len(s.byKey)),
		tombstones:  make(map[tombstone]struct{}, len(s.tombstones)),
	}
	for k, v := range s.employees {
		out.employees[k] = v.Clone()
	}
	for k, v := range s.departments {
		out.departments[k] = v.Clone()
	}
	for k, v := range s.byKey {
		out.byKey[k] = v
	}
	for k := range s.tombstones {
		out.tombstones[k] = struct{}{}
	}
	return out
}

// Store is a replica.Store held in memory.
type Store struct {
	mu    sync.RWMutex
	state *snapshot
}

var _ replica.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{state: newSnapshot()}
}

// Update runs fn against a private copy and publishes it when fn succeeds.
func (s *Store) Update(ctx context.Context, fn func(tx replica.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{snap: s.state.clone()}
	if err := fn(t); err != nil {
		return err
	}
	s.state = t.snap
	return nil
}

// View runs fn against the current committed state.
func (s *Store) View(ctx context.Context, fn func(r replica.Reader) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&tx{snap: s.state})
}

type tx struct {
	snap *snapshot
}

func (t *tx) GetEmployee(_ context.Context, id int64) (*domain.Employee, error) {
	e, ok := t.snap.employees[id]
	if !ok {
		return nil, nil
	}
	out := e.Clone()
	return &out, nil
}

func (t *tx) GetDepartment(_ context.Context, id int64) (*domain.Department, error) {
	d, ok := t.snap.departments[id]
	if !ok {
		return nil, nil
	}
	out := d.Clone()
	return &out, nil
}

func (t *tx) FindByNaturalKey(ctx context.Context, key domain.NaturalKey) (*domain.Employee, error) {
	if !key.Valid() {
		return nil, nil
	}
	id, ok := t.snap.byKey[key]
	if !ok {
		return nil, nil
	}
	return t.GetEmployee(ctx, id)
}

func (t *tx) FindReferencing(_ context.Context, kind domain.EntityType, id int64) (replica.Referencing, error) {
	var refs replica.Referencing
	switch kind {
	case domain.EntityEmployee:
		for _, d := range t.snap.departments {
			if domain.RefEquals(d.ManagerID, id) || containsID(d.MemberIDs, id) {
				refs.Departments = append(refs.Departments, d.Clone())
			}
		}
		sort.Slice(refs.Departments, func(i, j int) bool { return refs.Departments[i].ID < refs.Departments[j].ID })
	case domain.EntityDepartment:
		for _, e := range t.snap.employees {
			if domain.RefEquals(e.DepartmentID, id) {
				refs.Employees = append(refs.Employees, e.Clone())
			}
		}
		sort.Slice(refs.Employees, func(i, j int) bool { return refs.Employees[i].ID < refs.Employees[j].ID })
	default:
		return refs, domain.ErrUnknownEntity
	}
	return refs, nil
}

func (t *tx) IsDeleted(_ context.Context, kind domain.EntityType, id int64) (bool, error) {
	_, ok := t.snap.tombstones[tombstone{kind: kind, id: id}]
	return ok, nil
}

func (t *tx) ListEmployees(context.Context) ([]domain.Employee, error) {
	out := make([]domain.Employee, 0, len(t.snap.employees))
	for _, e := range t.snap.employees {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) ListDepartments(context.Context) ([]domain.Department, error) {
	out := make([]domain.Department, 0, len(t.snap.departments))
	for _, d := range t.snap.departments {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *tx) UpsertEmployee(_ context.Context, e domain.Employee) error {
	key := e.NaturalKey()
	if key.Valid() {
		if holder, ok := t.snap.byKey[key]; ok && holder != e.ID {
			return domain.ErrNaturalKeyConflict
		}
	}
	if prev, ok := t.snap.employees[e.ID]; ok {
		if pk := prev.NaturalKey(); pk.Valid() && pk != key {
			delete(t.snap.byKey, pk)
		}
	}
	if key.Valid() {
		t.snap.byKey[key] = e.ID
	}
	t.snap.employees[e.ID] = e.Clone()
	return nil
}

func (t *tx) UpsertDepartment(_ context.Context, d domain.Department) error {
	t.snap.departments[d.ID] = d.Clone()
	return nil
}

func (t *tx) Delete(_ context.Context, kind domain.EntityType, id int64) error {
	switch kind {
	case domain.EntityEmployee:
		if prev, ok := t.snap.employees[id]; ok {
			if key := prev.NaturalKey(); key.Valid() && t.snap.byKey[key] == id {
				delete(t.snap.byKey, key)
			}
			delete(t.snap.employees, id)
		}
	case domain.EntityDepartment:
		delete(t.snap.departments, id)
	default:
		return domain.ErrUnknownEntity
	}
	return nil
}

func (t *tx) MarkDeleted(_ context.Context, kind domain.EntityType, id int64) error {
	t.snap.tombstones[tombstone{kind: kind, id: id}] = struct{}{}
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
