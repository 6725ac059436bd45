// Package sqlstore is a replica store on SQLite. Each Update is one SQLite
// transaction and the natural key is enforced by a unique index.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mailiemtruc/officesync-sub000/internal/domain"
	"github.com/mailiemtruc/officesync-sub000/internal/replica"
)

// Store implements replica.Store using SQLite.
type Store struct {
	db *sql.DB
}

var _ replica.Store = (*Store)(nil)

// Option configures Open.
type Option func(*config)

type config struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets the SQLite busy timeout. Default is 5 seconds.
func WithBusyTimeout(d time.Duration) Option {
	return func(c *config) { c.busyTimeout = d }
}

// Open creates or opens the replica database at path and migrates it.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlstore: path is required")
	}
	if path != ":memory:" && (strings.Contains(path, "?") || strings.Contains(path, "#")) {
		return nil, errors.New("sqlstore: path cannot contain '?' or '#' characters")
	}
	cfg := &config{busyTimeout: 5 * time.Second}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open database: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases shared between calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: apply pragmas: %w", err)
	}
	if err := migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB, cfg *config) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout.Milliseconds()),
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("exec %q: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn inside one SQLite transaction.
func (s *Store) Update(ctx context.Context, fn func(tx replica.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	if err = fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sqlstore: commit: %w", err)
	}
	return nil
}

// View runs fn inside a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(r replica.Reader) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback()
	return fn(&sqlTx{tx: tx})
}

type sqlTx struct {
	tx *sql.Tx
}

const employeeColumns = "id, company_id, email, full_name, role, status, phone, employee_code, department_id"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row rowScanner) (domain.Employee, error) {
	var (
		e    domain.Employee
		role string
		dept sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.CompanyID, &e.Email, &e.FullName, &role, &e.Status, &e.Phone, &e.EmployeeCode, &dept)
	if err != nil {
		return e, err
	}
	e.Role = domain.Role(role)
	if dept.Valid {
		e.DepartmentID = domain.Ref(dept.Int64)
	}
	return e, nil
}

func (t *sqlTx) GetEmployee(ctx context.Context, id int64) (*domain.Employee, error) {
	row := t.tx.QueryRowContext(ctx, "SELECT "+employeeColumns+" FROM employees WHERE id = ?", id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get employee %d: %w", id, err)
	}
	return &e, nil
}

func (t *sqlTx) FindByNaturalKey(ctx context.Context, key domain.NaturalKey) (*domain.Employee, error) {
	if !key.Valid() {
		return nil, nil
	}
	row := t.tx.QueryRowContext(ctx, "SELECT "+employeeColumns+" FROM employees WHERE company_id = ? AND email_key = ?", key.CompanyID, key.Email)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: find by natural key: %w", err)
	}
	return &e, nil
}

func (t *sqlTx) queryEmployees(ctx context.Context, query string, args ...any) ([]domain.Employee, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *sqlTx) GetDepartment(ctx context.Context, id int64) (*domain.Department, error) {
	var (
		d       domain.Department
		manager sql.NullInt64
	)
	err := t.tx.QueryRowContext(ctx, "SELECT id, company_id, name, code, manager_id FROM departments WHERE id = ?", id).
		Scan(&d.ID, &d.CompanyID, &d.Name, &d.Code, &manager)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get department %d: %w", id, err)
	}
	if manager.Valid {
		d.ManagerID = domain.Ref(manager.Int64)
	}
	members, err := t.queryIDs(ctx, "SELECT employee_id FROM department_members WHERE department_id = ? ORDER BY position", id)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: department %d members: %w", id, err)
	}
	d.MemberIDs = members
	return &d, nil
}

func (t *sqlTx) queryIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (t *sqlTx) departmentsByID(ctx context.Context, ids []int64) ([]domain.Department, error) {
	out := make([]domain.Department, 0, len(ids))
	for _, id := range ids {
		d, err := t.GetDepartment(ctx, id)
		if err != nil {
			return nil, err
		}
		if d != nil {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (t *sqlTx) FindReferencing(ctx context.Context, kind domain.EntityType, id int64) (replica.Referencing, error) {
	var refs replica.Referencing
	switch kind {
	case domain.EntityEmployee:
		ids, err := t.queryIDs(ctx, `
			SELECT id FROM departments WHERE manager_id = ?
			UNION
			SELECT department_id FROM department_members WHERE employee_id = ?
			ORDER BY 1`, id, id)
		if err != nil {
			return refs, fmt.Errorf("sqlstore: departments referencing %d: %w", id, err)
		}
		refs.Departments, err = t.departmentsByID(ctx, ids)
		return refs, err
	case domain.EntityDepartment:
		emps, err := t.queryEmployees(ctx, "SELECT "+employeeColumns+" FROM employees WHERE department_id = ? ORDER BY id", id)
		if err != nil {
			return refs, fmt.Errorf("sqlstore: employees referencing %d: %w", id, err)
		}
		refs.Employees = emps
		return refs, nil
	}
	return refs, domain.ErrUnknownEntity
}

func (t *sqlTx) IsDeleted(ctx context.Context, kind domain.EntityType, id int64) (bool, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tombstones WHERE kind = ? AND id = ?", string(kind), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlstore: tombstone %s %d: %w", kind, id, err)
	}
	return n > 0, nil
}

func (t *sqlTx) ListEmployees(ctx context.Context) ([]domain.Employee, error) {
	out, err := t.queryEmployees(ctx, "SELECT "+employeeColumns+" FROM employees ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list employees: %w", err)
	}
	return out, nil
}

func (t *sqlTx) ListDepartments(ctx context.Context) ([]domain.Department, error) {
	ids, err := t.queryIDs(ctx, "SELECT id FROM departments ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list departments: %w", err)
	}
	return t.departmentsByID(ctx, ids)
}

func (t *sqlTx) UpsertEmployee(ctx context.Context, e domain.Employee) error {
	key := e.NaturalKey()
	var emailKey sql.NullString
	if key.Valid() {
		holder, err := t.FindByNaturalKey(ctx, key)
		if err != nil {
			return err
		}
		if holder != nil && holder.ID != e.ID {
			return domain.ErrNaturalKeyConflict
		}
		emailKey = sql.NullString{String: key.Email, Valid: true}
	}
	var dept sql.NullInt64
	if e.DepartmentID != nil {
		dept = sql.NullInt64{Int64: *e.DepartmentID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO employees (`+employeeColumns+`, email_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			email = excluded.email,
			full_name = excluded.full_name,
			role = excluded.role,
			status = excluded.status,
			phone = excluded.phone,
			employee_code = excluded.employee_code,
			department_id = excluded.department_id,
			email_key = excluded.email_key`,
		e.ID, e.CompanyID, e.Email, e.FullName, string(e.Role), e.Status, e.Phone, e.EmployeeCode, dept, emailKey)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert employee %d: %w", e.ID, err)
	}
	return nil
}

func (t *sqlTx) UpsertDepartment(ctx context.Context, d domain.Department) error {
	var manager sql.NullInt64
	if d.ManagerID != nil {
		manager = sql.NullInt64{Int64: *d.ManagerID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO departments (id, company_id, name, code, manager_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			company_id = excluded.company_id,
			name = excluded.name,
			code = excluded.code,
			manager_id = excluded.manager_id`,
		d.ID, d.CompanyID, d.Name, d.Code, manager)
	if err != nil {
		return fmt.Errorf("sqlstore: upsert department %d: %w", d.ID, err)
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM department_members WHERE department_id = ?", d.ID); err != nil {
		return fmt.Errorf("sqlstore: clear members of %d: %w", d.ID, err)
	}
	for pos, member := range d.MemberIDs {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO department_members (department_id, employee_id, position) VALUES (?, ?, ?)
			ON CONFLICT(department_id, employee_id) DO NOTHING`, d.ID, member, pos)
		if err != nil {
			return fmt.Errorf("sqlstore: add member %d to %d: %w", member, d.ID, err)
		}
	}
	return nil
}

func (t *sqlTx) Delete(ctx context.Context, kind domain.EntityType, id int64) error {
	var stmts []string
	switch kind {
	case domain.EntityEmployee:
		stmts = []string{"DELETE FROM employees WHERE id = ?"}
	case domain.EntityDepartment:
		stmts = []string{
			"DELETE FROM department_members WHERE department_id = ?",
			"DELETE FROM departments WHERE id = ?",
		}
	default:
		return domain.ErrUnknownEntity
	}
	for _, stmt := range stmts {
		if _, err := t.tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("sqlstore: delete %s %d: %w", kind, id, err)
		}
	}
	return nil
}

func (t *sqlTx) MarkDeleted(ctx context.Context, kind domain.EntityType, id int64) error {
	_, err := t.tx.ExecContext(ctx, "INSERT INTO tombstones (kind, id) VALUES (?, ?) ON CONFLICT(kind, id) DO NOTHING", string(kind), id)
	if err != nil {
		return fmt.Errorf("sqlstore: tombstone %s %d: %w", kind, id, err)
	}
	return nil
}
