package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
)

const currentSchemaVersion = 1

const (
	createEmployeesTable = `
		CREATE TABLE IF NOT EXISTS employees (
			id INTEGER PRIMARY KEY,
			company_id INTEGER NOT NULL DEFAULT 0,
			email TEXT NOT NULL DEFAULT '',
			email_key TEXT,
			full_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			employee_code TEXT NOT NULL DEFAULT '',
			department_id INTEGER
		)`

	// NULL email keys never collide, so employees without an email are
	// not subject to natural-key uniqueness.
	createEmployeesNaturalKeyIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_employees_natural_key ON employees(company_id, email_key)`
	createEmployeesDepartmentIndex = `CREATE INDEX IF NOT EXISTS idx_employees_department ON employees(department_id)`

	createDepartmentsTable = `
		CREATE TABLE IF NOT EXISTS departments (
			id INTEGER PRIMARY KEY,
			company_id INTEGER NOT NULL DEFAULT 0,
			name TEXT NOT NULL DEFAULT '',
			code TEXT NOT NULL DEFAULT '',
			manager_id INTEGER
		)`

	createDepartmentsManagerIndex = `CREATE INDEX IF NOT EXISTS idx_departments_manager ON departments(manager_id)`

	createDepartmentMembersTable = `
		CREATE TABLE IF NOT EXISTS department_members (
			department_id INTEGER NOT NULL,
			employee_id INTEGER NOT NULL,
			position INTEGER NOT NULL,
			PRIMARY KEY (department_id, employee_id)
		)`

	createDepartmentMembersEmployeeIndex = `CREATE INDEX IF NOT EXISTS idx_department_members_employee ON department_members(employee_id)`

	createTombstonesTable = `
		CREATE TABLE IF NOT EXISTS tombstones (
			kind TEXT NOT NULL,
			id INTEGER NOT NULL,
			deleted_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (kind, id)
		)`

	createSchemaVersionTable = `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`
)

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, createSchemaVersionTable); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	var version int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if version < 1 {
		return migrateV1(ctx, db)
	}
	return nil
}

func migrateV1(ctx context.Context, db *sql.DB) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	statements := []string{
		createEmployeesTable,
		createEmployeesNaturalKeyIndex,
		createEmployeesDepartmentIndex,
		createDepartmentsTable,
		createDepartmentsManagerIndex,
		createDepartmentMembersTable,
		createDepartmentMembersEmployeeIndex,
		createTombstonesTable,
		fmt.Sprintf("INSERT INTO schema_version (version) VALUES (%d)", currentSchemaVersion),
	}
	for _, stmt := range statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema: %w", err)
		}
	}
	return tx.Commit()
}
