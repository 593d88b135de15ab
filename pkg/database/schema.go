package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// SchemaValidator checks a migrated database against what the stores expect
type SchemaValidator struct {
	db     *sql.DB
	driver string
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB, driver string) *SchemaValidator {
	return &SchemaValidator{db: db, driver: driver}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":              "User directory",
		"classes":            "Class ownership",
		"class_students":     "Class rosters",
		"attendance_records": "Committed attendance",
		"schema_migrations":  "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.tableExists(table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies the columns the stores read and write
func (v *SchemaValidator) ValidateTableStructure() error {
	expected := map[string][]string{
		"users":              {"id", "name", "email", "password_hash", "role", "created_at"},
		"classes":            {"id", "name", "teacher_id", "created_at"},
		"class_students":     {"class_id", "student_id", "added_at"},
		"attendance_records": {"class_id", "student_id", "session_date", "status", "recorded_at"},
	}

	for table, columns := range expected {
		if err := v.validateColumns(table, columns); err != nil {
			return fmt.Errorf("%s table structure invalid: %w", table, err)
		}
	}

	return nil
}

// ValidateIndexes verifies that all performance indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_classes_teacher":        "Classes by teacher",
		"idx_class_students_student": "Enrolled classes by student",
		"idx_attendance_student":     "Student attendance lookups",
		"idx_attendance_class_date":  "Class attendance by date",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.indexExists(index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints verifies that the foreign key and status check are
// enforced. Probe rows are written inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	if err := v.expectRejected(
		v.rebind("INSERT INTO class_students (class_id, student_id) VALUES (?, ?)"),
		"__probe_missing_class", "__probe_missing_student",
	); err != nil {
		return fmt.Errorf("foreign key constraint not enforced: class_students.class_id: %w", err)
	}

	if err := v.expectRejected(
		v.rebind("INSERT INTO users (id, name, email, password_hash, role) VALUES (?, ?, ?, ?, ?)"),
		"__probe_user", "probe", "__probe@example.invalid", "x", "admin",
	); err != nil {
		return fmt.Errorf("check constraint not enforced: users.role: %w", err)
	}

	return nil
}

func (v *SchemaValidator) expectRejected(query string, args ...interface{}) error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(query, args...); err == nil {
		return fmt.Errorf("probe row was accepted")
	}
	return nil
}

func (v *SchemaValidator) tableExists(tableName string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1"
	}
	var count int
	if err := v.db.QueryRow(query, tableName).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) indexExists(indexName string) (bool, error) {
	query := "SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?"
	if v.driver == DriverPostgres {
		query = "SELECT COUNT(*) FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1"
	}
	var count int
	if err := v.db.QueryRow(query, indexName).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (v *SchemaValidator) validateColumns(tableName string, expectedColumns []string) error {
	query := "SELECT name FROM pragma_table_info(?)"
	if v.driver == DriverPostgres {
		query = "SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1"
	}
	rows, err := v.db.Query(query, tableName)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	found := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		found[name] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, column := range expectedColumns {
		if !found[column] {
			return fmt.Errorf("column %s not found", column)
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for postgres
func (v *SchemaValidator) rebind(query string) string {
	if v.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
