package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "rollcall/pkg/database"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// Manager implements interfaces.DatabaseManager on SQLite
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // single writer for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
}

type writeOperation struct {
	ctx       context.Context
	operation func(ctx context.Context, db *sql.DB) error
	result    chan error
}

var _ interfaces.DatabaseManager = (*Manager)(nil)

// NewManager opens the SQLite database and starts the writer goroutine.
// Migrations are applied separately through pkg/database.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.ApplySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   500 * time.Millisecond,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(op.ctx, m.db)
			if isBusy(err) && op.ctx.Err() == nil {
				// Retry once when another process holds the database lock
				log.Printf("database: write busy, retrying in %v: %v", m.retryDelay, err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(op.ctx, m.db)
				case <-op.ctx.Done():
					err = op.ctx.Err()
				}
				if err != nil {
					log.Printf("database: write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("database: write loop shutting down")
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(ctx context.Context, db *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	op := writeOperation{ctx: ctx, operation: operation, result: result}

	select {
	case m.writeChannel <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosing
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrManagerClosing
	}
}

// inTx runs fn inside a transaction on the writer goroutine
func (m *Manager) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		return nil
	})
}

// GetRoster resolves a class to its owner and enrolled students
func (m *Manager) GetRoster(ctx context.Context, classID string) (*types.Roster, error) {
	roster := &types.Roster{ClassID: classID}
	err := m.db.QueryRowContext(ctx, `SELECT teacher_id FROM classes WHERE id = ?`, classID).Scan(&roster.TeacherID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrClassNotFound
		}
		return nil, fmt.Errorf("failed to query class: %w", err)
	}

	roster.StudentIDs, err = m.studentIDs(ctx, classID)
	if err != nil {
		return nil, err
	}
	return roster, nil
}

// SaveAttendance upserts records keyed by (class, student, session date) in one transaction
func (m *Manager) SaveAttendance(ctx context.Context, records []types.AttendanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return m.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO attendance_records (class_id, student_id, session_date, status, recorded_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (class_id, student_id, session_date)
			DO UPDATE SET status = excluded.status, recorded_at = excluded.recorded_at
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare attendance upsert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx, r.ClassID, r.StudentID, r.SessionDate, string(r.Status), r.RecordedAt.UTC()); err != nil {
				return fmt.Errorf("failed to upsert attendance for %s: %w", r.StudentID, err)
			}
		}
		return nil
	})
}

// GetStudentAttendance returns the student's most recent record in the class
func (m *Manager) GetStudentAttendance(ctx context.Context, classID, studentID string) (*types.AttendanceRecord, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT class_id, student_id, session_date, status, recorded_at
		FROM attendance_records
		WHERE class_id = ? AND student_id = ?
		ORDER BY session_date DESC, recorded_at DESC
		LIMIT 1
	`, classID, studentID)

	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	return record, nil
}

// ListClassAttendance returns the records of one session date, or of the latest one when date is empty
func (m *Manager) ListClassAttendance(ctx context.Context, classID, sessionDate string) ([]types.AttendanceRecord, error) {
	if sessionDate == "" {
		var latest sql.NullString
		err := m.db.QueryRowContext(ctx,
			`SELECT MAX(session_date) FROM attendance_records WHERE class_id = ?`, classID,
		).Scan(&latest)
		if err != nil {
			return nil, fmt.Errorf("failed to query latest session date: %w", err)
		}
		if !latest.Valid {
			return []types.AttendanceRecord{}, nil
		}
		sessionDate = latest.String
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT class_id, student_id, session_date, status, recorded_at
		FROM attendance_records
		WHERE class_id = ? AND session_date = ?
		ORDER BY student_id
	`, classID, sessionDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query class attendance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []types.AttendanceRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attendance row: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attendance rows: %w", err)
	}
	return records, nil
}

// CreateUser inserts a user; a taken email yields interfaces.ErrEmailExists
func (m *Manager) CreateUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, name, email, password_hash, role, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, user.ID, user.Name, user.Email, user.PasswordHash, string(user.Role), user.CreatedAt.UTC())
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrEmailExists
			}
			return fmt.Errorf("failed to insert user: %w", err)
		}
		return nil
	})
}

// GetUser retrieves a user by ID
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	return m.getUser(ctx, `SELECT id, name, email, password_hash, role, created_at FROM users WHERE id = ?`, userID)
}

// GetUserByEmail retrieves a user by email
func (m *Manager) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return m.getUser(ctx, `SELECT id, name, email, password_hash, role, created_at FROM users WHERE email = ?`, email)
}

func (m *Manager) getUser(ctx context.Context, query string, arg string) (*types.User, error) {
	user, err := scanUser(m.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

// ListUsersByRole lists users with the given role ordered by name
func (m *Manager) ListUsersByRole(ctx context.Context, role types.Role) ([]*types.User, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, name, email, password_hash, role, created_at
		FROM users WHERE role = ? ORDER BY name, id
	`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []*types.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

// CreateClass inserts a class and its initial students
func (m *Manager) CreateClass(ctx context.Context, class *types.Class) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO classes (id, name, teacher_id, created_at) VALUES (?, ?, ?, ?)`,
			class.ID, class.Name, class.TeacherID, class.CreatedAt.UTC(),
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return interfaces.ErrUserNotFound
			}
			return fmt.Errorf("failed to insert class: %w", err)
		}
		for _, studentID := range class.StudentIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO class_students (class_id, student_id) VALUES (?, ?)`,
				class.ID, studentID,
			); err != nil {
				if isForeignKeyViolation(err) {
					return interfaces.ErrUserNotFound
				}
				return fmt.Errorf("failed to enroll student %s: %w", studentID, err)
			}
		}
		return nil
	})
}

// GetClass retrieves a class with its enrolled student IDs
func (m *Manager) GetClass(ctx context.Context, classID string) (*types.Class, error) {
	var class types.Class
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, teacher_id, created_at FROM classes WHERE id = ?`, classID,
	).Scan(&class.ID, &class.Name, &class.TeacherID, &class.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, interfaces.ErrClassNotFound
		}
		return nil, fmt.Errorf("failed to query class: %w", err)
	}

	class.StudentIDs, err = m.studentIDs(ctx, classID)
	if err != nil {
		return nil, err
	}
	return &class, nil
}

// RenameClass changes a class name
func (m *Manager) RenameClass(ctx context.Context, classID, name string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		result, err := db.ExecContext(ctx, `UPDATE classes SET name = ? WHERE id = ?`, name, classID)
		if err != nil {
			return fmt.Errorf("failed to rename class: %w", err)
		}
		return requireAffected(result, interfaces.ErrClassNotFound)
	})
}

// DeleteClass removes a class; enrollment and records cascade
func (m *Manager) DeleteClass(ctx context.Context, classID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		result, err := db.ExecContext(ctx, `DELETE FROM classes WHERE id = ?`, classID)
		if err != nil {
			return fmt.Errorf("failed to delete class: %w", err)
		}
		return requireAffected(result, interfaces.ErrClassNotFound)
	})
}

// AddStudent enrolls a student; enrolling twice is a no-op
func (m *Manager) AddStudent(ctx context.Context, classID, studentID string) error {
	return m.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM classes WHERE id = ?`, classID).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to query class: %w", err)
		}
		if exists == 0 {
			return interfaces.ErrClassNotFound
		}

		_, err = tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO class_students (class_id, student_id) VALUES (?, ?)`,
			classID, studentID,
		)
		if err != nil {
			if isForeignKeyViolation(err) {
				return interfaces.ErrUserNotFound
			}
			return fmt.Errorf("failed to enroll student: %w", err)
		}
		return nil
	})
}

// RemoveStudent removes a student from a class
func (m *Manager) RemoveStudent(ctx context.Context, classID, studentID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		result, err := db.ExecContext(ctx,
			`DELETE FROM class_students WHERE class_id = ? AND student_id = ?`, classID, studentID,
		)
		if err != nil {
			return fmt.Errorf("failed to remove student: %w", err)
		}
		return requireAffected(result, interfaces.ErrNotEnrolled)
	})
}

// ListClassesByTeacher lists the classes a teacher owns
func (m *Manager) ListClassesByTeacher(ctx context.Context, teacherID string) ([]*types.Class, error) {
	return m.listClasses(ctx, `
		SELECT id, name, teacher_id, created_at FROM classes
		WHERE teacher_id = ? ORDER BY created_at, id
	`, teacherID)
}

// ListClassesByStudent lists the classes a student is enrolled in
func (m *Manager) ListClassesByStudent(ctx context.Context, studentID string) ([]*types.Class, error) {
	return m.listClasses(ctx, `
		SELECT c.id, c.name, c.teacher_id, c.created_at FROM classes c
		JOIN class_students cs ON cs.class_id = c.id
		WHERE cs.student_id = ? ORDER BY c.created_at, c.id
	`, studentID)
}

func (m *Manager) listClasses(ctx context.Context, query, arg string) ([]*types.Class, error) {
	rows, err := m.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query classes: %w", err)
	}

	classes := []*types.Class{}
	for rows.Next() {
		var class types.Class
		if err := rows.Scan(&class.ID, &class.Name, &class.TeacherID, &class.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan class row: %w", err)
		}
		classes = append(classes, &class)
	}
	err = rows.Err()
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("error iterating class rows: %w", err)
	}

	for _, class := range classes {
		if class.StudentIDs, err = m.studentIDs(ctx, class.ID); err != nil {
			return nil, err
		}
	}
	return classes, nil
}

func (m *Manager) studentIDs(ctx context.Context, classID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT student_id FROM class_students WHERE class_id = ? ORDER BY added_at, student_id`, classID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query class students: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan student id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HealthCheck verifies database connectivity and basic operations
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM classes").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying handle for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the database
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*types.AttendanceRecord, error) {
	var record types.AttendanceRecord
	var status string
	if err := row.Scan(&record.ClassID, &record.StudentID, &record.SessionDate, &status, &record.RecordedAt); err != nil {
		return nil, err
	}
	record.Status = types.Status(status)
	return &record, nil
}

func scanUser(row rowScanner) (*types.User, error) {
	var user types.User
	var role string
	if err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &role, &user.CreatedAt); err != nil {
		return nil, err
	}
	user.Role = types.Role(role)
	return &user, nil
}

func requireAffected(result sql.Result, notFound error) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintForeignKey
	}
	return false
}
