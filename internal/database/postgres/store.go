// Package postgres implements the persistence surface on PostgreSQL through a pgx pool.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	dbconfig "rollcall/pkg/database"
	"rollcall/pkg/interfaces"
	"rollcall/pkg/types"
)

// SQLSTATE codes mapped to directory errors
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

// Store implements interfaces.DatabaseManager on PostgreSQL
type Store struct {
	pool *pgxpool.Pool
}

var _ interfaces.DatabaseManager = (*Store)(nil)

// NewStore connects a pool sized from config
func NewStore(ctx context.Context, config *dbconfig.Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	poolConfig.MaxConns = int32(config.MaxConnections)
	poolConfig.MaxConnLifetime = config.ConnMaxLifetime
	poolConfig.MaxConnIdleTime = config.ConnMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// GetDB returns a database/sql view of the pool for the migration manager.
// The pool owns the connections; callers must not close the returned DB.
func (s *Store) GetDB() *sql.DB {
	return stdlib.OpenDBFromPool(s.pool)
}

func (s *Store) withTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// GetRoster resolves a class to its owner and enrolled students
func (s *Store) GetRoster(ctx context.Context, classID string) (*types.Roster, error) {
	roster := &types.Roster{ClassID: classID}
	err := s.pool.QueryRow(ctx, `SELECT teacher_id FROM classes WHERE id = $1`, classID).Scan(&roster.TeacherID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrClassNotFound
		}
		return nil, fmt.Errorf("failed to query class: %w", err)
	}
	if roster.StudentIDs, err = s.studentIDs(ctx, classID); err != nil {
		return nil, err
	}
	return roster, nil
}

// SaveAttendance upserts all records in one batch inside a transaction
func (s *Store) SaveAttendance(ctx context.Context, records []types.AttendanceRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, r := range records {
			batch.Queue(`
				INSERT INTO attendance_records (class_id, student_id, session_date, status, recorded_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (class_id, student_id, session_date)
				DO UPDATE SET status = EXCLUDED.status, recorded_at = EXCLUDED.recorded_at
			`, r.ClassID, r.StudentID, r.SessionDate, string(r.Status), r.RecordedAt.UTC())
		}
		results := tx.SendBatch(ctx, batch)
		for _, r := range records {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("failed to upsert attendance for %s: %w", r.StudentID, err)
			}
		}
		return results.Close()
	})
}

// GetStudentAttendance returns the student's most recent record in the class
func (s *Store) GetStudentAttendance(ctx context.Context, classID, studentID string) (*types.AttendanceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT class_id, student_id, session_date, status, recorded_at
		FROM attendance_records
		WHERE class_id = $1 AND student_id = $2
		ORDER BY session_date DESC, recorded_at DESC
		LIMIT 1
	`, classID, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attendance: %w", err)
	}
	record, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to scan attendance: %w", err)
	}
	return &record, nil
}

// ListClassAttendance returns the records of one session date, or of the latest one when date is empty
func (s *Store) ListClassAttendance(ctx context.Context, classID, sessionDate string) ([]types.AttendanceRecord, error) {
	if sessionDate == "" {
		var latest *string
		err := s.pool.QueryRow(ctx,
			`SELECT MAX(session_date) FROM attendance_records WHERE class_id = $1`, classID,
		).Scan(&latest)
		if err != nil {
			return nil, fmt.Errorf("failed to query latest session date: %w", err)
		}
		if latest == nil {
			return []types.AttendanceRecord{}, nil
		}
		sessionDate = *latest
	}

	rows, err := s.pool.Query(ctx, `
		SELECT class_id, student_id, session_date, status, recorded_at
		FROM attendance_records
		WHERE class_id = $1 AND session_date = $2
		ORDER BY student_id
	`, classID, sessionDate)
	if err != nil {
		return nil, fmt.Errorf("failed to query class attendance: %w", err)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to scan attendance rows: %w", err)
	}
	if records == nil {
		records = []types.AttendanceRecord{}
	}
	return records, nil
}

// CreateUser inserts a user; a taken email yields interfaces.ErrEmailExists
func (s *Store) CreateUser(ctx context.Context, user *types.User) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Name, user.Email, user.PasswordHash, string(user.Role), user.CreatedAt.UTC())
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return interfaces.ErrEmailExists
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*types.User, error) {
	return s.getUser(ctx, `SELECT id, name, email, password_hash, role, created_at FROM users WHERE id = $1`, userID)
}

// GetUserByEmail retrieves a user by email
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*types.User, error) {
	return s.getUser(ctx, `SELECT id, name, email, password_hash, role, created_at FROM users WHERE email = $1`, email)
}

func (s *Store) getUser(ctx context.Context, query, arg string) (*types.User, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	user, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return user, nil
}

// ListUsersByRole lists users with the given role ordered by name
func (s *Store) ListUsersByRole(ctx context.Context, role types.Role) ([]*types.User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, email, password_hash, role, created_at
		FROM users WHERE role = $1 ORDER BY name, id
	`, string(role))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, fmt.Errorf("failed to scan users: %w", err)
	}
	if users == nil {
		users = []*types.User{}
	}
	return users, nil
}

// CreateClass inserts a class and its initial students
func (s *Store) CreateClass(ctx context.Context, class *types.Class) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO classes (id, name, teacher_id, created_at) VALUES ($1, $2, $3, $4)`,
			class.ID, class.Name, class.TeacherID, class.CreatedAt.UTC(),
		)
		if err != nil {
			if pgCode(err) == codeForeignKeyViolation {
				return interfaces.ErrUserNotFound
			}
			return fmt.Errorf("failed to insert class: %w", err)
		}
		for _, studentID := range class.StudentIDs {
			if err := enroll(ctx, tx, class.ID, studentID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetClass retrieves a class with its enrolled student IDs
func (s *Store) GetClass(ctx context.Context, classID string) (*types.Class, error) {
	var class types.Class
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, teacher_id, created_at FROM classes WHERE id = $1`, classID,
	).Scan(&class.ID, &class.Name, &class.TeacherID, &class.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, interfaces.ErrClassNotFound
		}
		return nil, fmt.Errorf("failed to query class: %w", err)
	}
	if class.StudentIDs, err = s.studentIDs(ctx, classID); err != nil {
		return nil, err
	}
	return &class, nil
}

// RenameClass changes a class name
func (s *Store) RenameClass(ctx context.Context, classID, name string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE classes SET name = $1 WHERE id = $2`, name, classID)
	if err != nil {
		return fmt.Errorf("failed to rename class: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrClassNotFound
	}
	return nil
}

// DeleteClass removes a class; enrollment and records cascade
func (s *Store) DeleteClass(ctx context.Context, classID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM classes WHERE id = $1`, classID)
	if err != nil {
		return fmt.Errorf("failed to delete class: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrClassNotFound
	}
	return nil
}

// AddStudent enrolls a student; enrolling twice is a no-op
func (s *Store) AddStudent(ctx context.Context, classID, studentID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM classes WHERE id = $1)`, classID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to query class: %w", err)
		}
		if !exists {
			return interfaces.ErrClassNotFound
		}
		return enroll(ctx, tx, classID, studentID)
	})
}

func enroll(ctx context.Context, tx pgx.Tx, classID, studentID string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO class_students (class_id, student_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		classID, studentID,
	)
	if err != nil {
		if pgCode(err) == codeForeignKeyViolation {
			return interfaces.ErrUserNotFound
		}
		return fmt.Errorf("failed to enroll student %s: %w", studentID, err)
	}
	return nil
}

// RemoveStudent removes a student from a class
func (s *Store) RemoveStudent(ctx context.Context, classID, studentID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM class_students WHERE class_id = $1 AND student_id = $2`, classID, studentID)
	if err != nil {
		return fmt.Errorf("failed to remove student: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotEnrolled
	}
	return nil
}

// ListClassesByTeacher lists the classes a teacher owns
func (s *Store) ListClassesByTeacher(ctx context.Context, teacherID string) ([]*types.Class, error) {
	return s.listClasses(ctx, `
		SELECT id, name, teacher_id, created_at FROM classes
		WHERE teacher_id = $1 ORDER BY created_at, id
	`, teacherID)
}

// ListClassesByStudent lists the classes a student is enrolled in
func (s *Store) ListClassesByStudent(ctx context.Context, studentID string) ([]*types.Class, error) {
	return s.listClasses(ctx, `
		SELECT c.id, c.name, c.teacher_id, c.created_at FROM classes c
		JOIN class_students cs ON cs.class_id = c.id
		WHERE cs.student_id = $1 ORDER BY c.created_at, c.id
	`, studentID)
}

func (s *Store) listClasses(ctx context.Context, query, arg string) ([]*types.Class, error) {
	rows, err := s.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to query classes: %w", err)
	}
	classes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*types.Class, error) {
		var class types.Class
		err := row.Scan(&class.ID, &class.Name, &class.TeacherID, &class.CreatedAt)
		return &class, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan classes: %w", err)
	}

	for _, class := range classes {
		if class.StudentIDs, err = s.studentIDs(ctx, class.ID); err != nil {
			return nil, err
		}
	}
	if classes == nil {
		classes = []*types.Class{}
	}
	return classes, nil
}

func (s *Store) studentIDs(ctx context.Context, classID string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT student_id FROM class_students WHERE class_id = $1 ORDER BY added_at, student_id`, classID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query class students: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan student ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}

// HealthCheck verifies connectivity and that the schema is readable
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var count int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM classes`).Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.CollectableRow) (types.AttendanceRecord, error) {
	var record types.AttendanceRecord
	var status string
	err := row.Scan(&record.ClassID, &record.StudentID, &record.SessionDate, &status, &record.RecordedAt)
	record.Status = types.Status(status)
	return record, err
}

func scanUser(row pgx.CollectableRow) (*types.User, error) {
	var user types.User
	var role string
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &role, &user.CreatedAt)
	user.Role = types.Role(role)
	return &user, err
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
