package directory

import (
	"context"
	"database/sql"
	"fmt"

	"tutorchat/pkg/types"
)

// SQLite reads the users/tutorials/assignments tables from a SQLite database.
// The schema matches the upstream admin tool's layout; this adapter never
// writes to any of the three tables.
type SQLite struct {
	db *sql.DB
}

var _ Directory = (*SQLite)(nil)

func NewSQLite(db *sql.DB) (*SQLite, error) {
	if err := ensureDirectorySchema(db); err != nil {
		return nil, fmt.Errorf("ensure directory schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// ensureDirectorySchema creates the directory tables when pointed at a fresh
// database so single-binary deployments can be seeded in place.
func ensureDirectorySchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL CHECK (role IN ('admin', 'student', 'tutor')),
			profile_pic TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tutorials (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS assignments (
			user_id TEXT NOT NULL REFERENCES users(id),
			tutorial_id TEXT NOT NULL REFERENCES tutorials(id),
			PRIMARY KEY (user_id, tutorial_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLite) RoleOf(ctx context.Context, userID string) (types.Role, error) {
	var role types.Role
	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = ?`, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query user role: %w", err)
	}
	return role, nil
}

func (s *SQLite) IsAssigned(ctx context.Context, userID, tutorialID string) (bool, error) {
	var assigned bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM assignments WHERE user_id = ? AND tutorial_id = ?)`,
		userID, tutorialID).Scan(&assigned)
	if err != nil {
		return false, fmt.Errorf("query assignment: %w", err)
	}
	return assigned, nil
}

func (s *SQLite) TutorialExists(ctx context.Context, tutorialID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM tutorials WHERE id = ?)`, tutorialID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query tutorial: %w", err)
	}
	return exists, nil
}

func (s *SQLite) Students(ctx context.Context, tutorialID string) ([]types.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.role
		FROM assignments a
		JOIN users u ON u.id = a.user_id
		WHERE a.tutorial_id = ? AND u.role = 'student'`, tutorialID)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var students []types.User
	for rows.Next() {
		var u types.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role); err != nil {
			return nil, fmt.Errorf("scan student: %w", err)
		}
		students = append(students, u)
	}
	return students, rows.Err()
}
