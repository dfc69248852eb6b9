package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tutorchat/pkg/types"
)

// Postgres reads the directory tables through a pgx connection pool. The
// tables belong to the account-management service; this adapter only queries.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Directory = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// NewPostgresPool dials the database and verifies connectivity before the
// adapter is handed to the coordinator.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func (p *Postgres) RoleOf(ctx context.Context, userID string) (types.Role, error) {
	var role types.Role
	err := p.pool.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query user role: %w", err)
	}
	return role, nil
}

func (p *Postgres) IsAssigned(ctx context.Context, userID, tutorialID string) (bool, error) {
	var assigned bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM assignments WHERE user_id = $1 AND tutorial_id = $2)`,
		userID, tutorialID).Scan(&assigned)
	if err != nil {
		return false, fmt.Errorf("query assignment: %w", err)
	}
	return assigned, nil
}

func (p *Postgres) TutorialExists(ctx context.Context, tutorialID string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM tutorials WHERE id = $1)`, tutorialID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query tutorial: %w", err)
	}
	return exists, nil
}

func (p *Postgres) Students(ctx context.Context, tutorialID string) ([]types.User, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT u.id, u.name, u.role
		FROM assignments a
		JOIN users u ON u.id = a.user_id
		WHERE a.tutorial_id = $1 AND u.role = 'student'`, tutorialID)
	if err != nil {
		return nil, fmt.Errorf("query students: %w", err)
	}
	defer rows.Close()

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
