package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tutorchat/pkg/types"
)

// SQLite persists the active_chats table in a SQLite database. Writes are
// funneled through a single goroutine because SQLite allows one writer at a
// time; reads run concurrently against the pool.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger

	writes   chan writeOp
	shutdown chan struct{}
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type writeOp struct {
	fn     func(*sql.DB) error
	result chan error
}

var _ Registry = (*SQLite)(nil)

// NewSQLite opens (or attaches to) the registry table on db. The table shape
// mirrors the pre-existing active_chats rows so data migrates without loss.
func NewSQLite(db *sql.DB, logger *zap.Logger) (*SQLite, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS active_chats (
			tutorial_id TEXT PRIMARY KEY,
			tutor_id TEXT NOT NULL,
			chat_session_id TEXT NOT NULL,
			start_time INTEGER NOT NULL,
			duration_minutes INTEGER NOT NULL
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensure active_chats table: %w", err)
	}

	s := &SQLite{
		db:       db,
		logger:   logger,
		writes:   make(chan writeOp, 64),
		shutdown: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.writeLoop()
	return s, nil
}

// OpenDB opens a SQLite database with the pragmas the registry relies on.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func (s *SQLite) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case op := <-s.writes:
			op.result <- op.fn(s.db)
		case <-s.shutdown:
			return
		}
	}
}

func (s *SQLite) executeWrite(ctx context.Context, fn func(*sql.DB) error) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return errors.New("registry is closed")
	}
	s.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case s.writes <- writeOp{fn: fn, result: result}:
		return <-result
	case <-ctx.Done():
		return ctx.Err()
	case <-s.shutdown:
		return errors.New("registry is shutting down")
	}
}

func (s *SQLite) TryOpen(ctx context.Context, session types.Session) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO active_chats (tutorial_id, tutor_id, chat_session_id, start_time, duration_minutes)
			VALUES (?, ?, ?, ?, ?)`,
			session.TutorialID,
			session.TutorID,
			session.ChatID,
			session.StartTime.Unix(),
			session.DurationMinutes,
		)
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrAlreadyActive
		}
		if err != nil {
			return fmt.Errorf("insert session row: %w", err)
		}
		return nil
	})
}

func (s *SQLite) Close(ctx context.Context, tutorialID string) error {
	return s.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `DELETE FROM active_chats WHERE tutorial_id = ?`, tutorialID)
		if err != nil {
			return fmt.Errorf("delete session row: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return ErrNotActive
		}
		return nil
	})
}

func (s *SQLite) Get(ctx context.Context, tutorialID string) (types.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tutorial_id, tutor_id, chat_session_id, start_time, duration_minutes
		FROM active_chats WHERE tutorial_id = ?`, tutorialID)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return types.Session{}, ErrNotActive
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("query session row: %w", err)
	}
	return session, nil
}

func (s *SQLite) List(ctx context.Context) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tutorial_id, tutor_id, chat_session_id, start_time, duration_minutes
		FROM active_chats ORDER BY start_time`)
	if err != nil {
		return nil, fmt.Errorf("query session rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []types.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Shutdown stops the writer goroutine. Pending writes already queued are
// abandoned; callers see the shutdown error.
func (s *SQLite) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()
	s.logger.Info("sqlite registry writer stopped")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (types.Session, error) {
	var (
		session   types.Session
		startUnix int64
	)
	err := row.Scan(&session.TutorialID, &session.TutorID, &session.ChatID, &startUnix, &session.DurationMinutes)
	if err != nil {
		return types.Session{}, err
	}
	session.StartTime = time.Unix(startUnix, 0).UTC()
	return session, nil
}
