// Package attendance keeps per-chat-session attendance records: when each
// student first joined, when they were last seen, how long they were present
// in total, and whether they are present right now. One row exists per
// (chat session, student); rows are created absent for every assigned student
// when the session opens so tutors can see who never showed up.
package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tutorchat/internal/directory"
	"tutorchat/pkg/types"
)

// ErrNoRecords signals that no attendance has ever been recorded for the
// tutorial or chat session asked about.
var ErrNoRecords = errors.New("no attendance records")

// Record is one student's attendance for one chat session.
type Record struct {
	ChatID        string     `json:"chat_session_id"`
	TutorialID    string     `json:"tutorial_id"`
	StudentID     string     `json:"student_id"`
	StudentName   string     `json:"student_name"`
	FirstJoinTime *time.Time `json:"first_join_time,omitempty"`
	LastSeenTime  *time.Time `json:"last_seen_time,omitempty"`
	TotalSeconds  int64      `json:"total_duration_seconds"`
	Present       bool       `json:"is_present"`
}

// Recorder persists attendance to SQLite and implements the coordinator's
// Observer interface.
type Recorder struct {
	db     *sql.DB
	dir    directory.Directory
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(db *sql.DB, dir directory.Directory, logger *zap.Logger) (*Recorder, error) {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS attendance (
			chat_session_id TEXT NOT NULL,
			tutorial_id TEXT NOT NULL,
			student_id TEXT NOT NULL,
			student_name TEXT NOT NULL DEFAULT '',
			first_join_time INTEGER,
			last_seen_time INTEGER,
			total_duration_seconds INTEGER NOT NULL DEFAULT 0,
			is_present INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (chat_session_id, student_id)
		)`)
	if err != nil {
		return nil, fmt.Errorf("ensure attendance table: %w", err)
	}
	return &Recorder{db: db, dir: dir, logger: logger, now: time.Now}, nil
}

// SessionOpened seeds an absent row for every student assigned to the
// tutorial at the moment the session opens.
func (r *Recorder) SessionOpened(ctx context.Context, session types.Session) error {
	students, err := r.dir.Students(ctx, session.TutorialID)
	if err != nil {
		return fmt.Errorf("list students: %w", err)
	}

	for _, student := range students {
		_, err := r.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO attendance (chat_session_id, tutorial_id, student_id, student_name)
			VALUES (?, ?, ?, ?)`,
			session.ChatID, session.TutorialID, student.ID, student.Name)
		if err != nil {
			return fmt.Errorf("seed attendance row: %w", err)
		}
	}
	return nil
}

// ParticipantJoined marks a student present, stamping the first join time
// once and refreshing last seen. Tutors and admins joining are not tracked.
func (r *Recorder) ParticipantJoined(ctx context.Context, session types.Session, userID string) error {
	role, err := r.dir.RoleOf(ctx, userID)
	if err != nil {
		return fmt.Errorf("role lookup: %w", err)
	}
	if role != types.RoleStudent {
		return nil
	}

	// A join while already present (second handle during a reconnect
	// overlap) must not advance last_seen_time, or the interval since the
	// previous join would be lost when the departure folds it in.
	now := r.now().Unix()
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attendance (chat_session_id, tutorial_id, student_id, first_join_time, last_seen_time, is_present)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (chat_session_id, student_id) DO UPDATE SET
			last_seen_time = CASE WHEN attendance.is_present = 1
				THEN attendance.last_seen_time ELSE excluded.last_seen_time END,
			first_join_time = COALESCE(attendance.first_join_time, excluded.first_join_time),
			is_present = 1`,
		session.ChatID, session.TutorialID, userID, now, now)
	if err != nil {
		return fmt.Errorf("mark present: %w", err)
	}
	return nil
}

// ParticipantLeft marks a student absent and folds the elapsed interval into
// the accumulated duration.
func (r *Recorder) ParticipantLeft(ctx context.Context, session types.Session, userID string) error {
	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance SET
			is_present = 0,
			total_duration_seconds = total_duration_seconds + (? - last_seen_time),
			last_seen_time = ?
		WHERE chat_session_id = ? AND student_id = ? AND is_present = 1`,
		now, now, session.ChatID, userID)
	if err != nil {
		return fmt.Errorf("mark absent: %w", err)
	}
	return nil
}

// SessionClosed finalizes the chat session: everyone still present is marked
// left as of now.
func (r *Recorder) SessionClosed(ctx context.Context, session types.Session) error {
	now := r.now().Unix()
	_, err := r.db.ExecContext(ctx, `
		UPDATE attendance SET
			is_present = 0,
			total_duration_seconds = total_duration_seconds + (? - last_seen_time),
			last_seen_time = ?
		WHERE chat_session_id = ? AND is_present = 1`,
		now, now, session.ChatID)
	if err != nil {
		return fmt.Errorf("finalize attendance: %w", err)
	}
	return nil
}

// LatestChatID returns the chat session most recently opened for a tutorial.
// Rows persist after the session closes, so reports stay readable afterwards.
// Rows are inserted in session-open order, making rowid the recency order.
func (r *Recorder) LatestChatID(ctx context.Context, tutorialID string) (string, error) {
	var chatID string
	err := r.db.QueryRowContext(ctx, `
		SELECT chat_session_id FROM attendance
		WHERE tutorial_id = ?
		ORDER BY rowid DESC LIMIT 1`, tutorialID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return "", ErrNoRecords
	}
	if err != nil {
		return "", fmt.Errorf("query latest chat session: %w", err)
	}
	return chatID, nil
}

// Report returns the attendance rows for one chat session. For students still
// present the running interval since last seen is included in the total.
func (r *Recorder) Report(ctx context.Context, chatID string) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chat_session_id, tutorial_id, student_id, student_name,
		       first_join_time, last_seen_time, total_duration_seconds, is_present
		FROM attendance
		WHERE chat_session_id = ?
		ORDER BY student_id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query attendance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := r.now().Unix()
	var records []Record
	for rows.Next() {
		var (
			rec       Record
			firstJoin sql.NullInt64
			lastSeen  sql.NullInt64
		)
		err := rows.Scan(&rec.ChatID, &rec.TutorialID, &rec.StudentID, &rec.StudentName,
			&firstJoin, &lastSeen, &rec.TotalSeconds, &rec.Present)
		if err != nil {
			return nil, fmt.Errorf("scan attendance row: %w", err)
		}
		if firstJoin.Valid {
			t := time.Unix(firstJoin.Int64, 0).UTC()
			rec.FirstJoinTime = &t
		}
		if lastSeen.Valid {
			t := time.Unix(lastSeen.Int64, 0).UTC()
			rec.LastSeenTime = &t
		}
		if rec.Present && lastSeen.Valid {
			rec.TotalSeconds += now - lastSeen.Int64
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
