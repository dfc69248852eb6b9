// Package coordinator implements the session lifecycle: admission control for
// opening and joining tutorial chat sessions, expiry timing, and delegation of
// message delivery to the per-session relay. Each tutorial moves through
// Idle → Active → Idle; at most one session is Active per tutorial.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tutorchat/internal/directory"
	"tutorchat/internal/metrics"
	"tutorchat/internal/registry"
	"tutorchat/internal/relay"
	"tutorchat/pkg/types"
)

// Observer receives lifecycle callbacks. Callbacks are best-effort: a failing
// observer is logged and never fails the session operation that triggered it.
type Observer interface {
	SessionOpened(ctx context.Context, session types.Session) error
	SessionClosed(ctx context.Context, session types.Session) error
	ParticipantJoined(ctx context.Context, session types.Session, userID string) error
	ParticipantLeft(ctx context.Context, session types.Session, userID string) error
}

// Options tune a Coordinator. The zero value disables the observer, the rate
// limit and the duration cap.
type Options struct {
	Observer          Observer
	MessagesPerMinute int
	MaxSessionMinutes int
}

// Coordinator orchestrates sessions across all tutorials. Directory reads
// always happen before the live-session map is touched, so a slow external
// store never stalls unrelated tutorials.
type Coordinator struct {
	dir    directory.Directory
	reg    registry.Registry
	logger *zap.Logger
	opts   Options

	// now is swapped out in tests to drive expiry without sleeping.
	now func() time.Time

	mu   sync.Mutex
	live map[string]*liveSession // tutorialID -> live state
}

// liveSession ties a registry row to its in-memory relay and expiry timer.
type liveSession struct {
	session types.Session
	relay   *relay.Relay
	timer   *time.Timer
}

func New(dir directory.Directory, reg registry.Registry, logger *zap.Logger, opts Options) *Coordinator {
	return &Coordinator{
		dir:    dir,
		reg:    reg,
		logger: logger,
		opts:   opts,
		now:    time.Now,
		live:   make(map[string]*liveSession),
	}
}

// SessionStatus pairs a session with its current participant count.
type SessionStatus struct {
	Session      types.Session `json:"session"`
	Participants int           `json:"participants"`
}

// Open starts a session for a tutorial. The requestor must be a tutor
// assigned to the tutorial; the tutorial must exist; and no other session may
// currently hold the tutorial. A row left over from an expired session is
// reaped and the open retried, so a crashed session never blocks a tutorial
// forever.
func (c *Coordinator) Open(ctx context.Context, requestorID, tutorialID string, durationMinutes int) (types.Session, error) {
	if durationMinutes <= 0 {
		return types.Session{}, ErrInvalidDuration
	}
	if c.opts.MaxSessionMinutes > 0 && durationMinutes > c.opts.MaxSessionMinutes {
		return types.Session{}, fmt.Errorf("%w: maximum is %d minutes", ErrInvalidDuration, c.opts.MaxSessionMinutes)
	}

	role, err := c.dir.RoleOf(ctx, requestorID)
	if errors.Is(err, directory.ErrUserNotFound) {
		return types.Session{}, ErrUnauthorized
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("directory role lookup: %w", err)
	}
	if role != types.RoleTutor {
		return types.Session{}, ErrUnauthorized
	}

	assigned, err := c.dir.IsAssigned(ctx, requestorID, tutorialID)
	if err != nil {
		return types.Session{}, fmt.Errorf("directory assignment lookup: %w", err)
	}
	if !assigned {
		return types.Session{}, ErrUnauthorized
	}

	exists, err := c.dir.TutorialExists(ctx, tutorialID)
	if err != nil {
		return types.Session{}, fmt.Errorf("directory tutorial lookup: %w", err)
	}
	if !exists {
		return types.Session{}, ErrUnknownTutorial
	}

	session := types.Session{
		TutorialID:      tutorialID,
		TutorID:         requestorID,
		ChatID:          uuid.New().String(),
		StartTime:       c.now().UTC(),
		DurationMinutes: durationMinutes,
	}

	err = c.reg.TryOpen(ctx, session)
	if errors.Is(err, registry.ErrAlreadyActive) {
		if c.reapIfStale(ctx, tutorialID) {
			err = c.reg.TryOpen(ctx, session)
		}
	}
	if errors.Is(err, registry.ErrAlreadyActive) {
		return types.Session{}, ErrSessionConflict
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("registry open: %w", err)
	}

	c.install(session)
	metrics.SessionsOpened.Inc()
	c.notifyOpened(ctx, session)

	c.logger.Info("session opened",
		zap.String("tutorialID", tutorialID),
		zap.String("tutorID", requestorID),
		zap.String("chatID", session.ChatID),
		zap.Int("durationMinutes", durationMinutes))
	return session, nil
}

// Join admits a participant into the tutorial's live session. Students and
// tutors must be assigned to the tutorial; admins may join any room as an
// administrative override. The returned handle streams relay events and is
// used for sending.
func (c *Coordinator) Join(ctx context.Context, requestorID, tutorialID string) (*relay.Participant, error) {
	assigned, err := c.dir.IsAssigned(ctx, requestorID, tutorialID)
	if err != nil {
		return nil, fmt.Errorf("directory assignment lookup: %w", err)
	}
	if !assigned {
		role, roleErr := c.dir.RoleOf(ctx, requestorID)
		if roleErr != nil || role != types.RoleAdmin {
			return nil, ErrUnauthorized
		}
	}

	ls, err := c.activeSession(ctx, tutorialID)
	if err != nil {
		return nil, err
	}

	participant, err := ls.relay.Join(requestorID)
	if errors.Is(err, relay.ErrClosed) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, err
	}

	c.notifyJoined(ctx, ls.session, requestorID)
	c.logger.Info("participant joined",
		zap.String("tutorialID", tutorialID),
		zap.String("userID", requestorID))
	return participant, nil
}

// Send fans the message body out to every other participant of the sender's
// session. It re-checks session liveness so a send racing expiry or close is
// reported as ErrNotActive instead of being silently dropped.
func (c *Coordinator) Send(ctx context.Context, sender *relay.Participant, body string) error {
	ls, err := c.activeSession(ctx, sender.TutorialID())
	if errors.Is(err, ErrNoActiveSession) {
		return ErrNotActive
	}
	if err != nil {
		return err
	}

	err = ls.relay.Publish(sender, body)
	if errors.Is(err, relay.ErrClosed) {
		return ErrNotActive
	}
	return err
}

// Leave detaches a participant from its session. Disconnects at the transport
// layer map here; a leave after the session closed is a harmless no-op.
func (c *Coordinator) Leave(ctx context.Context, participant *relay.Participant) {
	c.mu.Lock()
	ls, ok := c.live[participant.TutorialID()]
	c.mu.Unlock()
	if !ok {
		return
	}
	if ls.relay.Leave(participant) {
		// A user may hold several handles during a reconnect overlap; the
		// departure only counts once the last one is gone.
		if !ls.relay.Present(participant.UserID()) {
			c.notifyLeft(ctx, ls.session, participant.UserID())
		}
		c.logger.Info("participant left",
			zap.String("tutorialID", participant.TutorialID()),
			zap.String("userID", participant.UserID()))
	}
}

// Close ends the tutorial's session. Only the tutor holding the session or an
// admin may close it. Participants receive a terminal closed event before
// their streams end. A close racing the expiry timer results in exactly one
// teardown; the loser reports ErrNotActive.
func (c *Coordinator) Close(ctx context.Context, requestorID, tutorialID string) error {
	session, ok := c.currentSession(ctx, tutorialID)
	if !ok {
		return ErrNotActive
	}

	if requestorID != session.TutorID {
		role, err := c.dir.RoleOf(ctx, requestorID)
		if err != nil || role != types.RoleAdmin {
			return ErrUnauthorized
		}
	}

	torn := c.remove(tutorialID, session.ChatID)
	err := c.reg.Close(ctx, tutorialID)
	switch {
	case errors.Is(err, registry.ErrNotActive):
		if torn == nil {
			return ErrNotActive
		}
	case err != nil:
		// Backing store unreachable: the local teardown already happened and
		// the row will be reaped as stale on first access after recovery.
		c.logger.Warn("registry close failed, session torn down locally",
			zap.String("tutorialID", tutorialID), zap.Error(err))
	}

	metrics.SessionsClosed.WithLabelValues(metrics.ReasonExplicit).Inc()
	c.notifyClosed(ctx, session)
	c.logger.Info("session closed",
		zap.String("tutorialID", tutorialID),
		zap.String("requestorID", requestorID),
		zap.String("chatID", session.ChatID))
	return nil
}

// Get returns the live session and its participant count, applying the same
// lazy expiry check as Join.
func (c *Coordinator) Get(ctx context.Context, tutorialID string) (types.Session, int, error) {
	ls, err := c.activeSession(ctx, tutorialID)
	if err != nil {
		return types.Session{}, 0, err
	}
	return ls.session, ls.relay.Len(), nil
}

// List snapshots every live, unexpired session.
func (c *Coordinator) List() []SessionStatus {
	now := c.now()

	c.mu.Lock()
	statuses := make([]SessionStatus, 0, len(c.live))
	for _, ls := range c.live {
		if ls.session.Expired(now) {
			continue
		}
		statuses = append(statuses, SessionStatus{Session: ls.session, Participants: ls.relay.Len()})
	}
	c.mu.Unlock()
	return statuses
}

// Resume adopts registry rows that survived a restart: rows past expiry are
// reaped, the rest get a fresh relay and timer. In-flight timers do not
// survive restarts, so this must run before the API starts serving.
func (c *Coordinator) Resume(ctx context.Context) error {
	sessions, err := c.reg.List(ctx)
	if err != nil {
		return fmt.Errorf("registry list: %w", err)
	}

	adopted, reaped := 0, 0
	now := c.now()
	for _, session := range sessions {
		if session.Expired(now) {
			if err := c.reg.Close(ctx, session.TutorialID); err != nil && !errors.Is(err, registry.ErrNotActive) {
				c.logger.Warn("failed to reap stale session",
					zap.String("tutorialID", session.TutorialID), zap.Error(err))
				continue
			}
			metrics.SessionsClosed.WithLabelValues(metrics.ReasonStale).Inc()
			c.notifyClosed(ctx, session)
			reaped++
			continue
		}
		c.install(session)
		adopted++
	}

	c.logger.Info("registry resume complete",
		zap.Int("adopted", adopted), zap.Int("reaped", reaped))
	return nil
}

// Shutdown tears down every relay and timer. Registry rows are left in place
// so an orderly restart re-adopts the unexpired sessions.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	remaining := make([]*liveSession, 0, len(c.live))
	for _, ls := range c.live {
		remaining = append(remaining, ls)
	}
	c.live = make(map[string]*liveSession)
	c.mu.Unlock()

	for _, ls := range remaining {
		ls.timer.Stop()
		ls.relay.Close()
		metrics.SessionsClosed.WithLabelValues(metrics.ReasonShutdown).Inc()
	}
	metrics.ActiveSessions.Set(0)
	c.logger.Info("coordinator shut down", zap.Int("sessions", len(remaining)))
}

// install returns the live state for a session, creating it and arming the
// expiry timer on first call. Idempotent per ChatID: concurrent adoptions of
// the same registry row share one relay, the first caller through the lock
// wins and the rest reuse its entry.
func (c *Coordinator) install(session types.Session) *liveSession {
	c.mu.Lock()
	if existing, ok := c.live[session.TutorialID]; ok && existing.session.ChatID == session.ChatID {
		c.mu.Unlock()
		return existing
	}

	ls := &liveSession{
		session: session,
		relay:   relay.New(session.TutorialID, c.opts.MessagesPerMinute, c.logger),
	}
	ls.timer = time.AfterFunc(session.ExpiresAt().Sub(c.now()), func() {
		c.expire(session.TutorialID, session.ChatID)
	})

	orphan := c.live[session.TutorialID]
	c.live[session.TutorialID] = ls
	count := len(c.live)
	c.mu.Unlock()

	if orphan != nil {
		// A live entry without a registry row can linger after a degraded
		// close; replace it rather than leaking its timer.
		orphan.timer.Stop()
		orphan.relay.Close()
		c.logger.Warn("replacing orphaned live session",
			zap.String("tutorialID", session.TutorialID))
	}
	metrics.ActiveSessions.Set(float64(count))
	return ls
}

// remove deletes the live entry and tears down its relay and timer. The
// chatID guard makes teardown single-winner: a timer firing for an old
// session never tears down a reopened one, and concurrent close/expiry for
// the same session resolve to one winner.
func (c *Coordinator) remove(tutorialID, chatID string) *liveSession {
	c.mu.Lock()
	ls, ok := c.live[tutorialID]
	if !ok || (chatID != "" && ls.session.ChatID != chatID) {
		c.mu.Unlock()
		return nil
	}
	delete(c.live, tutorialID)
	count := len(c.live)
	c.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	ls.timer.Stop()
	ls.relay.Close()
	return ls
}

// expire is the timer callback for a session deadline.
func (c *Coordinator) expire(tutorialID, chatID string) {
	ls := c.remove(tutorialID, chatID)
	if ls == nil {
		return // explicit close won the race
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.reg.Close(ctx, tutorialID); err != nil && !errors.Is(err, registry.ErrNotActive) {
		c.logger.Warn("registry close failed during expiry",
			zap.String("tutorialID", tutorialID), zap.Error(err))
	}

	metrics.SessionsClosed.WithLabelValues(metrics.ReasonExpired).Inc()
	c.notifyClosed(ctx, ls.session)
	c.logger.Info("session expired",
		zap.String("tutorialID", tutorialID),
		zap.String("chatID", chatID))
}

// activeSession returns the live state for a tutorial, enforcing lazy expiry:
// an expired entry or registry row found on the way is torn down and the call
// reports ErrNoActiveSession. A registry row with no live entry (left by a
// restart) is adopted on the spot.
func (c *Coordinator) activeSession(ctx context.Context, tutorialID string) (*liveSession, error) {
	c.mu.Lock()
	ls, ok := c.live[tutorialID]
	c.mu.Unlock()

	if ok {
		if !ls.session.Expired(c.now()) {
			return ls, nil
		}
		c.expire(tutorialID, ls.session.ChatID)
		return nil, ErrNoActiveSession
	}

	session, err := c.reg.Get(ctx, tutorialID)
	if errors.Is(err, registry.ErrNotActive) {
		return nil, ErrNoActiveSession
	}
	if err != nil {
		return nil, fmt.Errorf("registry get: %w", err)
	}

	if session.Expired(c.now()) {
		if err := c.reg.Close(ctx, tutorialID); err != nil && !errors.Is(err, registry.ErrNotActive) {
			c.logger.Warn("failed to reap stale session",
				zap.String("tutorialID", tutorialID), zap.Error(err))
		}
		metrics.SessionsClosed.WithLabelValues(metrics.ReasonStale).Inc()
		c.notifyClosed(ctx, session)
		return nil, ErrNoActiveSession
	}

	return c.install(session), nil
}

// currentSession finds the session for a tutorial from the live map first,
// falling back to the registry.
func (c *Coordinator) currentSession(ctx context.Context, tutorialID string) (types.Session, bool) {
	c.mu.Lock()
	ls, ok := c.live[tutorialID]
	c.mu.Unlock()
	if ok {
		return ls.session, true
	}

	session, err := c.reg.Get(ctx, tutorialID)
	if err != nil {
		return types.Session{}, false
	}
	return session, true
}

// reapIfStale removes an expired registry row blocking a reopen. It reports
// whether a retry of TryOpen is worthwhile.
func (c *Coordinator) reapIfStale(ctx context.Context, tutorialID string) bool {
	existing, err := c.reg.Get(ctx, tutorialID)
	if err != nil {
		return false
	}
	if !existing.Expired(c.now()) {
		return false
	}

	c.remove(tutorialID, existing.ChatID)
	if err := c.reg.Close(ctx, tutorialID); err != nil && !errors.Is(err, registry.ErrNotActive) {
		c.logger.Warn("failed to reap stale session",
			zap.String("tutorialID", tutorialID), zap.Error(err))
		return false
	}

	metrics.SessionsClosed.WithLabelValues(metrics.ReasonStale).Inc()
	c.notifyClosed(ctx, existing)
	c.logger.Info("reaped stale session",
		zap.String("tutorialID", tutorialID),
		zap.String("chatID", existing.ChatID))
	return true
}

func (c *Coordinator) notifyOpened(ctx context.Context, session types.Session) {
	if c.opts.Observer == nil {
		return
	}
	if err := c.opts.Observer.SessionOpened(ctx, session); err != nil {
		c.logger.Warn("observer SessionOpened failed",
			zap.String("tutorialID", session.TutorialID), zap.Error(err))
	}
}

func (c *Coordinator) notifyClosed(ctx context.Context, session types.Session) {
	if c.opts.Observer == nil {
		return
	}
	if err := c.opts.Observer.SessionClosed(ctx, session); err != nil {
		c.logger.Warn("observer SessionClosed failed",
			zap.String("tutorialID", session.TutorialID), zap.Error(err))
	}
}

func (c *Coordinator) notifyJoined(ctx context.Context, session types.Session, userID string) {
	if c.opts.Observer == nil {
		return
	}
	if err := c.opts.Observer.ParticipantJoined(ctx, session, userID); err != nil {
		c.logger.Warn("observer ParticipantJoined failed",
			zap.String("tutorialID", session.TutorialID),
			zap.String("userID", userID), zap.Error(err))
	}
}

func (c *Coordinator) notifyLeft(ctx context.Context, session types.Session, userID string) {
	if c.opts.Observer == nil {
		return
	}
	if err := c.opts.Observer.ParticipantLeft(ctx, session, userID); err != nil {
		c.logger.Warn("observer ParticipantLeft failed",
			zap.String("tutorialID", session.TutorialID),
			zap.String("userID", userID), zap.Error(err))
	}
}
