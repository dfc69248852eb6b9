// Package relay is the in-memory fan-out for one live session. Each joined
// participant holds a buffered event channel; publishing delivers to every
// other participant, and closing the relay delivers one terminal closed event
// per participant before the channels are shut.
package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tutorchat/internal/metrics"
)

var (
	// ErrClosed signals an operation against a relay that has been torn down.
	ErrClosed = errors.New("relay is closed")

	// ErrRateLimited signals that a participant exceeded the per-minute
	// message budget. The message is dropped; the participant stays joined.
	ErrRateLimited = errors.New("message rate limit exceeded")
)

// Event buffer per participant. A slow reader loses events rather than
// stalling the whole room.
const participantBuffer = 64

type EventType string

const (
	EventMessage EventType = "message"
	EventJoined  EventType = "joined"
	EventLeft    EventType = "left"
	EventClosed  EventType = "closed"
)

// Event is one item on a participant's inbound stream. A stream carries any
// number of message/joined/left events and ends with exactly one closed event.
type Event struct {
	Type      EventType `json:"type"`
	From      string    `json:"from,omitempty"`
	Body      string    `json:"body,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Participant is the handle returned by joining a relay. Events arrive on
// Events; the channel is closed after the terminal closed event (or after the
// participant leaves).
type Participant struct {
	id         string
	userID     string
	tutorialID string

	// sendMu serializes writers to events so the buffer accounting below
	// holds and nothing can write after the channel is closed.
	sendMu sync.Mutex
	closed bool
	events chan Event
}

func (p *Participant) ID() string           { return p.id }
func (p *Participant) UserID() string       { return p.userID }
func (p *Participant) TutorialID() string   { return p.tutorialID }
func (p *Participant) Events() <-chan Event { return p.events }

// deliver pushes an event without blocking the room. A full buffer drops the
// event; regular events never use the last buffer slot, which is reserved so
// the terminal closed event reaches every handle even behind a slow reader.
func (p *Participant) deliver(ev Event) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed || len(p.events) >= participantBuffer {
		metrics.MessagesDropped.Inc()
		return
	}
	p.events <- ev
}

func (p *Participant) shutdown(ev *Event) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if ev != nil {
		p.events <- *ev // the reserved slot, cannot block
	}
	close(p.events)
}

// Relay fans messages out to the participants of one session.
type Relay struct {
	tutorialID string
	logger     *zap.Logger
	limiter    *rateLimiter

	mu           sync.RWMutex
	participants map[string]*Participant
	closed       bool
}

// New creates the relay for a session. messagesPerMinute bounds each
// participant's send rate; zero disables the limit.
func New(tutorialID string, messagesPerMinute int, logger *zap.Logger) *Relay {
	return &Relay{
		tutorialID:   tutorialID,
		logger:       logger,
		limiter:      newRateLimiter(messagesPerMinute),
		participants: make(map[string]*Participant),
	}
}

// Join registers a participant and announces the arrival to everyone else.
// The same user may hold several handles at once (reconnect races leave the
// old handle draining until its transport notices).
func (r *Relay) Join(userID string) (*Participant, error) {
	p := &Participant{
		id:         uuid.New().String(),
		userID:     userID,
		tutorialID: r.tutorialID,
		events:     make(chan Event, participantBuffer+1),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.participants[p.id] = p
	others := r.snapshotExcept(p.id)
	r.mu.Unlock()

	metrics.ConnectedParticipants.Inc()
	ev := Event{Type: EventJoined, From: userID, Timestamp: time.Now().UTC()}
	for _, other := range others {
		other.deliver(ev)
	}
	return p, nil
}

// Leave removes the participant, closes its event channel and announces the
// departure. It reports whether the participant was still joined; after a
// relay close or a duplicate leave it is a no-op returning false.
func (r *Relay) Leave(p *Participant) bool {
	r.mu.Lock()
	if _, ok := r.participants[p.id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.participants, p.id)
	closed := r.closed
	others := r.snapshotExcept(p.id)
	r.mu.Unlock()

	metrics.ConnectedParticipants.Dec()
	p.shutdown(nil)
	if closed {
		return true
	}
	ev := Event{Type: EventLeft, From: p.userID, Timestamp: time.Now().UTC()}
	for _, other := range others {
		other.deliver(ev)
	}
	return true
}

// Publish delivers body to every participant except the sender.
func (r *Relay) Publish(sender *Participant, body string) error {
	if !r.limiter.allow(sender.userID) {
		return ErrRateLimited
	}

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return ErrClosed
	}
	if _, ok := r.participants[sender.id]; !ok {
		r.mu.RUnlock()
		return ErrClosed
	}
	others := r.snapshotExcept(sender.id)
	r.mu.RUnlock()

	ev := Event{Type: EventMessage, From: sender.userID, Body: body, Timestamp: time.Now().UTC()}
	for _, other := range others {
		other.deliver(ev)
	}
	metrics.MessagesRelayed.Inc()
	return nil
}

// Close tears the relay down: every participant receives a terminal closed
// event and its channel is shut. Idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	remaining := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		remaining = append(remaining, p)
	}
	r.participants = make(map[string]*Participant)
	r.mu.Unlock()

	ev := Event{Type: EventClosed, Timestamp: time.Now().UTC()}
	for _, p := range remaining {
		p.shutdown(&ev)
		metrics.ConnectedParticipants.Dec()
	}
	r.logger.Info("relay closed",
		zap.String("tutorialID", r.tutorialID),
		zap.Int("participants", len(remaining)))
}

// Present reports whether the user still holds at least one handle. Used to
// tell a reconnect overlap from a real departure.
func (r *Relay) Present(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.participants {
		if p.userID == userID {
			return true
		}
	}
	return false
}

// Len reports the current participant count.
func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// snapshotExcept copies the participant set minus one id. Callers hold r.mu.
func (r *Relay) snapshotExcept(id string) []*Participant {
	others := make([]*Participant, 0, len(r.participants))
	for pid, p := range r.participants {
		if pid != id {
			others = append(others, p)
		}
	}
	return others
}
