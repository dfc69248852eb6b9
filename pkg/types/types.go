package types

import (
	"time"
)

// Role is a user's role as recorded in the directory. Roles are assigned
// externally and are read-only to the coordinator.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStudent, RoleTutor:
		return true
	}
	return false
}

// User is the directory's view of a user. The credential hash never crosses
// into this service; only identity, display name and role are read.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// Tutorial is a course group users are assigned to.
type Tutorial struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session is one live chat for a tutorial. TutorialID is the uniqueness key:
// at most one session may exist per tutorial at any time. ChatID identifies
// this particular opening of the room, so a reopened tutorial gets a fresh
// ChatID while keeping the same TutorialID.
type Session struct {
	TutorialID      string    `json:"tutorial_id"`
	TutorID         string    `json:"tutor_id"`
	ChatID          string    `json:"chat_session_id"`
	StartTime       time.Time `json:"start_time"`
	DurationMinutes int       `json:"duration_minutes"`
}

// ExpiresAt derives the session deadline from start time and duration.
func (s Session) ExpiresAt() time.Time {
	return s.StartTime.Add(time.Duration(s.DurationMinutes) * time.Minute)
}

// Expired reports whether the session deadline has passed at the given instant.
func (s Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}
