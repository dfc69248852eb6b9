// Package api exposes the session admission API over HTTP and the message
// channel over WebSocket. It contains no session logic: handlers translate
// between transport and the coordinator, and JWT middleware establishes who
// the caller is before the coordinator decides what they may do.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tutorchat/internal/attendance"
	"tutorchat/internal/auth"
	"tutorchat/internal/config"
	"tutorchat/internal/coordinator"
	"tutorchat/internal/directory"
	"tutorchat/pkg/types"
)

type Server struct {
	coord    *coordinator.Coordinator
	recorder *attendance.Recorder
	dir      directory.Directory
	cfg      config.Config
	logger   *zap.Logger
}

// NewServer wires the handlers. recorder may be nil, which disables the
// attendance report endpoint.
func NewServer(coord *coordinator.Coordinator, recorder *attendance.Recorder, dir directory.Directory, cfg config.Config, logger *zap.Logger) *Server {
	return &Server{
		coord:    coord,
		recorder: recorder,
		dir:      dir,
		cfg:      cfg,
		logger:   logger,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/", s.handleOpenSession)
		r.Get("/", s.handleListSessions)
		r.Get("/{tutorialID}", s.handleGetSession)
		r.Delete("/{tutorialID}", s.handleCloseSession)
		r.Get("/{tutorialID}/ws", s.handleJoinSession)
		r.Get("/{tutorialID}/attendance", s.handleAttendance)
	})

	return r
}

// Auth

type userKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), userKey{}, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken pulls the token from the Authorization header, or from the
// access_token query parameter for WebSocket dials, where browsers cannot set
// headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func userFromContext(ctx context.Context) string {
	userID, _ := ctx.Value(userKey{}).(string)
	return userID
}

// Handlers

type openSessionRequest struct {
	TutorialID      string `json:"tutorial_id"`
	DurationMinutes int    `json:"duration_minutes"`
}

type sessionResponse struct {
	Session      types.Session `json:"session"`
	Participants int           `json:"participants"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.TutorialID == "" {
		writeError(w, http.StatusBadRequest, "missing_tutorial_id")
		return
	}

	session, err := s.coord.Open(r.Context(), userFromContext(r.Context()), req.TutorialID, req.DurationMinutes)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Session: session})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.coord.List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, participants, err := s.coord.Get(r.Context(), chi.URLParam(r, "tutorialID"))
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Session: session, Participants: participants})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	err := s.coord.Close(r.Context(), userFromContext(r.Context()), chi.URLParam(r, "tutorialID"))
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

// handleAttendance serves the report for the latest chat session of a
// tutorial, or for an explicit chat_session_id query parameter. Attendance
// rows outlive the session, so the report stays readable after close or
// expiry; authorization therefore goes through the directory rather than the
// live session.
func (s *Server) handleAttendance(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		writeError(w, http.StatusNotFound, "attendance_disabled")
		return
	}

	tutorialID := chi.URLParam(r, "tutorialID")
	userID := userFromContext(r.Context())
	role, err := s.dir.RoleOf(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusForbidden, "unauthorized")
		return
	}
	switch role {
	case types.RoleAdmin:
	case types.RoleTutor:
		assigned, err := s.dir.IsAssigned(r.Context(), userID, tutorialID)
		if err != nil || !assigned {
			writeError(w, http.StatusForbidden, "unauthorized")
			return
		}
	default:
		writeError(w, http.StatusForbidden, "unauthorized")
		return
	}

	chatID := r.URL.Query().Get("chat_session_id")
	if chatID == "" {
		chatID, err = s.recorder.LatestChatID(r.Context(), tutorialID)
		if errors.Is(err, attendance.ErrNoRecords) {
			writeError(w, http.StatusNotFound, "no_attendance")
			return
		}
		if err != nil {
			s.logger.Error("attendance lookup failed", zap.String("tutorialID", tutorialID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error")
			return
		}
	}

	records, err := s.recorder.Report(r.Context(), chatID)
	if err != nil {
		s.logger.Error("attendance report failed", zap.String("tutorialID", tutorialID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat_session_id": chatID, "records": records})
}

// Responses

func (s *Server) writeCoordinatorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, coordinator.ErrUnauthorized):
		writeError(w, http.StatusForbidden, "unauthorized")
	case errors.Is(err, coordinator.ErrUnknownTutorial):
		writeError(w, http.StatusNotFound, "unknown_tutorial")
	case errors.Is(err, coordinator.ErrSessionConflict):
		writeError(w, http.StatusConflict, "session_conflict")
	case errors.Is(err, coordinator.ErrNoActiveSession), errors.Is(err, coordinator.ErrNotActive):
		writeError(w, http.StatusNotFound, "no_active_session")
	case errors.Is(err, coordinator.ErrInvalidDuration):
		writeError(w, http.StatusBadRequest, "invalid_duration")
	default:
		s.logger.Error("coordinator call failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
