package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"tutorchat/internal/attendance"
	"tutorchat/internal/auth"
	"tutorchat/internal/config"
	"tutorchat/internal/coordinator"
	"tutorchat/internal/directory"
	"tutorchat/internal/registry"
	"tutorchat/internal/relay"
	"tutorchat/pkg/types"
)

const (
	testSecret = "test-secret"
	testIssuer = "tutorchat-test"
)

type testEnv struct {
	server   *httptest.Server
	tokens   map[string]string
	recorder *attendance.Recorder
}

// newTestEnv stands up the full HTTP surface against in-memory backends, with
// tutor 9876 and student 8989 assigned to tutorial 765, outsider 789 and
// admin 42. attendanceDB may be empty to run without the recorder.
func newTestEnv(t *testing.T, attendanceDB string) *testEnv {
	t.Helper()

	dir := directory.NewMemory()
	dir.AddUser(types.User{ID: "9876", Name: "Tara Tutor", Role: types.RoleTutor})
	dir.AddUser(types.User{ID: "8989", Name: "Sam Student", Role: types.RoleStudent})
	dir.AddUser(types.User{ID: "789", Name: "Olive Outsider", Role: types.RoleStudent})
	dir.AddUser(types.User{ID: "42", Name: "Ada Admin", Role: types.RoleAdmin})
	dir.AddTutorial(types.Tutorial{ID: "765", Name: "Networks"})
	dir.Assign("9876", "765")
	dir.Assign("8989", "765")

	cfg := config.Config{
		JWTSecret:         testSecret,
		JWTIssuer:         testIssuer,
		MaxSessionMinutes: 240,
		MessagesPerMinute: 100,
		WSWriteTimeout:    2 * time.Second,
		WSPongTimeout:     30 * time.Second,
	}

	logger := zap.NewNop()
	var recorder *attendance.Recorder
	if attendanceDB != "" {
		db, err := sql.Open("sqlite3", "file:"+attendanceDB+"?mode=memory&cache=shared")
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		db.SetMaxOpenConns(1)
		t.Cleanup(func() { _ = db.Close() })
		recorder, err = attendance.NewRecorder(db, dir, logger)
		if err != nil {
			t.Fatalf("new recorder: %v", err)
		}
	}

	coord := coordinator.New(dir, registry.NewMemory(), logger, coordinator.Options{
		Observer:          observerOrNil(recorder),
		MessagesPerMinute: cfg.MessagesPerMinute,
		MaxSessionMinutes: cfg.MaxSessionMinutes,
	})

	ts := httptest.NewServer(NewServer(coord, recorder, dir, cfg, logger).Router())
	t.Cleanup(func() {
		ts.Close()
		coord.Shutdown()
	})

	tokens := make(map[string]string)
	for _, userID := range []string{"9876", "8989", "789", "42"} {
		token, err := auth.NewToken(testSecret, testIssuer, userID, time.Hour)
		if err != nil {
			t.Fatalf("mint token: %v", err)
		}
		tokens[userID] = token
	}

	return &testEnv{server: ts, tokens: tokens, recorder: recorder}
}

// observerOrNil avoids handing the coordinator a typed nil Observer.
func observerOrNil(r *attendance.Recorder) coordinator.Observer {
	if r == nil {
		return nil
	}
	return r
}

func (e *testEnv) request(t *testing.T, method, path, userID string, body any) *http.Response {
	t.Helper()
	payload := bytes.NewBuffer(nil)
	if body != nil {
		if err := json.NewEncoder(payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, payload)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[userID])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *testEnv) dialWS(t *testing.T, tutorialID, userID string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") +
		"/api/sessions/" + tutorialID + "/ws?access_token=" + e.tokens[userID]
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"]
}

// readEvent reads frames until one of the wanted type arrives, skipping
// joined/left chatter.
func readEvent(t *testing.T, conn *websocket.Conn, want relay.EventType) relay.Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev relay.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("reading for %q event: %v", want, err)
		}
		if ev.Type == want {
			return ev
		}
	}
}

func openSession(t *testing.T, env *testEnv, tutorialID string, minutes int) types.Session {
	t.Helper()
	resp := env.request(t, http.MethodPost, "/api/sessions", "9876",
		map[string]any{"tutorial_id": tutorialID, "duration_minutes": minutes})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("open session: status = %d", resp.StatusCode)
	}
	var body struct {
		Session types.Session `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return body.Session
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.request(t, http.MethodGet, "/api/sessions", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, env.server.URL+"/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("garbage token: status = %d, want 401", resp2.StatusCode)
	}
}

func TestSessionLifecycleHTTP(t *testing.T) {
	env := newTestEnv(t, "")

	session := openSession(t, env, "765", 30)
	if session.TutorialID != "765" || session.TutorID != "9876" || session.ChatID == "" {
		t.Errorf("unexpected session: %+v", session)
	}

	// A second open while active conflicts.
	resp := env.request(t, http.MethodPost, "/api/sessions", "9876",
		map[string]any{"tutorial_id": "765", "duration_minutes": 30})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second open: status = %d, want 409", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "session_conflict" {
		t.Errorf("second open: error = %q, want session_conflict", code)
	}

	// Students cannot open.
	resp = env.request(t, http.MethodPost, "/api/sessions", "8989",
		map[string]any{"tutorial_id": "765", "duration_minutes": 30})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("student open: status = %d, want 403", resp.StatusCode)
	}

	// Opening a tutorial the tutor is not assigned to is denied.
	resp = env.request(t, http.MethodPost, "/api/sessions", "9876",
		map[string]any{"tutorial_id": "999", "duration_minutes": 30})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("unassigned tutorial open: status = %d, want 403", resp.StatusCode)
	}

	// Invalid duration.
	resp = env.request(t, http.MethodPost, "/api/sessions", "9876",
		map[string]any{"tutorial_id": "765", "duration_minutes": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("zero duration open: status = %d, want 400", resp.StatusCode)
	}

	// The session shows up in get and list.
	resp = env.request(t, http.MethodGet, "/api/sessions/765", "8989", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get session: status = %d, want 200", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, "/api/sessions", "8989", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("list sessions: status = %d, want 200", resp.StatusCode)
	}
	var list struct {
		Sessions []coordinator.SessionStatus `json:"sessions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Sessions) != 1 || list.Sessions[0].Session.TutorialID != "765" {
		t.Errorf("list = %+v, want one session for 765", list.Sessions)
	}

	// Students cannot close; the tutor can; a second close is a 404.
	resp = env.request(t, http.MethodDelete, "/api/sessions/765", "8989", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("student close: status = %d, want 403", resp.StatusCode)
	}
	resp = env.request(t, http.MethodDelete, "/api/sessions/765", "9876", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("tutor close: status = %d, want 200", resp.StatusCode)
	}
	resp = env.request(t, http.MethodDelete, "/api/sessions/765", "9876", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second close: status = %d, want 404", resp.StatusCode)
	}
	resp = env.request(t, http.MethodGet, "/api/sessions/765", "8989", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after close: status = %d, want 404", resp.StatusCode)
	}
}

func TestWebSocketChat(t *testing.T) {
	env := newTestEnv(t, "")
	openSession(t, env, "765", 30)

	student, _, err := env.dialWS(t, "765", "8989")
	if err != nil {
		t.Fatalf("student dial: %v", err)
	}
	tutor, _, err := env.dialWS(t, "765", "9876")
	if err != nil {
		t.Fatalf("tutor dial: %v", err)
	}

	// Non-assigned users are rejected at the handshake with a real status.
	_, resp, err := env.dialWS(t, "765", "789")
	if err == nil {
		t.Fatal("outsider dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("outsider dial: status = %v, want 403", resp)
	}

	// A message fans out to the other participant but not back to the sender.
	if err := student.WriteJSON(map[string]string{"body": "anyone here?"}); err != nil {
		t.Fatalf("student write: %v", err)
	}
	ev := readEvent(t, tutor, relay.EventMessage)
	if ev.From != "8989" || ev.Body != "anyone here?" {
		t.Errorf("tutor received %+v, want message from 8989", ev)
	}

	if err := tutor.WriteJSON(map[string]string{"body": "hi sam"}); err != nil {
		t.Fatalf("tutor write: %v", err)
	}
	ev = readEvent(t, student, relay.EventMessage)
	if ev.From != "9876" || ev.Body != "hi sam" {
		t.Errorf("student received %+v, want message from 9876", ev)
	}

	// Closing the session delivers a terminal closed event on every socket.
	resp2 := env.request(t, http.MethodDelete, "/api/sessions/765", "9876", nil)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("close: status = %d", resp2.StatusCode)
	}
	for name, conn := range map[string]*websocket.Conn{"student": student, "tutor": tutor} {
		if ev := readEvent(t, conn, relay.EventClosed); ev.Type != relay.EventClosed {
			t.Errorf("%s socket missing closed event", name)
		}
	}
}

func TestWebSocketJoinWithoutSession(t *testing.T) {
	env := newTestEnv(t, "")

	_, resp, err := env.dialWS(t, "765", "8989")
	if err == nil {
		t.Fatal("dial without a session succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("dial without session: status = %v, want 404", resp)
	}
}

func TestAttendanceEndpoint(t *testing.T) {
	env := newTestEnv(t, "api_att")
	session := openSession(t, env, "765", 30)

	if _, _, err := env.dialWS(t, "765", "8989"); err != nil {
		t.Fatalf("student dial: %v", err)
	}

	// Students may not read the report.
	resp := env.request(t, http.MethodGet, "/api/sessions/765/attendance", "8989", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("student attendance: status = %d, want 403", resp.StatusCode)
	}

	// The session's tutor and admins may.
	for _, userID := range []string{"9876", "42"} {
		resp := env.request(t, http.MethodGet, "/api/sessions/765/attendance", userID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attendance as %s: status = %d, want 200", userID, resp.StatusCode)
		}
		var body struct {
			ChatID  string              `json:"chat_session_id"`
			Records []attendance.Record `json:"records"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode attendance: %v", err)
		}
		if body.ChatID != session.ChatID {
			t.Errorf("chat id = %q, want %q", body.ChatID, session.ChatID)
		}
		var sam *attendance.Record
		for i := range body.Records {
			if body.Records[i].StudentID == "8989" {
				sam = &body.Records[i]
			}
		}
		if sam == nil {
			t.Fatalf("no record for 8989 in %+v", body.Records)
		}
		if !sam.Present || sam.FirstJoinTime == nil {
			t.Errorf("student should be present with a join time: %+v", sam)
		}
	}
}

func TestAttendanceReadableAfterClose(t *testing.T) {
	env := newTestEnv(t, "api_att_closed")
	session := openSession(t, env, "765", 30)

	conn, _, err := env.dialWS(t, "765", "8989")
	if err != nil {
		t.Fatalf("student dial: %v", err)
	}
	_ = conn.Close()

	resp := env.request(t, http.MethodDelete, "/api/sessions/765", "9876", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("close: status = %d", resp.StatusCode)
	}

	// The report must survive the session it describes.
	resp = env.request(t, http.MethodGet, "/api/sessions/765/attendance", "9876", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("attendance after close: status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		ChatID  string              `json:"chat_session_id"`
		Records []attendance.Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode attendance: %v", err)
	}
	if body.ChatID != session.ChatID {
		t.Errorf("chat id = %q, want %q", body.ChatID, session.ChatID)
	}
	var found bool
	for _, rec := range body.Records {
		if rec.StudentID == "8989" {
			found = true
			if rec.Present {
				t.Errorf("student still present after close: %+v", rec)
			}
		}
	}
	if !found {
		t.Fatalf("no record for 8989 in %+v", body.Records)
	}

	// An explicit chat_session_id reaches the same rows.
	resp = env.request(t, http.MethodGet,
		"/api/sessions/765/attendance?chat_session_id="+session.ChatID, "9876", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("attendance by chat id: status = %d, want 200", resp.StatusCode)
	}

	// Students remain excluded after close too.
	resp = env.request(t, http.MethodGet, "/api/sessions/765/attendance", "8989", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("student attendance after close: status = %d, want 403", resp.StatusCode)
	}
}

func TestAttendanceWithoutAnySession(t *testing.T) {
	env := newTestEnv(t, "api_att_none")

	resp := env.request(t, http.MethodGet, "/api/sessions/765/attendance", "9876", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("attendance with no history: status = %d, want 404", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "no_attendance" {
		t.Errorf("error = %q, want no_attendance", code)
	}
}

func TestAttendanceDisabledWithoutRecorder(t *testing.T) {
	env := newTestEnv(t, "")
	openSession(t, env, "765", 30)

	resp := env.request(t, http.MethodGet, "/api/sessions/765/attendance", "9876", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("attendance without recorder: status = %d, want 404", resp.StatusCode)
	}
	if code := decodeError(t, resp); code != "attendance_disabled" {
		t.Errorf("error = %q, want attendance_disabled", code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, "")

	resp, err := http.Get(env.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d, want 200", resp.StatusCode)
	}

	resp2, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp2.Body.Close() }()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("metrics: status = %d, want 200", resp2.StatusCode)
	}
}
