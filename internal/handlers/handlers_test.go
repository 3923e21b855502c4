package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"agentworks/internal/hub"
	"agentworks/internal/maintenance"
	"agentworks/internal/reservation"
	"agentworks/pkg/auth"
	"agentworks/pkg/models"
)

var testSecret = []byte("test-secret")

type testEnv struct {
	router      *gin.Engine
	mock        sqlmock.Sqlmock
	hub         *hub.Hub
	coordinator *maintenance.Coordinator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := logrus.New()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	hb := hub.New(hub.Options{}, nil, nil, nil, logger)
	engine := reservation.NewEngine(reservation.NewStore(db), hb, logger)
	coordinator := maintenance.NewCoordinator(hb, logger)
	h := New(hb, engine, coordinator, testSecret, logger)

	router := gin.New()
	router.GET("/ws", h.HandleWebSocket)
	router.GET("/agents/:id/ws", h.HandleAgentWebSocket)
	router.GET("/ws/stats", h.HandleStats)

	api := router.Group("/", coordinator.Middleware())
	api.POST("/reservations", h.HandleAcquireReservation)
	api.DELETE("/reservations/:id", h.HandleReleaseReservation)
	api.GET("/reservations", h.HandleListReservations)
	api.GET("/reservations/conflicts", h.HandleListConflicts)
	api.POST("/reservations/conflicts/:id/resolve", h.HandleResolveConflict)

	admin := router.Group("/admin")
	admin.GET("/maintenance", h.HandleMaintenanceState)
	admin.POST("/maintenance/enter", h.HandleEnterMaintenance)
	admin.POST("/maintenance/drain", h.HandleStartDraining)
	admin.POST("/maintenance/exit", h.HandleExitMaintenance)

	router.NoRoute(h.HandleNotFound)
	return &testEnv{router: router, mock: mock, hub: hb, coordinator: coordinator}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	env := decodeEnvelope(t, rec)
	body, ok := env["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error envelope, got %q", rec.Body.String())
	}
	return body
}

func reservationColumns() []string {
	return []string{"id", "project_id", "agent_id", "patterns", "mode", "acquired_at", "expires_at", "status"}
}

func conflictColumns() []string {
	return []string{"conflict_id", "project_id", "requester", "holder", "overlapping_patterns", "status", "opened_at", "resolved_at", "resolved_by", "reason"}
}

func TestReservationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	now := time.Now()

	// First agent acquires src/** cleanly.
	env.mock.ExpectQuery("FROM reservations").
		WillReturnRows(sqlmock.NewRows(reservationColumns()))
	env.mock.ExpectExec("INSERT INTO reservations").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := env.do(t, http.MethodPost, "/reservations", gin.H{
		"projectId": "p1", "agentId": "agent-a", "patterns": []string{"src/**"},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("acquire status %d: %s", rec.Code, rec.Body.String())
	}
	env1 := decodeEnvelope(t, rec)
	if env1["object"] != "reservation" {
		t.Fatalf("wrong object: %v", env1["object"])
	}

	// Second agent overlaps and is refused with the conflict id.
	env.mock.ExpectQuery("FROM reservations").
		WillReturnRows(sqlmock.NewRows(reservationColumns()).
			AddRow("r1", "p1", "agent-a", `{"src/**"}`, models.ModeExclusive, now, now.Add(time.Hour), models.ReservationActive))
	env.mock.ExpectQuery("FROM reservation_conflicts").
		WillReturnRows(sqlmock.NewRows([]string{"conflict_id"}))
	env.mock.ExpectExec("INSERT INTO reservation_conflicts").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec = env.do(t, http.MethodPost, "/reservations", gin.H{
		"projectId": "p1", "agentId": "agent-b", "patterns": []string{"src/api/users.go"},
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("overlap status %d: %s", rec.Code, rec.Body.String())
	}
	body := errorBody(t, rec)
	if body["code"] != "CONFLICT" {
		t.Fatalf("wrong error code: %v", body["code"])
	}
	details := body["details"].(map[string]interface{})
	conflictID, _ := details["conflictId"].(string)
	if conflictID == "" {
		t.Fatalf("409 must carry the conflict id: %v", details)
	}
	if details["holder"] != "agent-a" {
		t.Fatalf("409 must name the holder: %v", details)
	}

	// The open conflict is listable.
	env.mock.ExpectQuery("FROM reservation_conflicts").
		WillReturnRows(sqlmock.NewRows(conflictColumns()).
			AddRow(conflictID, "p1", "agent-b", "agent-a", `{"src/api/users.go"}`, models.ConflictOpen, now, nil, "", ""))

	rec = env.do(t, http.MethodGet, "/reservations/conflicts?projectId=p1&status=open", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list conflicts status %d: %s", rec.Code, rec.Body.String())
	}
	list := decodeEnvelope(t, rec)["data"].([]interface{})
	if len(list) != 1 {
		t.Fatalf("expected one open conflict, got %d", len(list))
	}

	// Resolving transitions the conflict and returns the resolved record.
	env.mock.ExpectExec("UPDATE reservation_conflicts").
		WillReturnResult(sqlmock.NewResult(0, 1))
	env.mock.ExpectQuery("FROM reservation_conflicts").
		WillReturnRows(sqlmock.NewRows(conflictColumns()).
			AddRow(conflictID, "p1", "agent-b", "agent-a", `{"src/api/users.go"}`, models.ConflictResolved, now, now, "user-1", "merged"))

	rec = env.do(t, http.MethodPost, "/reservations/conflicts/"+conflictID+"/resolve", gin.H{
		"resolvedBy": "user-1", "reason": "merged",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status %d: %s", rec.Code, rec.Body.String())
	}
	resolved := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	if resolved["status"] != models.ConflictResolved || resolved["resolvedBy"] != "user-1" {
		t.Fatalf("bad resolved conflict: %v", resolved)
	}
}

func TestAcquireValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/reservations", gin.H{"mode": "sideways"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	body := errorBody(t, rec)
	if body["code"] != "INVALID_REQUEST" {
		t.Fatalf("wrong error code: %v", body["code"])
	}
	fields := body["details"].(map[string]interface{})["fields"].([]interface{})
	if len(fields) != 4 { // projectId, agentId, patterns, mode
		t.Fatalf("expected 4 field errors, got %v", fields)
	}
}

func TestReleaseUnknownReservation(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectQuery("FROM reservations").
		WillReturnRows(sqlmock.NewRows(reservationColumns()))

	rec := env.do(t, http.MethodDelete, "/reservations/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if body := errorBody(t, rec); body["code"] != "NOT_FOUND" {
		t.Fatalf("wrong error code: %v", body["code"])
	}
}

func TestListReservationsRequiresProject(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/reservations", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestListConflictsRejectsBadStatus(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/reservations/conflicts?projectId=p1&status=pending", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestResolveUnknownConflict(t *testing.T) {
	env := newTestEnv(t)

	env.mock.ExpectExec("UPDATE reservation_conflicts").
		WillReturnResult(sqlmock.NewResult(0, 0))
	env.mock.ExpectQuery("FROM reservation_conflicts").
		WillReturnRows(sqlmock.NewRows([]string{"conflict_id"}))

	rec := env.do(t, http.MethodPost, "/reservations/conflicts/nope/resolve", gin.H{"resolvedBy": "user-1"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if body := errorBody(t, rec); body["code"] != "CONFLICT_NOT_FOUND" {
		t.Fatalf("wrong error code: %v", body["code"])
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ws", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if body := errorBody(t, rec); body["code"] != "AUTH_REQUIRED" {
		t.Fatalf("wrong error code: %v", body["code"])
	}
}

func TestWebSocketRefusedDuringMaintenance(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/maintenance/enter", gin.H{"reason": "db migration", "updatedBy": "ops"})
	if rec.Code != http.StatusOK {
		t.Fatalf("enter status %d: %s", rec.Code, rec.Body.String())
	}

	token, err := auth.GenerateJWT("u1", []string{"w1"}, false, testSecret)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	rec = env.do(t, http.MethodGet, "/ws?token="+token, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ws during maintenance: %d", rec.Code)
	}

	// REST behind the lifecycle middleware is refused with a Retry-After hint.
	rec = env.do(t, http.MethodGet, "/reservations?projectId=p1", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("rest during maintenance: %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("503 must carry Retry-After")
	}

	// Exiting restores service; the empty project list round-trips as [].
	rec = env.do(t, http.MethodPost, "/admin/maintenance/exit", gin.H{"updatedBy": "ops"})
	if rec.Code != http.StatusOK {
		t.Fatalf("exit status %d: %s", rec.Code, rec.Body.String())
	}
	env.mock.ExpectQuery("FROM reservations").
		WillReturnRows(sqlmock.NewRows(reservationColumns()))
	rec = env.do(t, http.MethodGet, "/reservations?projectId=p1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("rest after exit: %d", rec.Code)
	}
	if list := decodeEnvelope(t, rec)["data"].([]interface{}); len(list) != 0 {
		t.Fatalf("expected empty list, got %v", list)
	}
}

func TestDrainRequiresDeadline(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/admin/maintenance/drain", gin.H{"reason": "rollout"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMaintenanceStateEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/admin/maintenance", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	state := data["state"].(map[string]interface{})
	if state["mode"] != models.ModeRunning {
		t.Fatalf("expected running mode, got %v", state["mode"])
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/ws/stats", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	data := decodeEnvelope(t, rec)["data"].(map[string]interface{})
	if _, ok := data["connections"]; !ok {
		t.Fatalf("stats missing connections: %v", data)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
	if body := errorBody(t, rec); body["code"] != "NOT_FOUND" {
		t.Fatalf("wrong error code: %v", body["code"])
	}
}
