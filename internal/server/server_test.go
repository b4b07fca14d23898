package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"opsline/internal/audit"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/materialize"
	"opsline/internal/migrate"
	"opsline/internal/repo"
	"opsline/internal/server"
	"opsline/internal/tracker"
)

const testJWTSecret = "test-secret"

func newTestServer(t *testing.T) (http.Handler, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 6, 3, 6, 20, 0, 0, time.UTC)
	r := repo.Repo{DB: conn}
	w := audit.Writer{DB: conn, Now: func() time.Time { return now }}
	mat := materialize.New(r, w, time.UTC, nil)
	mat.Now = func() time.Time { return now }
	trk := tracker.New(r, w, mat, nil, time.UTC, nil)
	trk.Now = func() time.Time { return now }
	handler, err := server.New(server.Config{
		Repo:    r,
		Tracker: trk,
		Auth: server.AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return handler, r
}

func seedTemplate(t *testing.T, r repo.Repo) {
	t.Helper()
	ctx := context.Background()
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertTemplate(ctx, domain.TaskTemplate{
		ID: "eod", Name: "End of day", Period: domain.PeriodDaily,
		EffectiveFrom: "2024-01-01", Active: true, Owner: "Jane Doe",
		CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("template: %v", err)
	}
	if err := r.InsertSubtask(context.Background(), domain.SubtaskTemplate{
		ID: "eod-1", TaskID: "eod", Name: "Reconcile", ScheduledAt: "06:00", SLAHours: 1,
	}); err != nil {
		t.Fatalf("subtask: %v", err)
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	handler, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestsWithoutCredentialsAreRejected(t *testing.T) {
	handler, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v0/trackers", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestJWTAuthentication(t *testing.T) {
	handler, _ := newTestServer(t)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject: "jane",
	}).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v0/trackers", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	handler, r := newTestServer(t)
	if err := r.InsertAPIKey(context.Background(), domain.APIKey{
		ID: "k1", ActorID: "jane", KeyHash: repo.HashAPIKey("ci-key"),
	}); err != nil {
		t.Fatalf("insert key: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/v0/trackers", nil)
	req.Header.Set("X-Api-Key", "ci-key")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestSubtaskStatusUpdateMaterializesLazily(t *testing.T) {
	handler, r := newTestServer(t)
	seedTemplate(t, r)

	body := strings.NewReader(`{"status":"in_progress"}`)
	req := httptest.NewRequest(http.MethodPost, "/v0/tasks/eod/subtasks/eod-1/status", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "jane")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var got domain.Tracker
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.RunDate != "2024-06-03" {
		t.Fatalf("tracker: %+v", got)
	}
}

func TestInvalidTransitionIsUnprocessable(t *testing.T) {
	handler, r := newTestServer(t)
	seedTemplate(t, r)

	do := func(status string) *httptest.ResponseRecorder {
		body := strings.NewReader(`{"status":"` + status + `"}`)
		req := httptest.NewRequest(http.MethodPost, "/v0/tasks/eod/subtasks/eod-1/status", body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Actor-Id", "jane")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}
	if rec := do("completed"); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("pending->completed status = %d body = %s", rec.Code, rec.Body.String())
	}
	if rec := do("in_progress"); rec.Code != http.StatusOK {
		t.Fatalf("start status = %d", rec.Code)
	}
	if rec := do("completed"); rec.Code != http.StatusOK {
		t.Fatalf("complete status = %d", rec.Code)
	}
}

func TestDelayedWithoutReasonIsBadRequest(t *testing.T) {
	handler, r := newTestServer(t)
	seedTemplate(t, r)

	body := strings.NewReader(`{"status":"delayed"}`)
	req := httptest.NewRequest(http.MethodPost, "/v0/tasks/eod/subtasks/eod-1/status", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "jane")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}
