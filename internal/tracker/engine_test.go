package tracker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"opsline/internal/audit"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/materialize"
	"opsline/internal/migrate"
	"opsline/internal/repo"
	"opsline/internal/tracker"
)

type testEnv struct {
	Repo repo.Repo
	Eng  tracker.Engine
	Ctx  context.Context
	Now  time.Time
}

func newTestEnv(t *testing.T) *testEnv {
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
	eng := tracker.New(r, w, mat, nil, time.UTC, nil)
	eng.Now = func() time.Time { return now }
	env := &testEnv{Repo: r, Eng: eng, Ctx: context.Background(), Now: now}
	seedTemplate(t, env)
	return env
}

func seedTemplate(t *testing.T, env *testEnv) {
	t.Helper()
	ts := env.Now.Format(time.RFC3339)
	if err := env.Repo.InsertTemplate(env.Ctx, domain.TaskTemplate{
		ID: "eod", Name: "End of day", Period: domain.PeriodDaily,
		EffectiveFrom: "2024-01-01", Active: true, Owner: "Jane Doe",
		CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("template: %v", err)
	}
	if err := env.Repo.InsertSubtask(env.Ctx, domain.SubtaskTemplate{
		ID: "eod-1", TaskID: "eod", Name: "Reconcile", ScheduledAt: "06:00", SLAHours: 1,
	}); err != nil {
		t.Fatalf("subtask: %v", err)
	}
}

func TestManualLifecycle(t *testing.T) {
	env := newTestEnv(t)

	// No tracker rows exist yet; addressing by template identity materializes
	// today's instance before transitioning it.
	got, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TaskID: "eod", SubtaskID: "eod-1", Status: domain.StatusInProgress, ActorID: "jane",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got.Status != domain.StatusInProgress || got.StartedAt == nil {
		t.Fatalf("after start: %+v", got)
	}
	if got.RunDate != "2024-06-03" {
		t.Fatalf("run date: %s", got.RunDate)
	}

	got, err = env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TrackerID: got.ID, Status: domain.StatusCompleted, ActorID: "jane",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != domain.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("after complete: %+v", got)
	}

	// Completed is terminal for manual actions.
	if _, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TrackerID: got.ID, Status: domain.StatusInProgress, ActorID: "jane",
	}); err == nil {
		t.Fatal("expected transition error from completed")
	}
}

func TestDelayRequiresReason(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TaskID: "eod", SubtaskID: "eod-1", Status: domain.StatusDelayed, ActorID: "jane",
	}); err == nil {
		t.Fatal("expected reason required error")
	}
	got, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TaskID: "eod", SubtaskID: "eod-1", Status: domain.StatusDelayed,
		Reason: "vendor outage", ActorID: "jane",
	})
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	if got.DelayReason == nil || *got.DelayReason != "vendor outage" {
		t.Fatalf("reason: %+v", got)
	}
}

func TestOverdueCanBeCompletedManually(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TaskID: "eod", SubtaskID: "eod-1", Status: domain.StatusInProgress, ActorID: "jane",
	})
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	// Force the row to overdue as the evaluator would.
	ts := env.Now.Format(time.RFC3339)
	if _, err := env.Repo.TransitionTracker(env.Ctx, first.ID, domain.StatusOverdue, []string{domain.StatusInProgress}, nil, ts); err != nil {
		t.Fatalf("force overdue: %v", err)
	}

	got, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TrackerID: first.ID, Status: domain.StatusCompleted, ActorID: "jane",
	})
	if err != nil {
		t.Fatalf("complete overdue: %v", err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("status: %s", got.Status)
	}
}

func TestOffDayUpdateDoesNotMaterialize(t *testing.T) {
	env := newTestEnv(t)
	ts := env.Now.Format(time.RFC3339)
	// Anchored to Tuesday 2024-05-07; env.Now is Monday 2024-06-03.
	if err := env.Repo.InsertTemplate(env.Ctx, domain.TaskTemplate{
		ID: "weekly", Name: "Weekly review", Period: domain.PeriodWeekly,
		EffectiveFrom: "2024-05-07", Active: true, Owner: "Jane Doe",
		CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("template: %v", err)
	}
	if err := env.Repo.InsertSubtask(env.Ctx, domain.SubtaskTemplate{
		ID: "weekly-1", TaskID: "weekly", Name: "Review", ScheduledAt: "06:00",
	}); err != nil {
		t.Fatalf("subtask: %v", err)
	}

	_, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TaskID: "weekly", SubtaskID: "weekly-1", Status: domain.StatusInProgress, ActorID: "jane",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on an off-day, got %v", err)
	}
	items, err := env.Repo.ListTrackers(env.Ctx, repo.TrackerFilters{TaskID: "weekly"})
	if err != nil || len(items) != 0 {
		t.Fatalf("phantom trackers: %d err=%v", len(items), err)
	}
}

func TestUpdateWritesAudit(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TaskID: "eod", SubtaskID: "eod-1", Status: domain.StatusInProgress, ActorID: "jane",
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	entries, err := env.Repo.ListAudit(env.Ctx, repo.AuditFilters{Action: "tracker.in_progress"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("audit: %d err=%v", len(entries), err)
	}
	if entries[0].Actor != "jane" {
		t.Fatalf("actor: %s", entries[0].Actor)
	}
}

func TestActorRequired(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Eng.UpdateStatus(env.Ctx, tracker.UpdateOptions{
		TaskID: "eod", SubtaskID: "eod-1", Status: domain.StatusInProgress,
	}); err == nil {
		t.Fatal("expected actor required error")
	}
}
