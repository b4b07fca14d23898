package materialize_test

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
)

type testEnv struct {
	Repo repo.Repo
	Mat  materialize.Materializer
	Ctx  context.Context
	Now  time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 6, 3, 5, 30, 0, 0, time.UTC) // a Monday
	r := repo.Repo{DB: conn}
	w := audit.Writer{DB: conn, Now: func() time.Time { return now }}
	mat := materialize.New(r, w, time.UTC, nil)
	mat.Now = func() time.Time { return now }
	return testEnv{Repo: r, Mat: mat, Ctx: context.Background(), Now: now}
}

func seedTemplate(t *testing.T, env testEnv, id, period, effectiveFrom string, subtasks int) domain.TaskTemplate {
	t.Helper()
	ts := env.Now.Format(time.RFC3339)
	tpl := domain.TaskTemplate{
		ID: id, Name: "Task " + id, Period: period, EffectiveFrom: effectiveFrom,
		Active: true, Owner: "Jane Doe",
		ReportingManagers:  []string{"Alice Smith"},
		EscalationManagers: []string{"Bob Jones"},
		CreatedAt:          ts, UpdatedAt: ts,
	}
	if err := env.Repo.InsertTemplate(env.Ctx, tpl); err != nil {
		t.Fatalf("insert template: %v", err)
	}
	for i := 0; i < subtasks; i++ {
		if err := env.Repo.InsertSubtask(env.Ctx, domain.SubtaskTemplate{
			ID:          id + "-" + string(rune('a'+i)),
			TaskID:      id,
			Name:        "Step " + string(rune('A'+i)),
			Position:    i,
			ScheduledAt: "06:00",
			SLAHours:    1,
		}); err != nil {
			t.Fatalf("insert subtask: %v", err)
		}
	}
	return tpl
}

func TestEnsureForDateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env, "eod", domain.PeriodDaily, "2024-01-01", 3)

	created, err := env.Mat.EnsureForDate(env.Ctx, env.Now)
	if err != nil || created != 3 {
		t.Fatalf("first pass: created=%d err=%v", created, err)
	}
	created, err = env.Mat.EnsureForDate(env.Ctx, env.Now)
	if err != nil || created != 0 {
		t.Fatalf("second pass must be a no-op: created=%d err=%v", created, err)
	}
	items, err := env.Repo.ListTrackers(env.Ctx, repo.TrackerFilters{RunDate: "2024-06-03"})
	if err != nil || len(items) != 3 {
		t.Fatalf("trackers: %d err=%v", len(items), err)
	}
	for _, tr := range items {
		if tr.Status != domain.StatusPending {
			t.Errorf("tracker %d status = %s", tr.ID, tr.Status)
		}
		if tr.Owner != "Jane Doe" || len(tr.ReportingManagers) != 1 || len(tr.EscalationManagers) != 1 {
			t.Errorf("snapshot not carried: %+v", tr)
		}
	}
}

func TestEnsureForDateSkipsFutureEffectiveFrom(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env, "later", domain.PeriodDaily, "2024-07-01", 1)

	created, err := env.Mat.EnsureForDate(env.Ctx, env.Now)
	if err != nil || created != 0 {
		t.Fatalf("future template materialized: created=%d err=%v", created, err)
	}
}

func TestWeeklyRunsOnAnchorWeekday(t *testing.T) {
	env := newTestEnv(t)
	// 2024-05-06 is a Monday, same weekday as env.Now.
	seedTemplate(t, env, "weekly", domain.PeriodWeekly, "2024-05-06", 1)

	created, err := env.Mat.EnsureForDate(env.Ctx, env.Now) // Monday
	if err != nil || created != 1 {
		t.Fatalf("anchor weekday: created=%d err=%v", created, err)
	}
	created, err = env.Mat.EnsureForDate(env.Ctx, env.Now.AddDate(0, 0, 1)) // Tuesday
	if err != nil || created != 0 {
		t.Fatalf("off weekday: created=%d err=%v", created, err)
	}
}

func TestEnsureTaskRejectsOffDay(t *testing.T) {
	env := newTestEnv(t)
	// Anchored to Tuesday 2024-05-07; env.Now is a Monday.
	tpl := seedTemplate(t, env, "weekly", domain.PeriodWeekly, "2024-05-07", 1)

	created, err := env.Mat.EnsureTask(env.Ctx, tpl, env.Now)
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("off-day materialization: created=%d err=%v", created, err)
	}
	items, err := env.Repo.ListTrackers(env.Ctx, repo.TrackerFilters{TaskID: "weekly"})
	if err != nil || len(items) != 0 {
		t.Fatalf("phantom trackers: %d err=%v", len(items), err)
	}
}

func TestMonthlyClampsToShortMonths(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env, "monthly", domain.PeriodMonthly, "2024-01-31", 1)

	// April has 30 days; the day-31 anchor clamps to the 30th.
	created, err := env.Mat.EnsureForDate(env.Ctx, time.Date(2024, 4, 30, 5, 0, 0, 0, time.UTC))
	if err != nil || created != 1 {
		t.Fatalf("clamped day: created=%d err=%v", created, err)
	}
	created, err = env.Mat.EnsureForDate(env.Ctx, time.Date(2024, 5, 30, 5, 0, 0, 0, time.UTC))
	if err != nil || created != 0 {
		t.Fatalf("may 30 is not the anchor: created=%d err=%v", created, err)
	}
	created, err = env.Mat.EnsureForDate(env.Ctx, time.Date(2024, 5, 31, 5, 0, 0, 0, time.UTC))
	if err != nil || created != 1 {
		t.Fatalf("may 31: created=%d err=%v", created, err)
	}
}

func TestRolloverCreatesTomorrowAfterCompletion(t *testing.T) {
	env := newTestEnv(t)
	seedTemplate(t, env, "eod", domain.PeriodDaily, "2024-01-01", 2)
	if _, err := env.Mat.EnsureForDate(env.Ctx, env.Now); err != nil {
		t.Fatalf("materialize: %v", err)
	}

	// Not yet complete: rollover is a no-op.
	created, err := env.Mat.Rollover(env.Ctx, env.Now)
	if err != nil || created != 0 {
		t.Fatalf("incomplete rollover: created=%d err=%v", created, err)
	}

	items, _ := env.Repo.ListTrackers(env.Ctx, repo.TrackerFilters{RunDate: "2024-06-03"})
	ts := env.Now.Format(time.RFC3339)
	for _, tr := range items {
		if _, err := env.Repo.TransitionTracker(env.Ctx, tr.ID, domain.StatusInProgress, []string{domain.StatusPending}, nil, ts); err != nil {
			t.Fatalf("start: %v", err)
		}
		if _, err := env.Repo.TransitionTracker(env.Ctx, tr.ID, domain.StatusCompleted, []string{domain.StatusInProgress}, nil, ts); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}

	created, err = env.Mat.Rollover(env.Ctx, env.Now)
	if err != nil || created != 2 {
		t.Fatalf("rollover: created=%d err=%v", created, err)
	}
	tomorrow, err := env.Repo.ListTrackers(env.Ctx, repo.TrackerFilters{RunDate: "2024-06-04"})
	if err != nil || len(tomorrow) != 2 {
		t.Fatalf("tomorrow's trackers: %d err=%v", len(tomorrow), err)
	}
	for _, tr := range tomorrow {
		if tr.Status != domain.StatusPending {
			t.Errorf("rolled tracker status = %s", tr.Status)
		}
	}
}
