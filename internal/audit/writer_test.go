package audit_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"opsline/internal/audit"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/migrate"
	"opsline/internal/repo"
)

func newWriter(t *testing.T) (audit.Writer, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 6, 3, 6, 0, 0, 0, time.UTC)
	return audit.Writer{DB: conn, Now: func() time.Time { return now }}, repo.Repo{DB: conn}
}

func TestAppend(t *testing.T) {
	w, r := newWriter(t)
	ctx := context.Background()
	ts := time.Now().UTC().Format(time.RFC3339)
	if err := r.InsertTemplate(ctx, domain.TaskTemplate{
		ID: "eod", Name: "End of day", Period: domain.PeriodDaily,
		EffectiveFrom: "2024-01-01", Active: true, CreatedAt: ts, UpdatedAt: ts,
	}); err != nil {
		t.Fatalf("template: %v", err)
	}
	if err := w.Append(ctx, "eod", "eod-1", "sla.overdue", "system", "missed start"); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := r.ListAudit(ctx, repo.AuditFilters{TaskID: "eod"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries: %d err=%v", len(entries), err)
	}
	if entries[0].TaskID == nil || *entries[0].TaskID != "eod" || entries[0].Action != "sla.overdue" {
		t.Fatalf("entry: %+v", entries[0])
	}
}

func TestAppendDegradesOnMissingTask(t *testing.T) {
	// The referenced template does not exist; the write must still land, with
	// a null task id and the original id preserved in the detail text.
	w, r := newWriter(t)
	ctx := context.Background()
	if err := w.Append(ctx, "ghost", "ghost-1", "alert.sent", "system", "bucket 0"); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := r.ListAudit(ctx, repo.AuditFilters{Action: "alert.sent"})
	if err != nil || len(entries) != 1 {
		t.Fatalf("entries: %d err=%v", len(entries), err)
	}
	e := entries[0]
	if e.TaskID != nil {
		t.Fatalf("task id should be null: %+v", e)
	}
	if !strings.Contains(e.Detail, "ghost") || !strings.Contains(e.Detail, "missing") {
		t.Fatalf("detail must carry the original id: %q", e.Detail)
	}
}
