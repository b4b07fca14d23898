// Package sla drives the time-based tracker state machine.
package sla

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"opsline/internal/audit"
	"opsline/internal/domain"
	"opsline/internal/logging"
	"opsline/internal/repo"
)

type Evaluator struct {
	Repo  repo.Repo
	Audit audit.Writer
	Loc   *time.Location
	Now   func() time.Time
	Log   *slog.Logger
}

func New(r repo.Repo, w audit.Writer, loc *time.Location, log *slog.Logger) Evaluator {
	if log == nil {
		log = logging.Nop()
	}
	return Evaluator{Repo: r, Audit: w, Loc: loc, Now: time.Now, Log: log}
}

func (e Evaluator) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Sweep transitions every pending tracker whose scheduled start has passed to
// overdue, and returns the trackers this process won the transition for.
//
// Overdue means any slip past the scheduled start; the SLA budget on the row
// is display-only and does not delay the trigger. Rows in any other status
// belong to manual actions and are never touched here, so a stale read can
// never downgrade a concurrent completion.
func (e Evaluator) Sweep(ctx context.Context) ([]domain.Tracker, error) {
	pending, err := e.Repo.ListTrackers(ctx, repo.TrackerFilters{Status: domain.StatusPending})
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	now := e.now().In(e.Loc)
	var transitioned []domain.Tracker
	for _, t := range pending {
		due, err := e.dueAt(t)
		if err != nil {
			e.Log.Warn("tracker has invalid schedule", "tracker", t.ID, "scheduled_at", t.ScheduledAt, "err", err)
			continue
		}
		if now.Before(due) {
			continue
		}
		nowStr := e.now().UTC().Format(time.RFC3339)
		won, err := e.Repo.MarkOverdue(ctx, t.ID, nowStr)
		if err != nil {
			e.Log.Error("mark overdue failed", "tracker", t.ID, "err", err)
			continue
		}
		if !won {
			// Lost the race to another evaluator or to a manual action.
			continue
		}
		t.Status = domain.StatusOverdue
		t.UpdatedAt = nowStr
		transitioned = append(transitioned, t)
		if err := e.Audit.Append(ctx, t.TaskID, t.SubtaskID, "sla.overdue", "system",
			fmt.Sprintf("%s missed scheduled start %s on %s", t.SubtaskName, t.ScheduledAt, t.RunDate)); err != nil {
			e.Log.Warn("audit append failed", "tracker", t.ID, "err", err)
		}
	}
	return transitioned, nil
}

// dueAt resolves the instant the tracker's scheduled time-of-day falls on its
// run date in the business timezone.
func (e Evaluator) dueAt(t domain.Tracker) (time.Time, error) {
	return time.ParseInLocation("2006-01-02 15:04", t.RunDate+" "+t.ScheduledAt, e.Loc)
}
