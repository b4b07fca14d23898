// Package tracker owns the manual half of the instance state machine: the
// only way a tracker moves to in_progress, completed, delayed or cancelled.
// Time-based transitions live in the sla package.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"opsline/internal/audit"
	"opsline/internal/domain"
	"opsline/internal/escalate"
	"opsline/internal/logging"
	"opsline/internal/materialize"
	"opsline/internal/repo"
)

const dateLayout = "2006-01-02"

type Engine struct {
	Repo         repo.Repo
	Audit        audit.Writer
	Materializer materialize.Materializer
	Escalator    *escalate.Engine
	Loc          *time.Location
	Now          func() time.Time
	Log          *slog.Logger
}

func New(r repo.Repo, w audit.Writer, m materialize.Materializer, esc *escalate.Engine, loc *time.Location, log *slog.Logger) Engine {
	if log == nil {
		log = logging.Nop()
	}
	return Engine{Repo: r, Audit: w, Materializer: m, Escalator: esc, Loc: loc, Now: time.Now, Log: log}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// UpdateOptions identifies the tracker and the requested transition. Either
// TrackerID or the (TaskID, SubtaskID) pair for today's instance must be set.
type UpdateOptions struct {
	TrackerID int64
	TaskID    string
	SubtaskID string
	Status    string
	Reason    string
	ActorID   string
}

// UpdateStatus applies a manual transition. Addressing by (task, subtask)
// lazily materializes today's instance first, so a missed nightly tick never
// blocks intraday interaction. The store-level transition is guarded by the
// current status; a concurrent change surfaces as a conflict error.
func (e Engine) UpdateStatus(ctx context.Context, opts UpdateOptions) (domain.Tracker, error) {
	if opts.ActorID == "" {
		return domain.Tracker{}, errors.New("actor is required")
	}
	if opts.Status == domain.StatusDelayed && opts.Reason == "" {
		return domain.Tracker{}, errors.New("reason is required for delayed")
	}
	t, err := e.resolve(ctx, opts)
	if err != nil {
		return domain.Tracker{}, err
	}
	if err := ensureTransition(t.Status, opts.Status); err != nil {
		return t, err
	}

	var reason *string
	if opts.Status == domain.StatusDelayed {
		reason = &opts.Reason
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	won, err := e.Repo.TransitionTracker(ctx, t.ID, opts.Status, []string{t.Status}, reason, nowStr)
	if err != nil {
		return t, err
	}
	if !won {
		return t, fmt.Errorf("tracker %d changed concurrently; re-read and retry", t.ID)
	}

	detail := fmt.Sprintf("%s -> %s", t.Status, opts.Status)
	if opts.Reason != "" {
		detail += ": " + opts.Reason
	}
	if err := e.Audit.Append(ctx, t.TaskID, t.SubtaskID, "tracker."+opts.Status, opts.ActorID, detail); err != nil {
		e.Log.Warn("audit append failed", "tracker", t.ID, "err", err)
	}

	updated, err := e.Repo.GetTracker(ctx, t.ID)
	if err != nil {
		return t, err
	}
	if e.Escalator != nil {
		e.Escalator.NotifyStatusChange(ctx, updated, opts.ActorID)
	}
	return updated, nil
}

func (e Engine) resolve(ctx context.Context, opts UpdateOptions) (domain.Tracker, error) {
	if opts.TrackerID != 0 {
		return e.Repo.GetTracker(ctx, opts.TrackerID)
	}
	if opts.TaskID == "" || opts.SubtaskID == "" {
		return domain.Tracker{}, errors.New("tracker id or task and subtask ids required")
	}
	tpl, err := e.Repo.GetTemplate(ctx, opts.TaskID)
	if err != nil {
		return domain.Tracker{}, err
	}
	today := e.now().In(e.Loc)
	if _, err := e.Materializer.EnsureTask(ctx, tpl, today); err != nil {
		return domain.Tracker{}, err
	}
	return e.Repo.FindTracker(ctx, today.Format(dateLayout), tpl.Period, opts.TaskID, opts.SubtaskID)
}

// ensureTransition validates the manual state machine. overdue instances can
// still be started, completed or cancelled by a person; completed and
// cancelled are terminal for the day.
func ensureTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusPending:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusDelayed || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusInProgress:
		if newStatus == domain.StatusCompleted || newStatus == domain.StatusDelayed || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusOverdue:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusCompleted || newStatus == domain.StatusCancelled {
			return nil
		}
	case domain.StatusDelayed:
		if newStatus == domain.StatusInProgress || newStatus == domain.StatusCompleted || newStatus == domain.StatusCancelled {
			return nil
		}
	}
	return fmt.Errorf("invalid tracker status transition %s -> %s", oldStatus, newStatus)
}
