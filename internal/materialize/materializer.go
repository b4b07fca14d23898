// Package materialize turns task templates into per-day tracker rows.
package materialize

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

const dateLayout = "2006-01-02"

type Materializer struct {
	Repo  repo.Repo
	Audit audit.Writer
	Loc   *time.Location
	Now   func() time.Time
	Log   *slog.Logger
}

func New(r repo.Repo, w audit.Writer, loc *time.Location, log *slog.Logger) Materializer {
	if log == nil {
		log = logging.Nop()
	}
	return Materializer{Repo: r, Audit: w, Loc: loc, Now: time.Now, Log: log}
}

func (m Materializer) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// EnsureForDate guarantees one pending tracker per (task, subtask) for every
// active template that runs on the given calendar day in the business
// timezone. Idempotent: existing rows are left untouched, whatever their
// status. Returns the number of rows this call created.
func (m Materializer) EnsureForDate(ctx context.Context, date time.Time) (int, error) {
	runDate := date.In(m.Loc).Format(dateLayout)
	templates, err := m.Repo.ListActiveTemplates(ctx, runDate)
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}
	created := 0
	for _, tpl := range templates {
		if !m.runsOn(tpl, date) {
			continue
		}
		n, err := m.EnsureTask(ctx, tpl, date)
		if err != nil {
			// One broken template must not freeze the rest of the sweep.
			m.Log.Error("materialize task failed", "task", tpl.ID, "run_date", runDate, "err", err)
			continue
		}
		created += n
	}
	return created, nil
}

// EnsureTask materializes a single task's trackers for the day. This is also
// the lazy path: any code that needs today's instance (manual status update)
// calls it first, so a missed nightly tick never freezes a task for users
// interacting with it intraday. Days outside the template's period anchor are
// rejected, otherwise a weekly or monthly task addressed by id on the wrong
// day would grow a phantom instance and escalate on it.
func (m Materializer) EnsureTask(ctx context.Context, tpl domain.TaskTemplate, date time.Time) (int, error) {
	runDate := date.In(m.Loc).Format(dateLayout)
	if !m.runsOn(tpl, date) {
		return 0, fmt.Errorf("task %s has no run on %s: %w", tpl.ID, runDate, repo.ErrNotFound)
	}
	subtasks, err := m.Repo.ListSubtasks(ctx, tpl.ID)
	if err != nil {
		return 0, fmt.Errorf("list subtasks for %s: %w", tpl.ID, err)
	}
	now := m.now().UTC().Format(time.RFC3339)
	created := 0
	for _, st := range subtasks {
		inserted, err := m.Repo.InsertTrackerIfAbsent(ctx, domain.Tracker{
			RunDate:            runDate,
			Period:             tpl.Period,
			TaskID:             tpl.ID,
			SubtaskID:          st.ID,
			TaskName:           tpl.Name,
			SubtaskName:        st.Name,
			ScheduledAt:        st.ScheduledAt,
			SLAHours:           st.SLAHours,
			SLAMinutes:         st.SLAMinutes,
			Status:             domain.StatusPending,
			Owner:              tpl.Owner,
			ReportingManagers:  tpl.ReportingManagers,
			EscalationManagers: tpl.EscalationManagers,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		if err != nil {
			return created, fmt.Errorf("insert tracker %s/%s: %w", tpl.ID, st.ID, err)
		}
		if inserted {
			created++
			if err := m.Audit.Append(ctx, tpl.ID, st.ID, "tracker.created", "system",
				fmt.Sprintf("materialized %s for %s", st.Name, runDate)); err != nil {
				m.Log.Warn("audit append failed", "task", tpl.ID, "subtask", st.ID, "err", err)
			}
		}
	}
	return created, nil
}

// Rollover pre-creates tomorrow's rows for every daily task whose trackers
// for today are all completed, so a finished task resets the same day rather
// than waiting for midnight. Carries the template's current metadata.
func (m Materializer) Rollover(ctx context.Context, today time.Time) (int, error) {
	runDate := today.In(m.Loc).Format(dateLayout)
	templates, err := m.Repo.ListActiveTemplates(ctx, runDate)
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}
	created := 0
	for _, tpl := range templates {
		if tpl.Period != domain.PeriodDaily {
			continue
		}
		counts, err := m.Repo.TrackerStatusCounts(ctx, tpl.ID, runDate)
		if err != nil {
			m.Log.Error("rollover counts failed", "task", tpl.ID, "err", err)
			continue
		}
		total := 0
		for _, c := range counts {
			total += c
		}
		if total == 0 || counts[domain.StatusCompleted] != total {
			continue
		}
		n, err := m.EnsureTask(ctx, tpl, today.In(m.Loc).AddDate(0, 0, 1))
		if err != nil {
			m.Log.Error("rollover materialize failed", "task", tpl.ID, "err", err)
			continue
		}
		created += n
	}
	return created, nil
}

// runsOn reports whether the template has an instance on the given day:
// daily templates always, weekly on the effective-from weekday, monthly on
// the effective-from day-of-month clamped to short months.
func (m Materializer) runsOn(tpl domain.TaskTemplate, date time.Time) bool {
	day := date.In(m.Loc)
	switch tpl.Period {
	case domain.PeriodDaily:
		return true
	case domain.PeriodWeekly, domain.PeriodMonthly:
		anchor, err := time.ParseInLocation(dateLayout, tpl.EffectiveFrom, m.Loc)
		if err != nil {
			m.Log.Warn("template has invalid effective_from", "task", tpl.ID, "effective_from", tpl.EffectiveFrom)
			return false
		}
		if tpl.Period == domain.PeriodWeekly {
			return day.Weekday() == anchor.Weekday()
		}
		want := anchor.Day()
		lastOfMonth := time.Date(day.Year(), day.Month()+1, 0, 0, 0, 0, 0, m.Loc).Day()
		if want > lastOfMonth {
			want = lastOfMonth
		}
		return day.Day() == want
	default:
		return false
	}
}
