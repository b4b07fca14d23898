package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

const trackerColumns = `id,run_date,period,task_id,subtask_id,task_name,subtask_name,scheduled_at,sla_hours,sla_minutes,status,owner,reporting_managers,escalation_managers,started_at,completed_at,delay_reason,created_at,updated_at`

func scanTracker(scan func(...any) error) (domain.Tracker, error) {
	var t domain.Tracker
	var reporting, escalation, startedAt, completedAt, delayReason sql.NullString
	err := scan(&t.ID, &t.RunDate, &t.Period, &t.TaskID, &t.SubtaskID, &t.TaskName, &t.SubtaskName,
		&t.ScheduledAt, &t.SLAHours, &t.SLAMinutes, &t.Status, &t.Owner,
		&reporting, &escalation, &startedAt, &completedAt, &delayReason, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if reporting.Valid {
		t.ReportingManagers = ParseNameList(reporting.String)
	}
	if escalation.Valid {
		t.EscalationManagers = ParseNameList(escalation.String)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if delayReason.Valid {
		t.DelayReason = &delayReason.String
	}
	return t, nil
}

// InsertTrackerIfAbsent creates the tracker row if its (run_date, period,
// task, subtask) identity does not exist yet. Returns true when this call
// inserted the row. Existing rows are never altered.
func (r Repo) InsertTrackerIfAbsent(ctx context.Context, t domain.Tracker) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO trackers(run_date,period,task_id,subtask_id,task_name,subtask_name,scheduled_at,sla_hours,sla_minutes,status,owner,reporting_managers,escalation_managers,started_at,completed_at,delay_reason,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.RunDate, t.Period, t.TaskID, t.SubtaskID, t.TaskName, t.SubtaskName, t.ScheduledAt, t.SLAHours, t.SLAMinutes,
		t.Status, t.Owner, marshalNameList(t.ReportingManagers), marshalNameList(t.EscalationManagers),
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nullableStringPtr(t.DelayReason), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetTracker(ctx context.Context, id int64) (domain.Tracker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE id=?`, id)
	return scanTracker(row.Scan)
}

func (r Repo) FindTracker(ctx context.Context, runDate, period, taskID, subtaskID string) (domain.Tracker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+trackerColumns+` FROM trackers WHERE run_date=? AND period=? AND task_id=? AND subtask_id=?`,
		runDate, period, taskID, subtaskID)
	return scanTracker(row.Scan)
}

type TrackerFilters struct {
	RunDate string
	TaskID  string
	Status  string
	Limit   int
}

func (r Repo) ListTrackers(ctx context.Context, f TrackerFilters) ([]domain.Tracker, error) {
	var clauses []string
	var args []any
	if f.RunDate != "" {
		clauses = append(clauses, "run_date=?")
		args = append(args, f.RunDate)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + trackerColumns + ` FROM trackers ` + where + ` ORDER BY run_date DESC, task_id, subtask_id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Tracker
	for rows.Next() {
		t, err := scanTracker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// MarkOverdue performs the pending→overdue transition with a status guard so
// concurrent evaluators cannot both win: zero rows affected means another
// process got there first, or a manual action moved the row off pending.
func (r Repo) MarkOverdue(ctx context.Context, id int64, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE trackers SET status=?, updated_at=? WHERE id=? AND status=?`,
		domain.StatusOverdue, now, id, domain.StatusPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TransitionTracker applies a manual status change guarded by the set of
// statuses it may transition from. started_at is set only on the first move
// to in_progress; completed_at on completion. Leaving delayed for
// in_progress or completed clears the stale delay reason.
func (r Repo) TransitionTracker(ctx context.Context, id int64, toStatus string, fromStatuses []string, delayReason *string, now string) (bool, error) {
	set := []string{"status=?", "updated_at=?"}
	args := []any{toStatus, now}
	switch toStatus {
	case domain.StatusInProgress:
		set = append(set, "started_at=COALESCE(started_at,?)", "delay_reason=NULL")
		args = append(args, now)
	case domain.StatusCompleted:
		set = append(set, "completed_at=?", "delay_reason=NULL")
		args = append(args, now)
	case domain.StatusDelayed:
		set = append(set, "delay_reason=?")
		args = append(args, nullableStringPtr(delayReason))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(fromStatuses)), ",")
	args = append(args, id)
	for _, s := range fromStatuses {
		args = append(args, s)
	}
	res, err := r.DB.ExecContext(ctx,
		`UPDATE trackers SET `+strings.Join(set, ", ")+` WHERE id=? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListDuePending returns pending trackers for the run date. The evaluator
// compares each row's scheduled time against the clock; selection here is by
// status only so the time math stays in one place.
func (r Repo) ListDuePending(ctx context.Context, runDate string) ([]domain.Tracker, error) {
	return r.ListTrackers(ctx, TrackerFilters{RunDate: runDate, Status: domain.StatusPending})
}

// ListOverdue returns all currently overdue trackers regardless of run date,
// so reminders keep firing for instances that slipped past midnight.
func (r Repo) ListOverdue(ctx context.Context) ([]domain.Tracker, error) {
	return r.ListTrackers(ctx, TrackerFilters{Status: domain.StatusOverdue})
}

// TrackerStatusCounts returns per-status row counts for a task on a run date.
// The rollup trigger derives the template's aggregate status from this.
func (r Repo) TrackerStatusCounts(ctx context.Context, taskID, runDate string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM trackers WHERE task_id=? AND run_date=? GROUP BY status`, taskID, runDate)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}
