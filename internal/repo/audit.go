package repo

import (
	"context"
	"strings"

	"opsline/internal/domain"
)

type AuditFilters struct {
	TaskID    string
	SubtaskID string
	Action    string
	Limit     int
}

func (r Repo) ListAudit(ctx context.Context, f AuditFilters) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.SubtaskID != "" {
		clauses = append(clauses, "subtask_id=?")
		args = append(args, f.SubtaskID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	query := `SELECT id,task_id,subtask_id,action,actor,detail,created_at FROM audit_entries WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		var taskID *string
		if err := rows.Scan(&e.ID, &taskID, &e.SubtaskID, &e.Action, &e.Actor, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TaskID = taskID
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountAuditSince counts matching audit rows at or after the cutoff. The
// escalation engine uses this as the soft time-window duplicate check for
// one-shot status-change notices.
func (r Repo) CountAuditSince(ctx context.Context, action, subtaskID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM audit_entries WHERE action=? AND subtask_id=? AND created_at>=?`,
		action, subtaskID, since).Scan(&n)
	return n, err
}

// DeleteAuditBefore drops audit rows created before the cutoff.
func (r Repo) DeleteAuditBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM audit_entries WHERE created_at<?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
