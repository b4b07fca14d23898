package repo

import (
	"context"
	"database/sql"
	"strings"

	"opsline/internal/domain"
)

// ReserveAlert claims one notification slot. The unique constraint on
// (task_id, subtask_id, alert_group, bucket) is the only gate: a true result
// means this process inserted the row and owns delivery; false means another
// worker already holds the slot and the caller must skip silently.
func (r Repo) ReserveAlert(ctx context.Context, res domain.AlertReservation) (bool, error) {
	result, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO alert_reservations(task_id,subtask_id,alert_group,bucket,title,next_call_at,created_at)
VALUES (?,?,?,?,?,?,?)`,
		res.TaskID, res.SubtaskID, res.AlertGroup, res.Bucket, res.Title, res.NextCallAt, res.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// PushNextCall moves a reservation's next-eligible time forward. Reservations
// are otherwise immutable.
func (r Repo) PushNextCall(ctx context.Context, id int64, nextCallAt string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE alert_reservations SET next_call_at=? WHERE id=?`, nextCallAt, id)
	return err
}

type ReservationFilters struct {
	TaskID     string
	SubtaskID  string
	AlertGroup string
	Limit      int
}

func (r Repo) ListReservations(ctx context.Context, f ReservationFilters) ([]domain.AlertReservation, error) {
	var clauses []string
	var args []any
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.SubtaskID != "" {
		clauses = append(clauses, "subtask_id=?")
		args = append(args, f.SubtaskID)
	}
	if f.AlertGroup != "" {
		clauses = append(clauses, "alert_group=?")
		args = append(args, f.AlertGroup)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,task_id,subtask_id,alert_group,bucket,title,next_call_at,created_at FROM alert_reservations ` + where + ` ORDER BY bucket`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AlertReservation
	for rows.Next() {
		var a domain.AlertReservation
		if err := rows.Scan(&a.ID, &a.TaskID, &a.SubtaskID, &a.AlertGroup, &a.Bucket, &a.Title, &a.NextCallAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetReservation(ctx context.Context, taskID, subtaskID, group string, bucket int) (domain.AlertReservation, error) {
	var a domain.AlertReservation
	err := r.DB.QueryRowContext(ctx, `SELECT id,task_id,subtask_id,alert_group,bucket,title,next_call_at,created_at FROM alert_reservations WHERE task_id=? AND subtask_id=? AND alert_group=? AND bucket=?`,
		taskID, subtaskID, group, bucket).
		Scan(&a.ID, &a.TaskID, &a.SubtaskID, &a.AlertGroup, &a.Bucket, &a.Title, &a.NextCallAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// DeleteReservationsBefore drops reservations created before the cutoff.
func (r Repo) DeleteReservationsBefore(ctx context.Context, cutoff string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM alert_reservations WHERE created_at<?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
