// Package audit appends state transitions and alert decisions to the
// write-only activity log. The core never reads the log back for logic, with
// one documented exception: the escalation engine's soft time-window check on
// one-shot notices.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append records one audit entry. A write that would violate the task foreign
// key (the template was concurrently deleted) degrades to a row with a null
// task id and the original id embedded in the detail text, so the fact is
// still recorded and the tick never fails on referential inconsistency.
func (w Writer) Append(ctx context.Context, taskID, subtaskID, action, actor, detail string) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := w.DB.ExecContext(ctx, `INSERT INTO audit_entries(task_id,subtask_id,action,actor,detail,created_at) VALUES (?,?,?,?,?,?)`,
		nullable(taskID), subtaskID, action, actor, detail, ts)
	if err != nil && isForeignKeyErr(err) {
		degraded := fmt.Sprintf("task %s (missing): %s", taskID, detail)
		_, err = w.DB.ExecContext(ctx, `INSERT INTO audit_entries(task_id,subtask_id,action,actor,detail,created_at) VALUES (NULL,?,?,?,?,?)`,
			subtaskID, action, actor, degraded, ts)
	}
	return err
}

// AppendTx is Append inside a caller-owned transaction. The FK fallback also
// runs inside the transaction.
func (w Writer) AppendTx(ctx context.Context, tx *sql.Tx, taskID, subtaskID, action, actor, detail string) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_entries(task_id,subtask_id,action,actor,detail,created_at) VALUES (?,?,?,?,?,?)`,
		nullable(taskID), subtaskID, action, actor, detail, ts)
	if err != nil && isForeignKeyErr(err) {
		degraded := fmt.Sprintf("task %s (missing): %s", taskID, detail)
		_, err = tx.ExecContext(ctx, `INSERT INTO audit_entries(task_id,subtask_id,action,actor,detail,created_at) VALUES (NULL,?,?,?,?,?)`,
			subtaskID, action, actor, degraded, ts)
	}
	return err
}

func isForeignKeyErr(err error) bool {
	return err != nil && strings.Contains(strings.ToUpper(err.Error()), "FOREIGN KEY")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
