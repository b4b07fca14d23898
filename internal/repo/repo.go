package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"opsline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// ParseNameList normalizes the manager-list encodings found in template rows:
// JSON array, CSV, or a bracketed CSV string. The core never re-parses these
// formats past this boundary.
func ParseNameList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var names []string
		if err := json.Unmarshal([]byte(raw), &names); err == nil {
			return trimNames(names)
		}
		// bracketed CSV, e.g. [Alice, Bob]
		raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	}
	return trimNames(strings.Split(raw, ","))
}

func trimNames(in []string) []string {
	var out []string
	for _, n := range in {
		n = strings.Trim(strings.TrimSpace(n), `"'`)
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

func marshalNameList(names []string) any {
	if len(names) == 0 {
		return nil
	}
	b, _ := json.Marshal(names)
	return string(b)
}

func scanTemplate(scan func(...any) error) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var active int
	var reporting, escalation sql.NullString
	err := scan(&t.ID, &t.Name, &t.Period, &t.EffectiveFrom, &active, &t.Status, &t.Owner, &reporting, &escalation, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Active = active != 0
	if reporting.Valid {
		t.ReportingManagers = ParseNameList(reporting.String)
	}
	if escalation.Valid {
		t.EscalationManagers = ParseNameList(escalation.String)
	}
	return t, nil
}

const templateColumns = `id,name,period,effective_from,active,status,owner,reporting_managers,escalation_managers,created_at,updated_at`

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM task_templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

// ListActiveTemplates returns active templates whose effective-from date has
// passed as of the given run date. Manager lists are normalized at this read.
func (r Repo) ListActiveTemplates(ctx context.Context, asOf string) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM task_templates WHERE active=1 AND effective_from<=? ORDER BY id`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+templateColumns+` FROM task_templates ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// InsertTemplate seeds a task definition. Definition CRUD lives outside the
// core; this write exists for the import path and tests.
func (r Repo) InsertTemplate(ctx context.Context, t domain.TaskTemplate) error {
	active := 0
	if t.Active {
		active = 1
	}
	if t.Status == "" {
		t.Status = domain.StatusActive
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Period, t.EffectiveFrom, active, t.Status, t.Owner,
		marshalNameList(t.ReportingManagers), marshalNameList(t.EscalationManagers), t.CreatedAt, t.UpdatedAt)
	return err
}

// InsertTemplateRaw stores manager lists exactly as given, preserving whatever
// encoding the upstream definition store used. Reads normalize.
func (r Repo) InsertTemplateRaw(ctx context.Context, t domain.TaskTemplate, reportingRaw, escalationRaw string) error {
	active := 0
	if t.Active {
		active = 1
	}
	if t.Status == "" {
		t.Status = domain.StatusActive
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO task_templates(`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Period, t.EffectiveFrom, active, t.Status, t.Owner,
		nullable(reportingRaw), nullable(escalationRaw), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTemplateStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE task_templates SET status=?, updated_at=? WHERE id=? AND status<>?`, status, now, id, status)
	if err != nil {
		return err
	}
	_, _ = res.RowsAffected()
	return nil
}

func (r Repo) InsertSubtask(ctx context.Context, s domain.SubtaskTemplate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO subtask_templates(id,task_id,name,position,scheduled_at,sla_hours,sla_minutes) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.TaskID, s.Name, s.Position, s.ScheduledAt, s.SLAHours, s.SLAMinutes)
	return err
}

// ListSubtasks returns a task's subtask templates ordered by position.
func (r Repo) ListSubtasks(ctx context.Context, taskID string) ([]domain.SubtaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,name,position,scheduled_at,sla_hours,sla_minutes FROM subtask_templates WHERE task_id=? ORDER BY position, id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubtaskTemplate
	for rows.Next() {
		var s domain.SubtaskTemplate
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Name, &s.Position, &s.ScheduledAt, &s.SLAHours, &s.SLAMinutes); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
