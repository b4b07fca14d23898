package domain

// Recurrence periods for task templates.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// Tracker statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusOverdue    = "overdue"
	StatusDelayed    = "delayed"
	StatusCancelled  = "cancelled"
)

// StatusActive is the template-level resting status: the task is live but no
// tracker for the day has progressed or slipped. Trackers never carry it.
const StatusActive = "active"

// Alert groups identify escalation campaigns.
const (
	AlertGroupOverdue   = "overdue"
	AlertGroupCompleted = "completed"
	AlertGroupDelayed   = "delayed"
)

// BucketImmediate is the bucket of the first notification in a campaign.
// Repeat reminders use buckets 0,1,2,...
const BucketImmediate = -1

type TaskTemplate struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Period             string   `json:"period" enum:"daily,weekly,monthly"`
	EffectiveFrom      string   `json:"effective_from" format:"date"`
	Active             bool     `json:"active"`
	Status             string   `json:"status"`
	Owner              string   `json:"owner"`
	ReportingManagers  []string `json:"reporting_managers,omitempty"`
	EscalationManagers []string `json:"escalation_managers,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

type SubtaskTemplate struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	ScheduledAt string `json:"scheduled_at"` // time-of-day, "15:04"
	SLAHours    int    `json:"sla_hours"`
	SLAMinutes  int    `json:"sla_minutes"`
}

// Tracker is the per-day, per-subtask mutable record the engine operates on.
// Identity is (run_date, period, task_id, subtask_id); rows are never deleted,
// only superseded by the next run date.
type Tracker struct {
	ID                 int64    `json:"id"`
	RunDate            string   `json:"run_date" format:"date"`
	Period             string   `json:"period"`
	TaskID             string   `json:"task_id"`
	SubtaskID          string   `json:"subtask_id"`
	TaskName           string   `json:"task_name"`
	SubtaskName        string   `json:"subtask_name"`
	ScheduledAt        string   `json:"scheduled_at"`
	SLAHours           int      `json:"sla_hours"`
	SLAMinutes         int      `json:"sla_minutes"`
	Status             string   `json:"status" enum:"pending,in_progress,completed,overdue,delayed,cancelled"`
	Owner              string   `json:"owner"`
	ReportingManagers  []string `json:"reporting_managers,omitempty"`
	EscalationManagers []string `json:"escalation_managers,omitempty"`
	StartedAt          *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt        *string  `json:"completed_at,omitempty" format:"date-time"`
	DelayReason        *string  `json:"delay_reason,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// AlertReservation marks one specific notification as dispatched or reserved
// for dispatch. The unique key (task, subtask, group, bucket) is the sole
// at-most-once mechanism across concurrent workers.
type AlertReservation struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	SubtaskID  string `json:"subtask_id"`
	AlertGroup string `json:"alert_group"`
	Bucket     int    `json:"bucket"`
	Title      string `json:"title"`
	NextCallAt string `json:"next_call_at" format:"date-time"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type AuditEntry struct {
	ID        int64   `json:"id"`
	TaskID    *string `json:"task_id,omitempty"`
	SubtaskID string  `json:"subtask_id,omitempty"`
	Action    string  `json:"action"`
	Actor     string  `json:"actor"`
	Detail    string  `json:"detail,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// User is a directory entry alert recipients resolve against.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
