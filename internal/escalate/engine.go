// Package escalate decides which alerts are due and guarantees each one is
// sent at most once across any number of concurrent workers. The only
// correctness mechanism is the unique constraint behind
// repo.Repo.ReserveAlert; everything else is bookkeeping around it.
package escalate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"opsline/internal/audit"
	"opsline/internal/domain"
	"opsline/internal/logging"
	"opsline/internal/notify"
	"opsline/internal/repo"
)

type Engine struct {
	Repo           repo.Repo
	Audit          audit.Writer
	Notifier       notify.Notifier
	InitialDelay   time.Duration
	RepeatInterval time.Duration
	SuppressWindow time.Duration
	Now            func() time.Time
	Log            *slog.Logger
}

func New(r repo.Repo, w audit.Writer, n notify.Notifier, initialDelay, repeatInterval, suppressWindow time.Duration, log *slog.Logger) Engine {
	if log == nil {
		log = logging.Nop()
	}
	return Engine{
		Repo:           r,
		Audit:          w,
		Notifier:       n,
		InitialDelay:   initialDelay,
		RepeatInterval: repeatInterval,
		SuppressWindow: suppressWindow,
		Now:            time.Now,
		Log:            log,
	}
}

func (g Engine) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// EscalateNew attempts the immediate (bucket −1) alert for each tracker that
// just transitioned to overdue. Losing the reservation race is the expected
// no-op, not an error.
func (g Engine) EscalateNew(ctx context.Context, newlyOverdue []domain.Tracker) {
	for _, t := range newlyOverdue {
		title := fmt.Sprintf("%s / %s missed its %s start (%s)", t.TaskName, t.SubtaskName, t.ScheduledAt, t.RunDate)
		g.reserveAndSend(ctx, t, domain.AlertGroupOverdue, domain.BucketImmediate, title)
	}
}

// EscalateRepeats scans every still-overdue tracker and reserves each repeat
// bucket up to the one elapsed time dictates. The bucket number is a pure
// function of minutes overdue, so overlapping ticks converge on the same set
// and the unique constraint drops the duplicates; reserving the full range
// keeps the sequence gap-free across missed ticks.
func (g Engine) EscalateRepeats(ctx context.Context) error {
	overdue, err := g.Repo.ListOverdue(ctx)
	if err != nil {
		return fmt.Errorf("list overdue: %w", err)
	}
	now := g.now()
	for _, t := range overdue {
		markedAt, err := time.Parse(time.RFC3339, t.UpdatedAt)
		if err != nil {
			g.Log.Warn("tracker has invalid updated_at", "tracker", t.ID, "updated_at", t.UpdatedAt)
			continue
		}
		elapsed := now.Sub(markedAt)
		if elapsed < g.InitialDelay {
			continue
		}
		maxBucket := int((elapsed - g.InitialDelay) / g.RepeatInterval)
		for b := 0; b <= maxBucket; b++ {
			minutes := int(elapsed.Minutes())
			title := fmt.Sprintf("%s / %s still overdue after %d min (reminder %d)", t.TaskName, t.SubtaskName, minutes, b+1)
			g.reserveAndSend(ctx, t, domain.AlertGroupOverdue, b, title)
		}
	}
	return nil
}

// NotifyStatusChange fires the one-shot notice for a manual completed/delayed
// transition. Dedup here is the softer audit-window check: these are single
// events, not open-ended campaigns, so a best-effort window is acceptable.
func (g Engine) NotifyStatusChange(ctx context.Context, t domain.Tracker, actor string) {
	var group string
	switch t.Status {
	case domain.StatusCompleted:
		group = domain.AlertGroupCompleted
	case domain.StatusDelayed:
		group = domain.AlertGroupDelayed
	default:
		return
	}
	action := "notice." + group
	since := g.now().Add(-g.SuppressWindow).UTC().Format(time.RFC3339)
	n, err := g.Repo.CountAuditSince(ctx, action, t.SubtaskID, since)
	if err != nil {
		g.Log.Error("audit window check failed", "tracker", t.ID, "err", err)
		return
	}
	if n > 0 {
		return
	}
	title := fmt.Sprintf("%s / %s marked %s by %s", t.TaskName, t.SubtaskName, t.Status, actor)
	if t.DelayReason != nil && *t.DelayReason != "" {
		title += ": " + *t.DelayReason
	}
	recipients := g.recipients(ctx, t)
	if err := g.Notifier.Send(ctx, notify.Notification{
		Recipients: recipients,
		Title:      title,
		Group:      group,
		Bucket:     domain.BucketImmediate,
		TaskID:     t.TaskID,
		SubtaskID:  t.SubtaskID,
	}); err != nil {
		g.Log.Error("status notice delivery failed", "tracker", t.ID, "group", group, "err", err)
	}
	if err := g.Audit.Append(ctx, t.TaskID, t.SubtaskID, action, actor, title); err != nil {
		g.Log.Warn("audit append failed", "tracker", t.ID, "err", err)
	}
}

// reserveAndSend is the reserve-then-notify pattern: insert the reservation
// row, and only if this process actually inserted it, resolve recipients and
// call the sink. A delivery failure after a won reservation is logged and
// swallowed; the at-most-once bias is deliberate.
func (g Engine) reserveAndSend(ctx context.Context, t domain.Tracker, group string, bucket int, title string) {
	now := g.now()
	won, err := g.Repo.ReserveAlert(ctx, domain.AlertReservation{
		TaskID:     t.TaskID,
		SubtaskID:  t.SubtaskID,
		AlertGroup: group,
		Bucket:     bucket,
		Title:      title,
		NextCallAt: now.Add(g.RepeatInterval).UTC().Format(time.RFC3339),
		CreatedAt:  now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		g.Log.Error("reserve alert failed", "tracker", t.ID, "group", group, "bucket", bucket, "err", err)
		return
	}
	if !won {
		return
	}
	recipients := g.recipients(ctx, t)
	if err := g.Notifier.Send(ctx, notify.Notification{
		Recipients: recipients,
		Title:      title,
		Group:      group,
		Bucket:     bucket,
		TaskID:     t.TaskID,
		SubtaskID:  t.SubtaskID,
	}); err != nil {
		g.Log.Error("alert delivery failed", "tracker", t.ID, "group", group, "bucket", bucket, "err", err)
	}
	detail := fmt.Sprintf("bucket %d to [%s]: %s", bucket, strings.Join(recipients, ","), title)
	if err := g.Audit.Append(ctx, t.TaskID, t.SubtaskID, "alert.sent", "system", detail); err != nil {
		g.Log.Warn("audit append failed", "tracker", t.ID, "err", err)
	}
}

// recipients resolves the union of the tracker's snapshot owner and manager
// names against the user directory. Unresolved names are logged for
// visibility only.
func (g Engine) recipients(ctx context.Context, t domain.Tracker) []string {
	names := make([]string, 0, 1+len(t.ReportingManagers)+len(t.EscalationManagers))
	if t.Owner != "" {
		names = append(names, t.Owner)
	}
	names = append(names, t.ReportingManagers...)
	names = append(names, t.EscalationManagers...)

	directory, err := g.Repo.ListActiveUsers(ctx)
	if err != nil {
		g.Log.Error("load user directory failed", "err", err)
		return nil
	}
	res := Resolve(names, directory)
	if len(res.Unresolved) > 0 {
		g.Log.Warn("unresolved alert recipients", "task", t.TaskID, "subtask", t.SubtaskID,
			"names", strings.Join(res.Unresolved, ","))
	}
	return res.Resolved
}
