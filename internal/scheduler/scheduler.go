// Package scheduler wires the periodic triggers: the minutely SLA sweep, the
// redundant sweep, nightly materialization, the template status rollup and
// retention cleanup. Cron fires the ticks; correctness lives in the store
// (reservations, guarded transitions), so overlapping or missed ticks are
// safe by construction.
package scheduler

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/escalate"
	"opsline/internal/logging"
	"opsline/internal/materialize"
	"opsline/internal/repo"
	"opsline/internal/sla"
)

const sweepLock = "sla_sweep"

type Scheduler struct {
	Repo         repo.Repo
	Materializer materialize.Materializer
	Evaluator    sla.Evaluator
	Escalator    escalate.Engine
	Loc          *time.Location
	LockTTL      time.Duration
	Retention    time.Duration
	Now          func() time.Time
	Log          *slog.Logger

	owner    string
	cron     *cron.Cron
	sweeping atomic.Bool
	rolling  atomic.Bool
}

func New(r repo.Repo, m materialize.Materializer, ev sla.Evaluator, esc escalate.Engine, cfg *config.Config, loc *time.Location, log *slog.Logger) *Scheduler {
	if log == nil {
		log = logging.Nop()
	}
	return &Scheduler{
		Repo:         r,
		Materializer: m,
		Evaluator:    ev,
		Escalator:    esc,
		Loc:          loc,
		LockTTL:      time.Duration(cfg.Scheduler.LockTTLSeconds) * time.Second,
		Retention:    time.Duration(cfg.Scheduler.RetentionDays) * 24 * time.Hour,
		Now:          time.Now,
		Log:          log,
		owner:        uuid.NewString(),
	}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Start registers the cron entries and launches the runner. Today's trackers
// are materialized immediately so a process started mid-day is useful at
// once instead of waiting for the nightly tick.
func (s *Scheduler) Start(ctx context.Context, cfg *config.Config) error {
	if _, err := s.Materializer.EnsureForDate(ctx, s.now()); err != nil {
		s.Log.Error("startup materialization failed", "err", err)
	}

	c := cron.New(cron.WithLocation(s.Loc))
	entries := []struct {
		name string
		spec string
		fn   func()
	}{
		{"sweep", cfg.Scheduler.Sweep, func() { s.RunSweep(ctx, true) }},
		{"redundant_sweep", cfg.Scheduler.RedundantSweep, func() { s.RunSweep(ctx, false) }},
		{"materialize", cfg.Scheduler.Materialize, func() { s.RunMaterialize(ctx) }},
		{"rollup", cfg.Scheduler.Rollup, func() { s.RunRollup(ctx) }},
		{"cleanup", cfg.Scheduler.Cleanup, func() { s.RunCleanup(ctx) }},
	}
	for _, e := range entries {
		if _, err := c.AddFunc(e.spec, e.fn); err != nil {
			return err
		}
		s.Log.Info("scheduled job", "job", e.name, "spec", e.spec)
	}
	s.cron = c
	c.Start()
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs, then releases the
// sweep lease so a successor does not have to wait out the TTL.
func (s *Scheduler) Stop(ctx context.Context) {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	if err := s.Repo.ReleaseLock(ctx, sweepLock, s.owner); err != nil {
		s.Log.Warn("release sweep lock failed", "err", err)
	}
}

// RunSweep executes one full evaluation pass: mark due pending trackers
// overdue, fire their immediate alerts, then settle every repeat bucket that
// elapsed time dictates. With exclusive=true the pass first takes the
// cluster-wide lease and skips the tick when another process holds it; the
// redundant sweep runs without the lease and leans entirely on the
// reservation table for dedup.
func (s *Scheduler) RunSweep(ctx context.Context, exclusive bool) {
	if !s.sweeping.CompareAndSwap(false, true) {
		s.Log.Debug("sweep still running, skipping tick")
		return
	}
	defer s.sweeping.Store(false)

	if exclusive {
		held, err := s.Repo.TryAcquireLock(ctx, sweepLock, s.owner, s.LockTTL, s.now())
		if err != nil {
			s.Log.Error("acquire sweep lock failed", "err", err)
			return
		}
		if !held {
			return
		}
	}

	transitioned, err := s.Evaluator.Sweep(ctx)
	if err != nil {
		s.Log.Error("sla sweep failed", "err", err)
		return
	}
	if len(transitioned) > 0 {
		s.Log.Info("trackers marked overdue", "count", len(transitioned))
	}
	s.Escalator.EscalateNew(ctx, transitioned)
	if err := s.Escalator.EscalateRepeats(ctx); err != nil {
		s.Log.Error("repeat escalation failed", "err", err)
	}
}

func (s *Scheduler) RunMaterialize(ctx context.Context) {
	n, err := s.Materializer.EnsureForDate(ctx, s.now())
	if err != nil {
		s.Log.Error("materialization failed", "err", err)
		return
	}
	s.Log.Info("materialization complete", "created", n)
}

// RunRollup refreshes each active template's aggregate status from its
// trackers for today, and pre-creates tomorrow's rows for fully completed
// daily tasks.
func (s *Scheduler) RunRollup(ctx context.Context) {
	if !s.rolling.CompareAndSwap(false, true) {
		return
	}
	defer s.rolling.Store(false)

	now := s.now().In(s.Loc)
	runDate := now.Format("2006-01-02")
	templates, err := s.Repo.ListActiveTemplates(ctx, runDate)
	if err != nil {
		s.Log.Error("rollup list templates failed", "err", err)
		return
	}
	for _, tpl := range templates {
		counts, err := s.Repo.TrackerStatusCounts(ctx, tpl.ID, runDate)
		if err != nil {
			s.Log.Error("rollup counts failed", "task", tpl.ID, "err", err)
			continue
		}
		status := rollupStatus(counts)
		if status == "" || status == tpl.Status {
			continue
		}
		if err := s.Repo.UpdateTemplateStatus(ctx, tpl.ID, status); err != nil {
			s.Log.Error("rollup update failed", "task", tpl.ID, "err", err)
		}
	}
	if _, err := s.Materializer.Rollover(ctx, now); err != nil {
		s.Log.Error("rollover failed", "err", err)
	}
}

// rollupStatus derives a template's aggregate status. Severity wins: one
// overdue subtask marks the whole task, a delay beats mere progress,
// completed requires every tracker done, and a day with no work started yet
// leaves the template at its resting "active" status. Empty string means no
// trackers exist for the day and the stored status stands.
func rollupStatus(counts map[string]int) string {
	total := 0
	for _, c := range counts {
		total += c
	}
	if total == 0 {
		return ""
	}
	switch {
	case counts[domain.StatusOverdue] > 0:
		return domain.StatusOverdue
	case counts[domain.StatusDelayed] > 0:
		return domain.StatusDelayed
	case counts[domain.StatusCompleted]+counts[domain.StatusCancelled] == total:
		return domain.StatusCompleted
	case counts[domain.StatusInProgress] > 0:
		return domain.StatusInProgress
	default:
		return domain.StatusActive
	}
}

// RunCleanup trims audit entries and settled alert reservations past the
// retention horizon.
func (s *Scheduler) RunCleanup(ctx context.Context) {
	cutoff := s.now().Add(-s.Retention).UTC().Format(time.RFC3339)
	audits, err := s.Repo.DeleteAuditBefore(ctx, cutoff)
	if err != nil {
		s.Log.Error("audit cleanup failed", "err", err)
	}
	reservations, err := s.Repo.DeleteReservationsBefore(ctx, cutoff)
	if err != nil {
		s.Log.Error("reservation cleanup failed", "err", err)
	}
	s.Log.Info("cleanup complete", "cutoff", cutoff, "audit_rows", audits, "reservation_rows", reservations)
}
