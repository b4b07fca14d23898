package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"opsline/internal/audit"
	"opsline/internal/config"
	"opsline/internal/db"
	"opsline/internal/domain"
	"opsline/internal/escalate"
	"opsline/internal/logging"
	"opsline/internal/materialize"
	"opsline/internal/migrate"
	"opsline/internal/notify"
	"opsline/internal/repo"
	"opsline/internal/scheduler"
	"opsline/internal/server"
	"opsline/internal/sla"
	"opsline/internal/tracker"
)

var rootCmd = &cobra.Command{
	Use:   "ol",
	Short: "Opsline CLI",
	Long: `Opsline tracks recurring operational checklists with SLA-driven escalation.
Templates define recurring tasks and their subtasks with scheduled start times.
Each day the engine materializes one tracker per subtask, sweeps for missed
starts, and escalates overdue items to owners and managers until someone acts.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("OPSLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(trackerCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(materializeCmd())
	rootCmd.AddCommand(rollupCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// app bundles the wired engine for one CLI invocation.
type app struct {
	Cfg          *config.Config
	Repo         repo.Repo
	Audit        audit.Writer
	Materializer materialize.Materializer
	Evaluator    sla.Evaluator
	Escalator    escalate.Engine
	Tracker      tracker.Engine
	Scheduler    *scheduler.Scheduler
	Close        func()
}

func buildApp() (*app, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	r := repo.Repo{DB: conn}
	w := audit.Writer{DB: conn}

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.Notify.WebhookURL, cfg.Notify.Secret,
			time.Duration(cfg.Notify.TimeoutSeconds)*time.Second)
	}

	mat := materialize.New(r, w, loc, log)
	ev := sla.New(r, w, loc, log)
	esc := escalate.New(r, w, notifier,
		time.Duration(cfg.Escalation.InitialDelayMinutes)*time.Minute,
		time.Duration(cfg.Escalation.RepeatIntervalMinutes)*time.Minute,
		time.Duration(cfg.Notify.SuppressWindowMinutes)*time.Minute,
		log)
	trk := tracker.New(r, w, mat, &esc, loc, log)
	sched := scheduler.New(r, mat, ev, esc, cfg, loc, log)

	return &app{
		Cfg:          cfg,
		Repo:         r,
		Audit:        w,
		Materializer: mat,
		Evaluator:    ev,
		Escalator:    esc,
		Tracker:      trk,
		Scheduler:    sched,
		Close:        func() { conn.Close() },
	}, nil
}

func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize workspace with default config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: config at %s, database at %s\n", path, db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{Use: "template", Short: "Manage task templates"}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(subtaskAddCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var id, name, period, effectiveFrom, owner string
	var reporting, escalation []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task template",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch period {
			case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly:
			default:
				return fmt.Errorf("--period must be daily, weekly or monthly")
			}
			if _, err := time.Parse("2006-01-02", effectiveFrom); err != nil {
				return fmt.Errorf("--effective-from must be YYYY-MM-DD")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				now := time.Now().UTC().Format(time.RFC3339)
				t := domain.TaskTemplate{
					ID:                 id,
					Name:               name,
					Period:             period,
					EffectiveFrom:      effectiveFrom,
					Active:             true,
					Status:             domain.StatusActive,
					Owner:              owner,
					ReportingManagers:  reporting,
					EscalationManagers: escalation,
					CreatedAt:          now,
					UpdatedAt:          now,
				}
				if err := a.Repo.InsertTemplate(ctx, t); err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "template id")
	cmd.Flags().StringVar(&name, "name", "", "template name")
	cmd.Flags().StringVar(&period, "period", domain.PeriodDaily, "daily, weekly or monthly")
	cmd.Flags().StringVar(&effectiveFrom, "effective-from", "", "first run date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&owner, "owner", "", "owner name")
	cmd.Flags().StringSliceVar(&reporting, "reporting", nil, "reporting manager names")
	cmd.Flags().StringSliceVar(&escalation, "escalation", nil, "escalation manager names")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("effective-from")
	return cmd
}

func templateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List task templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListTemplates(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Period", "Effective", "Status", "Owner"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Period, t.EffectiveFrom, t.Status, t.Owner})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				t, err := a.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				subtasks, err := a.Repo.ListSubtasks(ctx, t.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"template": t, "subtasks": subtasks})
			})
		},
	}
	return cmd
}

func subtaskAddCmd() *cobra.Command {
	var id, taskID, name, scheduledAt string
	var position, slaHours, slaMinutes int
	cmd := &cobra.Command{
		Use:   "add-subtask",
		Short: "Add a subtask to a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := time.Parse("15:04", scheduledAt); err != nil {
				return fmt.Errorf("--at must be HH:MM")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				s := domain.SubtaskTemplate{
					ID:          id,
					TaskID:      taskID,
					Name:        name,
					Position:    position,
					ScheduledAt: scheduledAt,
					SLAHours:    slaHours,
					SLAMinutes:  slaMinutes,
				}
				if err := a.Repo.InsertSubtask(ctx, s); err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "subtask id")
	cmd.Flags().StringVar(&taskID, "task", "", "template id")
	cmd.Flags().StringVar(&name, "name", "", "subtask name")
	cmd.Flags().IntVar(&position, "position", 0, "order within the task")
	cmd.Flags().StringVar(&scheduledAt, "at", "", "scheduled start (HH:MM)")
	cmd.Flags().IntVar(&slaHours, "sla-hours", 0, "SLA budget hours")
	cmd.Flags().IntVar(&slaMinutes, "sla-minutes", 0, "SLA budget minutes")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func trackerCmd() *cobra.Command {
	trk := &cobra.Command{Use: "tracker", Short: "Inspect and update daily trackers"}
	trk.AddCommand(trackerListCmd())
	trk.AddCommand(trackerUpdateCmd())
	return trk
}

func trackerListCmd() *cobra.Command {
	var runDate, taskID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List trackers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListTrackers(ctx, repo.TrackerFilters{
					RunDate: runDate, TaskID: taskID, Status: status, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Date", "Task", "Subtask", "At", "Status", "Owner"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.RunDate, t.TaskName, t.SubtaskName, t.ScheduledAt, t.Status, t.Owner})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runDate, "date", "", "run date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&taskID, "task", "", "template id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func trackerUpdateCmd() *cobra.Command {
	var trackerID int64
	var taskID, subtaskID, status, reason string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Apply a manual status change",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				t, err := a.Tracker.UpdateStatus(ctx, tracker.UpdateOptions{
					TrackerID: trackerID,
					TaskID:    taskID,
					SubtaskID: subtaskID,
					Status:    status,
					Reason:    reason,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&trackerID, "id", 0, "tracker id")
	cmd.Flags().StringVar(&taskID, "task", "", "template id (with --subtask, targets today's instance)")
	cmd.Flags().StringVar(&subtaskID, "subtask", "", "subtask id")
	cmd.Flags().StringVar(&status, "status", "", "in_progress, completed, delayed or cancelled")
	cmd.Flags().StringVar(&reason, "reason", "", "delay reason")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one SLA sweep and escalation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				a.Scheduler.RunSweep(ctx, false)
				return nil
			})
		},
	}
	return cmd
}

func materializeCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "materialize",
		Short: "Materialize trackers for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				loc, err := a.Cfg.Location()
				if err != nil {
					return err
				}
				day := time.Now().In(loc)
				if date != "" {
					day, err = time.ParseInLocation("2006-01-02", date, loc)
					if err != nil {
						return fmt.Errorf("--date must be YYYY-MM-DD")
					}
				}
				n, err := a.Materializer.EnsureForDate(ctx, day)
				if err != nil {
					return err
				}
				fmt.Printf("Created %d trackers for %s\n", n, day.Format("2006-01-02"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "run date (defaults to today)")
	return cmd
}

func rollupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollup",
		Short: "Refresh template statuses and roll over finished daily tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				a.Scheduler.RunRollup(ctx)
				return nil
			})
		},
	}
	return cmd
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage the recipient directory"}
	usr.AddCommand(userUpsertCmd())
	return usr
}

func userUpsertCmd() *cobra.Command {
	var id, name, email string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "upsert",
		Short: "Create or update a directory user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				u := domain.User{ID: id, Name: name, Email: email, Active: !inactive}
				if err := a.Repo.UpsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "user id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "mark user inactive")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func auditCmd() *cobra.Command {
	log := &cobra.Command{Use: "audit", Short: "Inspect the activity log"}
	log.AddCommand(auditTailCmd())
	return log
}

func auditTailCmd() *cobra.Command {
	var n int
	var action, taskID, subtaskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				items, err := a.Repo.ListAudit(ctx, repo.AuditFilters{
					TaskID: taskID, SubtaskID: subtaskID, Action: action, Limit: n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&taskID, "task", "", "template id filter")
	cmd.Flags().StringVar(&subtaskID, "subtask", "", "subtask id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the secret is printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
				secret := uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := a.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("API key created for %s\nX-Api-Key: %s\n", actorID, secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler and HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if !noScheduler {
				if err := a.Scheduler.Start(ctx, a.Cfg); err != nil {
					return err
				}
				defer a.Scheduler.Stop(context.Background())
			}

			handler, err := server.New(server.Config{
				Repo:     a.Repo,
				Tracker:  a.Tracker,
				BasePath: a.Cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:              a.Cfg.Server.JWTSecret,
					AllowLegacyActorHeader: a.Cfg.Server.AllowLegacyActorHeader,
				},
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Opsline API on http://%s%s\n", addr, a.Cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without periodic jobs")
	return cmd
}

// --- helpers ---

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
