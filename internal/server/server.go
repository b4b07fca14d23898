// Package server exposes the HTTP API: template management, tracker reads,
// manual status updates, and alert/audit inspection.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"opsline/internal/domain"
	"opsline/internal/repo"
	"opsline/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Tracker  tracker.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"tracker not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Opsline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Opsline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTemplates(group, cfg)
	registerTrackers(group, cfg)
	registerAlerts(group, cfg)
	registerAudit(group, cfg)
	registerUsers(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "concurrently"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerTemplates(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/templates",
		Summary:       "Create task template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTemplateRequest `json:"body"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		if input.Body.ID == "" || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and name are required", nil)
		}
		switch input.Body.Period {
		case domain.PeriodDaily, domain.PeriodWeekly, domain.PeriodMonthly:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "period must be daily, weekly or monthly", nil)
		}
		if _, err := time.Parse("2006-01-02", input.Body.EffectiveFrom); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "effective_from must be YYYY-MM-DD", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := time.Now().UTC().Format(time.RFC3339)
		tpl := domain.TaskTemplate{
			ID:                 input.Body.ID,
			Name:               input.Body.Name,
			Period:             input.Body.Period,
			EffectiveFrom:      input.Body.EffectiveFrom,
			Active:             true,
			Status:             domain.StatusActive,
			Owner:              input.Body.Owner,
			ReportingManagers:  input.Body.ReportingManagers,
			EscalationManagers: input.Body.EscalationManagers,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := cfg.Repo.InsertTemplate(ctx, tpl); err != nil {
			return nil, handleError(err)
		}
		for _, st := range input.Body.Subtasks {
			if _, err := time.Parse("15:04", st.ScheduledAt); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "scheduled_at must be HH:MM", map[string]any{"subtask": st.ID})
			}
			if err := cfg.Repo.InsertSubtask(ctx, domain.SubtaskTemplate{
				ID:          st.ID,
				TaskID:      tpl.ID,
				Name:        st.Name,
				Position:    st.Position,
				ScheduledAt: st.ScheduledAt,
				SLAHours:    st.SLAHours,
				SLAMinutes:  st.SLAMinutes,
			}); err != nil {
				return nil, handleError(err)
			}
		}
		return getTemplateResponse(ctx, cfg, tpl.ID)
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List task templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TaskTemplate `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TaskTemplate `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{id}",
		Summary:     "Get task template with subtasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TemplateResponse `json:"body"`
	}, error) {
		return getTemplateResponse(ctx, cfg, input.ID)
	})
}

func getTemplateResponse(ctx context.Context, cfg Config, id string) (*struct {
	Body TemplateResponse `json:"body"`
}, error) {
	tpl, err := cfg.Repo.GetTemplate(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	subtasks, err := cfg.Repo.ListSubtasks(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	return &struct {
		Body TemplateResponse `json:"body"`
	}{Body: TemplateResponse{TaskTemplate: tpl, Subtasks: subtasks}}, nil
}

func registerTrackers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-trackers",
		Method:      http.MethodGet,
		Path:        "/trackers",
		Summary:     "List trackers",
	}, func(ctx context.Context, input *struct {
		RunDate string `query:"run_date"`
		TaskID  string `query:"task_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedTrackers `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListTrackers(ctx, repo.TrackerFilters{
			RunDate: input.RunDate,
			TaskID:  input.TaskID,
			Status:  input.Status,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTrackers `json:"body"`
		}{Body: paginatedTrackers{Items: mapTrackers(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-tracker",
		Method:      http.MethodGet,
		Path:        "/trackers/{id}",
		Summary:     "Get tracker",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body TrackerResponse `json:"body"`
	}, error) {
		t, err := cfg.Repo.GetTracker(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrackerResponse `json:"body"`
		}{Body: trackerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tracker-status",
		Method:      http.MethodPost,
		Path:        "/trackers/{id}/status",
		Summary:     "Apply a manual tracker status change",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   int64                      `path:"id"`
		Body UpdateTrackerStatusRequest `json:"body"`
	}) (*struct {
		Body TrackerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := cfg.Tracker.UpdateStatus(ctx, tracker.UpdateOptions{
			TrackerID: input.ID,
			Status:    input.Body.Status,
			Reason:    input.Body.Reason,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrackerResponse `json:"body"`
		}{Body: trackerResponse(t)}, nil
	})

	// Addressing by template identity materializes today's instance lazily.
	huma.Register(api, huma.Operation{
		OperationID: "update-subtask-status",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/subtasks/{subtask_id}/status",
		Summary:     "Apply a status change to today's instance of a subtask",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID    string                     `path:"task_id"`
		SubtaskID string                     `path:"subtask_id"`
		Body      UpdateTrackerStatusRequest `json:"body"`
	}) (*struct {
		Body TrackerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := cfg.Tracker.UpdateStatus(ctx, tracker.UpdateOptions{
			TaskID:    input.TaskID,
			SubtaskID: input.SubtaskID,
			Status:    input.Body.Status,
			Reason:    input.Body.Reason,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrackerResponse `json:"body"`
		}{Body: trackerResponse(t)}, nil
	})
}

func registerAlerts(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List sent alert reservations",
	}, func(ctx context.Context, input *struct {
		TaskID    string `query:"task_id"`
		SubtaskID string `query:"subtask_id"`
		Group     string `query:"group"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedReservations `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListReservations(ctx, repo.ReservationFilters{
			TaskID:     input.TaskID,
			SubtaskID:  input.SubtaskID,
			AlertGroup: input.Group,
			Limit:      input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedReservations `json:"body"`
		}{Body: paginatedReservations{Items: items}}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit entries",
	}, func(ctx context.Context, input *struct {
		TaskID    string `query:"task_id"`
		SubtaskID string `query:"subtask_id"`
		Action    string `query:"action"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body paginatedAudit `json:"body"`
	}, error) {
		items, err := cfg.Repo.ListAudit(ctx, repo.AuditFilters{
			TaskID:    input.TaskID,
			SubtaskID: input.SubtaskID,
			Action:    input.Action,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedAudit `json:"body"`
		}{Body: paginatedAudit{Items: items}}, nil
	})
}

func registerUsers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPut,
		Path:        "/users",
		Summary:     "Create or update a directory user",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpsertUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if input.Body.ID == "" || input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id and name are required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		u := domain.User{
			ID:     input.Body.ID,
			Name:   input.Body.Name,
			Email:  input.Body.Email,
			Active: input.Body.Active,
		}
		if err := cfg.Repo.UpsertUser(ctx, u); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}
