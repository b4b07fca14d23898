package server

import (
	"opsline/internal/domain"
)

type CreateTemplateRequest struct {
	ID                 string                 `json:"id"`
	Name               string                 `json:"name"`
	Period             string                 `json:"period" enum:"daily,weekly,monthly"`
	EffectiveFrom      string                 `json:"effective_from" format:"date"`
	Owner              string                 `json:"owner"`
	ReportingManagers  []string               `json:"reporting_managers,omitempty"`
	EscalationManagers []string               `json:"escalation_managers,omitempty"`
	Subtasks           []CreateSubtaskRequest `json:"subtasks,omitempty"`
}

type CreateSubtaskRequest struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	ScheduledAt string `json:"scheduled_at" example:"06:00"`
	SLAHours    int    `json:"sla_hours"`
	SLAMinutes  int    `json:"sla_minutes"`
}

type UpdateTrackerStatusRequest struct {
	Status string `json:"status" enum:"in_progress,completed,delayed,cancelled"`
	Reason string `json:"reason,omitempty"`
}

type UpsertUserRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

type TemplateResponse struct {
	domain.TaskTemplate
	Subtasks []domain.SubtaskTemplate `json:"subtasks,omitempty"`
}

type TrackerResponse struct {
	domain.Tracker
}

type paginatedTrackers struct {
	Items []TrackerResponse `json:"items"`
}

type paginatedReservations struct {
	Items []domain.AlertReservation `json:"items"`
}

type paginatedAudit struct {
	Items []domain.AuditEntry `json:"items"`
}

func trackerResponse(t domain.Tracker) TrackerResponse {
	return TrackerResponse{Tracker: t}
}

func mapTrackers(items []domain.Tracker) []TrackerResponse {
	res := make([]TrackerResponse, 0, len(items))
	for _, t := range items {
		res = append(res, trackerResponse(t))
	}
	return res
}
