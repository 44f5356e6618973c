package server

import (
	"groveline/internal/domain"
)

// Request payloads

type CreatePlantationRequest struct {
	SeedName         string              `json:"seed_name" minLength:"1"`
	Location         *string             `json:"location,omitempty"`
	Stage            *string             `json:"stage,omitempty" enum:"planted,growing,harvested"`
	StartDate        *string             `json:"start_date,omitempty" format:"date-time"`
	Wallet           *string             `json:"wallet,omitempty"`
	TreeCount        int                 `json:"tree_count,omitempty"`
	AreaHectares     float64             `json:"area_hectares,omitempty"`
	CarbonOffsetTons float64             `json:"carbon_offset_tons,omitempty"`
	Coordinates      *domain.Coordinates `json:"coordinates,omitempty"`
}

type TransitionRequest struct {
	TargetStage string  `json:"target_stage" enum:"planted,growing,harvested"`
	Note        *string `json:"note,omitempty"`
}

type BulkTransitionRequest struct {
	IDs         []string `json:"ids" minItems:"1"`
	TargetStage string   `json:"target_stage" enum:"planted,growing,harvested"`
	Note        *string  `json:"note,omitempty"`
}

type BulkTransitionResponse struct {
	Changed int `json:"changed"`
}

type GateCheckRequest struct {
	TargetStage string `json:"target_stage" enum:"planted,growing,harvested"`
}

type CreateTaskRequest struct {
	Title      string  `json:"title" minLength:"1"`
	DueDate    *string `json:"due_date,omitempty" format:"date-time"`
	Status     *string `json:"status,omitempty" enum:"pending,in_progress,completed"`
	AssigneeID *string `json:"assignee_id,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

type SetTaskStatusRequest struct {
	Status string `json:"status" enum:"pending,in_progress,completed"`
}

type SetTaskAssigneeRequest struct {
	// Null clears the assignee.
	AssigneeID *string `json:"assignee_id"`
}

type CreateCollaboratorRequest struct {
	Name      string  `json:"name" minLength:"1"`
	Role      string  `json:"role" minLength:"1"`
	Contact   *string `json:"contact,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

type LogCollaboratorNoteRequest struct {
	Note string `json:"note" minLength:"1"`
}

type CreateCheckpointRequest struct {
	Date    *string `json:"date,omitempty" format:"date-time"`
	Event   string  `json:"event" minLength:"1"`
	YieldKg float64 `json:"yield_kg"`
}

type SetCoordinatesRequest struct {
	Lat float64 `json:"lat" minimum:"-90" maximum:"90"`
	Lng float64 `json:"lng" minimum:"-180" maximum:"180"`
}

type CreateRecurringTemplateRequest struct {
	PlantationID string  `json:"plantation_id" minLength:"1"`
	Title        string  `json:"title" minLength:"1"`
	Description  *string `json:"description,omitempty"`
	Frequency    string  `json:"frequency" enum:"daily,weekly,monthly"`
	Interval     int     `json:"interval,omitempty" minimum:"1"`
	LeadTimeDays int     `json:"lead_time_days,omitempty" minimum:"0"`
	NextRunDate  *string `json:"next_run_date,omitempty" format:"date-time"`
	Enabled      *bool   `json:"enabled,omitempty"`
}

type SetRecurringEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type SchedulerRunRequest struct {
	// Now overrides the clock, mainly for catch-up testing.
	Now *string `json:"now,omitempty" format:"date-time"`
}

type SchedulerRunResponse struct {
	Created []domain.Task `json:"created"`
}
