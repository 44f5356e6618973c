package domain

// Stage is a plantation lifecycle phase. The canonical order is
// planted -> growing -> harvested.
type Stage string

const (
	StagePlanted   Stage = "planted"
	StageGrowing   Stage = "growing"
	StageHarvested Stage = "harvested"
)

// KnownStage reports whether s is one of the three lifecycle stages.
func KnownStage(s Stage) bool {
	switch s {
	case StagePlanted, StageGrowing, StageHarvested:
		return true
	}
	return false
}

// StageRank returns the position of a stage in the canonical order,
// or -1 for unknown stages.
func StageRank(s Stage) int {
	switch s {
	case StagePlanted:
		return 0
	case StageGrowing:
		return 1
	case StageHarvested:
		return 2
	}
	return -1
}

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
)

// KnownTaskStatus reports whether s is an allowed task status.
func KnownTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted:
		return true
	}
	return false
}

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

func KnownFrequency(f Frequency) bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type Plantation struct {
	ID               string            `json:"id"`
	SeedName         string            `json:"seed_name"`
	Location         string            `json:"location,omitempty"`
	Stage            Stage             `json:"stage" enum:"planted,growing,harvested"`
	StartDate        string            `json:"start_date" format:"date-time"`
	UpdatedAt        string            `json:"updated_at" format:"date-time"`
	Wallet           string            `json:"wallet"`
	TreeCount        int               `json:"tree_count"`
	AreaHectares     float64           `json:"area_hectares"`
	CarbonOffsetTons float64           `json:"carbon_offset_tons"`
	Notes            string            `json:"notes,omitempty"`
	Coordinates      *Coordinates      `json:"coordinates,omitempty"`
	YieldTimeline    []YieldCheckpoint `json:"yield_timeline,omitempty"`
	Collaborators    []Collaborator    `json:"collaborators,omitempty"`
	Tasks            []Task            `json:"tasks,omitempty"`
}

// Collaborator looks up a collaborator by id.
func (p Plantation) Collaborator(id string) (Collaborator, bool) {
	for _, c := range p.Collaborators {
		if c.ID == id {
			return c, true
		}
	}
	return Collaborator{}, false
}

// Task looks up a task by id and returns its index.
func (p Plantation) Task(id string) (int, bool) {
	for i, t := range p.Tasks {
		if t.ID == id {
			return i, true
		}
	}
	return -1, false
}

// CompletedTaskCount counts tasks in completed status.
func (p Plantation) CompletedTaskCount() int {
	n := 0
	for _, t := range p.Tasks {
		if t.Status == TaskCompleted {
			n++
		}
	}
	return n
}

type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	DueDate    string     `json:"due_date" format:"date-time"`
	Status     TaskStatus `json:"status" enum:"pending,in_progress,completed"`
	TemplateID *string    `json:"template_id,omitempty"`
	AssigneeID *string    `json:"assignee_id,omitempty"`
	Notes      *string    `json:"notes,omitempty"`
}

type Collaborator struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Role        string  `json:"role"`
	Contact     string  `json:"contact,omitempty"`
	AvatarURL   string  `json:"avatar_url,omitempty"`
	LastNote    *string `json:"last_note,omitempty"`
	LastUpdated *string `json:"last_updated,omitempty" format:"date-time"`
}

type YieldCheckpoint struct {
	ID      string  `json:"id"`
	Date    string  `json:"date" format:"date-time"`
	Event   string  `json:"event"`
	YieldKg float64 `json:"yield_kg"`
}

// StageTaskTemplate spawns a single task when a plantation enters its stage.
type StageTaskTemplate struct {
	ID            string `json:"id" yaml:"id"`
	Stage         Stage  `json:"stage" yaml:"stage" enum:"planted,growing,harvested"`
	Title         string `json:"title" yaml:"title"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	DueOffsetDays int    `json:"due_offset_days" yaml:"due_offset_days"`
	AssigneeRole  string `json:"assignee_role,omitempty" yaml:"assignee_role,omitempty"`
	Enabled       bool   `json:"enabled" yaml:"enabled"`
}

// RecurringTaskTemplate spawns tasks on a repeating cadence. NextRunDate is
// advanced in place by the scheduler.
type RecurringTaskTemplate struct {
	ID              string    `json:"id"`
	PlantationID    string    `json:"plantation_id"`
	Title           string    `json:"title"`
	Description     string    `json:"description,omitempty"`
	Frequency       Frequency `json:"frequency" enum:"daily,weekly,monthly"`
	Interval        int       `json:"interval"`
	LeadTimeDays    int       `json:"lead_time_days"`
	NextRunDate     string    `json:"next_run_date" format:"date-time"`
	LastGeneratedAt *string   `json:"last_generated_at,omitempty" format:"date-time"`
	CreatedAt       string    `json:"created_at" format:"date-time"`
	Enabled         bool      `json:"enabled"`
}

// StageGateRule is a prerequisite checked before a plantation advances to
// TargetStage. Every threshold field is an independent optional constraint;
// nil fields are skipped. Advisory rules surface as warnings, never blockers.
type StageGateRule struct {
	TargetStage               Stage `json:"target_stage" yaml:"target_stage" enum:"planted,growing,harvested"`
	RequiredTasksCompleted    *int  `json:"required_tasks_completed,omitempty" yaml:"required_tasks_completed,omitempty"`
	MinimumDaysInCurrentStage *int  `json:"minimum_days_in_current_stage,omitempty" yaml:"minimum_days_in_current_stage,omitempty"`
	MinimumYieldCheckpoints   *int  `json:"minimum_yield_checkpoints,omitempty" yaml:"minimum_yield_checkpoints,omitempty"`
	RequireCoordinates        bool  `json:"require_coordinates,omitempty" yaml:"require_coordinates,omitempty"`
	RequireCollaborators      *int  `json:"require_collaborators,omitempty" yaml:"require_collaborators,omitempty"`
	Advisory                  bool  `json:"advisory,omitempty" yaml:"advisory,omitempty"`
	Enabled                   bool  `json:"enabled" yaml:"enabled"`
}

// Registry is the persisted aggregate snapshot. Missing collections are
// repaired from seed defaults on load.
type Registry struct {
	SchemaVersion      int                     `json:"schema_version"`
	Plantations        []Plantation            `json:"plantations"`
	RecurringTemplates []RecurringTaskTemplate `json:"recurring_templates"`
	StageTemplates     []StageTaskTemplate     `json:"stage_templates"`
}

// Plantation returns the index of the plantation with the given id.
func (r *Registry) Plantation(id string) (int, bool) {
	for i, p := range r.Plantations {
		if p.ID == id {
			return i, true
		}
	}
	return -1, false
}
