package domain

// EventType tags the closed set of lifecycle events.
type EventType string

const (
	EventStageChange            EventType = "stage_change"
	EventTaskAdded              EventType = "task_added"
	EventTaskStatusChange       EventType = "task_status_change"
	EventYieldCheckpointAdded   EventType = "yield_checkpoint_added"
	EventCollaboratorAdded      EventType = "collaborator_added"
	EventCollaboratorNoteLogged EventType = "collaborator_note_logged"
	EventCoordinatesUpdated     EventType = "coordinates_updated"
)

// Event is an immutable record of a state change, broadcast once to current
// bus subscribers and never replayed. Plantation carries the post-mutation
// snapshot; the remaining fields are populated per type.
type Event struct {
	Type       EventType  `json:"type"`
	TS         string     `json:"ts" format:"date-time"`
	Wallet     string     `json:"wallet,omitempty"`
	Plantation Plantation `json:"plantation"`

	PrevStage Stage  `json:"prev_stage,omitempty"`
	NextStage Stage  `json:"next_stage,omitempty"`
	Note      string `json:"note,omitempty"`

	Task       *Task      `json:"task,omitempty"`
	PrevStatus TaskStatus `json:"prev_status,omitempty"`
	NextStatus TaskStatus `json:"next_status,omitempty"`

	Collaborator *Collaborator    `json:"collaborator,omitempty"`
	Checkpoint   *YieldCheckpoint `json:"checkpoint,omitempty"`
	Coordinates  *Coordinates     `json:"coordinates,omitempty"`
}
