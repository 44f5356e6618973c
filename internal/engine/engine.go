// Package engine owns the in-memory plantation registry and the stage
// transition state machine. Every public operation is a single synchronous
// call: mutate under the registry lock, persist the snapshot, then emit
// events to the bus after the mutation commits.
//
// Invalid inputs (unknown ids, unknown enum values, transitions to the
// current stage) are silent no-ops returning ok=false rather than errors.
package engine

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"groveline/internal/config"
	"groveline/internal/domain"
	"groveline/internal/events"
	"groveline/internal/gate"
	"groveline/internal/recurrence"
	"groveline/internal/stagetask"
	"groveline/internal/store"
)

type Engine struct {
	Config *config.Config
	Bus    *events.Bus
	Store  *store.Store
	Now    func() time.Time
	NewID  func() string

	mu  sync.Mutex
	reg *domain.Registry
}

// New builds an engine over a loaded registry. Store may be nil for
// in-memory use; Bus may be nil when no observers exist.
func New(reg *domain.Registry, cfg *config.Config, bus *events.Bus, st *store.Store) *Engine {
	if reg == nil {
		reg = store.Seed()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		Config: cfg,
		Bus:    bus,
		Store:  st,
		Now:    time.Now,
		NewID:  uuid.NewString,
		reg:    reg,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) stamp() string {
	return e.now().Format(time.RFC3339)
}

// persistLocked saves the snapshot. Persistence failures are logged, not
// surfaced: the in-memory state stays authoritative for the process.
func (e *Engine) persistLocked() {
	if e.Store == nil {
		return
	}
	if err := e.Store.Save(context.Background(), e.reg); err != nil {
		log.Printf("engine: persist snapshot failed: %v", err)
	}
}

func (e *Engine) emit(evts ...domain.Event) {
	if e.Bus == nil {
		return
	}
	for _, evt := range evts {
		e.Bus.Emit(evt)
	}
}

func (e *Engine) event(t domain.EventType, p domain.Plantation, actor string) domain.Event {
	return domain.Event{Type: t, TS: e.stamp(), Wallet: actor, Plantation: p}
}

// --- reads ---

// Plantations returns all plantations, newest first by start date.
func (e *Engine) Plantations() []domain.Plantation {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Plantation, len(e.reg.Plantations))
	copy(out, e.reg.Plantations)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartDate > out[j].StartDate })
	return out
}

func (e *Engine) Plantation(id string) (domain.Plantation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i, ok := e.reg.Plantation(id); ok {
		return e.reg.Plantations[i], true
	}
	return domain.Plantation{}, false
}

// PlantationsByWallet returns plantations owned by the wallet, matched
// case-insensitively.
func (e *Engine) PlantationsByWallet(wallet string) []domain.Plantation {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []domain.Plantation
	for _, p := range e.reg.Plantations {
		if strings.EqualFold(p.Wallet, wallet) {
			out = append(out, p)
		}
	}
	return out
}

func (e *Engine) RecurringTemplates() []domain.RecurringTaskTemplate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.RecurringTaskTemplate, len(e.reg.RecurringTemplates))
	copy(out, e.reg.RecurringTemplates)
	return out
}

func (e *Engine) StageTemplates() []domain.StageTaskTemplate {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.StageTaskTemplate, len(e.reg.StageTemplates))
	copy(out, e.reg.StageTemplates)
	return out
}

// GateCheck evaluates the configured gate rules for a candidate target
// stage. Advisory only: Transition never consults it.
func (e *Engine) GateCheck(id string, target domain.Stage) (gate.Verdict, bool) {
	p, ok := e.Plantation(id)
	if !ok {
		return gate.Verdict{}, false
	}
	return gate.Validate(p, target, e.Config.GateRules, e.now()), true
}

// --- plantation creation ---

type PlantationCreateOptions struct {
	SeedName         string
	Location         string
	Stage            domain.Stage
	StartDate        string
	Wallet           string
	TreeCount        int
	AreaHectares     float64
	CarbonOffsetTons float64
	Coordinates      *domain.Coordinates
	Collaborators    []domain.Collaborator
	Tasks            []domain.Task
	YieldTimeline    []domain.YieldCheckpoint
}

// AddPlantation registers a new plantation, assigning ids and defaults for
// whatever the draft left out. Stage defaults to planted; unknown stage or
// task status values are replaced, not rejected, so a partial draft always
// lands in a valid state.
func (e *Engine) AddPlantation(opts PlantationCreateOptions) domain.Plantation {
	now := e.stamp()
	p := domain.Plantation{
		ID:               e.newID(),
		SeedName:         opts.SeedName,
		Location:         opts.Location,
		Stage:            opts.Stage,
		StartDate:        opts.StartDate,
		UpdatedAt:        now,
		Wallet:           opts.Wallet,
		TreeCount:        opts.TreeCount,
		AreaHectares:     opts.AreaHectares,
		CarbonOffsetTons: opts.CarbonOffsetTons,
		Coordinates:      opts.Coordinates,
		YieldTimeline:    opts.YieldTimeline,
		Collaborators:    opts.Collaborators,
		Tasks:            opts.Tasks,
	}
	if !domain.KnownStage(p.Stage) {
		p.Stage = domain.StagePlanted
	}
	if p.StartDate == "" {
		p.StartDate = now
	}
	for i := range p.Collaborators {
		if p.Collaborators[i].ID == "" {
			p.Collaborators[i].ID = e.newID()
		}
	}
	for i := range p.Tasks {
		if p.Tasks[i].ID == "" {
			p.Tasks[i].ID = e.newID()
		}
		if !domain.KnownTaskStatus(p.Tasks[i].Status) {
			p.Tasks[i].Status = domain.TaskPending
		}
	}
	for i := range p.YieldTimeline {
		if p.YieldTimeline[i].ID == "" {
			p.YieldTimeline[i].ID = e.newID()
		}
	}
	sortTimeline(p.YieldTimeline)

	e.mu.Lock()
	e.reg.Plantations = append(e.reg.Plantations, p)
	e.persistLocked()
	e.mu.Unlock()
	return p
}

// --- stage transitions ---

// Transition moves a plantation to targetStage and generates the stage's
// one-shot template tasks. No-op when the stage is unknown, the plantation
// does not exist, or it is already at targetStage. Emits one stage_change,
// then one task_added per generated task, after the mutation commits.
func (e *Engine) Transition(id string, targetStage domain.Stage, note *string, actor string) (domain.Plantation, bool) {
	if !domain.KnownStage(targetStage) {
		return domain.Plantation{}, false
	}
	e.mu.Lock()
	i, ok := e.reg.Plantation(id)
	if !ok || e.reg.Plantations[i].Stage == targetStage {
		e.mu.Unlock()
		return domain.Plantation{}, false
	}
	p := &e.reg.Plantations[i]
	prev := p.Stage
	p.Stage = targetStage
	p.UpdatedAt = e.stamp()
	if note != nil {
		p.Notes = *note
	}
	tasks, created := stagetask.Generate(*p, targetStage, e.reg.StageTemplates, e.now(), e.newID)
	p.Tasks = tasks
	snapshot := *p
	e.persistLocked()
	e.mu.Unlock()

	evt := e.event(domain.EventStageChange, snapshot, actor)
	evt.PrevStage = prev
	evt.NextStage = targetStage
	if note != nil {
		evt.Note = *note
	}
	evts := []domain.Event{evt}
	for i := range created {
		te := e.event(domain.EventTaskAdded, snapshot, actor)
		te.Task = &created[i]
		evts = append(evts, te)
	}
	e.emit(evts...)
	return snapshot, true
}

// TransitionMany applies Transition's stage rule independently per id,
// skipping ids already at the target stage. Batch moves deliberately skip
// stage-template task generation to avoid N x catalog fan-out; callers
// wanting generated tasks transition individually. One stage_change is
// emitted per plantation actually changed.
func (e *Engine) TransitionMany(ids []string, targetStage domain.Stage, note *string, actor string) int {
	if !domain.KnownStage(targetStage) {
		return 0
	}
	var evts []domain.Event
	e.mu.Lock()
	for _, id := range ids {
		i, ok := e.reg.Plantation(id)
		if !ok || e.reg.Plantations[i].Stage == targetStage {
			continue
		}
		p := &e.reg.Plantations[i]
		prev := p.Stage
		p.Stage = targetStage
		p.UpdatedAt = e.stamp()
		if note != nil {
			p.Notes = *note
		}
		evt := e.event(domain.EventStageChange, *p, actor)
		evt.PrevStage = prev
		evt.NextStage = targetStage
		if note != nil {
			evt.Note = *note
		}
		evts = append(evts, evt)
	}
	if len(evts) > 0 {
		e.persistLocked()
	}
	e.mu.Unlock()
	e.emit(evts...)
	return len(evts)
}

// --- tasks ---

type TaskCreateOptions struct {
	Title      string
	DueDate    string
	Status     domain.TaskStatus
	AssigneeID *string
	Notes      *string
}

// AddTask appends a manually created task (no template provenance).
func (e *Engine) AddTask(plantationID string, opts TaskCreateOptions, actor string) (domain.Task, bool) {
	if opts.Status == "" {
		opts.Status = domain.TaskPending
	}
	if !domain.KnownTaskStatus(opts.Status) {
		return domain.Task{}, false
	}
	e.mu.Lock()
	i, ok := e.reg.Plantation(plantationID)
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, false
	}
	p := &e.reg.Plantations[i]
	if opts.AssigneeID != nil {
		if _, ok := p.Collaborator(*opts.AssigneeID); !ok {
			e.mu.Unlock()
			return domain.Task{}, false
		}
	}
	t := domain.Task{
		ID:         e.newID(),
		Title:      opts.Title,
		DueDate:    opts.DueDate,
		Status:     opts.Status,
		AssigneeID: opts.AssigneeID,
		Notes:      opts.Notes,
	}
	if t.DueDate == "" {
		t.DueDate = e.stamp()
	}
	p.Tasks = append(p.Tasks, t)
	p.UpdatedAt = e.stamp()
	snapshot := *p
	e.persistLocked()
	e.mu.Unlock()

	evt := e.event(domain.EventTaskAdded, snapshot, actor)
	evt.Task = &t
	e.emit(evt)
	return t, true
}

// SetTaskStatus updates a task's status. No-op when the status is unknown
// or unchanged.
func (e *Engine) SetTaskStatus(plantationID, taskID string, status domain.TaskStatus, actor string) (domain.Task, bool) {
	if !domain.KnownTaskStatus(status) {
		return domain.Task{}, false
	}
	e.mu.Lock()
	i, ok := e.reg.Plantation(plantationID)
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, false
	}
	p := &e.reg.Plantations[i]
	ti, ok := p.Task(taskID)
	if !ok || p.Tasks[ti].Status == status {
		e.mu.Unlock()
		return domain.Task{}, false
	}
	prev := p.Tasks[ti].Status
	p.Tasks[ti].Status = status
	p.UpdatedAt = e.stamp()
	t := p.Tasks[ti]
	snapshot := *p
	e.persistLocked()
	e.mu.Unlock()

	evt := e.event(domain.EventTaskStatusChange, snapshot, actor)
	evt.Task = &t
	evt.PrevStatus = prev
	evt.NextStatus = status
	e.emit(evt)
	return t, true
}

// SetTaskAssignee sets or clears (nil) a task's assignee. The assignee must
// be a collaborator of the owning plantation.
func (e *Engine) SetTaskAssignee(plantationID, taskID string, assigneeID *string, actor string) (domain.Task, bool) {
	e.mu.Lock()
	i, ok := e.reg.Plantation(plantationID)
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, false
	}
	p := &e.reg.Plantations[i]
	ti, ok := p.Task(taskID)
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, false
	}
	if assigneeID != nil {
		if _, ok := p.Collaborator(*assigneeID); !ok {
			e.mu.Unlock()
			return domain.Task{}, false
		}
	}
	p.Tasks[ti].AssigneeID = assigneeID
	p.UpdatedAt = e.stamp()
	t := p.Tasks[ti]
	e.persistLocked()
	e.mu.Unlock()
	return t, true
}

// --- collaborators, checkpoints, coordinates ---

type CollaboratorCreateOptions struct {
	Name      string
	Role      string
	Contact   string
	AvatarURL string
}

// AddCollaborator prepends a collaborator so the newest shows first.
func (e *Engine) AddCollaborator(plantationID string, opts CollaboratorCreateOptions, actor string) (domain.Collaborator, bool) {
	e.mu.Lock()
	i, ok := e.reg.Plantation(plantationID)
	if !ok {
		e.mu.Unlock()
		return domain.Collaborator{}, false
	}
	p := &e.reg.Plantations[i]
	now := e.stamp()
	c := domain.Collaborator{
		ID:          e.newID(),
		Name:        opts.Name,
		Role:        opts.Role,
		Contact:     opts.Contact,
		AvatarURL:   opts.AvatarURL,
		LastUpdated: &now,
	}
	p.Collaborators = append([]domain.Collaborator{c}, p.Collaborators...)
	p.UpdatedAt = now
	snapshot := *p
	e.persistLocked()
	e.mu.Unlock()

	evt := e.event(domain.EventCollaboratorAdded, snapshot, actor)
	evt.Collaborator = &c
	e.emit(evt)
	return c, true
}

// LogCollaboratorNote records a collaborator's latest field note.
func (e *Engine) LogCollaboratorNote(plantationID, collaboratorID, note string, actor string) (domain.Collaborator, bool) {
	e.mu.Lock()
	i, ok := e.reg.Plantation(plantationID)
	if !ok {
		e.mu.Unlock()
		return domain.Collaborator{}, false
	}
	p := &e.reg.Plantations[i]
	ci := -1
	for idx, c := range p.Collaborators {
		if c.ID == collaboratorID {
			ci = idx
			break
		}
	}
	if ci < 0 {
		e.mu.Unlock()
		return domain.Collaborator{}, false
	}
	now := e.stamp()
	p.Collaborators[ci].LastNote = &note
	p.Collaborators[ci].LastUpdated = &now
	p.UpdatedAt = now
	c := p.Collaborators[ci]
	snapshot := *p
	e.persistLocked()
	e.mu.Unlock()

	evt := e.event(domain.EventCollaboratorNoteLogged, snapshot, actor)
	evt.Collaborator = &c
	e.emit(evt)
	return c, true
}

type CheckpointCreateOptions struct {
	Date    string
	Event   string
	YieldKg float64
}

// AddYieldCheckpoint inserts a checkpoint and keeps the timeline sorted
// ascending by date.
func (e *Engine) AddYieldCheckpoint(plantationID string, opts CheckpointCreateOptions, actor string) (domain.YieldCheckpoint, bool) {
	e.mu.Lock()
	i, ok := e.reg.Plantation(plantationID)
	if !ok {
		e.mu.Unlock()
		return domain.YieldCheckpoint{}, false
	}
	p := &e.reg.Plantations[i]
	cp := domain.YieldCheckpoint{
		ID:      e.newID(),
		Date:    opts.Date,
		Event:   opts.Event,
		YieldKg: opts.YieldKg,
	}
	if cp.Date == "" {
		cp.Date = e.stamp()
	}
	p.YieldTimeline = append(p.YieldTimeline, cp)
	sortTimeline(p.YieldTimeline)
	p.UpdatedAt = e.stamp()
	snapshot := *p
	e.persistLocked()
	e.mu.Unlock()

	evt := e.event(domain.EventYieldCheckpointAdded, snapshot, actor)
	evt.Checkpoint = &cp
	e.emit(evt)
	return cp, true
}

// SetCoordinates pins the plantation location.
func (e *Engine) SetCoordinates(plantationID string, lat, lng float64, actor string) (domain.Plantation, bool) {
	e.mu.Lock()
	i, ok := e.reg.Plantation(plantationID)
	if !ok {
		e.mu.Unlock()
		return domain.Plantation{}, false
	}
	p := &e.reg.Plantations[i]
	coords := domain.Coordinates{Lat: lat, Lng: lng}
	p.Coordinates = &coords
	p.UpdatedAt = e.stamp()
	snapshot := *p
	e.persistLocked()
	e.mu.Unlock()

	evt := e.event(domain.EventCoordinatesUpdated, snapshot, actor)
	evt.Coordinates = &coords
	e.emit(evt)
	return snapshot, true
}

// --- recurring templates & scheduler ---

type RecurringTemplateCreateOptions struct {
	PlantationID string
	Title        string
	Description  string
	Frequency    domain.Frequency
	Interval     int
	LeadTimeDays int
	NextRunDate  string
	Enabled      *bool
}

// AddRecurringTemplate registers a recurring template. Interval and lead
// time are clamped; an absent or malformed next run date starts now.
func (e *Engine) AddRecurringTemplate(opts RecurringTemplateCreateOptions) (domain.RecurringTaskTemplate, bool) {
	if !domain.KnownFrequency(opts.Frequency) {
		return domain.RecurringTaskTemplate{}, false
	}
	if opts.Interval < 1 {
		opts.Interval = 1
	}
	if opts.LeadTimeDays < 0 {
		opts.LeadTimeDays = 0
	}
	if _, err := time.Parse(time.RFC3339, opts.NextRunDate); err != nil {
		opts.NextRunDate = e.stamp()
	}
	enabled := true
	if opts.Enabled != nil {
		enabled = *opts.Enabled
	}
	e.mu.Lock()
	if _, ok := e.reg.Plantation(opts.PlantationID); !ok {
		e.mu.Unlock()
		return domain.RecurringTaskTemplate{}, false
	}
	tpl := domain.RecurringTaskTemplate{
		ID:           e.newID(),
		PlantationID: opts.PlantationID,
		Title:        opts.Title,
		Description:  opts.Description,
		Frequency:    opts.Frequency,
		Interval:     opts.Interval,
		LeadTimeDays: opts.LeadTimeDays,
		NextRunDate:  opts.NextRunDate,
		CreatedAt:    e.stamp(),
		Enabled:      enabled,
	}
	e.reg.RecurringTemplates = append(e.reg.RecurringTemplates, tpl)
	e.persistLocked()
	e.mu.Unlock()
	return tpl, true
}

// SetRecurringEnabled toggles a recurring template.
func (e *Engine) SetRecurringEnabled(templateID string, enabled bool) (domain.RecurringTaskTemplate, bool) {
	e.mu.Lock()
	for i := range e.reg.RecurringTemplates {
		if e.reg.RecurringTemplates[i].ID == templateID {
			e.reg.RecurringTemplates[i].Enabled = enabled
			tpl := e.reg.RecurringTemplates[i]
			e.persistLocked()
			e.mu.Unlock()
			return tpl, true
		}
	}
	e.mu.Unlock()
	return domain.RecurringTaskTemplate{}, false
}

// RunScheduler generates due recurring tasks as of now and emits one
// task_added per created task. Catch-up is bounded per template; run again
// to backfill further.
func (e *Engine) RunScheduler(now time.Time, actor string) []recurrence.Created {
	e.mu.Lock()
	created := recurrence.Process(e.reg, now.UTC(), e.newID)
	if len(created) > 0 {
		e.persistLocked()
	}
	snapshots := map[string]domain.Plantation{}
	for _, c := range created {
		if i, ok := e.reg.Plantation(c.PlantationID); ok {
			snapshots[c.PlantationID] = e.reg.Plantations[i]
		}
	}
	e.mu.Unlock()

	for i := range created {
		evt := e.event(domain.EventTaskAdded, snapshots[created[i].PlantationID], actor)
		evt.Task = &created[i].Task
		e.emit(evt)
	}
	return created
}

func sortTimeline(timeline []domain.YieldCheckpoint) {
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Date < timeline[j].Date
	})
}
