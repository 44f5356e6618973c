package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"groveline/internal/config"
	"groveline/internal/db"
	"groveline/internal/domain"
	"groveline/internal/engine"
	"groveline/internal/events"
	"groveline/internal/migrate"
	"groveline/internal/store"
)

type testEnv struct {
	Engine *engine.Engine
	Store  *store.Store
	Events *[]domain.Event
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st := &store.Store{DB: conn}
	reg, err := st.Load(context.Background())
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	bus := events.NewBus()
	var seen []domain.Event
	bus.Subscribe(func(evt domain.Event) { seen = append(seen, evt) })
	e := engine.New(reg, config.Default(), bus, st)
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	n := 0
	e.NewID = func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
	return testEnv{Engine: e, Store: st, Events: &seen}
}

const demoID = "demo-cacao-norte"

func TestTransitionGeneratesStageTasksAndEvents(t *testing.T) {
	env := newTestEnv(t)
	p, ok := env.Engine.Transition(demoID, domain.StageGrowing, nil, "tester")
	if !ok {
		t.Fatalf("expected transition to apply")
	}
	if p.Stage != domain.StageGrowing {
		t.Fatalf("stage: got %s", p.Stage)
	}
	// default catalog has two enabled growing templates
	if len(p.Tasks) != 2 {
		t.Fatalf("expected 2 generated tasks, got %d", len(p.Tasks))
	}
	// first-fertilizer wants an agronomist; the seed collaborator has that role
	var fertilizer *domain.Task
	for i := range p.Tasks {
		if p.Tasks[i].TemplateID != nil && *p.Tasks[i].TemplateID == "stage:first-fertilizer" {
			fertilizer = &p.Tasks[i]
		}
	}
	if fertilizer == nil {
		t.Fatalf("first-fertilizer task missing: %+v", p.Tasks)
	}
	if fertilizer.AssigneeID == nil || *fertilizer.AssigneeID != "demo-collab-ines" {
		t.Fatalf("role match: got %v", fertilizer.AssigneeID)
	}

	seen := *env.Events
	if len(seen) != 3 {
		t.Fatalf("expected stage_change + 2 task_added, got %d events", len(seen))
	}
	if seen[0].Type != domain.EventStageChange {
		t.Fatalf("first event must be stage_change, got %s", seen[0].Type)
	}
	if seen[0].PrevStage != domain.StagePlanted || seen[0].NextStage != domain.StageGrowing {
		t.Fatalf("stage_change payload: %+v", seen[0])
	}
	for _, evt := range seen[1:] {
		if evt.Type != domain.EventTaskAdded || evt.Task == nil {
			t.Fatalf("expected task_added with task, got %+v", evt)
		}
	}
}

func TestTransitionSameStageIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	if _, ok := env.Engine.Transition(demoID, domain.StagePlanted, nil, "tester"); ok {
		t.Fatalf("same-stage transition must be a no-op")
	}
	if len(*env.Events) != 0 {
		t.Fatalf("no-op must not emit events, got %d", len(*env.Events))
	}
}

func TestTransitionUnknownStageOrPlantation(t *testing.T) {
	env := newTestEnv(t)
	if _, ok := env.Engine.Transition(demoID, domain.Stage("flooded"), nil, "tester"); ok {
		t.Fatalf("unknown stage must be rejected")
	}
	if _, ok := env.Engine.Transition("nope", domain.StageGrowing, nil, "tester"); ok {
		t.Fatalf("unknown plantation must be rejected")
	}
}

func TestReenteringStageDoesNotDuplicateOutstandingTasks(t *testing.T) {
	env := newTestEnv(t)
	p, _ := env.Engine.Transition(demoID, domain.StageGrowing, nil, "tester")
	firstCount := len(p.Tasks)
	env.Engine.Transition(demoID, domain.StageHarvested, nil, "tester")
	p, _ = env.Engine.Transition(demoID, domain.StageGrowing, nil, "tester")
	growing := 0
	for _, task := range p.Tasks {
		if task.TemplateID != nil && *task.TemplateID == "stage:first-fertilizer" {
			growing++
		}
	}
	if growing != 1 {
		t.Fatalf("outstanding template task duplicated: %d copies", growing)
	}
	if firstCount != 2 {
		t.Fatalf("sanity: first transition should generate 2 tasks, got %d", firstCount)
	}
}

func TestBulkTransitionSkipsGeneration(t *testing.T) {
	env := newTestEnv(t)
	extra := env.Engine.AddPlantation(engine.PlantationCreateOptions{SeedName: "Coffee", Wallet: "w-2"})
	changed := env.Engine.TransitionMany([]string{demoID, extra.ID, "missing"}, domain.StageGrowing, nil, "tester")
	if changed != 2 {
		t.Fatalf("expected 2 changed, got %d", changed)
	}
	for _, id := range []string{demoID, extra.ID} {
		p, _ := env.Engine.Plantation(id)
		if len(p.Tasks) != 0 {
			t.Fatalf("bulk transition must not generate tasks, %s has %d", id, len(p.Tasks))
		}
	}
	stageChanges := 0
	for _, evt := range *env.Events {
		if evt.Type == domain.EventStageChange {
			stageChanges++
		} else if evt.Type == domain.EventTaskAdded {
			t.Fatalf("bulk transition emitted task_added")
		}
	}
	if stageChanges != 2 {
		t.Fatalf("expected 2 stage_change events, got %d", stageChanges)
	}
}

func TestTaskStatusChange(t *testing.T) {
	env := newTestEnv(t)
	task, ok := env.Engine.AddTask(demoID, engine.TaskCreateOptions{Title: "Weed rows"}, "tester")
	if !ok {
		t.Fatalf("add task failed")
	}
	updated, ok := env.Engine.SetTaskStatus(demoID, task.ID, domain.TaskInProgress, "tester")
	if !ok || updated.Status != domain.TaskInProgress {
		t.Fatalf("status change failed: %+v", updated)
	}
	// unchanged status is a silent no-op
	if _, ok := env.Engine.SetTaskStatus(demoID, task.ID, domain.TaskInProgress, "tester"); ok {
		t.Fatalf("unchanged status must be a no-op")
	}
	if _, ok := env.Engine.SetTaskStatus(demoID, task.ID, domain.TaskStatus("abandoned"), "tester"); ok {
		t.Fatalf("unknown status must be rejected")
	}
	var statusEvt *domain.Event
	for i, evt := range *env.Events {
		if evt.Type == domain.EventTaskStatusChange {
			statusEvt = &(*env.Events)[i]
		}
	}
	if statusEvt == nil {
		t.Fatalf("missing task_status_change event")
	}
	if statusEvt.PrevStatus != domain.TaskPending || statusEvt.NextStatus != domain.TaskInProgress {
		t.Fatalf("status event payload: %+v", statusEvt)
	}
}

func TestTaskAssigneeMustBeCollaborator(t *testing.T) {
	env := newTestEnv(t)
	task, _ := env.Engine.AddTask(demoID, engine.TaskCreateOptions{Title: "Weed rows"}, "tester")
	stranger := "not-a-collaborator"
	if _, ok := env.Engine.SetTaskAssignee(demoID, task.ID, &stranger, "tester"); ok {
		t.Fatalf("unknown assignee must be rejected")
	}
	ines := "demo-collab-ines"
	updated, ok := env.Engine.SetTaskAssignee(demoID, task.ID, &ines, "tester")
	if !ok || updated.AssigneeID == nil || *updated.AssigneeID != ines {
		t.Fatalf("assign failed: %+v", updated)
	}
	cleared, ok := env.Engine.SetTaskAssignee(demoID, task.ID, nil, "tester")
	if !ok || cleared.AssigneeID != nil {
		t.Fatalf("nil must clear the assignee: %+v", cleared)
	}
}

func TestWalletFilterCaseInsensitive(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.AddPlantation(engine.PlantationCreateOptions{SeedName: "Coffee", Wallet: "0xABCDEF"})
	got := env.Engine.PlantationsByWallet("0xabcdef")
	if len(got) != 1 || got[0].SeedName != "Coffee" {
		t.Fatalf("case-insensitive wallet filter failed: %+v", got)
	}
}

func TestCheckpointTimelineStaysSorted(t *testing.T) {
	env := newTestEnv(t)
	late := "2025-07-01T00:00:00Z"
	early := "2025-04-01T00:00:00Z"
	env.Engine.AddYieldCheckpoint(demoID, engine.CheckpointCreateOptions{Date: late, Event: "second bloom"}, "tester")
	env.Engine.AddYieldCheckpoint(demoID, engine.CheckpointCreateOptions{Date: early, Event: "first bloom"}, "tester")
	p, _ := env.Engine.Plantation(demoID)
	if len(p.YieldTimeline) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(p.YieldTimeline))
	}
	if p.YieldTimeline[0].Date != early || p.YieldTimeline[1].Date != late {
		t.Fatalf("timeline not sorted: %+v", p.YieldTimeline)
	}
}

func TestGateCheckUsesConfiguredRules(t *testing.T) {
	env := newTestEnv(t)
	v, ok := env.Engine.GateCheck(demoID, domain.StageGrowing)
	if !ok {
		t.Fatalf("plantation lookup failed")
	}
	// default rule wants 1 completed task; the seed plantation has none
	if v.CanProceed {
		t.Fatalf("expected blocked verdict, got %+v", v)
	}
	// gate verdicts are advisory: the transition still goes through
	if _, ok := env.Engine.Transition(demoID, domain.StageGrowing, nil, "tester"); !ok {
		t.Fatalf("transition must not consult gate rules")
	}
}

func TestSchedulerCreatesAndEmits(t *testing.T) {
	env := newTestEnv(t)
	// seed recurring template first runs a week after the demo start date
	runAt := time.Date(2025, 3, 17, 8, 0, 0, 0, time.UTC)
	created := env.Engine.RunScheduler(runAt, "scheduler")
	if len(created) != 1 {
		t.Fatalf("expected 1 created task, got %d", len(created))
	}
	if created[0].PlantationID != demoID {
		t.Fatalf("wrong plantation: %s", created[0].PlantationID)
	}
	seen := *env.Events
	if len(seen) != 1 || seen[0].Type != domain.EventTaskAdded {
		t.Fatalf("expected one task_added event, got %+v", seen)
	}
	if seen[0].Plantation.ID != demoID {
		t.Fatalf("event should carry the plantation snapshot")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Transition(demoID, domain.StageGrowing, nil, "tester")
	reloaded, err := env.Store.Load(context.Background())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	i, ok := reloaded.Plantation(demoID)
	if !ok {
		t.Fatalf("plantation missing after reload")
	}
	if reloaded.Plantations[i].Stage != domain.StageGrowing {
		t.Fatalf("stage not persisted: %s", reloaded.Plantations[i].Stage)
	}
	if len(reloaded.Plantations[i].Tasks) != 2 {
		t.Fatalf("generated tasks not persisted: %d", len(reloaded.Plantations[i].Tasks))
	}
}

func TestAddPlantationNormalizesDraft(t *testing.T) {
	env := newTestEnv(t)
	p := env.Engine.AddPlantation(engine.PlantationCreateOptions{
		SeedName: "Coffee",
		Stage:    domain.Stage("bogus"),
		Tasks:    []domain.Task{{Title: "carry-over", Status: domain.TaskStatus("odd")}},
	})
	if p.Stage != domain.StagePlanted {
		t.Fatalf("unknown stage should default to planted, got %s", p.Stage)
	}
	if p.StartDate == "" || p.UpdatedAt == "" {
		t.Fatalf("timestamps should default")
	}
	if p.Tasks[0].ID == "" || p.Tasks[0].Status != domain.TaskPending {
		t.Fatalf("draft task not normalized: %+v", p.Tasks[0])
	}
	if len(*env.Events) != 0 {
		t.Fatalf("registration emits no events, got %d", len(*env.Events))
	}
}
