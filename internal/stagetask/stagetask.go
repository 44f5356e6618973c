// Package stagetask derives one-shot tasks from the stage template catalog
// when a plantation enters a stage.
package stagetask

import (
	"strings"
	"time"

	"groveline/internal/domain"
)

// ProvenancePrefix marks tasks produced by a stage template, distinguishing
// them from recurring-template provenance keys.
const ProvenancePrefix = "stage:"

// ProvenanceKey returns the dedupe key for a stage template.
func ProvenanceKey(templateID string) string {
	return ProvenancePrefix + templateID
}

// Generate builds tasks for every enabled template matching targetStage
// whose provenance key has no outstanding (non-completed) task on the
// plantation yet. It returns the merged task set and the newly created
// tasks in generation order.
func Generate(p domain.Plantation, targetStage domain.Stage, templates []domain.StageTaskTemplate, now time.Time, newID func() string) (tasks, created []domain.Task) {
	tasks = p.Tasks
	for _, tpl := range templates {
		if !tpl.Enabled || tpl.Stage != targetStage {
			continue
		}
		key := ProvenanceKey(tpl.ID)
		if hasOutstanding(tasks, key) {
			continue
		}
		t := domain.Task{
			ID:         newID(),
			Title:      tpl.Title,
			DueDate:    now.AddDate(0, 0, tpl.DueOffsetDays).Format(time.RFC3339),
			Status:     domain.TaskPending,
			TemplateID: &key,
		}
		if tpl.Description != "" {
			notes := tpl.Description
			t.Notes = &notes
		}
		if id, ok := matchRole(p.Collaborators, tpl.AssigneeRole); ok {
			t.AssigneeID = &id
		}
		tasks = append(tasks, t)
		created = append(created, t)
	}
	return tasks, created
}

// hasOutstanding reports whether a non-completed task with the given
// provenance key already exists. Completed tasks do not block regeneration.
func hasOutstanding(tasks []domain.Task, key string) bool {
	for _, t := range tasks {
		if t.TemplateID != nil && *t.TemplateID == key && t.Status != domain.TaskCompleted {
			return true
		}
	}
	return false
}

// matchRole resolves an assignee by case-insensitive role match, first
// match wins.
func matchRole(collabs []domain.Collaborator, role string) (string, bool) {
	if role == "" {
		return "", false
	}
	for _, c := range collabs {
		if strings.EqualFold(c.Role, role) {
			return c.ID, true
		}
	}
	return "", false
}
