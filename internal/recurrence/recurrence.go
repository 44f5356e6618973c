// Package recurrence generates tasks from recurring templates on a
// daily/weekly/monthly cadence, catching up across elapsed intervals.
package recurrence

import (
	"sort"
	"time"

	"groveline/internal/domain"
)

// MaxCatchUp bounds catch-up iterations per template per Process call. A
// template neglected for years generates at most this many intervals of
// work in one call; callers needing full backfill call Process repeatedly.
const MaxCatchUp = 12

// ProvenancePrefix marks tasks produced by a recurring template.
const ProvenancePrefix = "recurring:"

// ProvenanceKey returns the dedupe key for a recurring template.
func ProvenanceKey(templateID string) string {
	return ProvenancePrefix + templateID
}

// Created pairs a generated task with its owning plantation.
type Created struct {
	PlantationID string
	Task         domain.Task
}

// Process walks every enabled template whose plantation still exists,
// creating pending tasks for each interval whose lead window has opened and
// advancing next_run_date past the generated intervals. Duplicate
// (template, due date) pairs are skipped, so repeated calls with the same
// clock are idempotent. Templates and plantations are mutated in place;
// touched plantations get their task sets re-sorted ascending by due date.
func Process(reg *domain.Registry, now time.Time, newID func() string) []Created {
	var created []Created
	touched := map[string]bool{}
	for i := range reg.RecurringTemplates {
		tpl := &reg.RecurringTemplates[i]
		if !tpl.Enabled {
			continue
		}
		pi, ok := reg.Plantation(tpl.PlantationID)
		if !ok {
			continue
		}
		p := &reg.Plantations[pi]

		next, err := time.Parse(time.RFC3339, tpl.NextRunDate)
		if err != nil {
			// Repair a malformed schedule instead of wedging the loop.
			next = now
		}
		interval := tpl.Interval
		if interval < 1 {
			interval = 1
		}
		lead := tpl.LeadTimeDays
		if lead < 0 {
			lead = 0
		}
		key := ProvenanceKey(tpl.ID)

		generated := false
		for iter := 0; iter < MaxCatchUp; iter++ {
			if now.Before(next.AddDate(0, 0, -lead)) {
				break
			}
			due := next.UTC().Format(time.RFC3339)
			if !hasTaskAt(p.Tasks, key, due) {
				t := domain.Task{
					ID:         newID(),
					Title:      tpl.Title,
					DueDate:    due,
					Status:     domain.TaskPending,
					TemplateID: &key,
				}
				if tpl.Description != "" {
					notes := tpl.Description
					t.Notes = &notes
				}
				p.Tasks = append(p.Tasks, t)
				created = append(created, Created{PlantationID: p.ID, Task: t})
				touched[p.ID] = true
				generated = true
			}
			next = advance(next, tpl.Frequency, interval)
		}

		tpl.NextRunDate = next.UTC().Format(time.RFC3339)
		if generated {
			at := now.UTC().Format(time.RFC3339)
			tpl.LastGeneratedAt = &at
		}
	}
	for id := range touched {
		if pi, ok := reg.Plantation(id); ok {
			sortByDue(reg.Plantations[pi].Tasks)
		}
	}
	return created
}

func advance(t time.Time, f domain.Frequency, interval int) time.Time {
	switch f {
	case domain.FrequencyWeekly:
		return t.AddDate(0, 0, 7*interval)
	case domain.FrequencyMonthly:
		return t.AddDate(0, interval, 0)
	default:
		return t.AddDate(0, 0, interval)
	}
}

func hasTaskAt(tasks []domain.Task, key, due string) bool {
	for _, t := range tasks {
		if t.TemplateID != nil && *t.TemplateID == key && t.DueDate == due {
			return true
		}
	}
	return false
}

func sortByDue(tasks []domain.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].DueDate < tasks[j].DueDate
	})
}
