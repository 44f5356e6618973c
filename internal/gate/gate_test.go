package gate_test

import (
	"strings"
	"testing"
	"time"

	"groveline/internal/domain"
	"groveline/internal/gate"
)

func intp(v int) *int { return &v }

func basePlantation() domain.Plantation {
	return domain.Plantation{
		ID:        "p-1",
		SeedName:  "Cacao",
		Stage:     domain.StagePlanted,
		StartDate: "2025-01-01T00:00:00Z",
		UpdatedAt: "2025-01-01T00:00:00Z",
		Tasks: []domain.Task{
			{ID: "t-1", Title: "a", Status: domain.TaskCompleted},
			{ID: "t-2", Title: "b", Status: domain.TaskCompleted},
			{ID: "t-3", Title: "c", Status: domain.TaskPending},
		},
	}
}

func TestNoRulesPasses(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	v := gate.Validate(basePlantation(), domain.StageGrowing, nil, now)
	if !v.CanProceed {
		t.Fatalf("expected pass with no rules, got %+v", v)
	}
	if v.BlockingReasons == nil || v.Warnings == nil {
		t.Fatalf("expected non-nil slices in verdict")
	}
}

func TestCompletedTaskThreshold(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	rules := []domain.StageGateRule{{
		TargetStage:            domain.StageGrowing,
		RequiredTasksCompleted: intp(3),
		Enabled:                true,
	}}
	v := gate.Validate(basePlantation(), domain.StageGrowing, rules, now)
	if v.CanProceed {
		t.Fatalf("expected blocked, got %+v", v)
	}
	if len(v.BlockingReasons) != 1 {
		t.Fatalf("expected 1 blocking reason, got %v", v.BlockingReasons)
	}
	if !strings.Contains(v.BlockingReasons[0], "3") || !strings.Contains(v.BlockingReasons[0], "2") {
		t.Fatalf("reason should name threshold and actual: %q", v.BlockingReasons[0])
	}
}

func TestDaysInStage(t *testing.T) {
	p := basePlantation()
	rules := []domain.StageGateRule{{
		TargetStage:               domain.StageGrowing,
		MinimumDaysInCurrentStage: intp(7),
		Enabled:                   true,
	}}
	// 6 full days elapsed: blocked
	now := time.Date(2025, 1, 7, 12, 0, 0, 0, time.UTC)
	if v := gate.Validate(p, domain.StageGrowing, rules, now); v.CanProceed {
		t.Fatalf("expected blocked at 6 days, got %+v", v)
	}
	// 8 days elapsed: passes
	now = time.Date(2025, 1, 9, 0, 0, 0, 0, time.UTC)
	if v := gate.Validate(p, domain.StageGrowing, rules, now); !v.CanProceed {
		t.Fatalf("expected pass at 8 days, got %+v", v)
	}
}

func TestUnparsableTimestampCountsZeroDays(t *testing.T) {
	p := basePlantation()
	p.UpdatedAt = "not-a-date"
	rules := []domain.StageGateRule{{
		TargetStage:               domain.StageGrowing,
		MinimumDaysInCurrentStage: intp(1),
		Enabled:                   true,
	}}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if v := gate.Validate(p, domain.StageGrowing, rules, now); v.CanProceed {
		t.Fatalf("unparsable timestamp should count as zero days")
	}
}

func TestAdvisoryRuleWarnsOnly(t *testing.T) {
	p := basePlantation()
	p.Coordinates = nil
	rules := []domain.StageGateRule{{
		TargetStage:        domain.StageHarvested,
		RequireCoordinates: true,
		Advisory:           true,
		Enabled:            true,
	}}
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	v := gate.Validate(p, domain.StageHarvested, rules, now)
	if !v.CanProceed {
		t.Fatalf("advisory rule must not block: %+v", v)
	}
	if len(v.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", v.Warnings)
	}
}

func TestDisabledAndOtherStageRulesSkipped(t *testing.T) {
	p := basePlantation()
	rules := []domain.StageGateRule{
		{TargetStage: domain.StageGrowing, RequiredTasksCompleted: intp(99), Enabled: false},
		{TargetStage: domain.StageHarvested, RequiredTasksCompleted: intp(99), Enabled: true},
	}
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	if v := gate.Validate(p, domain.StageGrowing, rules, now); !v.CanProceed {
		t.Fatalf("disabled/other-stage rules must not apply: %+v", v)
	}
}

func TestMultipleThresholdsOnOneRule(t *testing.T) {
	p := basePlantation()
	rules := []domain.StageGateRule{{
		TargetStage:             domain.StageHarvested,
		RequiredTasksCompleted:  intp(5),
		MinimumYieldCheckpoints: intp(1),
		RequireCollaborators:    intp(2),
		Enabled:                 true,
	}}
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	v := gate.Validate(p, domain.StageHarvested, rules, now)
	if len(v.BlockingReasons) != 3 {
		t.Fatalf("expected 3 independent reasons, got %v", v.BlockingReasons)
	}
}
