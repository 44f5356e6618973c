// Package gate evaluates stage-gate prerequisite rules. Validation failures
// are data, not errors: Validate always returns a verdict and never blocks
// or panics, so callers can surface the result directly.
package gate

import (
	"fmt"
	"time"

	"groveline/internal/domain"
)

// Verdict is the structured result of a gate check. BlockingReasons always
// prevent proceeding; warnings never do.
type Verdict struct {
	CanProceed      bool     `json:"can_proceed"`
	BlockingReasons []string `json:"blocking_reasons"`
	Warnings        []string `json:"warnings"`
}

// Validate evaluates every enabled rule targeting targetStage against the
// plantation. Each threshold on a rule is an independent optional
// constraint; nil fields are skipped. If no rule applies the verdict is an
// unconditional pass.
func Validate(p domain.Plantation, targetStage domain.Stage, rules []domain.StageGateRule, now time.Time) Verdict {
	v := Verdict{BlockingReasons: []string{}, Warnings: []string{}}
	for _, rule := range rules {
		if !rule.Enabled || rule.TargetStage != targetStage {
			continue
		}
		for _, reason := range unmet(p, rule, now) {
			if rule.Advisory {
				v.Warnings = append(v.Warnings, reason)
			} else {
				v.BlockingReasons = append(v.BlockingReasons, reason)
			}
		}
	}
	v.CanProceed = len(v.BlockingReasons) == 0
	return v
}

func unmet(p domain.Plantation, rule domain.StageGateRule, now time.Time) []string {
	var reasons []string
	if rule.RequiredTasksCompleted != nil {
		if got := p.CompletedTaskCount(); got < *rule.RequiredTasksCompleted {
			reasons = append(reasons, fmt.Sprintf("requires %d completed tasks, have %d", *rule.RequiredTasksCompleted, got))
		}
	}
	if rule.MinimumDaysInCurrentStage != nil {
		if got := daysSince(p.UpdatedAt, now); got < *rule.MinimumDaysInCurrentStage {
			reasons = append(reasons, fmt.Sprintf("requires %d days in current stage, have %d", *rule.MinimumDaysInCurrentStage, got))
		}
	}
	if rule.MinimumYieldCheckpoints != nil {
		if got := len(p.YieldTimeline); got < *rule.MinimumYieldCheckpoints {
			reasons = append(reasons, fmt.Sprintf("requires %d yield checkpoints, have %d", *rule.MinimumYieldCheckpoints, got))
		}
	}
	if rule.RequireCoordinates && p.Coordinates == nil {
		reasons = append(reasons, "requires coordinates to be set")
	}
	if rule.RequireCollaborators != nil {
		if got := len(p.Collaborators); got < *rule.RequireCollaborators {
			reasons = append(reasons, fmt.Sprintf("requires %d collaborators, have %d", *rule.RequireCollaborators, got))
		}
	}
	return reasons
}

// daysSince returns elapsed whole days between an RFC3339 timestamp and now.
// Unparsable timestamps count as zero days elapsed.
func daysSince(ts string, now time.Time) int {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return 0
	}
	d := now.Sub(t)
	if d < 0 {
		return 0
	}
	return int(d.Hours() / 24)
}
