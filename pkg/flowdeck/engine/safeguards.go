// Package engine – safeguards.go implements the safeguard governor: pure
// decisions over an instruction's configured limits and its run history.
// Loop prevention's card filtering lives in the trigger evaluator; the
// governor covers cooldown and the daily cap.
package engine

import (
	"fmt"
	"time"
)

// Decision is the governor's verdict for one run attempt.
type Decision struct {
	Allowed bool

	// Reason explains a denial in user-facing terms. Empty when allowed.
	Reason string
}

// Allow is the positive decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny builds a denial with a reason.
func Deny(format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...)}
}

// Governor gates run attempts. It is stateless; history comes from run
// storage and the cooldown anchor from the instruction itself.
type Governor struct{}

// Check decides whether the instruction may run at now. History must cover
// at least the trailing 24 hours of the instruction's runs.
func (Governor) Check(ic *InstructionCard, history []InstructionRun, now time.Time) Decision {
	if cd := ic.Safeguards.CooldownMinutes; cd > 0 && ic.LastExecutedAt != nil {
		elapsed := now.Sub(*ic.LastExecutedAt)
		cooldown := time.Duration(cd) * time.Minute
		if elapsed < cooldown {
			remaining := (cooldown - elapsed).Round(time.Second)
			return Deny("cooldown active, %s remaining", remaining)
		}
	}

	if limit := ic.Safeguards.DailyCap; limit > 0 {
		cutoff := now.Add(-24 * time.Hour)
		count := 0
		for _, run := range history {
			// Undone runs give their slot back.
			if run.Undone {
				continue
			}
			if run.StartedAt.Before(cutoff) {
				continue
			}
			count++
		}
		if count >= limit {
			return Deny("daily cap of %d runs reached", limit)
		}
	}

	return Allow()
}
