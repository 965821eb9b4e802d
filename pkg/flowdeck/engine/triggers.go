// Package engine – triggers.go implements the trigger evaluator. It decides
// which enabled automatic instructions should fire for a scheduler tick or a
// board event. Scheduled firing is idempotent per period via persisted
// period keys; threshold firing is edge-triggered via persisted comparison
// state, so neither re-fires across restarts or while a condition persists.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
)

// Evaluator matches board events and scheduler ticks against instruction
// triggers.
type Evaluator struct {
	store  board.Store
	states TriggerStateStorage
	logger *slog.Logger
}

// NewEvaluator creates an evaluator over the given store and trigger state.
func NewEvaluator(store board.Store, states TriggerStateStorage, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{store: store, states: states, logger: logger.With("component", "triggers")}
}

// Firing is one matched instruction plus the bookkeeping needed when the
// run is skipped instead of started.
type Firing struct {
	Instruction InstructionCard

	release func()
}

// Release returns the consumed trigger state (period key or threshold
// edge) so the next evaluation can fire again. Call it when the run was
// skipped for a busy slot or a safeguard denial; a run that dispatched
// keeps its state consumed.
func (f *Firing) Release() {
	if f.release != nil {
		f.release()
	}
}

// EvaluateTick returns the instructions whose scheduled or threshold
// triggers match at now. Matching consumes the trigger's state before the
// firing is returned, so a restart inside the same period cannot fire
// twice; a caller that skips the run must call Release on the firing.
func (e *Evaluator) EvaluateTick(now time.Time, instructions []InstructionCard) []Firing {
	var out []Firing
	for i := range instructions {
		ic := instructions[i]
		if !e.eligible(&ic) {
			continue
		}
		for idx, tr := range ic.Triggers {
			matched := false
			var release func()
			switch tr.Kind {
			case TriggerScheduled:
				matched, release = e.scheduledMatches(&ic, idx, &tr, now)
			case TriggerThreshold:
				matched, release = e.thresholdMatches(&ic, idx, &tr)
			}
			if matched {
				out = append(out, Firing{Instruction: ic, release: release})
				break // any one trigger matching is sufficient
			}
		}
	}
	return out
}

// EvaluateEvent returns the instructions matching one board event. Event
// triggers match exact type and column; threshold triggers are re-sampled
// because the event may have changed a column's count.
func (e *Evaluator) EvaluateEvent(ev board.Event, instructions []InstructionCard) []Firing {
	var out []Firing
	for i := range instructions {
		ic := instructions[i]
		if !e.eligible(&ic) {
			continue
		}
		// Loop prevention: a card generated by this instruction cannot
		// re-trigger it.
		if ic.Safeguards.PreventLoops && ev.ByInstruction != "" && ev.ByInstruction == ic.ID {
			continue
		}
		for idx, tr := range ic.Triggers {
			matched := false
			var release func()
			switch tr.Kind {
			case TriggerEvent:
				// Event triggers carry no persisted state; there is
				// nothing to release on skip.
				matched = eventMatches(&tr, ev)
			case TriggerThreshold:
				if tr.ColumnID == ev.ColumnID {
					matched, release = e.thresholdMatches(&ic, idx, &tr)
				}
			}
			if matched {
				out = append(out, Firing{Instruction: ic, release: release})
				break
			}
		}
	}
	return out
}

// ---------- Internal ----------

func (e *Evaluator) eligible(ic *InstructionCard) bool {
	return ic.Enabled && ic.RunMode == RunModeAutomatic && len(ic.Triggers) > 0
}

// scheduledMatches reports whether the trigger's current period is unfired
// and the wall clock is inside its window. A match records the period key
// before returning, making firing at-most-once per period; the returned
// release restores the prior key so a skipped run can retry at the next
// tick.
func (e *Evaluator) scheduledMatches(ic *InstructionCard, idx int, tr *Trigger, now time.Time) (bool, func()) {
	if tr.DayOfWeek != nil && tr.Interval == IntervalWeekly && now.Weekday() != *tr.DayOfWeek {
		return false, nil
	}
	// A configured time opens the firing window rather than pinning it to
	// one minute: the first tick at or after it fires, so a tick lost to a
	// busy slot or a missed minute is caught up within the same period.
	if tr.SpecificTime != "" && now.Format("15:04") < tr.SpecificTime {
		return false, nil
	}

	key := periodKey(tr.Interval, now)
	st, _, err := e.states.TriggerState(ic.ID, idx)
	if err != nil {
		e.logger.Error("failed to load trigger state", "instruction", ic.ID, "trigger", idx, "error", err)
		return false, nil
	}
	if st.PeriodKey == key {
		return false, nil
	}

	prev := st
	st.PeriodKey = key
	if err := e.states.SaveTriggerState(ic.ID, idx, st); err != nil {
		// If the key cannot be persisted, do not fire: a crash between fire
		// and save would double-run on restart.
		e.logger.Error("failed to save trigger state", "instruction", ic.ID, "trigger", idx, "error", err)
		return false, nil
	}
	id := ic.ID
	return true, func() { e.releaseState(id, idx, st, prev) }
}

// thresholdMatches samples the column count and fires only on the false→true
// transition of the comparison. The returned release re-arms the edge so a
// skipped run can fire again while the condition persists.
func (e *Evaluator) thresholdMatches(ic *InstructionCard, idx int, tr *Trigger) (bool, func()) {
	cards, err := e.store.CardsInColumn(tr.ColumnID)
	if err != nil {
		e.logger.Error("failed to count column", "instruction", ic.ID, "column", tr.ColumnID, "error", err)
		return false, nil
	}
	count := 0
	for _, c := range cards {
		if ic.Safeguards.PreventLoops && c.CreatedByInstruction == ic.ID {
			continue
		}
		count++
	}

	met := false
	switch tr.Operator {
	case ThresholdBelow:
		met = count < tr.Threshold
	case ThresholdAbove:
		met = count > tr.Threshold
	}

	st, _, err := e.states.TriggerState(ic.ID, idx)
	if err != nil {
		e.logger.Error("failed to load trigger state", "instruction", ic.ID, "trigger", idx, "error", err)
		return false, nil
	}
	fire := met && !st.ConditionMet
	if met != st.ConditionMet {
		prev := st
		st.ConditionMet = met
		if err := e.states.SaveTriggerState(ic.ID, idx, st); err != nil {
			e.logger.Error("failed to save trigger state", "instruction", ic.ID, "trigger", idx, "error", err)
			return false, nil
		}
		if fire {
			id := ic.ID
			return true, func() { e.releaseState(id, idx, st, prev) }
		}
	}
	return fire, nil
}

// releaseState restores the trigger state a skipped firing had consumed,
// unless a later evaluation has already overwritten it.
func (e *Evaluator) releaseState(instructionID string, idx int, consumed, prev TriggerState) {
	cur, _, err := e.states.TriggerState(instructionID, idx)
	if err != nil {
		e.logger.Error("failed to load trigger state for release", "instruction", instructionID, "trigger", idx, "error", err)
		return
	}
	if cur != consumed {
		return
	}
	if err := e.states.SaveTriggerState(instructionID, idx, prev); err != nil {
		e.logger.Error("failed to release trigger state", "instruction", instructionID, "trigger", idx, "error", err)
	}
}

func eventMatches(tr *Trigger, ev board.Event) bool {
	if tr.ColumnID != ev.ColumnID {
		return false
	}
	switch tr.EventType {
	case EventCardMovedTo:
		return ev.Type == board.EventCardMoved
	case EventCardCreatedIn:
		return ev.Type == board.EventCardCreated
	case EventCardModified:
		return ev.Type == board.EventCardModified
	}
	return false
}

// periodKey buckets now into the trigger interval's current period.
func periodKey(interval Interval, now time.Time) string {
	switch interval {
	case IntervalHourly:
		return now.Format("2006-01-02T15")
	case IntervalEvery4h:
		return fmt.Sprintf("%s/%d", now.Format("2006-01-02"), now.Hour()/4)
	case IntervalDaily:
		return now.Format("2006-01-02")
	case IntervalWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	}
	return now.Format(time.RFC3339)
}
