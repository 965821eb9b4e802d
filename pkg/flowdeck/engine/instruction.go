// Package engine – instruction.go defines the instruction model: a named
// automation unit with an action, a target, optional triggers, and
// safeguards. Instructions are owned by a channel and executed by the
// Engine.
package engine

import (
	"fmt"
	"time"
)

// Action is what an instruction does when it fires.
type Action string

const (
	// ActionGenerate creates new cards from AI drafts.
	ActionGenerate Action = "generate"

	// ActionModify edits existing cards in place.
	ActionModify Action = "modify"

	// ActionMove relocates cards between columns.
	ActionMove Action = "move"
)

// RunMode controls whether an instruction fires on triggers or only by hand.
type RunMode string

const (
	RunModeManual    RunMode = "manual"
	RunModeAutomatic RunMode = "automatic"
)

// TargetKind selects which cards an instruction operates on.
type TargetKind string

const (
	// TargetBoard targets every column in the channel.
	TargetBoard TargetKind = "board"

	// TargetColumn targets a single column.
	TargetColumn TargetKind = "column"

	// TargetColumns targets an explicit column set.
	TargetColumns TargetKind = "columns"
)

// Target is the card scope of an instruction.
type Target struct {
	Kind TargetKind `json:"kind" yaml:"kind"`

	// ColumnIDs is used by column/columns kinds; for column it holds one entry.
	ColumnIDs []string `json:"column_ids,omitempty" yaml:"column_ids,omitempty"`
}

// TriggerKind discriminates the trigger union.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerEvent     TriggerKind = "event"
	TriggerThreshold TriggerKind = "threshold"
)

// Interval is a scheduled trigger's recurrence.
type Interval string

const (
	IntervalHourly  Interval = "hourly"
	IntervalEvery4h Interval = "every4h"
	IntervalDaily   Interval = "daily"
	IntervalWeekly  Interval = "weekly"
)

// EventType is a board event a trigger can match.
type EventType string

const (
	EventCardMovedTo   EventType = "card_moved_to"
	EventCardCreatedIn EventType = "card_created_in"
	EventCardModified  EventType = "card_modified"
)

// ThresholdOp compares a column's card count against a threshold.
type ThresholdOp string

const (
	ThresholdBelow ThresholdOp = "below"
	ThresholdAbove ThresholdOp = "above"
)

// Trigger is one firing condition. Kind selects which field group applies;
// any one of an instruction's triggers matching is sufficient.
type Trigger struct {
	Kind TriggerKind `json:"kind" yaml:"kind"`

	// Scheduled fields.
	Interval Interval `json:"interval,omitempty" yaml:"interval,omitempty"`

	// SpecificTime narrows daily/weekly triggers to a "15:04" wall-clock
	// minute. Empty means the period's first evaluated minute fires.
	SpecificTime string `json:"specific_time,omitempty" yaml:"specific_time,omitempty"`

	// DayOfWeek narrows weekly triggers (0 = Sunday). Nil means any day.
	DayOfWeek *time.Weekday `json:"day_of_week,omitempty" yaml:"day_of_week,omitempty"`

	// Event fields.
	EventType EventType `json:"event_type,omitempty" yaml:"event_type,omitempty"`

	// ColumnID is shared by event and threshold triggers.
	ColumnID string `json:"column_id,omitempty" yaml:"column_id,omitempty"`

	// Threshold fields.
	Operator  ThresholdOp `json:"operator,omitempty" yaml:"operator,omitempty"`
	Threshold int         `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// Safeguards are the rate and loop limits applied to an instruction's runs.
type Safeguards struct {
	// CooldownMinutes is the minimum spacing between runs. Zero disables.
	CooldownMinutes int `json:"cooldown_minutes,omitempty" yaml:"cooldown_minutes,omitempty"`

	// DailyCap is the maximum non-undone runs per rolling 24h. Zero disables.
	DailyCap int `json:"daily_cap,omitempty" yaml:"daily_cap,omitempty"`

	// PreventLoops stamps generated cards with the instruction ID and
	// excludes them from the same instruction's event/threshold triggers.
	PreventLoops bool `json:"prevent_loops,omitempty" yaml:"prevent_loops,omitempty"`
}

// InstructionCard is a user-authored automation rule.
type InstructionCard struct {
	ID        string `json:"id" yaml:"id"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
	Title     string `json:"title" yaml:"title"`

	// Prompt is the free-text instruction passed to the AI collaborator.
	Prompt string `json:"prompt" yaml:"prompt"`

	Action Action `json:"action" yaml:"action"`
	Target Target `json:"target" yaml:"target"`

	// ContextColumns are the columns whose cards the AI sees as context.
	// Empty means all columns of the channel.
	ContextColumns []string `json:"context_columns,omitempty" yaml:"context_columns,omitempty"`

	RunMode RunMode `json:"run_mode" yaml:"run_mode"`

	// CardCount is how many cards a generate run requests.
	CardCount int `json:"card_count,omitempty" yaml:"card_count,omitempty"`

	Triggers   []Trigger  `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Safeguards Safeguards `json:"safeguards" yaml:"safeguards"`

	Enabled bool `json:"enabled" yaml:"enabled"`

	// LastExecutedAt is maintained by the engine; it is the cooldown anchor
	// and survives restarts.
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty" yaml:"last_executed_at,omitempty"`
}

// Validate checks structural consistency before an instruction is saved.
func (ic *InstructionCard) Validate() error {
	if ic.ID == "" {
		return fmt.Errorf("instruction ID is required")
	}
	if ic.ChannelID == "" {
		return fmt.Errorf("instruction channel is required")
	}
	switch ic.Action {
	case ActionGenerate, ActionModify, ActionMove:
	default:
		return fmt.Errorf("unknown action %q", ic.Action)
	}
	if ic.Action == ActionGenerate && ic.CardCount <= 0 {
		return fmt.Errorf("generate instructions need card_count > 0")
	}
	switch ic.Target.Kind {
	case TargetBoard:
	case TargetColumn:
		if len(ic.Target.ColumnIDs) != 1 {
			return fmt.Errorf("column target needs exactly one column")
		}
	case TargetColumns:
		if len(ic.Target.ColumnIDs) == 0 {
			return fmt.Errorf("columns target needs at least one column")
		}
	default:
		return fmt.Errorf("unknown target kind %q", ic.Target.Kind)
	}
	for i, tr := range ic.Triggers {
		if err := tr.validate(); err != nil {
			return fmt.Errorf("trigger %d: %w", i, err)
		}
	}
	return nil
}

func (t *Trigger) validate() error {
	switch t.Kind {
	case TriggerScheduled:
		switch t.Interval {
		case IntervalHourly, IntervalEvery4h, IntervalDaily, IntervalWeekly:
		default:
			return fmt.Errorf("unknown interval %q", t.Interval)
		}
		if t.SpecificTime != "" {
			if _, err := time.Parse("15:04", t.SpecificTime); err != nil {
				return fmt.Errorf("bad specific_time %q: %w", t.SpecificTime, err)
			}
		}
	case TriggerEvent:
		switch t.EventType {
		case EventCardMovedTo, EventCardCreatedIn, EventCardModified:
		default:
			return fmt.Errorf("unknown event type %q", t.EventType)
		}
		if t.ColumnID == "" {
			return fmt.Errorf("event trigger needs a column")
		}
	case TriggerThreshold:
		if t.ColumnID == "" {
			return fmt.Errorf("threshold trigger needs a column")
		}
		switch t.Operator {
		case ThresholdBelow, ThresholdAbove:
		default:
			return fmt.Errorf("unknown threshold operator %q", t.Operator)
		}
		if t.Threshold < 0 {
			return fmt.Errorf("threshold must be >= 0")
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}
	return nil
}
