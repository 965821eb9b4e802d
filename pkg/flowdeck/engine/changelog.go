// Package engine – changelog.go defines the run record and its atomic card
// changes, and implements the undo manager that reverses a run.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
)

// ChangeKind identifies one atomic, reversible card mutation.
type ChangeKind string

const (
	ChangeTitle       ChangeKind = "title_changed"
	ChangeTagAdded    ChangeKind = "tag_added"
	ChangePropertySet ChangeKind = "property_set"
	ChangeTaskAdded   ChangeKind = "task_added"
	ChangeMessageAdd  ChangeKind = "message_added"
	ChangeCardMoved   ChangeKind = "card_moved"
	ChangeCardCreated ChangeKind = "card_created"
)

// CardChange is one atomic effect applied during a run. Each kind carries
// enough prior state to be reversible.
type CardChange struct {
	Kind   ChangeKind `json:"kind"`
	CardID string     `json:"card_id"`

	// title_changed
	PreviousTitle string `json:"previous_title,omitempty"`

	// tag_added
	TagName string `json:"tag_name,omitempty"`

	// property_set. A nil PreviousValue means the property did not exist
	// before the run; undo removes it entirely.
	PropertyKey   string  `json:"property_key,omitempty"`
	PreviousValue *string `json:"previous_value,omitempty"`

	// task_added
	TaskID string `json:"task_id,omitempty"`

	// message_added
	MessageID string `json:"message_id,omitempty"`

	// card_moved
	PreviousColumnID string `json:"previous_column_id,omitempty"`
	PreviousPosition int    `json:"previous_position,omitempty"`
}

// InstructionRun is the immutable record of one execution. Changes is
// append-only during the run and frozen once saved; Undone is the single
// mutable flag.
type InstructionRun struct {
	ID               string       `json:"id"`
	InstructionID    string       `json:"instruction_id"`
	InstructionTitle string       `json:"instruction_title"`
	ChannelID        string       `json:"channel_id"`
	StartedAt        time.Time    `json:"started_at"`
	Changes          []CardChange `json:"changes"`
	Undone           bool         `json:"undone"`
}

// UndoResult reports the outcome of an undo attempt.
type UndoResult struct {
	// AlreadyUndone is set when the run was undone before this call; the
	// call is a no-op, not an error.
	AlreadyUndone bool

	// Reversed is the number of changes that were inverted.
	Reversed int
}

// UndoManager reverses runs against the board store.
type UndoManager struct {
	store  board.Store
	runs   RunStorage
	logger *slog.Logger
}

// NewUndoManager creates an undo manager.
func NewUndoManager(store board.Store, runs RunStorage, logger *slog.Logger) *UndoManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &UndoManager{store: store, runs: runs, logger: logger.With("component", "undo")}
}

// Undo walks a run's changes in reverse and applies the inverse of each.
// An already-undone run is a no-op. The undone flag is flipped first via a
// compare-and-swap so two concurrent undos cannot both apply inverses; if
// any inverse fails, the already-applied inverses are rolled forward again
// and the flag is cleared, leaving the run undoable.
func (m *UndoManager) Undo(ctx context.Context, runID string) (*UndoResult, error) {
	run, err := m.runs.Run(runID)
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}
	if run.Undone {
		return &UndoResult{AlreadyUndone: true}, nil
	}

	flipped, err := m.runs.MarkUndone(runID)
	if err != nil {
		return nil, fmt.Errorf("mark run undone: %w", err)
	}
	if !flipped {
		// Lost the race to a concurrent undo.
		m.logger.Debug("undo conflict, run already undone", "run", runID)
		return nil, fmt.Errorf("undo run %q: %w", runID, ErrUndoConflict)
	}

	var redos []func() error
	for i := len(run.Changes) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			m.rollForward(runID, redos)
			return nil, fmt.Errorf("undo run %q: %w", runID, ErrCancelled)
		}
		ch := run.Changes[i]
		redo, err := m.invert(ch)
		if err != nil {
			m.logger.Error("undo failed mid-walk", "run", runID, "change", ch.Kind, "card", ch.CardID, "error", err)
			m.rollForward(runID, redos)
			return nil, fmt.Errorf("invert %s on card %s: %w", ch.Kind, ch.CardID, err)
		}
		redos = append(redos, redo)
	}

	m.logger.Info("run undone", "run", runID, "changes", len(run.Changes))
	return &UndoResult{Reversed: len(run.Changes)}, nil
}

// ---------- Internal ----------

// invert applies the inverse of one change and returns a redo closure used
// to roll forward if a later inverse fails.
func (m *UndoManager) invert(ch CardChange) (func() error, error) {
	switch ch.Kind {
	case ChangeTitle:
		card, err := m.store.Card(ch.CardID)
		if err != nil {
			return nil, err
		}
		applied := card.Title
		if err := m.store.SetCardTitle(ch.CardID, ch.PreviousTitle); err != nil {
			return nil, err
		}
		return func() error { return m.store.SetCardTitle(ch.CardID, applied) }, nil

	case ChangeTagAdded:
		// Reference-counted: the assignment survives if another run or the
		// user also added this tag. Tag definitions are never deleted.
		if err := m.store.RemoveTagFromCard(ch.CardID, ch.TagName); err != nil {
			return nil, err
		}
		return func() error { return m.store.AddTagToCard(ch.CardID, ch.TagName) }, nil

	case ChangePropertySet:
		card, err := m.store.Card(ch.CardID)
		if err != nil {
			return nil, err
		}
		var applied *string
		if v, ok := card.Properties[ch.PropertyKey]; ok {
			applied = &v
		}
		if err := m.store.SetCardProperty(ch.CardID, ch.PropertyKey, ch.PreviousValue); err != nil {
			return nil, err
		}
		return func() error { return m.store.SetCardProperty(ch.CardID, ch.PropertyKey, applied) }, nil

	case ChangeTaskAdded:
		var title string
		if card, err := m.store.Card(ch.CardID); err == nil {
			for _, t := range card.Tasks {
				if t.ID == ch.TaskID {
					title = t.Title
				}
			}
		}
		if err := m.store.DeleteTask(ch.TaskID); err != nil {
			return nil, err
		}
		return func() error {
			_, err := m.store.AddTask(ch.CardID, title)
			return err
		}, nil

	case ChangeMessageAdd:
		var author, content string
		if card, err := m.store.Card(ch.CardID); err == nil {
			for _, msg := range card.Messages {
				if msg.ID == ch.MessageID {
					author, content = msg.Author, msg.Content
				}
			}
		}
		if err := m.store.DeleteMessage(ch.MessageID); err != nil {
			return nil, err
		}
		return func() error {
			_, err := m.store.AddMessage(ch.CardID, author, content)
			return err
		}, nil

	case ChangeCardMoved:
		card, err := m.store.Card(ch.CardID)
		if err != nil {
			return nil, err
		}
		appliedColumn, appliedPos := card.ColumnID, card.Position
		if _, _, err := m.store.MoveCard(ch.CardID, ch.PreviousColumnID, ch.PreviousPosition); err != nil {
			return nil, err
		}
		return func() error {
			_, _, err := m.store.MoveCard(ch.CardID, appliedColumn, appliedPos)
			return err
		}, nil

	case ChangeCardCreated:
		card, err := m.store.Card(ch.CardID)
		if err != nil {
			return nil, err
		}
		if err := m.store.DeleteCard(ch.CardID); err != nil {
			return nil, err
		}
		return func() error { return m.store.CreateCard(card) }, nil

	default:
		return nil, fmt.Errorf("unknown change kind %q", ch.Kind)
	}
}

// rollForward re-applies already-inverted changes after a failed undo and
// clears the undone flag so the run stays undoable.
func (m *UndoManager) rollForward(runID string, redos []func() error) {
	for i := len(redos) - 1; i >= 0; i-- {
		if err := redos[i](); err != nil {
			m.logger.Error("roll-forward after failed undo also failed", "run", runID, "error", err)
		}
	}
	if err := m.runs.ClearUndone(runID); err != nil {
		m.logger.Error("failed to clear undone flag after rollback", "run", runID, "error", err)
	}
}
