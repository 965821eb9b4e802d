// Package engine – engine.go implements the execution engine: one
// instruction run from safeguard gate through AI dispatch to mutation
// application and the run record. Runs are serialized per channel through
// the slot table; the only suspension point is the AI call.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/ai"
	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
)

// RunOrigin distinguishes manual from trigger-fired runs. Manual runs
// surface denials and conflicts; automatic runs skip silently.
type RunOrigin string

const (
	OriginManual    RunOrigin = "manual"
	OriginAutomatic RunOrigin = "automatic"
)

// RunResult is the outcome of a completed run.
type RunResult struct {
	// RunID is set when a run record was saved (at least one change).
	RunID string

	// CardsCreated counts cards a generate run created.
	CardsCreated int

	// CardsTouched counts cards a modify/move run actually changed.
	CardsTouched int

	// Changes is the ordered change list, as recorded.
	Changes []CardChange
}

// Options tune an Engine.
type Options struct {
	// Status formats the in-flight status text. Nil uses the default.
	Status StatusFormatter

	// AutoScope is the scope policy for automatic modify/move runs whose
	// preflight finds already-processed cards. Empty means unprocessed-only.
	AutoScope RunScope

	Logger *slog.Logger
}

// Engine executes instructions against the board.
type Engine struct {
	store        board.Store
	runs         RunStorage
	instructions InstructionStorage
	completer    ai.Completer
	slots        *Slots
	governor     Governor
	undoMgr      *UndoManager
	status       StatusFormatter
	autoScope    RunScope
	logger       *slog.Logger
}

// New creates an Engine.
func New(store board.Store, runs RunStorage, instructions InstructionStorage, completer ai.Completer, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	status := opts.Status
	if status == nil {
		status = DefaultStatusFormatter
	}
	autoScope := opts.AutoScope
	if autoScope == "" {
		autoScope = ScopeUnprocessed
	}
	return &Engine{
		store:        store,
		runs:         runs,
		instructions: instructions,
		completer:    completer,
		slots:        NewSlots(),
		undoMgr:      NewUndoManager(store, runs, logger),
		status:       status,
		autoScope:    autoScope,
		logger:       logger.With("component", "engine"),
	}
}

// Slots exposes the per-channel run slots (status text, cancellation).
func (e *Engine) Slots() *Slots {
	return e.slots
}

// Run executes an instruction manually. scope may be empty; if preflight
// then finds already-processed cards, ErrScopeRequired is returned and the
// caller must ask the user and retry with an explicit scope.
func (e *Engine) Run(ctx context.Context, instructionID string, scope RunScope) (*RunResult, error) {
	ic, err := e.instructions.Instruction(instructionID)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, ic, scope, OriginManual)
}

// RunAuto executes a trigger-fired instruction. Safeguard denials, busy
// slots, and cancellations are silent no-ops; real failures are logged and
// swallowed so one bad run never stalls the scheduler. The return value
// reports whether the run was started: false means nothing was dispatched
// and the trigger may fire again at the next evaluation.
func (e *Engine) RunAuto(ctx context.Context, ic InstructionCard) bool {
	result, err := e.execute(ctx, &ic, "", OriginAutomatic)
	switch {
	case err == nil:
		if result.RunID != "" {
			e.logger.Info("automatic run completed",
				"instruction", ic.ID, "run", result.RunID,
				"created", result.CardsCreated, "touched", result.CardsTouched)
		}
		return true
	case errors.Is(err, ErrSafeguardDenied), errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrCancelled):
		e.logger.Debug("automatic run skipped", "instruction", ic.ID, "reason", err)
		return false
	default:
		e.logger.Error("automatic run failed", "instruction", ic.ID, "error", err)
		return true
	}
}

// Undo reverses a run. It holds the channel slot so an undo never races an
// active run on the same channel.
func (e *Engine) Undo(ctx context.Context, runID string) (*UndoResult, error) {
	run, err := e.runs.Run(runID)
	if err != nil {
		return nil, err
	}
	handle, err := e.slots.Acquire(ctx, run.ChannelID, fmt.Sprintf("Undoing %q…", run.InstructionTitle))
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	return e.undoMgr.Undo(handle.Context(), runID)
}

// History returns the channel's most recent runs, newest first.
func (e *Engine) History(channelID string, limit int) ([]InstructionRun, error) {
	return e.runs.RunsForChannel(channelID, limit)
}

// ---------- Run state machine ----------

// execute drives one run: Gated → [Preflighted] → Dispatched → Applying →
// Completed/Failed/Cancelled.
func (e *Engine) execute(ctx context.Context, ic *InstructionCard, scope RunScope, origin RunOrigin) (*RunResult, error) {
	now := time.Now()

	// Gate.
	history, err := e.runs.RunsForInstruction(ic.ID, now.Add(-24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("load run history: %w", err)
	}
	if decision := e.governor.Check(ic, history, now); !decision.Allowed {
		return nil, &DenialError{Reason: decision.Reason}
	}

	// Claim the channel slot.
	handle, err := e.slots.Acquire(ctx, ic.ChannelID, e.status(ic))
	if err != nil {
		return nil, err
	}
	defer handle.Release()
	runCtx := handle.Context()

	// Preflight.
	var targets []board.Card
	if ic.Action != ActionGenerate {
		partition, err := e.Preflight(ic)
		if err != nil {
			return nil, err
		}
		if partition.NeedsChoice() && scope == "" {
			if origin == OriginManual {
				return nil, fmt.Errorf("%d cards already processed by %q: %w",
					len(partition.AlreadyProcessed), ic.Title, ErrScopeRequired)
			}
			scope = e.autoScope
		}
		if scope == "" {
			scope = ScopeUnprocessed
		}
		targets = partition.Targets(scope)
		if len(targets) == 0 {
			// Nothing in scope: no dispatch, no record, no undo affordance.
			return &RunResult{}, nil
		}
	}

	// Mark targets as in flight, and clear on every exit path.
	for _, card := range targets {
		if err := e.store.SetCardProcessing(card.ID, true); err != nil {
			e.logger.Warn("failed to set processing flag", "card", card.ID, "error", err)
		}
	}
	defer func() {
		for _, card := range targets {
			if err := e.store.SetCardProcessing(card.ID, false); err != nil {
				e.logger.Warn("failed to clear processing flag", "card", card.ID, "error", err)
			}
		}
	}()

	req, err := e.buildRequest(ic, targets)
	if err != nil {
		return nil, err
	}

	// The cooldown anchor is persisted before dispatch so a crash mid-run
	// cannot re-fire immediately on restart.
	if err := e.instructions.SetLastExecuted(ic.ID, now); err != nil {
		e.logger.Warn("failed to persist last execution time", "instruction", ic.ID, "error", err)
	}
	ic.LastExecutedAt = &now

	// Dispatch.
	if err := runCtx.Err(); err != nil {
		return nil, fmt.Errorf("before dispatch: %w", ErrCancelled)
	}
	resp, err := e.completer.Complete(runCtx, req)
	if runCtx.Err() != nil {
		// Cancelled while awaiting the AI: discard any result, apply nothing.
		return nil, ErrCancelled
	}
	if err != nil {
		if errors.Is(err, ai.ErrInvalidResponse) {
			return nil, fmt.Errorf("%w: %v", ErrAIResponseInvalid, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrAIInvocationFailed, err)
	}

	// Apply.
	run := &InstructionRun{
		ID:               ulid.Make().String(),
		InstructionID:    ic.ID,
		InstructionTitle: ic.Title,
		ChannelID:        ic.ChannelID,
		StartedAt:        now,
	}
	result := &RunResult{}

	var applyErr error
	switch ic.Action {
	case ActionGenerate:
		applyErr = e.applyGenerate(ic, resp, run, result)
	case ActionModify:
		applyErr = e.applyModify(ic, resp, targets, run, result)
	case ActionMove:
		applyErr = e.applyMove(ic, resp, targets, run, result)
	}

	// A run that made at least one change gets a record even when a later
	// card failed; committed cards stay committed.
	if len(run.Changes) > 0 {
		if err := e.runs.SaveRun(run); err != nil {
			e.logger.Error("failed to save run record", "run", run.ID, "error", err)
			if applyErr == nil {
				applyErr = fmt.Errorf("save run record: %w", err)
			}
		} else {
			result.RunID = run.ID
			result.Changes = run.Changes
		}
	}
	if applyErr != nil {
		return result, applyErr
	}
	return result, nil
}

// buildRequest projects the board into the AI job request.
func (e *Engine) buildRequest(ic *InstructionCard, targets []board.Card) (*ai.Request, error) {
	ch, err := e.store.Channel(ic.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("load channel %q: %w", ic.ChannelID, err)
	}
	columnNames := make(map[string]string, len(ch.Columns))
	columns := make([]ai.ColumnContext, 0, len(ch.Columns))
	for _, col := range ch.Columns {
		columnNames[col.ID] = col.Name
		columns = append(columns, ai.ColumnContext{ID: col.ID, Name: col.Name})
	}

	contextColumns := ic.ContextColumns
	if len(contextColumns) == 0 {
		for _, col := range ch.Columns {
			contextColumns = append(contextColumns, col.ID)
		}
	}
	var contextCards []ai.CardContext
	for _, colID := range contextColumns {
		cards, err := e.store.CardsInColumn(colID)
		if err != nil {
			return nil, fmt.Errorf("load context column %q: %w", colID, err)
		}
		for _, card := range cards {
			contextCards = append(contextCards, projectCard(&card, columnNames))
		}
	}

	req := &ai.Request{
		Action:       string(ic.Action),
		Instructions: ic.Prompt,
		ContextCards: contextCards,
		Columns:      columns,
	}
	if ic.Action == ActionGenerate {
		req.CardCount = ic.CardCount
	}
	for _, card := range targets {
		req.TargetCards = append(req.TargetCards, projectCard(&card, columnNames))
	}
	return req, nil
}

func projectCard(card *board.Card, columnNames map[string]string) ai.CardContext {
	cc := ai.CardContext{
		ID:          card.ID,
		ColumnID:    card.ColumnID,
		ColumnName:  columnNames[card.ColumnID],
		Title:       card.Title,
		Description: card.Description,
		Tags:        card.Tags,
		Properties:  card.Properties,
	}
	for _, t := range card.Tasks {
		cc.Tasks = append(cc.Tasks, t.Title)
	}
	return cc
}

// applyGenerate creates the drafted cards in the first target column,
// preserving the AI-given order. Fewer drafts than requested is a degraded
// success, not an error.
func (e *Engine) applyGenerate(ic *InstructionCard, resp *ai.Response, run *InstructionRun, result *RunResult) error {
	columns, err := e.targetColumns(ic)
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return fmt.Errorf("generate instruction %q has no target column", ic.ID)
	}
	destination := columns[0]

	drafts := resp.Generated
	if ic.CardCount > 0 && len(drafts) > ic.CardCount {
		drafts = drafts[:ic.CardCount]
	}
	if len(drafts) < ic.CardCount {
		e.logger.Info("generate returned fewer cards than requested",
			"instruction", ic.ID, "requested", ic.CardCount, "got", len(drafts))
	}

	for i, draft := range drafts {
		card := &board.Card{
			ColumnID:    destination,
			Title:       draft.Title,
			Description: draft.Description,
			Position:    i,
			Properties:  draft.Properties,
		}
		if ic.Safeguards.PreventLoops {
			card.CreatedByInstruction = ic.ID
		}
		if err := e.store.CreateCard(card); err != nil {
			return fmt.Errorf("create card %d: %w", i, err)
		}
		run.Changes = append(run.Changes, CardChange{Kind: ChangeCardCreated, CardID: card.ID})
		result.CardsCreated++

		for _, tag := range draft.Tags {
			canonical, err := e.ensureTag(ic.ChannelID, tag)
			if err != nil {
				e.logger.Warn("failed to register tag", "tag", tag, "error", err)
				continue
			}
			if err := e.store.AddTagToCard(card.ID, canonical); err != nil {
				e.logger.Warn("failed to tag generated card", "card", card.ID, "tag", canonical, "error", err)
			}
		}
		for _, taskTitle := range draft.Tasks {
			if _, err := e.store.AddTask(card.ID, taskTitle); err != nil {
				e.logger.Warn("failed to add task to generated card", "card", card.ID, "error", err)
			}
		}
	}
	return nil
}

// applyModify diffs each returned descriptor against current card state and
// applies only true deltas, all-or-nothing per card. Cards committed before
// a failure stay committed.
func (e *Engine) applyModify(ic *InstructionCard, resp *ai.Response, targets []board.Card, run *InstructionRun, result *RunResult) error {
	inScope := make(map[string]bool, len(targets))
	for _, card := range targets {
		inScope[card.ID] = true
	}

	for _, mod := range resp.Modified {
		// The model may hallucinate IDs or reach outside the chosen scope.
		if !inScope[mod.CardID] {
			continue
		}
		card, err := e.store.Card(mod.CardID)
		if err != nil {
			e.logger.Warn("modify target vanished", "card", mod.CardID, "error", err)
			continue
		}

		changes, err := e.applyCardDeltas(ic, card, &mod)
		if err != nil {
			e.revertCardChanges(changes)
			return fmt.Errorf("modify card %q: %w", mod.CardID, err)
		}
		if len(changes) == 0 {
			continue
		}
		run.Changes = append(run.Changes, changes...)
		result.CardsTouched++
		if err := e.store.MarkProcessed(card.ID, ic.ID, time.Now()); err != nil {
			e.logger.Warn("failed to stamp processed ledger", "card", card.ID, "error", err)
		}
	}
	return nil
}

// applyCardDeltas computes and applies one card's deltas, returning the
// recorded changes. On error the caller reverts the returned prefix.
func (e *Engine) applyCardDeltas(ic *InstructionCard, card *board.Card, mod *ai.ModifiedCard) ([]CardChange, error) {
	var changes []CardChange

	if mod.Title != "" && mod.Title != card.Title {
		if err := e.store.SetCardTitle(card.ID, mod.Title); err != nil {
			return changes, err
		}
		changes = append(changes, CardChange{Kind: ChangeTitle, CardID: card.ID, PreviousTitle: card.Title})
	}

	for _, tag := range mod.Tags {
		if card.HasTag(tag) {
			continue
		}
		canonical, err := e.ensureTag(ic.ChannelID, tag)
		if err != nil {
			return changes, err
		}
		if err := e.store.AddTagToCard(card.ID, canonical); err != nil {
			return changes, err
		}
		changes = append(changes, CardChange{Kind: ChangeTagAdded, CardID: card.ID, TagName: canonical})
	}

	for key, value := range mod.Properties {
		prev, existed := card.Properties[key]
		if existed && prev == value {
			continue
		}
		v := value
		if err := e.store.SetCardProperty(card.ID, key, &v); err != nil {
			return changes, err
		}
		change := CardChange{Kind: ChangePropertySet, CardID: card.ID, PropertyKey: key}
		if existed {
			p := prev
			change.PreviousValue = &p
		}
		changes = append(changes, change)
	}

	for _, taskTitle := range mod.Tasks {
		if hasTask(card, taskTitle) {
			continue
		}
		task, err := e.store.AddTask(card.ID, taskTitle)
		if err != nil {
			return changes, err
		}
		changes = append(changes, CardChange{Kind: ChangeTaskAdded, CardID: card.ID, TaskID: task.ID})
	}

	if mod.Message != "" {
		msg, err := e.store.AddMessage(card.ID, ic.Title, mod.Message)
		if err != nil {
			return changes, err
		}
		changes = append(changes, CardChange{Kind: ChangeMessageAdd, CardID: card.ID, MessageID: msg.ID})
	}

	return changes, nil
}

// applyMove relocates each returned card to the front of its destination.
func (e *Engine) applyMove(ic *InstructionCard, resp *ai.Response, targets []board.Card, run *InstructionRun, result *RunResult) error {
	inScope := make(map[string]bool, len(targets))
	for _, card := range targets {
		inScope[card.ID] = true
	}

	for _, mv := range resp.Moved {
		if !inScope[mv.CardID] {
			continue
		}
		prevColumn, prevPos, err := e.store.MoveCard(mv.CardID, mv.DestinationColumnID, 0)
		if err != nil {
			if errors.Is(err, board.ErrNotFound) {
				e.logger.Warn("move skipped", "card", mv.CardID, "destination", mv.DestinationColumnID, "error", err)
				continue
			}
			return fmt.Errorf("move card %q: %w", mv.CardID, err)
		}
		run.Changes = append(run.Changes, CardChange{
			Kind: ChangeCardMoved, CardID: mv.CardID,
			PreviousColumnID: prevColumn, PreviousPosition: prevPos,
		})
		result.CardsTouched++
		if err := e.store.MarkProcessed(mv.CardID, ic.ID, time.Now()); err != nil {
			e.logger.Warn("failed to stamp processed ledger", "card", mv.CardID, "error", err)
		}
	}
	return nil
}

// ensureTag resolves a tag name against the channel's definitions with
// case-insensitive dedup. An existing definition wins with its canonical
// casing; otherwise a new definition takes the next palette color.
func (e *Engine) ensureTag(channelID, name string) (string, error) {
	ch, err := e.store.Channel(channelID)
	if err != nil {
		return "", err
	}
	for _, td := range ch.TagDefinitions {
		if strings.EqualFold(td.Name, name) {
			return td.Name, nil
		}
	}
	color := board.NextTagColor(len(ch.TagDefinitions))
	if err := e.store.AddTagDefinition(channelID, name, color); err != nil {
		return "", err
	}
	return name, nil
}

// revertCardChanges undoes a partially applied card after a mid-card
// failure, restoring all-or-nothing semantics for that card.
func (e *Engine) revertCardChanges(changes []CardChange) {
	for i := len(changes) - 1; i >= 0; i-- {
		ch := changes[i]
		var err error
		switch ch.Kind {
		case ChangeTitle:
			err = e.store.SetCardTitle(ch.CardID, ch.PreviousTitle)
		case ChangeTagAdded:
			err = e.store.RemoveTagFromCard(ch.CardID, ch.TagName)
		case ChangePropertySet:
			err = e.store.SetCardProperty(ch.CardID, ch.PropertyKey, ch.PreviousValue)
		case ChangeTaskAdded:
			err = e.store.DeleteTask(ch.TaskID)
		case ChangeMessageAdd:
			err = e.store.DeleteMessage(ch.MessageID)
		}
		if err != nil {
			e.logger.Error("failed to revert partial card change", "card", ch.CardID, "kind", ch.Kind, "error", err)
		}
	}
}

// hasTask reports whether the card already links a task with the same
// title, ignoring case and extra whitespace.
func hasTask(card *board.Card, title string) bool {
	want := normalizeTaskTitle(title)
	for _, t := range card.Tasks {
		if normalizeTaskTitle(t.Title) == want {
			return true
		}
	}
	return false
}

func normalizeTaskTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
