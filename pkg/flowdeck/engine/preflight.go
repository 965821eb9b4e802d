// Package engine – preflight.go implements the preflight deduplicator: the
// already-processed/unprocessed partition consulted before modify and move
// runs. Generate runs skip preflight entirely.
package engine

import (
	"fmt"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
)

// Partition splits an instruction's target cards by the idempotency ledger.
// AlreadyProcessed ∪ Unprocessed is the full target set, with no overlap.
type Partition struct {
	AlreadyProcessed []board.Card
	Unprocessed      []board.Card
}

// NeedsChoice reports whether execution requires a scope decision: some
// target cards were already processed by this instruction.
func (p *Partition) NeedsChoice() bool {
	return len(p.AlreadyProcessed) > 0
}

// Targets returns the cards in scope for the given run scope.
func (p *Partition) Targets(scope RunScope) []board.Card {
	if scope == ScopeAll {
		out := make([]board.Card, 0, len(p.Unprocessed)+len(p.AlreadyProcessed))
		out = append(out, p.Unprocessed...)
		out = append(out, p.AlreadyProcessed...)
		return out
	}
	return p.Unprocessed
}

// RunScope selects which partition a modify/move run operates on.
type RunScope string

const (
	// ScopeUnprocessed runs only on cards this instruction has not touched.
	ScopeUnprocessed RunScope = "unprocessed"

	// ScopeAll re-processes already-touched cards too.
	ScopeAll RunScope = "all"
)

// Preflight partitions the instruction's target cards. For generate
// instructions it returns an empty partition (no dedup concept).
func (e *Engine) Preflight(ic *InstructionCard) (*Partition, error) {
	if ic.Action == ActionGenerate {
		return &Partition{}, nil
	}

	cards, err := e.targetCards(ic)
	if err != nil {
		return nil, err
	}

	p := &Partition{}
	for _, c := range cards {
		if c.ProcessedByInstruction(ic.ID) {
			p.AlreadyProcessed = append(p.AlreadyProcessed, c)
		} else {
			p.Unprocessed = append(p.Unprocessed, c)
		}
	}
	return p, nil
}

// targetCards expands the instruction's target to its current card set.
func (e *Engine) targetCards(ic *InstructionCard) ([]board.Card, error) {
	columns, err := e.targetColumns(ic)
	if err != nil {
		return nil, err
	}
	var out []board.Card
	for _, colID := range columns {
		cards, err := e.store.CardsInColumn(colID)
		if err != nil {
			return nil, fmt.Errorf("load target column %q: %w", colID, err)
		}
		out = append(out, cards...)
	}
	return out, nil
}

// targetColumns resolves the target to concrete column IDs.
func (e *Engine) targetColumns(ic *InstructionCard) ([]string, error) {
	if ic.Target.Kind == TargetBoard {
		ch, err := e.store.Channel(ic.ChannelID)
		if err != nil {
			return nil, fmt.Errorf("load channel %q: %w", ic.ChannelID, err)
		}
		cols := make([]string, 0, len(ch.Columns))
		for _, c := range ch.Columns {
			cols = append(cols, c.ID)
		}
		return cols, nil
	}
	return ic.Target.ColumnIDs, nil
}
