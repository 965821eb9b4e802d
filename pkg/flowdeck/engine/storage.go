// Package engine – storage.go defines the persistence interfaces the engine
// depends on, plus in-memory implementations used by tests and ephemeral
// boards. SQLite-backed implementations live in sqlite_storage.go.
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RunStorage persists run records.
type RunStorage interface {
	// SaveRun appends an immutable run record.
	SaveRun(run *InstructionRun) error

	// Run loads one run by ID.
	Run(id string) (*InstructionRun, error)

	// RunsForInstruction returns the instruction's runs started at or after
	// since, newest first.
	RunsForInstruction(instructionID string, since time.Time) ([]InstructionRun, error)

	// RunsForChannel returns the channel's most recent runs, newest first.
	RunsForChannel(channelID string, limit int) ([]InstructionRun, error)

	// MarkUndone flips undone 0→1 and reports whether this call won the
	// flip (false means the run was already undone).
	MarkUndone(id string) (bool, error)

	// ClearUndone resets the flag after a failed undo rollback.
	ClearUndone(id string) error
}

// InstructionStorage persists instruction definitions.
type InstructionStorage interface {
	SaveInstruction(ic *InstructionCard) error
	Instruction(id string) (*InstructionCard, error)
	InstructionsForChannel(channelID string) ([]InstructionCard, error)
	Instructions() ([]InstructionCard, error)
	SetEnabled(id string, enabled bool) error

	// SetLastExecuted records the cooldown anchor; persisted immediately so
	// restarts cannot double-fire.
	SetLastExecuted(id string, t time.Time) error
}

// TriggerState is the evaluator's persisted per-trigger memory: the last
// fired period for scheduled triggers and the previous comparison result
// for threshold triggers.
type TriggerState struct {
	PeriodKey    string
	ConditionMet bool
}

// TriggerStateStorage persists evaluator state across restarts.
type TriggerStateStorage interface {
	TriggerState(instructionID string, index int) (TriggerState, bool, error)
	SaveTriggerState(instructionID string, index int, st TriggerState) error
}

// ---------- In-memory implementations ----------

// MemoryRunStorage is a thread-safe in-memory RunStorage.
type MemoryRunStorage struct {
	mu   sync.Mutex
	runs map[string]*InstructionRun
}

func NewMemoryRunStorage() *MemoryRunStorage {
	return &MemoryRunStorage{runs: make(map[string]*InstructionRun)}
}

func (s *MemoryRunStorage) SaveRun(run *InstructionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	stored := *run
	stored.Changes = append([]CardChange(nil), run.Changes...)
	s.runs[run.ID] = &stored
	return nil
}

func (s *MemoryRunStorage) Run(id string) (*InstructionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q not found", id)
	}
	out := *run
	out.Changes = append([]CardChange(nil), run.Changes...)
	return &out, nil
}

func (s *MemoryRunStorage) RunsForInstruction(instructionID string, since time.Time) ([]InstructionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []InstructionRun
	for _, run := range s.runs {
		if run.InstructionID == instructionID && !run.StartedAt.Before(since) {
			r := *run
			r.Changes = append([]CardChange(nil), run.Changes...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryRunStorage) RunsForChannel(channelID string, limit int) ([]InstructionRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []InstructionRun
	for _, run := range s.runs {
		if run.ChannelID == channelID {
			r := *run
			r.Changes = append([]CardChange(nil), run.Changes...)
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRunStorage) MarkUndone(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, fmt.Errorf("run %q not found", id)
	}
	if run.Undone {
		return false, nil
	}
	run.Undone = true
	return true, nil
}

func (s *MemoryRunStorage) ClearUndone(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return fmt.Errorf("run %q not found", id)
	}
	run.Undone = false
	return nil
}

// MemoryInstructionStorage is a thread-safe in-memory InstructionStorage.
type MemoryInstructionStorage struct {
	mu           sync.Mutex
	instructions map[string]*InstructionCard
}

func NewMemoryInstructionStorage() *MemoryInstructionStorage {
	return &MemoryInstructionStorage{instructions: make(map[string]*InstructionCard)}
}

func (s *MemoryInstructionStorage) SaveInstruction(ic *InstructionCard) error {
	if err := ic.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *ic
	s.instructions[ic.ID] = &stored
	return nil
}

func (s *MemoryInstructionStorage) Instruction(id string) (*InstructionCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ic, ok := s.instructions[id]
	if !ok {
		return nil, fmt.Errorf("instruction %q not found", id)
	}
	out := *ic
	return &out, nil
}

func (s *MemoryInstructionStorage) InstructionsForChannel(channelID string) ([]InstructionCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []InstructionCard
	for _, ic := range s.instructions {
		if ic.ChannelID == channelID {
			out = append(out, *ic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryInstructionStorage) Instructions() ([]InstructionCard, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InstructionCard, 0, len(s.instructions))
	for _, ic := range s.instructions {
		out = append(out, *ic)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryInstructionStorage) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ic, ok := s.instructions[id]
	if !ok {
		return fmt.Errorf("instruction %q not found", id)
	}
	ic.Enabled = enabled
	return nil
}

func (s *MemoryInstructionStorage) SetLastExecuted(id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ic, ok := s.instructions[id]
	if !ok {
		return fmt.Errorf("instruction %q not found", id)
	}
	ic.LastExecutedAt = &t
	return nil
}

// MemoryTriggerStateStorage is a thread-safe in-memory TriggerStateStorage.
type MemoryTriggerStateStorage struct {
	mu     sync.Mutex
	states map[string]TriggerState
}

func NewMemoryTriggerStateStorage() *MemoryTriggerStateStorage {
	return &MemoryTriggerStateStorage{states: make(map[string]TriggerState)}
}

func (s *MemoryTriggerStateStorage) TriggerState(instructionID string, index int) (TriggerState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[triggerStateKey(instructionID, index)]
	return st, ok, nil
}

func (s *MemoryTriggerStateStorage) SaveTriggerState(instructionID string, index int, st TriggerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[triggerStateKey(instructionID, index)] = st
	return nil
}

func triggerStateKey(instructionID string, index int) string {
	return fmt.Sprintf("%s/%d", instructionID, index)
}
