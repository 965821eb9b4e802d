// Package engine – sqlite_storage.go implements the engine's persistence
// interfaces on the shared flowdeck.db database. Instruction bodies are
// stored as JSON with the queryable fields broken out into columns.
package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLiteRunStorage persists run records in the instruction_runs table.
type SQLiteRunStorage struct {
	db *sql.DB
}

func NewSQLiteRunStorage(db *sql.DB) *SQLiteRunStorage {
	return &SQLiteRunStorage{db: db}
}

func (s *SQLiteRunStorage) SaveRun(run *InstructionRun) error {
	changes, err := json.Marshal(run.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO instruction_runs (id, instruction_id, instruction_title, channel_id, started_at, changes, undone)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		run.ID, run.InstructionID, run.InstructionTitle, run.ChannelID,
		run.StartedAt.UTC().Format(time.RFC3339), string(changes))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *SQLiteRunStorage) Run(id string) (*InstructionRun, error) {
	row := s.db.QueryRow(`
		SELECT id, instruction_id, instruction_title, channel_id, started_at, changes, undone
		FROM instruction_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q not found", id)
	}
	return run, err
}

func (s *SQLiteRunStorage) RunsForInstruction(instructionID string, since time.Time) ([]InstructionRun, error) {
	rows, err := s.db.Query(`
		SELECT id, instruction_id, instruction_title, channel_id, started_at, changes, undone
		FROM instruction_runs
		WHERE instruction_id = ? AND started_at >= ?
		ORDER BY started_at DESC, id DESC`,
		instructionID, since.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *SQLiteRunStorage) RunsForChannel(channelID string, limit int) ([]InstructionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, instruction_id, instruction_title, channel_id, started_at, changes, undone
		FROM instruction_runs
		WHERE channel_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func (s *SQLiteRunStorage) MarkUndone(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE instruction_runs SET undone = 1 WHERE id = ? AND undone = 0`, id)
	if err != nil {
		return false, fmt.Errorf("mark undone: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark undone rows: %w", err)
	}
	return n == 1, nil
}

func (s *SQLiteRunStorage) ClearUndone(id string) error {
	_, err := s.db.Exec(`UPDATE instruction_runs SET undone = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clear undone: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*InstructionRun, error) {
	var (
		run       InstructionRun
		startedAt string
		changes   string
	)
	if err := row.Scan(&run.ID, &run.InstructionID, &run.InstructionTitle, &run.ChannelID,
		&startedAt, &changes, &run.Undone); err != nil {
		return nil, err
	}
	run.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if err := json.Unmarshal([]byte(changes), &run.Changes); err != nil {
		return nil, fmt.Errorf("unmarshal changes: %w", err)
	}
	return &run, nil
}

func collectRuns(rows *sql.Rows) ([]InstructionRun, error) {
	var out []InstructionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// SQLiteInstructionStorage persists instruction definitions.
type SQLiteInstructionStorage struct {
	db *sql.DB
}

func NewSQLiteInstructionStorage(db *sql.DB) *SQLiteInstructionStorage {
	return &SQLiteInstructionStorage{db: db}
}

func (s *SQLiteInstructionStorage) SaveInstruction(ic *InstructionCard) error {
	if err := ic.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(ic)
	if err != nil {
		return fmt.Errorf("marshal instruction: %w", err)
	}
	var lastExecuted any
	if ic.LastExecutedAt != nil {
		lastExecuted = ic.LastExecutedAt.UTC().Format(time.RFC3339)
	}
	_, err = s.db.Exec(`
		INSERT INTO instructions (id, channel_id, title, body, enabled, last_executed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel_id = excluded.channel_id,
			title = excluded.title,
			body = excluded.body,
			enabled = excluded.enabled,
			last_executed_at = excluded.last_executed_at`,
		ic.ID, ic.ChannelID, ic.Title, string(body), ic.Enabled, lastExecuted)
	if err != nil {
		return fmt.Errorf("save instruction: %w", err)
	}
	return nil
}

func (s *SQLiteInstructionStorage) Instruction(id string) (*InstructionCard, error) {
	row := s.db.QueryRow(`SELECT body, enabled, last_executed_at FROM instructions WHERE id = ?`, id)
	ic, err := scanInstruction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("instruction %q not found", id)
	}
	return ic, err
}

func (s *SQLiteInstructionStorage) InstructionsForChannel(channelID string) ([]InstructionCard, error) {
	return s.query(`SELECT body, enabled, last_executed_at FROM instructions WHERE channel_id = ? ORDER BY id ASC`, channelID)
}

func (s *SQLiteInstructionStorage) Instructions() ([]InstructionCard, error) {
	return s.query(`SELECT body, enabled, last_executed_at FROM instructions ORDER BY id ASC`)
}

func (s *SQLiteInstructionStorage) SetEnabled(id string, enabled bool) error {
	res, err := s.db.Exec(`UPDATE instructions SET enabled = ? WHERE id = ?`, enabled, id)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instruction %q not found", id)
	}
	return nil
}

func (s *SQLiteInstructionStorage) SetLastExecuted(id string, t time.Time) error {
	res, err := s.db.Exec(`UPDATE instructions SET last_executed_at = ? WHERE id = ?`,
		t.UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("set last executed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instruction %q not found", id)
	}
	return nil
}

func (s *SQLiteInstructionStorage) query(q string, args ...any) ([]InstructionCard, error) {
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query instructions: %w", err)
	}
	defer rows.Close()

	var out []InstructionCard
	for rows.Next() {
		ic, err := scanInstruction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		out = append(out, *ic)
	}
	return out, rows.Err()
}

func scanInstruction(row rowScanner) (*InstructionCard, error) {
	var (
		body         string
		enabled      bool
		lastExecuted sql.NullString
	)
	if err := row.Scan(&body, &enabled, &lastExecuted); err != nil {
		return nil, err
	}
	var ic InstructionCard
	if err := json.Unmarshal([]byte(body), &ic); err != nil {
		return nil, fmt.Errorf("unmarshal instruction: %w", err)
	}
	// Column values win over the JSON snapshot: enabled and last_executed_at
	// are updated in place without rewriting the body.
	ic.Enabled = enabled
	if lastExecuted.Valid && lastExecuted.String != "" {
		if t, err := time.Parse(time.RFC3339, lastExecuted.String); err == nil {
			ic.LastExecutedAt = &t
		}
	}
	return &ic, nil
}

// SQLiteTriggerStateStorage persists evaluator state in trigger_state.
type SQLiteTriggerStateStorage struct {
	db *sql.DB
}

func NewSQLiteTriggerStateStorage(db *sql.DB) *SQLiteTriggerStateStorage {
	return &SQLiteTriggerStateStorage{db: db}
}

func (s *SQLiteTriggerStateStorage) TriggerState(instructionID string, index int) (TriggerState, bool, error) {
	var st TriggerState
	err := s.db.QueryRow(`SELECT period_key, condition_met FROM trigger_state WHERE instruction_id = ? AND trigger_index = ?`,
		instructionID, index).Scan(&st.PeriodKey, &st.ConditionMet)
	if errors.Is(err, sql.ErrNoRows) {
		return TriggerState{}, false, nil
	}
	if err != nil {
		return TriggerState{}, false, fmt.Errorf("load trigger state: %w", err)
	}
	return st, true, nil
}

func (s *SQLiteTriggerStateStorage) SaveTriggerState(instructionID string, index int, st TriggerState) error {
	_, err := s.db.Exec(`
		INSERT INTO trigger_state (instruction_id, trigger_index, period_key, condition_met)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(instruction_id, trigger_index) DO UPDATE SET
			period_key = excluded.period_key,
			condition_met = excluded.condition_met`,
		instructionID, index, st.PeriodKey, st.ConditionMet)
	if err != nil {
		return fmt.Errorf("save trigger state: %w", err)
	}
	return nil
}
