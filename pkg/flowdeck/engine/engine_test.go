package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowdeck/flowdeck/pkg/flowdeck/ai"
	"github.com/flowdeck/flowdeck/pkg/flowdeck/board"
)

// fakeCompleter returns canned responses and records requests.
type fakeCompleter struct {
	mu      sync.Mutex
	fn      func(ctx context.Context, req *ai.Request) (*ai.Response, error)
	calls   int
	lastReq *ai.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req *ai.Request) (*ai.Response, error) {
	f.mu.Lock()
	f.calls++
	f.lastReq = req
	fn := f.fn
	f.mu.Unlock()
	if fn == nil {
		return &ai.Response{}, nil
	}
	return fn(ctx, req)
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type engineFixture struct {
	engine       *Engine
	store        *board.MemoryStore
	runs         *MemoryRunStorage
	instructions *MemoryInstructionStorage
	completer    *fakeCompleter
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := board.NewMemoryStore(board.NewBus())
	store.AddChannel(board.Channel{
		ID:   "team",
		Name: "Team Board",
		Columns: []board.Column{
			{ID: "inbox", ChannelID: "team", Name: "Inbox"},
			{ID: "doing", ChannelID: "team", Name: "In Progress"},
			{ID: "done", ChannelID: "team", Name: "Done"},
		},
	})
	completer := &fakeCompleter{}
	runs := NewMemoryRunStorage()
	instructions := NewMemoryInstructionStorage()
	eng := New(store, runs, instructions, completer, Options{})
	return &engineFixture{
		engine:       eng,
		store:        store,
		runs:         runs,
		instructions: instructions,
		completer:    completer,
	}
}

func (f *engineFixture) saveInstruction(t *testing.T, ic InstructionCard) {
	t.Helper()
	if err := f.instructions.SaveInstruction(&ic); err != nil {
		t.Fatalf("save instruction: %v", err)
	}
}

func (f *engineFixture) seedCard(t *testing.T, columnID, title string) *board.Card {
	t.Helper()
	card := &board.Card{ColumnID: columnID, Title: title}
	if err := f.store.CreateCard(card); err != nil {
		t.Fatalf("seed card: %v", err)
	}
	return card
}

func modifyInstruction() InstructionCard {
	return InstructionCard{
		ID:        "inst-triage",
		ChannelID: "team",
		Title:     "Triage inbox",
		Prompt:    "Tag and prioritize each card.",
		Action:    ActionModify,
		Target:    Target{Kind: TargetColumn, ColumnIDs: []string{"inbox"}},
		RunMode:   RunModeManual,
		Enabled:   true,
	}
}

func TestModifyRunAppliesDeltas(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	card := f.seedCard(t, "inbox", "Fix login timeout")

	// "Urgent" already exists as a definition with different casing than
	// what the AI returns.
	if err := f.store.AddTagDefinition("team", "Urgent", "#ef4444"); err != nil {
		t.Fatal(err)
	}

	prio := "high"
	f.completer.fn = func(_ context.Context, _ *ai.Request) (*ai.Response, error) {
		return &ai.Response{Modified: []ai.ModifiedCard{{
			CardID:     card.ID,
			Tags:       []string{"urgent"},
			Properties: map[string]string{"priority": prio},
			Tasks:      []string{"Reproduce the timeout"},
			Message:    "Triaged automatically.",
		}}}, nil
	}

	result, err := f.engine.Run(context.Background(), "inst-triage", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RunID == "" {
		t.Fatal("no run record for a run with changes")
	}
	if result.CardsTouched != 1 {
		t.Fatalf("touched %d cards, want 1", result.CardsTouched)
	}

	got, _ := f.store.Card(card.ID)
	if !got.HasTag("Urgent") {
		t.Fatalf("tag not applied with canonical casing: %v", got.Tags)
	}
	if got.Properties["priority"] != "high" {
		t.Fatalf("property not applied: %v", got.Properties)
	}
	if len(got.Tasks) != 1 || got.Tasks[0].Title != "Reproduce the timeout" {
		t.Fatalf("task not applied: %+v", got.Tasks)
	}
	if len(got.Messages) != 1 || got.Messages[0].Author != "Triage inbox" {
		t.Fatalf("message not applied: %+v", got.Messages)
	}
	if !got.ProcessedByInstruction("inst-triage") {
		t.Fatal("idempotency ledger not stamped")
	}
	if got.IsProcessing {
		t.Fatal("processing flag not cleared after run")
	}

	// The canonical definition was reused, not duplicated.
	ch, _ := f.store.Channel("team")
	if len(ch.TagDefinitions) != 1 {
		t.Fatalf("got %d tag definitions, want 1", len(ch.TagDefinitions))
	}

	// Cooldown anchor persisted.
	ic, _ := f.instructions.Instruction("inst-triage")
	if ic.LastExecutedAt == nil {
		t.Fatal("last execution time not persisted")
	}
}

func TestModifyRunSkipsRedundantDeltas(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	card := f.seedCard(t, "inbox", "Card")
	if err := f.store.AddTagToCard(card.ID, "urgent"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.AddTask(card.ID, "Ship it"); err != nil {
		t.Fatal(err)
	}

	f.completer.fn = func(_ context.Context, _ *ai.Request) (*ai.Response, error) {
		return &ai.Response{Modified: []ai.ModifiedCard{{
			CardID: card.ID,
			Title:  "Card", // unchanged
			Tags:   []string{"URGENT"},
			Tasks:  []string{"  ship   IT "},
		}}}, nil
	}

	result, err := f.engine.Run(context.Background(), "inst-triage", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Everything the AI returned was already true of the card.
	if result.RunID != "" {
		t.Fatalf("no-op run saved a record with %d changes", len(result.Changes))
	}
	got, _ := f.store.Card(card.ID)
	if len(got.Tags) != 1 || len(got.Tasks) != 1 {
		t.Fatalf("redundant deltas duplicated state: tags=%v tasks=%+v", got.Tags, got.Tasks)
	}
}

func TestModifyRunIgnoresOutOfScopeCards(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	inScope := f.seedCard(t, "inbox", "in scope")
	outside := f.seedCard(t, "done", "outside")

	f.completer.fn = func(_ context.Context, _ *ai.Request) (*ai.Response, error) {
		return &ai.Response{Modified: []ai.ModifiedCard{
			{CardID: outside.ID, Title: "hijacked"},
			{CardID: "no-such-card", Title: "ghost"},
			{CardID: inScope.ID, Title: "renamed"},
		}}, nil
	}

	result, err := f.engine.Run(context.Background(), "inst-triage", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.CardsTouched != 1 {
		t.Fatalf("touched %d cards, want 1", result.CardsTouched)
	}
	got, _ := f.store.Card(outside.ID)
	if got.Title != "outside" {
		t.Fatal("out-of-scope card was modified")
	}
}

func TestManualRunRequiresScopeChoice(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	processed := f.seedCard(t, "inbox", "old")
	fresh := f.seedCard(t, "inbox", "new")
	if err := f.store.MarkProcessed(processed.ID, "inst-triage", time.Now()); err != nil {
		t.Fatal(err)
	}

	_, err := f.engine.Run(context.Background(), "inst-triage", "")
	if !errors.Is(err, ErrScopeRequired) {
		t.Fatalf("got %v, want ErrScopeRequired", err)
	}
	if f.completer.callCount() != 0 {
		t.Fatal("AI dispatched before the scope choice")
	}

	// An explicit scope proceeds, and unprocessed scope only exposes the
	// fresh card to the AI.
	f.completer.fn = func(_ context.Context, req *ai.Request) (*ai.Response, error) {
		if len(req.TargetCards) != 1 || req.TargetCards[0].ID != fresh.ID {
			t.Errorf("unexpected targets: %+v", req.TargetCards)
		}
		return &ai.Response{}, nil
	}
	if _, err := f.engine.Run(context.Background(), "inst-triage", ScopeUnprocessed); err != nil {
		t.Fatalf("scoped run: %v", err)
	}
}

func TestRunWithEmptyScopeSkipsDispatch(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	card := f.seedCard(t, "inbox", "only")
	if err := f.store.MarkProcessed(card.ID, "inst-triage", time.Now()); err != nil {
		t.Fatal(err)
	}

	result, err := f.engine.Run(context.Background(), "inst-triage", ScopeUnprocessed)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.RunID != "" {
		t.Fatal("empty run produced a record")
	}
	if f.completer.callCount() != 0 {
		t.Fatal("AI dispatched with zero targets")
	}
}

func TestRunDeniedBySafeguards(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ic := modifyInstruction()
	ic.Safeguards.CooldownMinutes = 60
	last := time.Now().Add(-5 * time.Minute)
	ic.LastExecutedAt = &last
	f.saveInstruction(t, ic)
	f.seedCard(t, "inbox", "card")

	_, err := f.engine.Run(context.Background(), "inst-triage", "")
	if !errors.Is(err, ErrSafeguardDenied) {
		t.Fatalf("got %v, want ErrSafeguardDenied", err)
	}
	var denial *DenialError
	if !errors.As(err, &denial) || denial.Reason == "" {
		t.Fatalf("denial carries no reason: %v", err)
	}
	if f.completer.callCount() != 0 {
		t.Fatal("AI dispatched despite denial")
	}
}

func TestBusySlotDoesNotLoseDailyTrigger(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	ic := modifyInstruction()
	ic.RunMode = RunModeAutomatic
	ic.Triggers = []Trigger{{Kind: TriggerScheduled, Interval: IntervalDaily, SpecificTime: "09:00"}}
	f.saveInstruction(t, ic)
	f.seedCard(t, "inbox", "card")

	states := NewMemoryTriggerStateStorage()
	ev := NewEvaluator(f.store, states, nil)
	nine := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// Another run holds the channel while the daily trigger fires.
	handle, err := f.engine.Slots().Acquire(context.Background(), "team", "busy")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	fired := ev.EvaluateTick(nine, []InstructionCard{ic})
	if len(fired) != 1 {
		t.Fatalf("fired %d, want 1", len(fired))
	}
	if f.engine.RunAuto(context.Background(), fired[0].Instruction) {
		t.Fatal("run reported started despite the busy slot")
	}
	fired[0].Release()
	handle.Release()

	if f.completer.callCount() != 0 {
		t.Fatal("completer called while the slot was busy")
	}

	// The next tick retries within the same day and the run goes through.
	fired = ev.EvaluateTick(nine.Add(time.Minute), []InstructionCard{ic})
	if len(fired) != 1 {
		t.Fatal("trigger did not retry after the busy window")
	}
	if !f.engine.RunAuto(context.Background(), fired[0].Instruction) {
		t.Fatal("retried run did not start")
	}
	if f.completer.callCount() != 1 {
		t.Fatalf("completer calls = %d, want 1", f.completer.callCount())
	}

	// One dispatch per day: the rest of the day stays silent.
	for _, offset := range []time.Duration{2 * time.Minute, time.Hour, 14 * time.Hour} {
		if fired := ev.EvaluateTick(nine.Add(offset), []InstructionCard{ic}); len(fired) != 0 {
			t.Fatalf("re-fired at +%s after a completed run", offset)
		}
	}
}

func TestRunRejectsBusyChannel(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	f.seedCard(t, "inbox", "card")

	started := make(chan struct{})
	release := make(chan struct{})
	f.completer.fn = func(ctx context.Context, _ *ai.Request) (*ai.Response, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &ai.Response{}, nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Run(context.Background(), "inst-triage", "")
		done <- err
	}()
	<-started

	_, err := f.engine.Run(context.Background(), "inst-triage", "")
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}

	// The slot is free again.
	f.completer.fn = nil
	if _, err := f.engine.Run(context.Background(), "inst-triage", ""); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestCancellationAppliesNothing(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	card := f.seedCard(t, "inbox", "card")

	f.completer.fn = func(ctx context.Context, _ *ai.Request) (*ai.Response, error) {
		// The user cancels while the AI call is in flight. The response
		// still arrives but must be discarded.
		f.engine.Slots().Cancel("team")
		return &ai.Response{Modified: []ai.ModifiedCard{{CardID: card.ID, Title: "mutated"}}}, nil
	}

	_, err := f.engine.Run(context.Background(), "inst-triage", "")
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("got %v, want ErrCancelled", err)
	}

	got, _ := f.store.Card(card.ID)
	if got.Title != "card" {
		t.Fatal("cancelled run mutated the board")
	}
	if got.IsProcessing {
		t.Fatal("processing flag leaked after cancellation")
	}
	runs, _ := f.runs.RunsForChannel("team", 10)
	if len(runs) != 0 {
		t.Fatal("cancelled run saved a record")
	}
}

func TestAIErrorMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid response", ai.ErrInvalidResponse, ErrAIResponseInvalid},
		{"transport failure", errors.New("connection refused"), ErrAIInvocationFailed},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newEngineFixture(t)
			f.saveInstruction(t, modifyInstruction())
			f.seedCard(t, "inbox", "card")

			f.completer.fn = func(_ context.Context, _ *ai.Request) (*ai.Response, error) {
				return nil, tt.err
			}
			_, err := f.engine.Run(context.Background(), "inst-triage", "")
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGenerateRunCreatesCardsInOrder(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ic := modifyInstruction()
	ic.ID = "inst-gen"
	ic.Title = "Weekly ideas"
	ic.Action = ActionGenerate
	ic.CardCount = 2
	ic.Safeguards.PreventLoops = true
	f.saveInstruction(t, ic)
	f.seedCard(t, "inbox", "existing")

	f.completer.fn = func(_ context.Context, req *ai.Request) (*ai.Response, error) {
		if req.CardCount != 2 {
			t.Errorf("request card count %d, want 2", req.CardCount)
		}
		return &ai.Response{Generated: []ai.CardDraft{
			{Title: "Idea one", Tags: []string{"idea"}},
			{Title: "Idea two", Tasks: []string{"Sketch it"}},
			{Title: "Idea three"}, // over the requested count
		}}, nil
	}

	result, err := f.engine.Run(context.Background(), "inst-gen", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.CardsCreated != 2 {
		t.Fatalf("created %d cards, want 2", result.CardsCreated)
	}

	cards, _ := f.store.CardsInColumn("inbox")
	if len(cards) != 3 {
		t.Fatalf("column has %d cards, want 3", len(cards))
	}
	if cards[0].Title != "Idea one" || cards[1].Title != "Idea two" {
		t.Fatalf("draft order not preserved: %q, %q", cards[0].Title, cards[1].Title)
	}
	if cards[0].CreatedByInstruction != "inst-gen" {
		t.Fatal("loop-prevention stamp missing on generated card")
	}
	if !cards[0].HasTag("idea") {
		t.Fatal("draft tag not applied")
	}
	if len(cards[1].Tasks) != 1 {
		t.Fatal("draft task not applied")
	}
}

func TestMoveRunRelocatesToFront(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	ic := modifyInstruction()
	ic.ID = "inst-move"
	ic.Action = ActionMove
	f.saveInstruction(t, ic)

	card := f.seedCard(t, "inbox", "ship me")
	f.seedCard(t, "done", "already there")

	f.completer.fn = func(_ context.Context, req *ai.Request) (*ai.Response, error) {
		if len(req.Columns) != 3 {
			t.Errorf("request lists %d columns, want 3", len(req.Columns))
		}
		return &ai.Response{Moved: []ai.MovedCard{
			{CardID: card.ID, DestinationColumnID: "done"},
			{CardID: "ghost", DestinationColumnID: "done"},
		}}, nil
	}

	result, err := f.engine.Run(context.Background(), "inst-move", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.CardsTouched != 1 {
		t.Fatalf("touched %d, want 1", result.CardsTouched)
	}

	got, _ := f.store.Card(card.ID)
	if got.ColumnID != "done" || got.Position != 0 {
		t.Fatalf("card at (%s, %d), want (done, 0)", got.ColumnID, got.Position)
	}

	run, err := f.runs.Run(result.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(run.Changes) != 1 || run.Changes[0].Kind != ChangeCardMoved {
		t.Fatalf("unexpected changes: %+v", run.Changes)
	}
	if run.Changes[0].PreviousColumnID != "inbox" {
		t.Fatal("previous placement not recorded")
	}
}

func TestEngineUndoRoundTrip(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())
	card := f.seedCard(t, "inbox", "original title")

	f.completer.fn = func(_ context.Context, _ *ai.Request) (*ai.Response, error) {
		return &ai.Response{Modified: []ai.ModifiedCard{{
			CardID:     card.ID,
			Title:      "rewritten title",
			Tags:       []string{"auto"},
			Properties: map[string]string{"score": "9"},
		}}}, nil
	}

	result, err := f.engine.Run(context.Background(), "inst-triage", "")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	undo, err := f.engine.Undo(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if undo.AlreadyUndone || undo.Reversed != len(result.Changes) {
		t.Fatalf("unexpected undo result: %+v", undo)
	}

	got, _ := f.store.Card(card.ID)
	if got.Title != "original title" {
		t.Fatalf("title not restored: %q", got.Title)
	}
	if got.HasTag("auto") {
		t.Fatal("tag not removed")
	}
	if _, ok := got.Properties["score"]; ok {
		t.Fatal("property not removed")
	}

	// A second undo is a harmless no-op.
	again, err := f.engine.Undo(context.Background(), result.RunID)
	if err != nil {
		t.Fatalf("second undo: %v", err)
	}
	if !again.AlreadyUndone {
		t.Fatal("second undo not reported as already undone")
	}
	if got, _ := f.store.Card(card.ID); got.Title != "original title" {
		t.Fatal("second undo mutated the board")
	}
}

// TestInboxTriageScenario walks one instruction through two runs: the first
// processes all three inbox cards, the second finds nothing left to do.
func TestInboxTriageScenario(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)
	f.saveInstruction(t, modifyInstruction())

	titles := []string{"Broken signup flow", "Update pricing page", "Write release notes"}
	ids := make([]string, 0, len(titles))
	for _, title := range titles {
		ids = append(ids, f.seedCard(t, "inbox", title).ID)
	}

	f.completer.fn = func(_ context.Context, req *ai.Request) (*ai.Response, error) {
		resp := &ai.Response{}
		for _, target := range req.TargetCards {
			resp.Modified = append(resp.Modified, ai.ModifiedCard{
				CardID:     target.ID,
				Tags:       []string{"triaged"},
				Properties: map[string]string{"priority": "medium"},
			})
		}
		return resp, nil
	}

	result, err := f.engine.Run(context.Background(), "inst-triage", "")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if result.CardsTouched != 3 {
		t.Fatalf("touched %d cards, want 3", result.CardsTouched)
	}
	for _, id := range ids {
		card, _ := f.store.Card(id)
		if !card.HasTag("triaged") || !card.ProcessedByInstruction("inst-triage") {
			t.Fatalf("card %q not fully processed", card.Title)
		}
	}

	// Everything is processed now, so a manual rerun demands a scope, and
	// the unprocessed scope dispatches nothing.
	if _, err := f.engine.Run(context.Background(), "inst-triage", ""); !errors.Is(err, ErrScopeRequired) {
		t.Fatalf("second run: got %v, want ErrScopeRequired", err)
	}
	calls := f.completer.callCount()
	result, err = f.engine.Run(context.Background(), "inst-triage", ScopeUnprocessed)
	if err != nil {
		t.Fatalf("second scoped run: %v", err)
	}
	if result.RunID != "" || f.completer.callCount() != calls {
		t.Fatal("second run dispatched despite empty scope")
	}

	// ScopeAll re-processes everything.
	result, err = f.engine.Run(context.Background(), "inst-triage", ScopeAll)
	if err != nil {
		t.Fatalf("scope-all run: %v", err)
	}
	// Tags and properties already match, so no new changes are recorded.
	if result.RunID != "" {
		t.Fatal("idempotent re-process recorded changes")
	}
}
