package board

import (
	"errors"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*MemoryStore, *Bus) {
	t.Helper()
	bus := NewBus()
	store := NewMemoryStore(bus)
	store.AddChannel(Channel{
		ID:   "team",
		Name: "Team Board",
		Columns: []Column{
			{ID: "inbox", ChannelID: "team", Name: "Inbox", Position: 0},
			{ID: "doing", ChannelID: "team", Name: "In Progress", Position: 1},
			{ID: "done", ChannelID: "team", Name: "Done", Position: 2},
		},
	})
	return store, bus
}

func TestCreateCardPositions(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	for _, title := range []string{"first", "second", "third"} {
		if err := store.CreateCard(&Card{ColumnID: "inbox", Title: title}); err != nil {
			t.Fatalf("create %q: %v", title, err)
		}
	}

	cards, err := store.CardsInColumn("inbox")
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	if len(cards) != 3 {
		t.Fatalf("got %d cards, want 3", len(cards))
	}
	// Each insert at position 0 pushes earlier cards back.
	want := []string{"third", "second", "first"}
	for i, card := range cards {
		if card.Title != want[i] {
			t.Errorf("position %d: got %q, want %q", i, card.Title, want[i])
		}
		if card.Position != i {
			t.Errorf("card %q: position %d, want %d", card.Title, card.Position, i)
		}
	}
}

func TestCreateCardUnknownColumn(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	err := store.CreateCard(&Card{ColumnID: "nope", Title: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMoveCardRecordsPreviousPlacement(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	a := &Card{ColumnID: "inbox", Title: "a"}
	b := &Card{ColumnID: "inbox", Title: "b"}
	for _, c := range []*Card{a, b} {
		if err := store.CreateCard(c); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	// b was inserted last, so it sits at position 0 and a at 1.

	prevCol, prevPos, err := store.MoveCard(a.ID, "doing", 0)
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if prevCol != "inbox" || prevPos != 1 {
		t.Fatalf("got prev (%s, %d), want (inbox, 1)", prevCol, prevPos)
	}

	moved, err := store.Card(a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if moved.ColumnID != "doing" || moved.Position != 0 {
		t.Fatalf("card at (%s, %d), want (doing, 0)", moved.ColumnID, moved.Position)
	}

	// The source column compacts.
	left, _ := store.CardsInColumn("inbox")
	if len(left) != 1 || left[0].Position != 0 {
		t.Fatalf("source column not compacted: %+v", left)
	}
}

func TestTagReferenceCounting(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	card := &Card{ColumnID: "inbox", Title: "x"}
	if err := store.CreateCard(card); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Two additions, e.g. a manual one and a run's, need two removals
	// before the tag unlinks.
	for i := 0; i < 2; i++ {
		if err := store.AddTagToCard(card.ID, "urgent"); err != nil {
			t.Fatalf("add tag: %v", err)
		}
	}
	if err := store.RemoveTagFromCard(card.ID, "urgent"); err != nil {
		t.Fatalf("first remove: %v", err)
	}
	got, _ := store.Card(card.ID)
	if !got.HasTag("urgent") {
		t.Fatal("tag unlinked while still referenced")
	}

	if err := store.RemoveTagFromCard(card.ID, "urgent"); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	got, _ = store.Card(card.ID)
	if got.HasTag("urgent") {
		t.Fatal("tag still linked after last reference removed")
	}
}

func TestPropertyUpsertAndDelete(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	card := &Card{ColumnID: "inbox", Title: "x"}
	if err := store.CreateCard(card); err != nil {
		t.Fatalf("create: %v", err)
	}

	v := "high"
	if err := store.SetCardProperty(card.ID, "priority", &v); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := store.Card(card.ID)
	if got.Properties["priority"] != "high" {
		t.Fatalf("got %q, want high", got.Properties["priority"])
	}

	if err := store.SetCardProperty(card.ID, "priority", nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = store.Card(card.ID)
	if _, ok := got.Properties["priority"]; ok {
		t.Fatal("property still present after nil set")
	}
}

func TestProcessedLedger(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	card := &Card{ColumnID: "inbox", Title: "x"}
	if err := store.CreateCard(card); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := store.IsProcessed(card.ID, "inst-1")
	if err != nil || ok {
		t.Fatalf("fresh card marked processed (ok=%v, err=%v)", ok, err)
	}
	if err := store.MarkProcessed(card.ID, "inst-1", time.Now()); err != nil {
		t.Fatalf("mark: %v", err)
	}
	ok, _ = store.IsProcessed(card.ID, "inst-1")
	if !ok {
		t.Fatal("card not marked processed")
	}
	// The ledger is per instruction.
	ok, _ = store.IsProcessed(card.ID, "inst-2")
	if ok {
		t.Fatal("ledger leaked across instructions")
	}
}

func TestStorePublishesEvents(t *testing.T) {
	t.Parallel()
	store, bus := newTestStore(t)

	events := make(chan Event, 16)
	unsubscribe := bus.Subscribe(func(ev Event) { events <- ev })
	defer unsubscribe()

	card := &Card{ColumnID: "inbox", Title: "x"}
	if err := store.CreateCard(card); err != nil {
		t.Fatalf("create: %v", err)
	}
	ev := <-events
	if ev.Type != EventCardCreated || ev.ColumnID != "inbox" || ev.CardID != card.ID {
		t.Fatalf("unexpected create event: %+v", ev)
	}

	if _, _, err := store.MoveCard(card.ID, "done", 0); err != nil {
		t.Fatalf("move: %v", err)
	}
	ev = <-events
	if ev.Type != EventCardMoved || ev.ColumnID != "done" {
		t.Fatalf("unexpected move event: %+v", ev)
	}

	if err := store.SetCardTitle(card.ID, "y"); err != nil {
		t.Fatalf("retitle: %v", err)
	}
	ev = <-events
	if ev.Type != EventCardModified {
		t.Fatalf("unexpected modify event: %+v", ev)
	}

	// Processing flags are UI state, not board changes.
	if err := store.SetCardProcessing(card.ID, true); err != nil {
		t.Fatalf("set processing: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("processing flag published %+v", ev)
	default:
	}
}
