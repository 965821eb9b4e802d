package engine

import (
	"testing"
	"time"
)

func partitionIDs(p *Partition) map[string]int {
	ids := make(map[string]int)
	for _, c := range p.AlreadyProcessed {
		ids[c.ID]++
	}
	for _, c := range p.Unprocessed {
		ids[c.ID]++
	}
	return ids
}

func TestPreflightBoardTargetCoversAllColumns(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	ic := modifyInstruction()
	ic.Target = Target{Kind: TargetBoard}
	f.saveInstruction(t, ic)

	want := map[string]bool{}
	for _, col := range []string{"inbox", "doing", "done"} {
		for i := 0; i < 2; i++ {
			card := f.seedCard(t, col, col+" card")
			want[card.ID] = true
		}
	}
	processed := f.seedCard(t, "doing", "seen before")
	want[processed.ID] = true
	if err := f.store.MarkProcessed(processed.ID, ic.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	p, err := f.engine.Preflight(&ic)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}

	ids := partitionIDs(p)
	if len(ids) != len(want) {
		t.Fatalf("partition covers %d cards, want %d", len(ids), len(want))
	}
	for id, n := range ids {
		if !want[id] {
			t.Fatalf("unexpected card %s in partition", id)
		}
		if n != 1 {
			t.Fatalf("card %s appears %d times across halves", id, n)
		}
	}
	if len(p.AlreadyProcessed) != 1 || p.AlreadyProcessed[0].ID != processed.ID {
		t.Fatalf("already-processed half = %d cards, want just %s", len(p.AlreadyProcessed), processed.ID)
	}
}

func TestPreflightMultiColumnTarget(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t)

	ic := modifyInstruction()
	ic.Target = Target{Kind: TargetColumns, ColumnIDs: []string{"inbox", "doing"}}
	f.saveInstruction(t, ic)

	inInbox := f.seedCard(t, "inbox", "a")
	inDoing := f.seedCard(t, "doing", "b")
	f.seedCard(t, "done", "outside target")
	if err := f.store.MarkProcessed(inDoing.ID, ic.ID, time.Now()); err != nil {
		t.Fatal(err)
	}

	p, err := f.engine.Preflight(&ic)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}

	ids := partitionIDs(p)
	if len(ids) != 2 || ids[inInbox.ID] != 1 || ids[inDoing.ID] != 1 {
		t.Fatalf("partition = %v, want exactly %s and %s once each", ids, inInbox.ID, inDoing.ID)
	}
	if len(p.Unprocessed) != 1 || p.Unprocessed[0].ID != inInbox.ID {
		t.Fatalf("unprocessed half = %v", p.Unprocessed)
	}
	if len(p.AlreadyProcessed) != 1 || p.AlreadyProcessed[0].ID != inDoing.ID {
		t.Fatalf("already-processed half = %v", p.AlreadyProcessed)
	}
}
