package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestSlotsSerializePerChannel(t *testing.T) {
	t.Parallel()
	slots := NewSlots()

	h1, err := slots.Acquire(context.Background(), "team", "Updating cards…")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	if _, err := slots.Acquire(context.Background(), "team", "second"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("got %v, want ErrAlreadyRunning", err)
	}

	// Another channel is independent.
	h2, err := slots.Acquire(context.Background(), "personal", "other")
	if err != nil {
		t.Fatalf("acquire other channel: %v", err)
	}
	h2.Release()

	h1.Release()
	h3, err := slots.Acquire(context.Background(), "team", "third")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	h3.Release()
}

func TestSlotsStatus(t *testing.T) {
	t.Parallel()
	slots := NewSlots()

	if _, ok := slots.Status("team"); ok {
		t.Fatal("idle channel reports a status")
	}

	h, err := slots.Acquire(context.Background(), "team", "Drafting cards for \"Ideas\"…")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	status, ok := slots.Status("team")
	if !ok || status == "" {
		t.Fatalf("active channel has no status (ok=%v)", ok)
	}

	h.Release()
	if _, ok := slots.Status("team"); ok {
		t.Fatal("released channel still reports a status")
	}
}

func TestSlotsCancel(t *testing.T) {
	t.Parallel()
	slots := NewSlots()

	if slots.Cancel("team") {
		t.Fatal("cancel reported an active run on an idle channel")
	}

	h, err := slots.Acquire(context.Background(), "team", "working")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !slots.Cancel("team") {
		t.Fatal("cancel found no active run")
	}
	if h.Context().Err() == nil {
		t.Fatal("cancel did not cancel the run context")
	}
	// The slot stays held until the run's own exit path releases it.
	if _, err := slots.Acquire(context.Background(), "team", "again"); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatal("cancelled slot freed before release")
	}
	h.Release()
}

func TestReleaseIsIdempotent(t *testing.T) {
	t.Parallel()
	slots := NewSlots()

	h, err := slots.Acquire(context.Background(), "team", "working")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	h.Release()
	h.Release() // second call is a no-op
	if _, err := slots.Acquire(context.Background(), "team", "next"); err != nil {
		t.Fatalf("acquire after double release: %v", err)
	}
}

func TestDefaultStatusFormatter(t *testing.T) {
	t.Parallel()

	for _, action := range []Action{ActionGenerate, ActionModify, ActionMove} {
		ic := &InstructionCard{Title: "Weekly triage", Action: action}
		status := DefaultStatusFormatter(ic)
		if status == "" {
			t.Fatalf("empty status for %s", action)
		}
	}

	// Unknown actions still produce something usable.
	if DefaultStatusFormatter(&InstructionCard{Title: "x", Action: "archive"}) == "" {
		t.Fatal("empty fallback status")
	}
}

func TestStatusFormatterFromMessages(t *testing.T) {
	t.Parallel()

	ic := &InstructionCard{Title: "Weekly triage", Action: ActionModify}

	custom := StatusFormatterFromMessages([]string{"Tidying up"})
	if got := custom(ic); !strings.Contains(got, "Tidying up") || !strings.Contains(got, "Weekly triage") {
		t.Fatalf("custom status = %q", got)
	}

	// An empty message set keeps the built-in wording.
	fallback := StatusFormatterFromMessages(nil)
	if fallback(ic) == "" {
		t.Fatal("empty status from fallback formatter")
	}
}
