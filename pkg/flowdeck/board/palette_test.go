package board

import "testing"

func TestNextTagColorRotates(t *testing.T) {
	t.Parallel()

	first := NextTagColor(0)
	if first == "" {
		t.Fatal("empty color")
	}
	if NextTagColor(len(tagPalette)) != first {
		t.Fatal("palette does not wrap around")
	}
	if NextTagColor(0) == NextTagColor(1) {
		t.Fatal("adjacent tags share a color")
	}
	// Negative input is clamped, not a panic.
	if NextTagColor(-3) != first {
		t.Fatal("negative index not clamped to first color")
	}
}
