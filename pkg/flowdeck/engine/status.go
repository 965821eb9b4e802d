// Package engine – status.go provides the status text shown while a run
// holds the channel slot. The wording is cosmetic and injectable; only the
// fact that a status exists is engine behavior.
package engine

import (
	"fmt"
	"math/rand"
)

// StatusFormatter produces the status text for an in-flight run.
type StatusFormatter func(ic *InstructionCard) string

// defaultStatusVerbs feed the default formatter, picked at random per run.
var defaultStatusVerbs = map[Action][]string{
	ActionGenerate: {"Drafting cards", "Generating cards", "Sketching new cards"},
	ActionModify:   {"Updating cards", "Revising cards", "Polishing cards"},
	ActionMove:     {"Sorting cards", "Reorganizing the board", "Moving cards"},
}

// DefaultStatusFormatter picks a short verb phrase for the action and
// appends the instruction title.
func DefaultStatusFormatter(ic *InstructionCard) string {
	verbs := defaultStatusVerbs[ic.Action]
	if len(verbs) == 0 {
		return fmt.Sprintf("Running %q…", ic.Title)
	}
	return fmt.Sprintf("%s for %q…", verbs[rand.Intn(len(verbs))], ic.Title)
}

// StatusFormatterFromMessages builds a formatter over a user-supplied
// message set, ignoring the action. An empty set falls back to the default.
func StatusFormatterFromMessages(messages []string) StatusFormatter {
	if len(messages) == 0 {
		return DefaultStatusFormatter
	}
	return func(ic *InstructionCard) string {
		return fmt.Sprintf("%s for %q…", messages[rand.Intn(len(messages))], ic.Title)
	}
}
