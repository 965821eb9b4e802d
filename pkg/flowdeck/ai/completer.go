// Package ai defines the completion collaborator contract the automation
// engine depends on, and implements it against OpenAI-compatible chat
// completion endpoints. The engine treats this package as a black box that
// returns typed card payloads plus raw prompt/response strings for
// diagnostics.
package ai

import (
	"context"
	"errors"
)

// ErrInvalidResponse means the provider's payload could not be interpreted
// as the requested shape at all. Partially malformed payloads are degraded
// (bad items skipped) instead of failing.
var ErrInvalidResponse = errors.New("ai: invalid response")

// Request describes one completion job.
type Request struct {
	// Action is "generate", "modify", or "move"; it selects the expected
	// response shape.
	Action string `json:"action"`

	// Instructions is the user-authored automation prompt.
	Instructions string `json:"instructions"`

	// ContextCards are the cards visible to the model as board context.
	ContextCards []CardContext `json:"context_cards,omitempty"`

	// TargetCards are the cards a modify/move action operates on.
	TargetCards []CardContext `json:"target_cards,omitempty"`

	// Columns lists the board's columns, so move actions can pick a
	// destination.
	Columns []ColumnContext `json:"columns,omitempty"`

	// CardCount is how many drafts a generate action requests.
	CardCount int `json:"card_count,omitempty"`
}

// CardContext is the model-visible projection of a card.
type CardContext struct {
	ID          string            `json:"id"`
	ColumnID    string            `json:"column_id"`
	ColumnName  string            `json:"column_name,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Tasks       []string          `json:"tasks,omitempty"`
}

// ColumnContext is the model-visible projection of a column.
type ColumnContext struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CardDraft is one generated card.
type CardDraft struct {
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
	Tasks       []string          `json:"tasks,omitempty"`
}

// ModifiedCard is the model's proposed state for one existing card. Empty
// fields mean "leave unchanged"; the engine applies only true deltas.
type ModifiedCard struct {
	CardID     string            `json:"card_id"`
	Title      string            `json:"title,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Tasks      []string          `json:"tasks,omitempty"`

	// Message is appended to the card's thread when non-empty.
	Message string `json:"message,omitempty"`
}

// MovedCard is one proposed relocation.
type MovedCard struct {
	CardID              string `json:"card_id"`
	DestinationColumnID string `json:"destination_column_id"`
}

// Response is the typed result of one completion, plus raw strings for
// diagnostics. Exactly one of the three lists is populated, matching the
// request's action.
type Response struct {
	Generated []CardDraft    `json:"generated,omitempty"`
	Modified  []ModifiedCard `json:"modified,omitempty"`
	Moved     []MovedCard    `json:"moved,omitempty"`

	RawPrompt   string `json:"-"`
	RawResponse string `json:"-"`
}

// Completer is the engine-facing contract.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
