// Package board – types.go defines the Kanban board data model: channels,
// columns, cards, and the card-attached records (tags, tasks, messages) the
// automation engine reads and mutates.
package board

import (
	"strings"
	"time"
)

// Channel is one board context. Instructions, runs, and the AI operation
// slot are all scoped to a channel.
type Channel struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`

	// Columns in display order.
	Columns []Column `json:"columns" yaml:"columns"`

	// TagDefinitions are the channel's known tags with their colors.
	TagDefinitions []TagDefinition `json:"tag_definitions" yaml:"tag_definitions"`
}

// Column holds an ordered list of cards.
type Column struct {
	ID        string `json:"id" yaml:"id"`
	ChannelID string `json:"channel_id" yaml:"channel_id"`
	Name      string `json:"name" yaml:"name"`
	Position  int    `json:"position" yaml:"position"`
}

// Card is a single board card.
type Card struct {
	ID          string `json:"id"`
	ColumnID    string `json:"column_id"`
	ChannelID   string `json:"channel_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// Position is the card's index inside its column (0 = front).
	Position int `json:"position"`

	// Tags are the tag names assigned to the card, canonical casing.
	Tags []string `json:"tags,omitempty"`

	// Properties are free-form key/value pairs.
	Properties map[string]string `json:"properties,omitempty"`

	Tasks    []Task    `json:"tasks,omitempty"`
	Messages []Message `json:"messages,omitempty"`

	// ProcessedBy is the idempotency ledger: instruction ID → when a
	// modify/move run of that instruction last touched this card.
	ProcessedBy map[string]time.Time `json:"processed_by,omitempty"`

	// CreatedByInstruction is set on cards generated by an instruction run
	// with loop prevention enabled, so the same instruction's triggers can
	// exclude them as source material.
	CreatedByInstruction string `json:"created_by_instruction,omitempty"`

	// IsProcessing marks the card as part of an in-flight run.
	IsProcessing bool `json:"is_processing,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TagDefinition is a channel-level tag with its assigned color.
type TagDefinition struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Task is a checklist item linked to a card.
type Task struct {
	ID        string    `json:"id"`
	CardID    string    `json:"card_id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a note appended to a card's conversation thread.
type Message struct {
	ID        string    `json:"id"`
	CardID    string    `json:"card_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// HasTag reports whether the card carries the tag, case-insensitively.
func (c *Card) HasTag(name string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, name) {
			return true
		}
	}
	return false
}

// ProcessedByInstruction reports whether the given instruction already
// touched this card in a previous modify/move run.
func (c *Card) ProcessedByInstruction(instructionID string) bool {
	_, ok := c.ProcessedBy[instructionID]
	return ok
}
