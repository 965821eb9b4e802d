// Package board – store.go defines the persistence contract the automation
// engine consumes. Two implementations exist: SQLiteStore (durable) and
// MemoryStore (ephemeral, used in tests and demo boards).
package board

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a channel, column, card, task, or message
// does not exist.
var ErrNotFound = errors.New("board: not found")

// Store is the board persistence contract.
//
// Mutating methods publish a typed Event on the store's bus after the write
// succeeds. Read methods return copies; mutating a returned value does not
// affect stored state.
type Store interface {
	// Channel returns a channel with its columns and tag definitions.
	Channel(id string) (*Channel, error)

	// Channels lists all channels, columns included.
	Channels() ([]Channel, error)

	// CardsInColumn returns the column's cards ordered front to back.
	CardsInColumn(columnID string) ([]Card, error)

	// Card returns a single card with tags, properties, tasks, messages,
	// and its processed ledger loaded.
	Card(id string) (*Card, error)

	// CreateCard inserts a card at the given position in its column
	// (position past the end appends). Assigns an ID when empty.
	CreateCard(c *Card) error

	// DeleteCard removes a card and all attached records.
	DeleteCard(id string) error

	// MoveCard relocates a card to the destination column at the given
	// position and returns the previous column and position.
	MoveCard(id, destColumnID string, position int) (prevColumnID string, prevPosition int, err error)

	// SetCardTitle replaces the card's title.
	SetCardTitle(id, title string) error

	// SetCardProperty upserts a property; a nil value removes it.
	SetCardProperty(id, key string, value *string) error

	// AddTagToCard links a tag to a card, incrementing its reference count.
	// Adding a tag the card already holds is counted, not an error.
	AddTagToCard(id, tag string) error

	// RemoveTagFromCard decrements the tag's reference count on the card and
	// unlinks it when the count reaches zero.
	RemoveTagFromCard(id, tag string) error

	// AddTagDefinition registers a channel-level tag. Duplicate names
	// (exact match) are an error; casing variants are the caller's concern.
	AddTagDefinition(channelID, name, color string) error

	// AddTask appends a checklist task to a card.
	AddTask(cardID, title string) (*Task, error)

	// DeleteTask removes a task.
	DeleteTask(id string) error

	// AddMessage appends a message to a card's thread.
	AddMessage(cardID, author, content string) (*Message, error)

	// DeleteMessage removes a message.
	DeleteMessage(id string) error

	// SetCardProcessing flips the card's in-flight marker.
	SetCardProcessing(id string, processing bool) error

	// MarkProcessed stamps the idempotency ledger for (card, instruction).
	MarkProcessed(cardID, instructionID string, at time.Time) error

	// IsProcessed consults the idempotency ledger.
	IsProcessed(cardID, instructionID string) (bool, error)
}
