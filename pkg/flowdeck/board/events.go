// Package board – events.go implements the in-memory pub/sub bus for board
// mutation events. Store implementations publish a typed event for every
// card mutation; the trigger evaluator subscribes instead of depending on
// any UI render cycle.
package board

import (
	"sync"
	"sync/atomic"
	"time"
)

// EventType identifies a board mutation kind.
type EventType string

const (
	// EventCardCreated fires when a card is created in a column.
	EventCardCreated EventType = "card_created"

	// EventCardMoved fires when a card changes column.
	EventCardMoved EventType = "card_moved"

	// EventCardModified fires when a card's content changes in place
	// (title, properties, tags, tasks, messages).
	EventCardModified EventType = "card_modified"
)

// Event is one typed board mutation.
type Event struct {
	Type      EventType `json:"type"`
	ChannelID string    `json:"channel_id"`

	// ColumnID is the column the card now lives in (destination, for moves).
	ColumnID string `json:"column_id"`

	CardID string `json:"card_id"`

	// ByInstruction carries the card's originating instruction ID, when the
	// card was generated by an automation run. Used for loop prevention.
	ByInstruction string `json:"by_instruction,omitempty"`

	At time.Time `json:"at"`
}

// Listener receives board events.
type Listener func(Event)

// Bus is a thread-safe pub/sub hub for board events. Listeners are invoked
// synchronously during Publish; keep listener logic fast or dispatch to
// goroutines internally.
type Bus struct {
	listeners sync.Map // listenerID (uint64) → Listener
	nextID    atomic.Uint64
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a listener and returns an unsubscribe function.
func (b *Bus) Subscribe(fn Listener) func() {
	id := b.nextID.Add(1)
	b.listeners.Store(id, fn)
	return func() { b.listeners.Delete(id) }
}

// Publish fans an event out to all registered listeners.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.listeners.Range(func(_, value any) bool {
		if fn, ok := value.(Listener); ok {
			fn(ev)
		}
		return true
	})
}
