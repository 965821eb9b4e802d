// Package board – memory_store.go implements an in-memory Store. It backs
// throwaway demo boards and the engine's test suites; the serve path uses
// SQLiteStore.
package board

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-memory Store implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	channels map[string]*Channel
	columns  map[string]*Column
	cards    map[string]*Card
	tagRefs  map[string]map[string]int // card ID → tag name → refcount
	bus      *Bus
}

// NewMemoryStore creates an empty in-memory store. The bus may be nil when
// no event consumers exist.
func NewMemoryStore(bus *Bus) *MemoryStore {
	return &MemoryStore{
		channels: make(map[string]*Channel),
		columns:  make(map[string]*Column),
		cards:    make(map[string]*Card),
		tagRefs:  make(map[string]map[string]int),
		bus:      bus,
	}
}

// AddChannel registers a channel and its columns. Intended for seeding.
func (s *MemoryStore) AddChannel(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := ch
	stored.Columns = append([]Column(nil), ch.Columns...)
	stored.TagDefinitions = append([]TagDefinition(nil), ch.TagDefinitions...)
	s.channels[ch.ID] = &stored
	for i := range stored.Columns {
		col := stored.Columns[i]
		col.ChannelID = ch.ID
		s.columns[col.ID] = &col
	}
}

func (s *MemoryStore) Channel(id string) (*Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, ok := s.channels[id]
	if !ok {
		return nil, fmt.Errorf("channel %q: %w", id, ErrNotFound)
	}
	out := *ch
	out.Columns = append([]Column(nil), ch.Columns...)
	out.TagDefinitions = append([]TagDefinition(nil), ch.TagDefinitions...)
	return &out, nil
}

func (s *MemoryStore) Channels() ([]Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		c := *ch
		c.Columns = append([]Column(nil), ch.Columns...)
		c.TagDefinitions = append([]TagDefinition(nil), ch.TagDefinitions...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CardsInColumn(columnID string) ([]Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.columns[columnID]; !ok {
		return nil, fmt.Errorf("column %q: %w", columnID, ErrNotFound)
	}
	return s.cardsOfLocked(columnID), nil
}

func (s *MemoryStore) Card(id string) (*Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cardLocked(id)
}

func (s *MemoryStore) CreateCard(c *Card) error {
	s.mu.Lock()
	col, ok := s.columns[c.ColumnID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("column %q: %w", c.ColumnID, ErrNotFound)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ChannelID = col.ChannelID
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	siblings := s.cardIDsOfLocked(c.ColumnID)
	if c.Position < 0 || c.Position > len(siblings) {
		c.Position = len(siblings)
	}
	for _, sid := range siblings {
		if s.cards[sid].Position >= c.Position {
			s.cards[sid].Position++
		}
	}

	stored := cloneCard(c)
	for _, tag := range c.Tags {
		s.tagRefLocked(c.ID)[tag] = 1
	}
	s.cards[c.ID] = stored
	ev := Event{
		Type: EventCardCreated, ChannelID: col.ChannelID, ColumnID: c.ColumnID,
		CardID: c.ID, ByInstruction: c.CreatedByInstruction,
	}
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

func (s *MemoryStore) DeleteCard(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[id]
	if !ok {
		return fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	for _, sid := range s.cardIDsOfLocked(card.ColumnID) {
		if s.cards[sid].Position > card.Position {
			s.cards[sid].Position--
		}
	}
	delete(s.cards, id)
	delete(s.tagRefs, id)
	return nil
}

func (s *MemoryStore) MoveCard(id, destColumnID string, position int) (string, int, error) {
	s.mu.Lock()
	card, ok := s.cards[id]
	if !ok {
		s.mu.Unlock()
		return "", 0, fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	dest, ok := s.columns[destColumnID]
	if !ok {
		s.mu.Unlock()
		return "", 0, fmt.Errorf("column %q: %w", destColumnID, ErrNotFound)
	}

	prevColumn, prevPos := card.ColumnID, card.Position

	// Close the gap in the source column.
	for _, sid := range s.cardIDsOfLocked(card.ColumnID) {
		if s.cards[sid].Position > card.Position {
			s.cards[sid].Position--
		}
	}

	card.ColumnID = destColumnID
	card.ChannelID = dest.ChannelID
	siblings := s.cardIDsOfLocked(destColumnID)
	if position < 0 || position >= len(siblings) {
		position = len(siblings) - 1
		if position < 0 {
			position = 0
		}
	}
	for _, sid := range siblings {
		if sid != id && s.cards[sid].Position >= position {
			s.cards[sid].Position++
		}
	}
	card.Position = position
	card.UpdatedAt = time.Now()
	ev := Event{
		Type: EventCardMoved, ChannelID: dest.ChannelID, ColumnID: destColumnID,
		CardID: id, ByInstruction: card.CreatedByInstruction,
	}
	s.mu.Unlock()

	s.publish(ev)
	return prevColumn, prevPos, nil
}

func (s *MemoryStore) SetCardTitle(id, title string) error {
	return s.modifyCard(id, func(c *Card) { c.Title = title })
}

func (s *MemoryStore) SetCardProperty(id, key string, value *string) error {
	return s.modifyCard(id, func(c *Card) {
		if value == nil {
			delete(c.Properties, key)
			return
		}
		if c.Properties == nil {
			c.Properties = make(map[string]string)
		}
		c.Properties[key] = *value
	})
}

func (s *MemoryStore) AddTagToCard(id, tag string) error {
	return s.modifyCard(id, func(c *Card) {
		refs := s.tagRefLocked(id)
		refs[tag]++
		if refs[tag] == 1 {
			c.Tags = append(c.Tags, tag)
		}
	})
}

func (s *MemoryStore) RemoveTagFromCard(id, tag string) error {
	return s.modifyCard(id, func(c *Card) {
		refs := s.tagRefLocked(id)
		if refs[tag] == 0 {
			return
		}
		refs[tag]--
		if refs[tag] > 0 {
			return
		}
		delete(refs, tag)
		for i, t := range c.Tags {
			if t == tag {
				c.Tags = append(c.Tags[:i], c.Tags[i+1:]...)
				break
			}
		}
	})
}

func (s *MemoryStore) AddTagDefinition(channelID, name, color string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.channels[channelID]
	if !ok {
		return fmt.Errorf("channel %q: %w", channelID, ErrNotFound)
	}
	for _, td := range ch.TagDefinitions {
		if td.Name == name {
			return fmt.Errorf("tag %q already defined in channel %q", name, channelID)
		}
	}
	ch.TagDefinitions = append(ch.TagDefinitions, TagDefinition{Name: name, Color: color})
	return nil
}

func (s *MemoryStore) AddTask(cardID, title string) (*Task, error) {
	task := &Task{ID: uuid.NewString(), CardID: cardID, Title: title, CreatedAt: time.Now()}
	err := s.modifyCard(cardID, func(c *Card) {
		c.Tasks = append(c.Tasks, *task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *MemoryStore) DeleteTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, card := range s.cards {
		for i, t := range card.Tasks {
			if t.ID == id {
				card.Tasks = append(card.Tasks[:i], card.Tasks[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("task %q: %w", id, ErrNotFound)
}

func (s *MemoryStore) AddMessage(cardID, author, content string) (*Message, error) {
	msg := &Message{ID: uuid.NewString(), CardID: cardID, Author: author, Content: content, CreatedAt: time.Now()}
	err := s.modifyCard(cardID, func(c *Card) {
		c.Messages = append(c.Messages, *msg)
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *MemoryStore) DeleteMessage(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, card := range s.cards {
		for i, m := range card.Messages {
			if m.ID == id {
				card.Messages = append(card.Messages[:i], card.Messages[i+1:]...)
				return nil
			}
		}
	}
	return fmt.Errorf("message %q: %w", id, ErrNotFound)
}

func (s *MemoryStore) SetCardProcessing(id string, processing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[id]
	if !ok {
		return fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	card.IsProcessing = processing
	return nil
}

func (s *MemoryStore) MarkProcessed(cardID, instructionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[cardID]
	if !ok {
		return fmt.Errorf("card %q: %w", cardID, ErrNotFound)
	}
	if card.ProcessedBy == nil {
		card.ProcessedBy = make(map[string]time.Time)
	}
	card.ProcessedBy[instructionID] = at
	return nil
}

func (s *MemoryStore) IsProcessed(cardID, instructionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	card, ok := s.cards[cardID]
	if !ok {
		return false, fmt.Errorf("card %q: %w", cardID, ErrNotFound)
	}
	_, processed := card.ProcessedBy[instructionID]
	return processed, nil
}

// ---------- Internal ----------

// modifyCard applies fn to the card under lock and publishes a
// card_modified event. SetCardProcessing deliberately bypasses this: the
// processing marker is presentation state, not a content change.
func (s *MemoryStore) modifyCard(id string, fn func(*Card)) error {
	s.mu.Lock()
	card, ok := s.cards[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	fn(card)
	card.UpdatedAt = time.Now()
	ev := Event{
		Type: EventCardModified, ChannelID: card.ChannelID, ColumnID: card.ColumnID,
		CardID: id, ByInstruction: card.CreatedByInstruction,
	}
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

func (s *MemoryStore) publish(ev Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func (s *MemoryStore) cardLocked(id string) (*Card, error) {
	card, ok := s.cards[id]
	if !ok {
		return nil, fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	return cloneCard(card), nil
}

func (s *MemoryStore) cardIDsOfLocked(columnID string) []string {
	var ids []string
	for id, c := range s.cards {
		if c.ColumnID == columnID {
			ids = append(ids, id)
		}
	}
	return ids
}

func (s *MemoryStore) cardsOfLocked(columnID string) []Card {
	var out []Card
	for _, c := range s.cards {
		if c.ColumnID == columnID {
			out = append(out, *cloneCard(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *MemoryStore) tagRefLocked(cardID string) map[string]int {
	refs, ok := s.tagRefs[cardID]
	if !ok {
		refs = make(map[string]int)
		s.tagRefs[cardID] = refs
	}
	return refs
}

func cloneCard(c *Card) *Card {
	out := *c
	out.Tags = append([]string(nil), c.Tags...)
	out.Tasks = append([]Task(nil), c.Tasks...)
	out.Messages = append([]Message(nil), c.Messages...)
	if c.Properties != nil {
		out.Properties = make(map[string]string, len(c.Properties))
		for k, v := range c.Properties {
			out.Properties[k] = v
		}
	}
	if c.ProcessedBy != nil {
		out.ProcessedBy = make(map[string]time.Time, len(c.ProcessedBy))
		for k, v := range c.ProcessedBy {
			out.ProcessedBy[k] = v
		}
	}
	return &out
}
