// Package board – sqlite_store.go implements Store backed by the central
// flowdeck.db SQLite database.
package board

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db     *sql.DB
	bus    *Bus
	logger *slog.Logger
}

// NewSQLiteStore wraps an open flowdeck database. The tables must already
// exist (created by OpenDatabase). The bus may be nil.
func NewSQLiteStore(db *sql.DB, bus *Bus, logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteStore{db: db, bus: bus, logger: logger.With("component", "board")}
}

// DB exposes the underlying handle so engine storage can share the database.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// EnsureChannel inserts a channel and its columns if missing. Used by the
// serve path to seed a default board.
func (s *SQLiteStore) EnsureChannel(ch Channel) error {
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO channels (id, name) VALUES (?, ?)`, ch.ID, ch.Name); err != nil {
		return fmt.Errorf("ensure channel: %w", err)
	}
	for i, col := range ch.Columns {
		_, err := s.db.Exec(`INSERT OR IGNORE INTO columns (id, channel_id, name, position) VALUES (?, ?, ?, ?)`,
			col.ID, ch.ID, col.Name, i)
		if err != nil {
			return fmt.Errorf("ensure column %q: %w", col.ID, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Channel(id string) (*Channel, error) {
	ch := &Channel{ID: id}
	err := s.db.QueryRow(`SELECT name FROM channels WHERE id = ?`, id).Scan(&ch.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("channel %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load channel: %w", err)
	}

	rows, err := s.db.Query(`SELECT id, name, position FROM columns WHERE channel_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load columns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		col := Column{ChannelID: id}
		if err := rows.Scan(&col.ID, &col.Name, &col.Position); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		ch.Columns = append(ch.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", err)
	}

	tagRows, err := s.db.Query(`SELECT name, color FROM tag_definitions WHERE channel_id = ? ORDER BY position ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load tag definitions: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var td TagDefinition
		if err := tagRows.Scan(&td.Name, &td.Color); err != nil {
			return nil, fmt.Errorf("scan tag definition: %w", err)
		}
		ch.TagDefinitions = append(ch.TagDefinitions, td)
	}
	return ch, tagRows.Err()
}

func (s *SQLiteStore) Channels() ([]Channel, error) {
	rows, err := s.db.Query(`SELECT id FROM channels ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan channel id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate channels: %w", err)
	}

	out := make([]Channel, 0, len(ids))
	for _, id := range ids {
		ch, err := s.Channel(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *ch)
	}
	return out, nil
}

func (s *SQLiteStore) CardsInColumn(columnID string) ([]Card, error) {
	rows, err := s.db.Query(`SELECT id FROM cards WHERE column_id = ? ORDER BY position ASC`, columnID)
	if err != nil {
		return nil, fmt.Errorf("list cards: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan card id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cards: %w", err)
	}

	out := make([]Card, 0, len(ids))
	for _, id := range ids {
		card, err := s.Card(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *card)
	}
	return out, nil
}

func (s *SQLiteStore) Card(id string) (*Card, error) {
	card := &Card{ID: id}
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT c.column_id, col.channel_id, c.title, c.description, c.position,
		       c.created_by_instruction, c.is_processing, c.created_at, c.updated_at
		FROM cards c JOIN columns col ON col.id = c.column_id
		WHERE c.id = ?`, id).Scan(
		&card.ColumnID, &card.ChannelID, &card.Title, &card.Description, &card.Position,
		&card.CreatedByInstruction, &card.IsProcessing, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load card: %w", err)
	}
	card.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	card.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	if err := s.loadCardAttachments(card); err != nil {
		return nil, err
	}
	return card, nil
}

func (s *SQLiteStore) CreateCard(c *Card) error {
	var channelID string
	err := s.db.QueryRow(`SELECT channel_id FROM columns WHERE id = ?`, c.ColumnID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("column %q: %w", c.ColumnID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("resolve column: %w", err)
	}

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.ChannelID = channelID
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cards WHERE column_id = ?`, c.ColumnID).Scan(&count); err != nil {
		return fmt.Errorf("count cards: %w", err)
	}
	if c.Position < 0 || c.Position > count {
		c.Position = count
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin create card: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE cards SET position = position + 1 WHERE column_id = ? AND position >= ?`,
		c.ColumnID, c.Position); err != nil {
		return fmt.Errorf("shift cards: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO cards (id, column_id, title, description, position, created_by_instruction, is_processing, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		c.ID, c.ColumnID, c.Title, c.Description, c.Position, c.CreatedByInstruction,
		now.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("insert card: %w", err)
	}
	for _, tag := range c.Tags {
		if _, err := tx.Exec(`INSERT INTO card_tags (card_id, tag, refs) VALUES (?, ?, 1)`, c.ID, tag); err != nil {
			return fmt.Errorf("insert card tag: %w", err)
		}
	}
	for k, v := range c.Properties {
		if _, err := tx.Exec(`INSERT INTO card_properties (card_id, key, value) VALUES (?, ?, ?)`, c.ID, k, v); err != nil {
			return fmt.Errorf("insert card property: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create card: %w", err)
	}

	s.publish(Event{
		Type: EventCardCreated, ChannelID: channelID, ColumnID: c.ColumnID,
		CardID: c.ID, ByInstruction: c.CreatedByInstruction,
	})
	return nil
}

func (s *SQLiteStore) DeleteCard(id string) error {
	var columnID string
	var position int
	err := s.db.QueryRow(`SELECT column_id, position FROM cards WHERE id = ?`, id).Scan(&columnID, &position)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load card: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete card: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM card_tags WHERE card_id = ?`,
		`DELETE FROM card_properties WHERE card_id = ?`,
		`DELETE FROM tasks WHERE card_id = ?`,
		`DELETE FROM messages WHERE card_id = ?`,
		`DELETE FROM processed_cards WHERE card_id = ?`,
		`DELETE FROM cards WHERE id = ?`,
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return fmt.Errorf("delete card records: %w", err)
		}
	}
	if _, err := tx.Exec(`UPDATE cards SET position = position - 1 WHERE column_id = ? AND position > ?`,
		columnID, position); err != nil {
		return fmt.Errorf("close card gap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete card: %w", err)
	}
	return nil
}

func (s *SQLiteStore) MoveCard(id, destColumnID string, position int) (string, int, error) {
	var prevColumn string
	var prevPos int
	err := s.db.QueryRow(`SELECT column_id, position FROM cards WHERE id = ?`, id).Scan(&prevColumn, &prevPos)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("load card: %w", err)
	}

	var channelID string
	err = s.db.QueryRow(`SELECT channel_id FROM columns WHERE id = ?`, destColumnID).Scan(&channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, fmt.Errorf("column %q: %w", destColumnID, ErrNotFound)
	}
	if err != nil {
		return "", 0, fmt.Errorf("resolve column: %w", err)
	}

	var destCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM cards WHERE column_id = ? AND id != ?`, destColumnID, id).Scan(&destCount); err != nil {
		return "", 0, fmt.Errorf("count destination cards: %w", err)
	}
	if position < 0 || position > destCount {
		position = destCount
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", 0, fmt.Errorf("begin move card: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE cards SET position = position - 1 WHERE column_id = ? AND position > ?`,
		prevColumn, prevPos); err != nil {
		return "", 0, fmt.Errorf("close source gap: %w", err)
	}
	if _, err := tx.Exec(`UPDATE cards SET position = position + 1 WHERE column_id = ? AND position >= ? AND id != ?`,
		destColumnID, position, id); err != nil {
		return "", 0, fmt.Errorf("shift destination cards: %w", err)
	}
	if _, err := tx.Exec(`UPDATE cards SET column_id = ?, position = ?, updated_at = ? WHERE id = ?`,
		destColumnID, position, time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return "", 0, fmt.Errorf("move card: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", 0, fmt.Errorf("commit move card: %w", err)
	}

	s.publish(Event{Type: EventCardMoved, ChannelID: channelID, ColumnID: destColumnID, CardID: id, ByInstruction: s.createdBy(id)})
	return prevColumn, prevPos, nil
}

func (s *SQLiteStore) SetCardTitle(id, title string) error {
	return s.modifyCard(id, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE cards SET title = ? WHERE id = ?`, title, id)
		return err
	})
}

func (s *SQLiteStore) SetCardProperty(id, key string, value *string) error {
	return s.modifyCard(id, func(tx *sql.Tx) error {
		if value == nil {
			_, err := tx.Exec(`DELETE FROM card_properties WHERE card_id = ? AND key = ?`, id, key)
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO card_properties (card_id, key, value) VALUES (?, ?, ?)
			ON CONFLICT(card_id, key) DO UPDATE SET value = excluded.value`, id, key, *value)
		return err
	})
}

func (s *SQLiteStore) AddTagToCard(id, tag string) error {
	return s.modifyCard(id, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO card_tags (card_id, tag, refs) VALUES (?, ?, 1)
			ON CONFLICT(card_id, tag) DO UPDATE SET refs = refs + 1`, id, tag)
		return err
	})
}

func (s *SQLiteStore) RemoveTagFromCard(id, tag string) error {
	return s.modifyCard(id, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`UPDATE card_tags SET refs = refs - 1 WHERE card_id = ? AND tag = ?`, id, tag); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM card_tags WHERE card_id = ? AND tag = ? AND refs <= 0`, id, tag)
		return err
	})
}

func (s *SQLiteStore) AddTagDefinition(channelID, name, color string) error {
	var position int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM tag_definitions WHERE channel_id = ?`, channelID).Scan(&position); err != nil {
		return fmt.Errorf("count tag definitions: %w", err)
	}
	_, err := s.db.Exec(`INSERT INTO tag_definitions (channel_id, name, color, position) VALUES (?, ?, ?, ?)`,
		channelID, name, color, position)
	if err != nil {
		return fmt.Errorf("insert tag definition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AddTask(cardID, title string) (*Task, error) {
	task := &Task{ID: uuid.NewString(), CardID: cardID, Title: title, CreatedAt: time.Now()}
	err := s.modifyCard(cardID, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks (id, card_id, title, done, created_at) VALUES (?, ?, ?, 0, ?)`,
			task.ID, cardID, title, task.CreatedAt.UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) DeleteTask(id string) error {
	var cardID string
	err := s.db.QueryRow(`SELECT card_id FROM tasks WHERE id = ?`, id).Scan(&cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	return s.modifyCard(cardID, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM tasks WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) AddMessage(cardID, author, content string) (*Message, error) {
	msg := &Message{ID: uuid.NewString(), CardID: cardID, Author: author, Content: content, CreatedAt: time.Now()}
	err := s.modifyCard(cardID, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO messages (id, card_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			msg.ID, cardID, author, content, msg.CreatedAt.UTC().Format(time.RFC3339))
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *SQLiteStore) DeleteMessage(id string) error {
	var cardID string
	err := s.db.QueryRow(`SELECT card_id FROM messages WHERE id = ?`, id).Scan(&cardID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("message %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	return s.modifyCard(cardID, func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id)
		return err
	})
}

func (s *SQLiteStore) SetCardProcessing(id string, processing bool) error {
	res, err := s.db.Exec(`UPDATE cards SET is_processing = ? WHERE id = ?`, boolToInt(processing), id)
	if err != nil {
		return fmt.Errorf("set card processing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) MarkProcessed(cardID, instructionID string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO processed_cards (card_id, instruction_id, processed_at) VALUES (?, ?, ?)
		ON CONFLICT(card_id, instruction_id) DO UPDATE SET processed_at = excluded.processed_at`,
		cardID, instructionID, at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsProcessed(cardID, instructionID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed_cards WHERE card_id = ? AND instruction_id = ?`,
		cardID, instructionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed: %w", err)
	}
	return true, nil
}

// ---------- Internal ----------

// modifyCard runs fn inside a transaction, bumps updated_at, and publishes
// a card_modified event.
func (s *SQLiteStore) modifyCard(id string, fn func(*sql.Tx) error) error {
	var columnID, channelID string
	err := s.db.QueryRow(`
		SELECT c.column_id, col.channel_id
		FROM cards c JOIN columns col ON col.id = c.column_id
		WHERE c.id = ?`, id).Scan(&columnID, &channelID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("card %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("load card: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin card update: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return fmt.Errorf("update card %q: %w", id, err)
	}
	if _, err := tx.Exec(`UPDATE cards SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), id); err != nil {
		return fmt.Errorf("bump updated_at: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit card update: %w", err)
	}

	s.publish(Event{Type: EventCardModified, ChannelID: channelID, ColumnID: columnID, CardID: id, ByInstruction: s.createdBy(id)})
	return nil
}

func (s *SQLiteStore) loadCardAttachments(card *Card) error {
	tagRows, err := s.db.Query(`SELECT tag FROM card_tags WHERE card_id = ? ORDER BY tag ASC`, card.ID)
	if err != nil {
		return fmt.Errorf("load card tags: %w", err)
	}
	defer tagRows.Close()
	for tagRows.Next() {
		var tag string
		if err := tagRows.Scan(&tag); err != nil {
			return fmt.Errorf("scan card tag: %w", err)
		}
		card.Tags = append(card.Tags, tag)
	}
	if err := tagRows.Err(); err != nil {
		return fmt.Errorf("iterate card tags: %w", err)
	}

	propRows, err := s.db.Query(`SELECT key, value FROM card_properties WHERE card_id = ?`, card.ID)
	if err != nil {
		return fmt.Errorf("load card properties: %w", err)
	}
	defer propRows.Close()
	for propRows.Next() {
		var k, v string
		if err := propRows.Scan(&k, &v); err != nil {
			return fmt.Errorf("scan card property: %w", err)
		}
		if card.Properties == nil {
			card.Properties = make(map[string]string)
		}
		card.Properties[k] = v
	}
	if err := propRows.Err(); err != nil {
		return fmt.Errorf("iterate card properties: %w", err)
	}

	taskRows, err := s.db.Query(`SELECT id, title, done, created_at FROM tasks WHERE card_id = ? ORDER BY created_at ASC, id ASC`, card.ID)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	defer taskRows.Close()
	for taskRows.Next() {
		t := Task{CardID: card.ID}
		var createdAt string
		if err := taskRows.Scan(&t.ID, &t.Title, &t.Done, &createdAt); err != nil {
			return fmt.Errorf("scan task: %w", err)
		}
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		card.Tasks = append(card.Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return fmt.Errorf("iterate tasks: %w", err)
	}

	msgRows, err := s.db.Query(`SELECT id, author, content, created_at FROM messages WHERE card_id = ? ORDER BY created_at ASC, id ASC`, card.ID)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}
	defer msgRows.Close()
	for msgRows.Next() {
		m := Message{CardID: card.ID}
		var createdAt string
		if err := msgRows.Scan(&m.ID, &m.Author, &m.Content, &createdAt); err != nil {
			return fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		card.Messages = append(card.Messages, m)
	}
	if err := msgRows.Err(); err != nil {
		return fmt.Errorf("iterate messages: %w", err)
	}

	ledgerRows, err := s.db.Query(`SELECT instruction_id, processed_at FROM processed_cards WHERE card_id = ?`, card.ID)
	if err != nil {
		return fmt.Errorf("load processed ledger: %w", err)
	}
	defer ledgerRows.Close()
	for ledgerRows.Next() {
		var instrID, at string
		if err := ledgerRows.Scan(&instrID, &at); err != nil {
			return fmt.Errorf("scan processed ledger: %w", err)
		}
		if card.ProcessedBy == nil {
			card.ProcessedBy = make(map[string]time.Time)
		}
		card.ProcessedBy[instrID], _ = time.Parse(time.RFC3339, at)
	}
	return ledgerRows.Err()
}

func (s *SQLiteStore) createdBy(cardID string) string {
	var by string
	if err := s.db.QueryRow(`SELECT created_by_instruction FROM cards WHERE id = ?`, cardID).Scan(&by); err != nil {
		return ""
	}
	return by
}

func (s *SQLiteStore) publish(ev Event) {
	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
