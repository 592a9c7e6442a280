// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/baissd/internal/util"
)

// =============================================================================
// TYPES
// =============================================================================

// Conversation is a persisted chat with its messages in order.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Message is one turn of a conversation.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Role           string      `json:"role"` // "user", "assistant", "system"
	Content        string      `json:"content"`
	CreatedAt      time.Time   `json:"created_at"`
	Paths          []PathScore `json:"paths,omitempty"`
}

// PathScore is a retrieval source attached to an assistant message.
type PathScore struct {
	Path  string  `json:"path"`
	Score float64 `json:"score"`
}

// ConversationMeta contains metadata for listing conversations.
type ConversationMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"` // First user message truncated
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrConversationNotFound is returned when a conversation doesn't exist.
// Use errors.Is(err, ErrConversationNotFound) to check for this error.
var ErrConversationNotFound = &ConversationError{Message: "conversation not found"}

// ErrMessageNotFound is returned when a message doesn't exist.
var ErrMessageNotFound = &ConversationError{Message: "message not found"}

// ConversationError represents a conversation-related error.
// It implements the error interface and can be compared using errors.Is.
type ConversationError struct {
	Message string
}

// Error implements the error interface.
func (e *ConversationError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing conversation errors.
func (e *ConversationError) Is(target error) bool {
	t, ok := target.(*ConversationError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// WRITE OPERATIONS
// =============================================================================

// CreateConversation starts an empty conversation.
func (s *Store) CreateConversation(ctx context.Context, title string) (*Conversation, error) {
	now := time.Now()
	conv := &Conversation{
		ID:        "conv_" + uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)",
		conv.ID, conv.Title, now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	return conv, nil
}

// AppendMessage adds a message at the end of a conversation. The first user
// message becomes the title of an untitled conversation.
func (s *Store) AppendMessage(ctx context.Context, convID, role, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var title string
	err = tx.QueryRowContext(ctx, "SELECT title FROM conversations WHERE id = ?", convID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}

	var seq int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?", convID).Scan(&seq); err != nil {
		return nil, err
	}

	now := time.Now()
	msg := &Message{
		ID:             "msg_" + uuid.NewString(),
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (id, conversation_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, convID, seq, role, content, now.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	if title == "" && role == "user" {
		title = summarize(content)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?",
		title, now.UnixNano(), convID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return msg, nil
}

// SavePaths replaces the retrieval sources of a message, keeping their order.
func (s *Store) SavePaths(ctx context.Context, messageID string, paths []PathScore) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := messageExists(ctx, tx, messageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM path_scores WHERE message_id = ?", messageID); err != nil {
		return err
	}
	for i, p := range paths {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO path_scores (message_id, rank, path, score) VALUES (?, ?, ?, ?)",
			messageID, i, p.Path, p.Score); err != nil {
			return fmt.Errorf("failed to save path scores: %w", err)
		}
	}
	return tx.Commit()
}

// Delete removes a conversation with its messages and path scores.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Load retrieves a conversation with its messages and their path scores.
func (s *Store) Load(ctx context.Context, id string) (*Conversation, error) {
	var (
		conv             Conversation
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?", id).
		Scan(&conv.ID, &conv.Title, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)

	msgs, err := s.messages(ctx, id)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT p.message_id, p.path, p.score
		FROM path_scores p JOIN messages m ON m.id = p.message_id
		WHERE m.conversation_id = ?
		ORDER BY p.message_id, p.rank`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byMsg := make(map[string][]PathScore)
	for rows.Next() {
		var msgID string
		var p PathScore
		if err := rows.Scan(&msgID, &p.Path, &p.Score); err != nil {
			return nil, err
		}
		byMsg[msgID] = append(byMsg[msgID], p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range msgs {
		msgs[i].Paths = byMsg[msgs[i].ID]
	}
	conv.Messages = msgs
	return &conv, nil
}

// History returns the messages of a conversation in order, without paths.
func (s *Store) History(ctx context.Context, id string) ([]Message, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.messages(ctx, id)
}

// MessagePaths returns the retrieval sources of one message, best first as
// stored.
func (s *Store) MessagePaths(ctx context.Context, messageID string) ([]PathScore, error) {
	if err := messageExists(ctx, s.db, messageID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, score FROM path_scores WHERE message_id = ? ORDER BY rank", messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	paths := []PathScore{}
	for rows.Next() {
		var p PathScore
		if err := rows.Scan(&p.Path, &p.Score); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// List returns conversations, most recently updated first. A limit of 0
// returns all of them.
func (s *Store) List(ctx context.Context, limit int) ([]ConversationMeta, error) {
	return s.listWhere(ctx, "", nil, limit)
}

// Search finds conversations whose title or any message contains query
// (case-insensitive).
func (s *Store) Search(ctx context.Context, query string, limit int) ([]ConversationMeta, error) {
	if strings.TrimSpace(query) == "" {
		return s.List(ctx, limit)
	}
	pattern := "%" + escapeLike(strings.ToLower(query)) + "%"
	where := `WHERE lower(c.title) LIKE ? ESCAPE '\'
		OR EXISTS (SELECT 1 FROM messages s WHERE s.conversation_id = c.id AND lower(s.content) LIKE ? ESCAPE '\')`
	return s.listWhere(ctx, where, []any{pattern, pattern}, limit)
}

func (s *Store) listWhere(ctx context.Context, where string, args []any, limit int) ([]ConversationMeta, error) {
	q := `
		SELECT c.id, c.title, c.created_at, c.updated_at,
			(SELECT COUNT(*) FROM messages m WHERE m.conversation_id = c.id),
			COALESCE((SELECT m.content FROM messages m
				WHERE m.conversation_id = c.id AND m.role = 'user'
				ORDER BY m.seq LIMIT 1), '')
		FROM conversations c ` + where + `
		ORDER BY c.updated_at DESC`
	if limit > 0 {
		q += " LIMIT " + strconv.Itoa(limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	metas := []ConversationMeta{}
	for rows.Next() {
		var (
			m                ConversationMeta
			created, updated int64
		)
		if err := rows.Scan(&m.ID, &m.Title, &created, &updated, &m.MessageCount, &m.Preview); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		m.Preview = util.TruncateRunes(oneLine(m.Preview), 80)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

func (s *Store) messages(ctx context.Context, convID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY seq", convID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		m := Message{ConversationID: convID}
		var created int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, created)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func messageExists(ctx context.Context, q queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, "SELECT 1 FROM messages WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	return err
}

// summarize turns a first user message into a conversation title.
func summarize(content string) string {
	content = strings.TrimSpace(oneLine(content))
	if content == "" {
		return "New conversation"
	}
	return util.TruncateRunes(content, 50)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.ReplaceAll(s, "\n", " ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// =============================================================================
// FORMATTING
// =============================================================================

// FormatConversationList formats conversations as a plain table.
func FormatConversationList(convs []ConversationMeta) string {
	if len(convs) == 0 {
		return "No conversations found."
	}

	var sb strings.Builder
	sb.WriteString(pad("ID", 18) + " " + pad("Updated", 16) + " " + pad("Msgs", 5) + " Title\n")
	for _, c := range convs {
		sb.WriteString(pad(util.TruncateWidth(c.ID, 18), 18) + " " +
			pad(c.UpdatedAt.Format("2006-01-02 15:04"), 16) + " " +
			pad(strconv.Itoa(c.MessageCount), 5) + " " +
			util.TruncateWidth(c.Title, 40) + "\n")
	}
	return sb.String()
}

func pad(s string, width int) string {
	if w := util.StringWidth(s); w < width {
		return s + strings.Repeat(" ", width-w)
	}
	return s
}

// ExportMarkdown renders the conversation with its sources.
func (c *Conversation) ExportMarkdown() string {
	var sb strings.Builder
	sb.WriteString("# " + c.Title + "\n\n")
	sb.WriteString("Created: " + c.CreatedAt.Format(time.RFC3339) + "\n\n")
	sb.WriteString("---\n\n")

	for _, msg := range c.Messages {
		role := "**User**"
		switch msg.Role {
		case "assistant":
			role = "**Assistant**"
		case "system":
			role = "**System**"
		}
		sb.WriteString(role + " (" + msg.CreatedAt.Format("15:04") + "):\n\n")
		sb.WriteString(msg.Content)
		sb.WriteString("\n\n")
		if len(msg.Paths) > 0 {
			sb.WriteString("Sources:\n\n")
			for _, p := range msg.Paths {
				sb.WriteString(fmt.Sprintf("- %s (%.2f)\n", p.Path, p.Score))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("---\n\n")
	}
	return sb.String()
}
