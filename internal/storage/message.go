package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Message roles. Status messages record run failures durably so the transcript
// explains what happened even after a restart.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleStatus    = "status"
)

// MessageError carries the structured failure fields persisted with a status
// message.
type MessageError struct {
	Code      string   `json:"code,omitempty"`
	Title     string   `json:"title,omitempty"`
	Details   string   `json:"details,omitempty"`
	Raw       string   `json:"raw,omitempty"`
	Retryable bool     `json:"retryable,omitempty"`
	Actions   []string `json:"actions,omitempty"`
}

// Message is one persisted unit of a session transcript. Messages are
// append-only and never mutated in place.
type Message struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Role      string          `json:"role"`
	Content   string          `json:"content"`
	Model     string          `json:"model,omitempty"`
	Events    json.RawMessage `json:"events,omitempty"`
	Error     *MessageError   `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// AppendMessage appends a message to the session transcript and bumps the
// session's updated_at timestamp.
func (db *DB) AppendMessage(msg *Message) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	var eventsJSON *string
	if len(msg.Events) > 0 {
		s := string(msg.Events)
		eventsJSON = &s
	}

	var errorJSON *string
	if msg.Error != nil {
		data, err := json.Marshal(msg.Error)
		if err != nil {
			return nil, err
		}
		s := string(data)
		errorJSON = &s
	}

	var model *string
	if msg.Model != "" {
		model = &msg.Model
	}

	_, err := db.Exec(
		"INSERT INTO messages (id, session_id, role, content, model, events, error, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.SessionID, msg.Role, msg.Content, model, eventsJSON, errorJSON, msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	// The retention sweeper prunes on updated_at; a failed bump must not
	// pass silently or an active session could age out.
	if _, err := db.Exec("UPDATE sessions SET updated_at = ? WHERE id = ?", msg.CreatedAt, msg.SessionID); err != nil {
		slog.Warn("bump session updated_at", "sessionID", msg.SessionID, "error", err)
	}

	return msg, nil
}

// GetMessages returns the session transcript in append order.
func (db *DB) GetMessages(sessionID string, limit int) ([]*Message, error) {
	query := "SELECT id, session_id, role, content, model, events, error, created_at FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC"
	args := []any{sessionID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// GetMessage returns a single message by id.
func (db *DB) GetMessage(id string) (*Message, error) {
	row := db.QueryRow(
		"SELECT id, session_id, role, content, model, events, error, created_at FROM messages WHERE id = ?",
		id,
	)

	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// CountMessages returns the number of messages in a session.
func (db *DB) CountMessages(sessionID string) (int, error) {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM messages WHERE session_id = ?", sessionID).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var model, eventsJSON, errorJSON sql.NullString

	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &model, &eventsJSON, &errorJSON, &m.CreatedAt); err != nil {
		return nil, err
	}

	if model.Valid {
		m.Model = model.String
	}
	if eventsJSON.Valid {
		m.Events = json.RawMessage(eventsJSON.String)
	}
	if errorJSON.Valid {
		var me MessageError
		if err := json.Unmarshal([]byte(errorJSON.String), &me); err != nil {
			return nil, err
		}
		m.Error = &me
	}

	return &m, nil
}
