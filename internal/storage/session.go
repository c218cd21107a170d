package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultTitle is the placeholder title assigned to new sessions until the
// asynchronous title generator replaces it.
const DefaultTitle = "New session"

// Session is a logical conversation. It can span multiple runs.
type Session struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	ChannelID   string    `json:"channel_id"`
	Model       string    `json:"model"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	ResumeToken string    `json:"resume_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasDefaultTitle reports whether the session still carries the placeholder title.
func (s *Session) HasDefaultTitle() bool {
	return s.Title == "" || s.Title == DefaultTitle
}

// CreateSession creates a new session with a generated id. workspaceID is
// optional and scopes the session's runs to a configured workspace.
func (db *DB) CreateSession(channelID, model, workspaceID string) (*Session, error) {
	return db.CreateSessionWithID(uuid.New().String(), channelID, model, workspaceID)
}

// CreateSessionWithID creates a new session with the given id.
func (db *DB) CreateSessionWithID(id, channelID, model, workspaceID string) (*Session, error) {
	now := time.Now()

	var workspace any
	if workspaceID != "" {
		workspace = workspaceID
	}
	_, err := db.Exec(
		"INSERT INTO sessions (id, title, channel_id, model, workspace_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, DefaultTitle, channelID, model, workspace, now, now,
	)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:          id,
		Title:       DefaultTitle,
		ChannelID:   channelID,
		Model:       model,
		WorkspaceID: workspaceID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetSession returns the session with the given id.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	var workspaceID, resumeToken sql.NullString

	err := db.QueryRow(
		"SELECT id, title, channel_id, model, workspace_id, resume_token, created_at, updated_at FROM sessions WHERE id = ?",
		id,
	).Scan(&s.ID, &s.Title, &s.ChannelID, &s.Model, &workspaceID, &resumeToken, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.WorkspaceID = workspaceID.String
	if resumeToken.Valid {
		s.ResumeToken = resumeToken.String
	}
	return &s, nil
}

// UpdateSessionTitle sets the session title.
func (db *DB) UpdateSessionTitle(id, title string) error {
	return db.updateSession("UPDATE sessions SET title = ?, updated_at = ? WHERE id = ?", title, id)
}

// UpdateSessionModel sets the session model.
func (db *DB) UpdateSessionModel(id, model string) error {
	return db.updateSession("UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?", model, id)
}

// UpdateSessionResumeToken sets the runtime resumption token. An empty token
// clears it, so the next run starts fresh with backfilled context.
func (db *DB) UpdateSessionResumeToken(id, token string) error {
	var value any
	if token != "" {
		value = token
	}
	return db.updateSession("UPDATE sessions SET resume_token = ?, updated_at = ? WHERE id = ?", value, id)
}

func (db *DB) updateSession(query string, value any, id string) error {
	result, err := db.Exec(query, value, time.Now(), id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and, via the foreign key cascade, its messages.
func (db *DB) DeleteSession(id string) error {
	result, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions ordered by most recently updated.
func (db *DB) ListSessions(limit, offset int) ([]*Session, error) {
	query := "SELECT id, title, channel_id, model, workspace_id, resume_token, created_at, updated_at FROM sessions ORDER BY updated_at DESC"
	args := []any{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		var workspaceID, resumeToken sql.NullString

		if err := rows.Scan(&s.ID, &s.Title, &s.ChannelID, &s.Model, &workspaceID, &resumeToken, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.WorkspaceID = workspaceID.String
		if resumeToken.Valid {
			s.ResumeToken = resumeToken.String
		}
		sessions = append(sessions, &s)
	}

	return sessions, rows.Err()
}

// DeleteSessionsIdleSince removes sessions whose last update is older than
// cutoff. Returns the number of sessions removed.
func (db *DB) DeleteSessionsIdleSince(cutoff time.Time) (int64, error) {
	result, err := db.Exec("DELETE FROM sessions WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
