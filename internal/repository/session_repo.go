package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/graphdoc/internal/domain"
)

// SessionRepository handles session and message persistence
type SessionRepository struct {
	db *DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create creates a new session
func (r *SessionRepository) Create(session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	session.CreatedAt = now
	session.LastActiveAt = now

	_, err := r.db.Exec(`
		INSERT INTO sessions (id, kb_id, created_at, last_active_at)
		VALUES (?, ?, ?, ?)
	`, session.ID, session.KnowledgeBaseID, session.CreatedAt, session.LastActiveAt)

	return err
}

// Get retrieves a session by ID, or nil if absent
func (r *SessionRepository) Get(id string) (*domain.Session, error) {
	session := &domain.Session{}
	err := r.db.QueryRow(`
		SELECT id, kb_id, created_at, last_active_at
		FROM sessions WHERE id = ?
	`, id).Scan(&session.ID, &session.KnowledgeBaseID, &session.CreatedAt, &session.LastActiveAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// Touch refreshes a session's last_active_at timestamp
func (r *SessionRepository) Touch(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE sessions SET last_active_at = ? WHERE id = ?`, at, id)
	return err
}

// Delete deletes a session and, via cascade, its messages
func (r *SessionRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// DeleteExpiredBefore removes sessions idle since before the cutoff and
// returns how many were reclaimed.
func (r *SessionRepository) DeleteExpiredBefore(cutoff time.Time) (int, error) {
	result, err := r.db.Exec(`DELETE FROM sessions WHERE last_active_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	affected, _ := result.RowsAffected()
	return int(affected), nil
}

// AppendMessage appends a message to a session with the next sequence
// number. Messages are append-only; ordering is by seq.
func (r *SessionRepository) AppendMessage(message *domain.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	message.CreatedAt = time.Now().UTC()

	sourcesJSON, _ := json.Marshal(message.Sources)

	err := r.db.QueryRow(`
		INSERT INTO messages (id, session_id, seq, role, content, sources, cancelled, error, created_at)
		SELECT ?, ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ?, ?, ?, ?
		FROM messages WHERE session_id = ?
		RETURNING seq
	`, message.ID, message.SessionID, message.Role, message.Content, string(sourcesJSON),
		message.Cancelled, message.Error, message.CreatedAt, message.SessionID).Scan(&message.Seq)

	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// Messages retrieves all messages for a session in append order
func (r *SessionRepository) Messages(sessionID string) ([]*domain.Message, error) {
	rows, err := r.db.Query(`
		SELECT id, session_id, seq, role, content, sources, cancelled, error, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		message := &domain.Message{}
		var sourcesJSON, msgErr sql.NullString

		if err := rows.Scan(&message.ID, &message.SessionID, &message.Seq, &message.Role,
			&message.Content, &sourcesJSON, &message.Cancelled, &msgErr, &message.CreatedAt); err != nil {
			return nil, err
		}

		if sourcesJSON.Valid && sourcesJSON.String != "" && sourcesJSON.String != "null" {
			json.Unmarshal([]byte(sourcesJSON.String), &message.Sources)
		}
		if msgErr.Valid {
			message.Error = msgErr.String
		}
		messages = append(messages, message)
	}

	return messages, rows.Err()
}

// LastMessage retrieves the most recent message in a session, or nil
func (r *SessionRepository) LastMessage(sessionID string) (*domain.Message, error) {
	row := r.db.QueryRow(`
		SELECT id, session_id, seq, role, content, sources, cancelled, error, created_at
		FROM messages WHERE session_id = ?
		ORDER BY seq DESC LIMIT 1
	`, sessionID)

	message := &domain.Message{}
	var sourcesJSON, msgErr sql.NullString
	err := row.Scan(&message.ID, &message.SessionID, &message.Seq, &message.Role,
		&message.Content, &sourcesJSON, &message.Cancelled, &msgErr, &message.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if sourcesJSON.Valid && sourcesJSON.String != "" && sourcesJSON.String != "null" {
		json.Unmarshal([]byte(sourcesJSON.String), &message.Sources)
	}
	if msgErr.Valid {
		message.Error = msgErr.String
	}
	return message, nil
}
