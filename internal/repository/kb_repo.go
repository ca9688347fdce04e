package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/graphdoc/internal/domain"
)

// KBRepository handles knowledge base persistence
type KBRepository struct {
	db *DB
}

// NewKBRepository creates a new knowledge base repository
func NewKBRepository(db *DB) *KBRepository {
	return &KBRepository{db: db}
}

// Create creates a new knowledge base
func (r *KBRepository) Create(kb *domain.KnowledgeBase) error {
	if kb.ID == "" {
		kb.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO knowledge_bases (id, name, description, workspace, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, kb.ID, kb.Name, kb.Description, kb.Workspace, kb.CreatedAt, kb.UpdatedAt)

	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: knowledge base name %q already exists", domain.ErrConflict, kb.Name)
	}
	return err
}

const kbColumns = `id, name, description, workspace, active, entity_count, relation_count, stats_updated_at, created_at, updated_at`

func scanKB(scan func(dest ...any) error) (*domain.KnowledgeBase, error) {
	kb := &domain.KnowledgeBase{}
	var description sql.NullString
	var statsUpdated sql.NullTime

	err := scan(&kb.ID, &kb.Name, &description, &kb.Workspace, &kb.Active,
		&kb.EntityCount, &kb.RelationCount, &statsUpdated, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if description.Valid {
		kb.Description = description.String
	}
	if statsUpdated.Valid {
		kb.StatsUpdated = statsUpdated.Time
	}
	return kb, nil
}

// Get retrieves a knowledge base by ID
func (r *KBRepository) Get(id string) (*domain.KnowledgeBase, error) {
	row := r.db.QueryRow(`SELECT `+kbColumns+` FROM knowledge_bases WHERE id = ?`, id)
	kb, err := scanKB(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return kb, err
}

// GetByName retrieves a knowledge base by name
func (r *KBRepository) GetByName(name string) (*domain.KnowledgeBase, error) {
	row := r.db.QueryRow(`SELECT `+kbColumns+` FROM knowledge_bases WHERE name = ?`, name)
	kb, err := scanKB(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return kb, err
}

// GetActive retrieves the active knowledge base, or nil if none is active
func (r *KBRepository) GetActive() (*domain.KnowledgeBase, error) {
	row := r.db.QueryRow(`SELECT ` + kbColumns + ` FROM knowledge_bases WHERE active = 1`)
	kb, err := scanKB(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return kb, err
}

// List retrieves all knowledge bases ordered by creation time
func (r *KBRepository) List() ([]*domain.KnowledgeBase, error) {
	rows, err := r.db.Query(`SELECT ` + kbColumns + ` FROM knowledge_bases ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var kbs []*domain.KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows.Scan)
		if err != nil {
			return nil, err
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// Update updates a knowledge base's name and description
func (r *KBRepository) Update(kb *domain.KnowledgeBase) error {
	kb.UpdatedAt = time.Now().UTC()

	result, err := r.db.Exec(`
		UPDATE knowledge_bases SET name = ?, description = ?, updated_at = ?
		WHERE id = ?
	`, kb.Name, kb.Description, kb.UpdatedAt, kb.ID)

	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: knowledge base name %q already exists", domain.ErrConflict, kb.Name)
		}
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: knowledge base %s", domain.ErrNotFound, kb.ID)
	}
	return nil
}

// Activate flips the active flag to the given knowledge base in one
// transaction, so readers never observe zero or two active rows.
func (r *KBRepository) Activate(id string) error {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(`UPDATE knowledge_bases SET active = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: knowledge base %s", domain.ErrNotFound, id)
	}

	if _, err := tx.Exec(`UPDATE knowledge_bases SET active = 0 WHERE id != ? AND active = 1`, id); err != nil {
		return err
	}

	return tx.Commit()
}

// UpdateStats caches the engine's graph counts for a knowledge base
func (r *KBRepository) UpdateStats(id string, entityCount, relationCount int, at time.Time) error {
	_, err := r.db.Exec(`
		UPDATE knowledge_bases SET entity_count = ?, relation_count = ?, stats_updated_at = ?
		WHERE id = ?
	`, entityCount, relationCount, at, id)
	return err
}

// Delete deletes a knowledge base
func (r *KBRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM knowledge_bases WHERE id = ?`, id)
	if err != nil {
		return err
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: knowledge base %s", domain.ErrNotFound, id)
	}
	return nil
}
