package repository

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/graphdoc/internal/domain"
)

// DocumentRepository handles document persistence
type DocumentRepository struct {
	db *DB
}

// NewDocumentRepository creates a new document repository
func NewDocumentRepository(db *DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Create creates a new document record
func (r *DocumentRepository) Create(doc *domain.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	doc.CreatedAt = time.Now().UTC()

	_, err := r.db.Exec(`
		INSERT INTO documents (id, kb_id, filename, content_type, size, text_length, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, doc.ID, doc.KnowledgeBaseID, doc.Filename, doc.ContentType, doc.Size, doc.TextLength, doc.CreatedAt)

	return err
}

const docColumns = `id, kb_id, filename, content_type, size, text_length, created_at`

func scanDocument(scan func(dest ...any) error) (*domain.Document, error) {
	doc := &domain.Document{}
	var contentType sql.NullString
	err := scan(&doc.ID, &doc.KnowledgeBaseID, &doc.Filename, &contentType,
		&doc.Size, &doc.TextLength, &doc.CreatedAt)
	if err != nil {
		return nil, err
	}
	if contentType.Valid {
		doc.ContentType = contentType.String
	}
	return doc, nil
}

// Get retrieves a document by ID
func (r *DocumentRepository) Get(id string) (*domain.Document, error) {
	row := r.db.QueryRow(`SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return doc, err
}

// List retrieves all documents, newest first
func (r *DocumentRepository) List() ([]*domain.Document, error) {
	rows, err := r.db.Query(`SELECT ` + docColumns + ` FROM documents ORDER BY created_at DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*domain.Document
	for rows.Next() {
		doc, err := scanDocument(rows.Scan)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// SetTextLength records the extracted text length once a job has run
func (r *DocumentRepository) SetTextLength(id string, length int) error {
	_, err := r.db.Exec(`UPDATE documents SET text_length = ? WHERE id = ?`, length, id)
	return err
}

// Delete deletes a document
func (r *DocumentRepository) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	return nil
}
