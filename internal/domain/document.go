package domain

import "time"

// Document represents an uploaded file. Immutable once stored; jobs
// reference it, they never mutate it.
type Document struct {
	ID              string    `json:"id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	Filename        string    `json:"filename"`
	ContentType     string    `json:"content_type"`
	Size            int64     `json:"size"`
	TextLength      int       `json:"text_length,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// UploadResponse is returned by the document upload endpoint.
type UploadResponse struct {
	JobID    string    `json:"job_id"`
	Document *Document `json:"document"`
}
