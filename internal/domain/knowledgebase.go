package domain

import "time"

// KnowledgeBase is an isolated engine workspace for one document
// collection. At most one knowledge base is active at any time.
type KnowledgeBase struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Workspace     string    `json:"-"`
	Active        bool      `json:"active"`
	EntityCount   int       `json:"entity_count"`
	RelationCount int       `json:"relation_count"`
	StatsUpdated  time.Time `json:"stats_updated,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// KnowledgeBaseStats is the introspection result for one workspace.
// Stale is set when the engine was unreachable and cached counts were
// returned instead.
type KnowledgeBaseStats struct {
	ID            string    `json:"id"`
	EntityCount   int       `json:"entity_count"`
	RelationCount int       `json:"relation_count"`
	LastUpdated   time.Time `json:"last_updated"`
	Stale         bool      `json:"stale"`
}

// CreateKnowledgeBaseRequest is the request to create a knowledge base.
type CreateKnowledgeBaseRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description,omitempty"`
}

// UpdateKnowledgeBaseRequest is the request to rename or redescribe a
// knowledge base.
type UpdateKnowledgeBaseRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}
