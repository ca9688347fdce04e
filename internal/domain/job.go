package domain

import "time"

// JobState is the lifecycle state of a processing job.
type JobState string

// Job states. Queued through Indexing run strictly in order; Failed and
// Cancelled are terminal and reachable from any non-terminal state.
const (
	JobQueued     JobState = "queued"
	JobExtracting JobState = "extracting"
	JobChunking   JobState = "chunking"
	JobIndexing   JobState = "indexing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ProcessingJob tracks one document's ingestion into a knowledge base.
// The knowledge base is snapshotted at submit time: switching the active
// knowledge base does not retarget a job already in flight.
type ProcessingJob struct {
	ID              string    `json:"id"`
	DocumentID      string    `json:"document_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	State           JobState  `json:"state"`
	Progress        float64   `json:"progress"`
	ChunkCount      int       `json:"chunk_count,omitempty"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}
