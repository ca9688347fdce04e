package repository

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/liliang-cn/graphdoc/internal/domain"
)

// JobRepository handles processing job persistence. Completed jobs are
// retained for status queries until their document is deleted.
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a new job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create creates a new job record
func (r *JobRepository) Create(job *domain.ProcessingJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO jobs (id, document_id, kb_id, state, progress, chunk_count, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.DocumentID, job.KnowledgeBaseID, string(job.State), job.Progress,
		job.ChunkCount, job.Error, job.CreatedAt, job.UpdatedAt)

	return err
}

const jobColumns = `id, document_id, kb_id, state, progress, chunk_count, error, created_at, updated_at`

func scanJob(scan func(dest ...any) error) (*domain.ProcessingJob, error) {
	job := &domain.ProcessingJob{}
	var state string
	var jobErr sql.NullString
	err := scan(&job.ID, &job.DocumentID, &job.KnowledgeBaseID, &state,
		&job.Progress, &job.ChunkCount, &jobErr, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.State = domain.JobState(state)
	if jobErr.Valid {
		job.Error = jobErr.String
	}
	return job, nil
}

// Get retrieves a job by ID
func (r *JobRepository) Get(id string) (*domain.ProcessingJob, error) {
	row := r.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// Update persists a job's current state
func (r *JobRepository) Update(job *domain.ProcessingJob) error {
	job.UpdatedAt = time.Now().UTC()
	_, err := r.db.Exec(`
		UPDATE jobs SET state = ?, progress = ?, chunk_count = ?, error = ?, updated_at = ?
		WHERE id = ?
	`, string(job.State), job.Progress, job.ChunkCount, job.Error, job.UpdatedAt, job.ID)
	return err
}

// ListByKnowledgeBase retrieves all jobs for one knowledge base
func (r *JobRepository) ListByKnowledgeBase(kbID string) ([]*domain.ProcessingJob, error) {
	rows, err := r.db.Query(`SELECT `+jobColumns+` FROM jobs WHERE kb_id = ? ORDER BY created_at ASC, id ASC`, kbID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
