package service

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/config"
	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/engine"
	"github.com/liliang-cn/graphdoc/internal/repository"
)

// Extractor turns an uploaded document into plain text.
type Extractor interface {
	Text(data []byte, filename string) (string, error)
}

// Splitter cuts extracted text into ingestion chunks.
type Splitter interface {
	Split(text string, size, overlap int) []string
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(data []byte, filename string) (string, error)

// Text implements Extractor.
func (f ExtractorFunc) Text(data []byte, filename string) (string, error) { return f(data, filename) }

// SplitterFunc adapts a function to the Splitter interface.
type SplitterFunc func(text string, size, overlap int) []string

// Split implements Splitter.
func (f SplitterFunc) Split(text string, size, overlap int) []string { return f(text, size, overlap) }

// Progress checkpoints reached as a job clears each stage.
const (
	progressQueued     = 0.0
	progressExtracting = 0.25
	progressChunking   = 0.5
	progressIndexing   = 0.9
	progressCompleted  = 1.0
)

// queueCapacity bounds how many jobs may wait per knowledge base beyond
// the worker pool.
const queueCapacity = 1024

// jobEntry is the runtime state for one job. The snapshot is guarded by
// the manager's mutex; cancellation is a flag checked between stages.
type jobEntry struct {
	snapshot   domain.ProcessingJob
	uploadPath string

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func (e *jobEntry) requestCancel() {
	e.cancelOnce.Do(func() { close(e.cancelled) })
}

func (e *jobEntry) cancelRequested() bool {
	select {
	case <-e.cancelled:
		return true
	default:
		return false
	}
}

// kbQueue is one knowledge base's admission queue and worker pool. A
// single dispatcher goroutine feeds the pool so admission stays FIFO
// when the concurrency bound is saturated.
type kbQueue struct {
	pending chan *jobEntry
	pool    *ants.Pool
}

// JobManager runs document ingestion jobs with bounded concurrency per
// knowledge base. Jobs snapshot their knowledge base at submit time, so
// switching the active knowledge base never retargets work in flight.
type JobManager struct {
	repo      *repository.JobRepository
	docs      *repository.DocumentRepository
	registry  *Registry
	engine    engine.Client
	extractor Extractor
	splitter  Splitter
	cfg       config.IngestConfig
	logger    *zap.Logger

	mu     sync.RWMutex
	jobs   map[string]*jobEntry
	queues map[string]*kbQueue
	closed bool

	baseCtx    context.Context
	cancelBase context.CancelFunc
	dispatch   sync.WaitGroup
	running    sync.WaitGroup
}

// NewJobManager creates a job manager. Call Close to drain worker pools
// on shutdown.
func NewJobManager(
	repo *repository.JobRepository,
	docs *repository.DocumentRepository,
	registry *Registry,
	engineClient engine.Client,
	extractor Extractor,
	splitter Splitter,
	cfg config.IngestConfig,
	logger *zap.Logger,
) *JobManager {
	ctx, cancel := context.WithCancel(context.Background())
	return &JobManager{
		repo:       repo,
		docs:       docs,
		registry:   registry,
		engine:     engineClient,
		extractor:  extractor,
		splitter:   splitter,
		cfg:        cfg,
		logger:     logger,
		jobs:       make(map[string]*jobEntry),
		queues:     make(map[string]*kbQueue),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Submit enqueues an ingestion job for an uploaded document and returns
// immediately with the job in Queued state. Each submission is an
// independent job; identical documents are not deduplicated.
func (m *JobManager) Submit(ctx context.Context, doc *domain.Document, uploadPath string) (*domain.ProcessingJob, error) {
	job := &domain.ProcessingJob{
		DocumentID:      doc.ID,
		KnowledgeBaseID: doc.KnowledgeBaseID,
		State:           domain.JobQueued,
		Progress:        progressQueued,
	}
	if err := m.repo.Create(job); err != nil {
		return nil, err
	}

	entry := &jobEntry{
		snapshot:   *job,
		uploadPath: uploadPath,
		cancelled:  make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: job manager is shutting down", domain.ErrConflict)
	}
	m.jobs[job.ID] = entry
	queue, err := m.queueLocked(doc.KnowledgeBaseID)
	if err != nil {
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	select {
	case queue.pending <- entry:
	default:
		m.mu.Lock()
		delete(m.jobs, job.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: ingestion queue for knowledge base %s is full", domain.ErrConflict, doc.KnowledgeBaseID)
	}

	m.logger.Info("Job queued",
		zap.String("job_id", job.ID),
		zap.String("document_id", doc.ID),
		zap.String("kb_id", doc.KnowledgeBaseID),
	)

	snapshot := *job
	return &snapshot, nil
}

// queueLocked returns the knowledge base's queue, creating it and its
// worker pool on first use. Caller holds m.mu.
func (m *JobManager) queueLocked(kbID string) (*kbQueue, error) {
	if q, ok := m.queues[kbID]; ok {
		return q, nil
	}

	pool, err := ants.NewPool(m.cfg.MaxParallelInsert)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	q := &kbQueue{
		pending: make(chan *jobEntry, queueCapacity),
		pool:    pool,
	}
	m.queues[kbID] = q

	m.dispatch.Add(1)
	go func() {
		defer m.dispatch.Done()
		for entry := range q.pending {
			entry := entry
			m.running.Add(1)
			// Blocking submit: holds FIFO order while the pool is full.
			if err := q.pool.Submit(func() {
				defer m.running.Done()
				m.run(entry)
			}); err != nil {
				m.running.Done()
				m.fail(entry, "queue", err)
			}
		}
	}()

	return q, nil
}

// Status returns a snapshot of the job's current state. Never blocks on
// running work; identical calls with no intervening transition return
// identical snapshots.
func (m *JobManager) Status(jobID string) (*domain.ProcessingJob, error) {
	m.mu.RLock()
	entry, ok := m.jobs[jobID]
	if ok {
		snapshot := entry.snapshot
		m.mu.RUnlock()
		return &snapshot, nil
	}
	m.mu.RUnlock()

	// Jobs from before a restart are served from storage.
	job, err := m.repo.Get(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	return job, nil
}

// Cancel requests cooperative cancellation. The job transitions to
// Cancelled at its next stage boundary, not instantaneously.
func (m *JobManager) Cancel(jobID string) error {
	m.mu.RLock()
	entry, ok := m.jobs[jobID]
	var state domain.JobState
	if ok {
		state = entry.snapshot.State
	}
	m.mu.RUnlock()

	if !ok {
		job, err := m.repo.Get(jobID)
		if err != nil {
			return err
		}
		if job == nil {
			return fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
		}
		return fmt.Errorf("%w: job %s already finished", domain.ErrConflict, jobID)
	}
	if state.Terminal() {
		return fmt.Errorf("%w: job %s already finished", domain.ErrConflict, jobID)
	}

	entry.requestCancel()
	m.logger.Info("Job cancellation requested", zap.String("job_id", jobID))
	return nil
}

// InFlight counts the knowledge base's jobs that have not reached a
// terminal state. Implements JobCounter for the registry.
func (m *JobManager) InFlight(kbID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, entry := range m.jobs {
		if entry.snapshot.KnowledgeBaseID == kbID && !entry.snapshot.State.Terminal() {
			n++
		}
	}
	return n
}

// run drives one job through its pipeline stages. Cancellation is
// checked at every stage boundary; a stage already in flight runs to
// completion first.
func (m *JobManager) run(entry *jobEntry) {
	jobID := entry.snapshot.ID

	if !m.advance(entry, domain.JobExtracting, progressQueued) {
		return
	}
	data, err := os.ReadFile(entry.uploadPath)
	if err != nil {
		m.fail(entry, "extracting", err)
		return
	}
	text, err := m.extractor.Text(data, entry.uploadPath)
	if err != nil {
		m.fail(entry, "extracting", err)
		return
	}
	if err := m.docs.SetTextLength(entry.snapshot.DocumentID, len(text)); err != nil {
		m.logger.Warn("Failed to record text length", zap.String("job_id", jobID), zap.Error(err))
	}

	if !m.advance(entry, domain.JobChunking, progressExtracting) {
		return
	}
	chunks := m.splitter.Split(text, m.cfg.ChunkSize, m.cfg.ChunkOverlap)
	if len(chunks) == 0 {
		m.fail(entry, "chunking", fmt.Errorf("%w: no text content extracted", domain.ErrValidation))
		return
	}
	m.setChunkCount(entry, len(chunks))

	if !m.advance(entry, domain.JobIndexing, progressChunking) {
		return
	}
	result, err := m.engine.Ingest(m.baseCtx, entry.snapshot.KnowledgeBaseID, text, engine.ChunkConfig{
		Size:    m.cfg.ChunkSize,
		Overlap: m.cfg.ChunkOverlap,
	})
	if err != nil {
		m.fail(entry, "indexing", err)
		return
	}
	if result.ChunkCount > 0 {
		m.setChunkCount(entry, result.ChunkCount)
	}

	if !m.advance(entry, domain.JobCompleted, progressIndexing) {
		return
	}
	m.logger.Info("Job completed",
		zap.String("job_id", jobID),
		zap.String("kb_id", entry.snapshot.KnowledgeBaseID),
		zap.Int("chunks", entry.snapshot.ChunkCount),
	)

	// Refresh the cached graph counts now that the index has grown.
	if _, err := m.registry.Stats(m.baseCtx, entry.snapshot.KnowledgeBaseID); err != nil {
		m.logger.Debug("Stats refresh after ingestion failed", zap.Error(err))
	}
}

// advance is the stage-boundary checkpoint: it applies a pending
// cancellation, otherwise transitions to the next state. Returns false
// when the job is done.
func (m *JobManager) advance(entry *jobEntry, next domain.JobState, reached float64) bool {
	if entry.cancelRequested() {
		m.transition(entry, func(job *domain.ProcessingJob) {
			job.State = domain.JobCancelled
		})
		m.logger.Info("Job cancelled", zap.String("job_id", entry.snapshot.ID))
		return false
	}

	m.transition(entry, func(job *domain.ProcessingJob) {
		job.State = next
		if reached > job.Progress {
			job.Progress = reached
		}
		if next == domain.JobCompleted {
			job.Progress = progressCompleted
		}
	})
	return next != domain.JobCompleted
}

func (m *JobManager) fail(entry *jobEntry, stage string, cause error) {
	m.transition(entry, func(job *domain.ProcessingJob) {
		job.State = domain.JobFailed
		job.Error = fmt.Sprintf("%s: %v", stage, cause)
	})
	m.logger.Warn("Job failed",
		zap.String("job_id", entry.snapshot.ID),
		zap.String("stage", stage),
		zap.Error(cause),
	)
}

func (m *JobManager) setChunkCount(entry *jobEntry, n int) {
	m.transition(entry, func(job *domain.ProcessingJob) {
		job.ChunkCount = n
	})
}

// transition mutates the snapshot under the manager lock and persists
// the result outside it. Progress never decreases.
func (m *JobManager) transition(entry *jobEntry, mutate func(*domain.ProcessingJob)) {
	m.mu.Lock()
	before := entry.snapshot.Progress
	mutate(&entry.snapshot)
	if entry.snapshot.Progress < before {
		entry.snapshot.Progress = before
	}
	entry.snapshot.UpdatedAt = time.Now().UTC()
	snapshot := entry.snapshot
	m.mu.Unlock()

	if err := m.repo.Update(&snapshot); err != nil {
		m.logger.Warn("Failed to persist job state",
			zap.String("job_id", snapshot.ID),
			zap.Error(err),
		)
	}
}

// Close stops admission, waits for running jobs to reach their next
// checkpoint, and releases the worker pools.
func (m *JobManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	queues := make([]*kbQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		close(q.pending)
	}
	m.dispatch.Wait()
	m.cancelBase()
	m.running.Wait()
	for _, q := range queues {
		q.pool.Release()
	}
}
