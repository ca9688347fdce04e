package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/config"
	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/extract"
	"github.com/liliang-cn/graphdoc/internal/repository"
)

// DocumentService accepts uploads into the active knowledge base and
// hands them to the job manager for asynchronous ingestion.
type DocumentService struct {
	docs      *repository.DocumentRepository
	registry  *Registry
	jobs      *JobManager
	cfg       config.IngestConfig
	uploadDir string
	logger    *zap.Logger
}

// NewDocumentService creates a document service.
func NewDocumentService(
	docs *repository.DocumentRepository,
	registry *Registry,
	jobs *JobManager,
	cfg config.IngestConfig,
	uploadDir string,
	logger *zap.Logger,
) *DocumentService {
	return &DocumentService{
		docs:      docs,
		registry:  registry,
		jobs:      jobs,
		cfg:       cfg,
		uploadDir: uploadDir,
		logger:    logger,
	}
}

// Upload validates and stores one uploaded file, records the document
// against the active knowledge base and enqueues its ingestion job.
// Returns as soon as the job is queued.
func (s *DocumentService) Upload(ctx context.Context, filename, contentType string, data []byte) (*domain.UploadResponse, error) {
	if filename == "" {
		return nil, fmt.Errorf("%w: filename is required", domain.ErrValidation)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", domain.ErrValidation)
	}
	if int64(len(data)) > s.cfg.MaxUploadSize {
		return nil, fmt.Errorf("%w: file exceeds maximum size of %d bytes", domain.ErrValidation, s.cfg.MaxUploadSize)
	}
	if !extract.Supported(filename) {
		return nil, fmt.Errorf("%w: unsupported file type %q", domain.ErrValidation, filepath.Ext(filename))
	}

	kb, err := s.registry.Active(ctx)
	if err != nil {
		return nil, err
	}

	doc := &domain.Document{
		KnowledgeBaseID: kb.ID,
		Filename:        filename,
		ContentType:     contentType,
		Size:            int64(len(data)),
	}
	if err := s.docs.Create(doc); err != nil {
		return nil, fmt.Errorf("failed to record document: %w", err)
	}

	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	uploadPath := filepath.Join(s.uploadDir, doc.ID+filepath.Ext(filename))
	if err := os.WriteFile(uploadPath, data, 0o644); err != nil {
		s.docs.Delete(doc.ID)
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}

	job, err := s.jobs.Submit(ctx, doc, uploadPath)
	if err != nil {
		os.Remove(uploadPath)
		s.docs.Delete(doc.ID)
		return nil, err
	}

	s.logger.Info("Document accepted",
		zap.String("document_id", doc.ID),
		zap.String("kb_id", kb.ID),
		zap.String("filename", filename),
		zap.Int64("size", doc.Size),
	)

	return &domain.UploadResponse{JobID: job.ID, Document: doc}, nil
}

// Get retrieves one document.
func (s *DocumentService) Get(id string) (*domain.Document, error) {
	doc, err := s.docs.Get(id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: document %s", domain.ErrNotFound, id)
	}
	return doc, nil
}

// List retrieves all documents, newest first.
func (s *DocumentService) List() ([]*domain.Document, error) {
	return s.docs.List()
}

// Delete removes a document record and its stored upload. The engine's
// index is not rewritten; re-indexing requires rebuilding the knowledge
// base.
func (s *DocumentService) Delete(id string) error {
	doc, err := s.Get(id)
	if err != nil {
		return err
	}
	if err := s.docs.Delete(id); err != nil {
		return err
	}
	uploadPath := filepath.Join(s.uploadDir, doc.ID+filepath.Ext(doc.Filename))
	if err := os.Remove(uploadPath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("Failed to remove stored upload", zap.String("document_id", id), zap.Error(err))
	}
	return nil
}
