package service

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/engine"
	"github.com/liliang-cn/graphdoc/internal/repository"
)

// JobCounter reports how many jobs are currently in flight for a
// knowledge base. Implemented by the JobManager; wired after
// construction because the manager also needs the registry.
type JobCounter interface {
	InFlight(kbID string) int
}

// Registry owns the set of knowledge base workspaces and the single
// active-knowledge-base pointer. All transitions of that pointer go
// through one mutex here, never through ambient state.
type Registry struct {
	repo          *repository.KBRepository
	engine        engine.Client
	workspaceRoot string
	logger        *zap.Logger

	mu   sync.Mutex
	jobs JobCounter
}

// NewRegistry creates a knowledge base registry rooted at workspaceRoot.
func NewRegistry(repo *repository.KBRepository, engineClient engine.Client, workspaceRoot string, logger *zap.Logger) *Registry {
	return &Registry{
		repo:          repo,
		engine:        engineClient,
		workspaceRoot: workspaceRoot,
		logger:        logger,
	}
}

// SetJobCounter wires the job manager in after construction.
func (r *Registry) SetJobCounter(jobs JobCounter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = jobs
}

func (r *Registry) inFlight(kbID string) int {
	if r.jobs == nil {
		return 0
	}
	return r.jobs.InFlight(kbID)
}

// Create allocates a new isolated workspace for the engine to write
// into. The name must be unique.
func (r *Registry) Create(ctx context.Context, name, description string) (*domain.KnowledgeBase, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: knowledge base name is required", domain.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.repo.GetByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: knowledge base name %q already exists", domain.ErrConflict, name)
	}

	id := uuid.New().String()
	workspace := filepath.Join(r.workspaceRoot, id)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}

	kb := &domain.KnowledgeBase{
		ID:          id,
		Name:        name,
		Description: description,
		Workspace:   workspace,
	}
	if err := r.repo.Create(kb); err != nil {
		os.RemoveAll(workspace)
		return nil, err
	}

	r.logger.Info("Knowledge base created",
		zap.String("kb_id", kb.ID),
		zap.String("name", kb.Name),
	)
	return kb, nil
}

// Get retrieves a knowledge base by ID.
func (r *Registry) Get(ctx context.Context, id string) (*domain.KnowledgeBase, error) {
	kb, err := r.repo.Get(id)
	if err != nil {
		return nil, err
	}
	if kb == nil {
		return nil, fmt.Errorf("%w: knowledge base %s", domain.ErrNotFound, id)
	}
	return kb, nil
}

// List retrieves all knowledge bases ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]*domain.KnowledgeBase, error) {
	return r.repo.List()
}

// Update renames or redescribes a knowledge base.
func (r *Registry) Update(ctx context.Context, id string, req *domain.UpdateKnowledgeBaseRequest) (*domain.KnowledgeBase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kb, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != "" {
		kb.Name = strings.TrimSpace(req.Name)
	}
	if req.Description != "" {
		kb.Description = req.Description
	}
	if err := r.repo.Update(kb); err != nil {
		return nil, err
	}
	return kb, nil
}

// Activate makes the given knowledge base the target for new ingestion
// jobs and new sessions. Jobs already in flight keep the knowledge base
// they snapshotted at submit time.
func (r *Registry) Activate(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.repo.Activate(id); err != nil {
		return err
	}
	r.logger.Info("Knowledge base activated", zap.String("kb_id", id))
	return nil
}

// Active returns the currently active knowledge base.
func (r *Registry) Active(ctx context.Context) (*domain.KnowledgeBase, error) {
	kb, err := r.repo.GetActive()
	if err != nil {
		return nil, err
	}
	if kb == nil {
		return nil, fmt.Errorf("%w: no active knowledge base", domain.ErrNotFound)
	}
	return kb, nil
}

// Stats returns the engine's graph counts for a knowledge base. When
// the engine is unreachable the cached counts are returned with Stale
// set.
func (r *Registry) Stats(ctx context.Context, id string) (*domain.KnowledgeBaseStats, error) {
	kb, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	stats, err := r.engine.Stats(ctx, kb.ID)
	if err != nil {
		r.logger.Warn("Engine stats unavailable, returning cached values",
			zap.String("kb_id", id),
			zap.Error(err),
		)
		return &domain.KnowledgeBaseStats{
			ID:            kb.ID,
			EntityCount:   kb.EntityCount,
			RelationCount: kb.RelationCount,
			LastUpdated:   kb.StatsUpdated,
			Stale:         true,
		}, nil
	}

	if err := r.repo.UpdateStats(kb.ID, stats.EntityCount, stats.RelationCount, stats.LastUpdated); err != nil {
		r.logger.Warn("Failed to cache knowledge base stats", zap.String("kb_id", id), zap.Error(err))
	}

	return &domain.KnowledgeBaseStats{
		ID:            kb.ID,
		EntityCount:   stats.EntityCount,
		RelationCount: stats.RelationCount,
		LastUpdated:   stats.LastUpdated,
	}, nil
}

// Delete removes a knowledge base and its workspace. Rejected while the
// knowledge base is active or has jobs in flight.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	kb, err := r.Get(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if kb.Active {
		r.mu.Unlock()
		return fmt.Errorf("%w: knowledge base %s is active", domain.ErrConflict, id)
	}
	if n := r.inFlight(id); n > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: knowledge base %s has %d jobs in flight", domain.ErrConflict, id, n)
	}
	if err := r.repo.Delete(id); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	// Engine and disk cleanup run outside the lock so a slow engine
	// cannot stall unrelated registry operations.
	if err := r.engine.DeleteWorkspace(ctx, kb.ID); err != nil {
		// The on-disk workspace is removed regardless; the engine drops
		// its handle on the next restart.
		r.logger.Warn("Engine workspace delete failed", zap.String("kb_id", id), zap.Error(err))
	}
	if err := os.RemoveAll(kb.Workspace); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}

	r.logger.Info("Knowledge base deleted", zap.String("kb_id", id))
	return nil
}

// exportManifest describes an exported workspace archive.
type exportManifest struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ExportedAt  time.Time `json:"exported_at"`
}

const manifestName = "graphdoc-manifest.json"

// Export streams the knowledge base's workspace as a gzipped tar
// archive. Rejected while jobs are in flight, to avoid racing the
// worker pool's writes.
func (r *Registry) Export(ctx context.Context, id string, w io.Writer) error {
	r.mu.Lock()
	kb, err := r.Get(ctx, id)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if n := r.inFlight(id); n > 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: knowledge base %s has %d jobs in flight", domain.ErrConflict, id, n)
	}
	r.mu.Unlock()

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	manifest, err := json.Marshal(exportManifest{
		Name:        kb.Name,
		Description: kb.Description,
		ExportedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := tw.WriteHeader(&tar.Header{
		Name: manifestName,
		Mode: 0644,
		Size: int64(len(manifest)),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(manifest); err != nil {
		return err
	}

	err = filepath.Walk(kb.Workspace, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(kb.Workspace, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

// Import restores an exported archive as a new knowledge base. The
// archive must carry the manifest written by Export.
func (r *Registry) Import(ctx context.Context, archive io.Reader) (*domain.KnowledgeBase, error) {
	gz, err := gzip.NewReader(archive)
	if err != nil {
		return nil, fmt.Errorf("%w: not a gzip archive: %v", domain.ErrValidation, err)
	}
	defer gz.Close()

	// Unpack into a staging directory first; only a structurally valid
	// archive becomes a knowledge base.
	if err := os.MkdirAll(r.workspaceRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	staging, err := os.MkdirTemp(r.workspaceRoot, "import-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	var manifest *exportManifest
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: malformed archive: %v", domain.ErrValidation, err)
		}

		name := filepath.Clean(header.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return nil, fmt.Errorf("%w: archive entry escapes workspace: %s", domain.ErrValidation, header.Name)
		}

		if name == manifestName {
			var m exportManifest
			if err := json.NewDecoder(io.LimitReader(tr, 1<<20)).Decode(&m); err != nil {
				return nil, fmt.Errorf("%w: malformed manifest: %v", domain.ErrValidation, err)
			}
			manifest = &m
			continue
		}

		target := filepath.Join(staging, name)
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return nil, err
			}
			f, err := os.Create(target)
			if err != nil {
				return nil, err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return nil, fmt.Errorf("%w: truncated archive: %v", domain.ErrValidation, err)
			}
			f.Close()
		default:
			return nil, fmt.Errorf("%w: unsupported archive entry type for %s", domain.ErrValidation, header.Name)
		}
	}

	if manifest == nil || strings.TrimSpace(manifest.Name) == "" {
		return nil, fmt.Errorf("%w: archive is missing its manifest", domain.ErrValidation)
	}

	kb, err := r.Create(ctx, manifest.Name, manifest.Description)
	if err != nil {
		return nil, err
	}

	// Move the staged contents into the freshly created workspace.
	entries, err := os.ReadDir(staging)
	if err != nil {
		r.rollbackImport(ctx, kb)
		return nil, err
	}
	for _, entry := range entries {
		if err := os.Rename(filepath.Join(staging, entry.Name()), filepath.Join(kb.Workspace, entry.Name())); err != nil {
			r.rollbackImport(ctx, kb)
			return nil, fmt.Errorf("failed to restore workspace: %w", err)
		}
	}

	r.logger.Info("Knowledge base imported",
		zap.String("kb_id", kb.ID),
		zap.String("name", kb.Name),
	)
	return kb, nil
}

func (r *Registry) rollbackImport(ctx context.Context, kb *domain.KnowledgeBase) {
	if err := r.repo.Delete(kb.ID); err != nil {
		r.logger.Warn("Failed to roll back imported knowledge base", zap.String("kb_id", kb.ID), zap.Error(err))
	}
	os.RemoveAll(kb.Workspace)
}
