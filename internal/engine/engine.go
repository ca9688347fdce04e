// Package engine defines the client boundary to the external
// knowledge-extraction engine. The engine owns entity extraction,
// embeddings, graph traversal and answer generation; this package only
// specifies how GraphDoc talks to it.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/liliang-cn/graphdoc/internal/domain"
)

// Mode selects how the engine traverses its index for a query.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeGlobal Mode = "global"
	ModeHybrid Mode = "hybrid"
	ModeNaive  Mode = "naive"
	ModeMix    Mode = "mix"
)

// ParseMode validates a query mode string, defaulting to hybrid.
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return ModeHybrid, nil
	}
	switch m := Mode(s); m {
	case ModeLocal, ModeGlobal, ModeHybrid, ModeNaive, ModeMix:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown query mode %q", domain.ErrValidation, s)
	}
}

// ChunkConfig is the chunking configuration passed to the engine's
// ingestion call.
type ChunkConfig struct {
	Size    int `json:"chunk_size"`
	Overlap int `json:"chunk_overlap"`
}

// IngestResult reports what the engine did with one document.
type IngestResult struct {
	ChunkCount int `json:"chunk_count"`
}

// GraphStats is the engine's introspection result for one workspace.
type GraphStats struct {
	EntityCount   int       `json:"entity_count"`
	RelationCount int       `json:"relation_count"`
	LastUpdated   time.Time `json:"last_updated"`
}

// Chunk is one increment of a streamed query response. The final chunk
// carries the source attributions and no content.
type Chunk struct {
	Content string
	Final   bool
	Sources []domain.Source
}

// Stream is a lazily produced, finite, non-restartable sequence of
// response chunks. Recv returns io.EOF after the final chunk has been
// delivered. Close releases the underlying connection and may be called
// concurrently with Recv to abandon the stream.
type Stream interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is the engine boundary. Implementations wrap transport errors
// in domain.ErrUpstream or domain.ErrTimeout (transient, retryable) and
// rejection errors in domain.ErrValidation (never retried).
type Client interface {
	Ingest(ctx context.Context, workspace, text string, cfg ChunkConfig) (*IngestResult, error)
	Query(ctx context.Context, workspace, query string, mode Mode) (Stream, error)
	Stats(ctx context.Context, workspace string) (*GraphStats, error)
	DeleteWorkspace(ctx context.Context, workspace string) error
	Health(ctx context.Context) error
}
