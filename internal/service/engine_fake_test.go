package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/engine"
)

// fakeEngine implements engine.Client with per-call hooks. Unset hooks
// succeed with zero-value results.
type fakeEngine struct {
	mu sync.Mutex

	ingestFn func(ctx context.Context, workspace, text string, cfg engine.ChunkConfig) (*engine.IngestResult, error)
	queryFn  func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error)
	statsFn  func(ctx context.Context, workspace string) (*engine.GraphStats, error)
	deleteFn func(ctx context.Context, workspace string) error
	healthFn func(ctx context.Context) error

	ingestCalls  int
	queryCalls   int
	deletedSpace string
}

func (f *fakeEngine) Ingest(ctx context.Context, workspace, text string, cfg engine.ChunkConfig) (*engine.IngestResult, error) {
	f.mu.Lock()
	f.ingestCalls++
	fn := f.ingestFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, workspace, text, cfg)
	}
	return &engine.IngestResult{ChunkCount: 1}, nil
}

func (f *fakeEngine) Query(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
	f.mu.Lock()
	f.queryCalls++
	fn := f.queryFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, workspace, query, mode)
	}
	return newFakeStream(), nil
}

func (f *fakeEngine) Stats(ctx context.Context, workspace string) (*engine.GraphStats, error) {
	f.mu.Lock()
	fn := f.statsFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, workspace)
	}
	return &engine.GraphStats{LastUpdated: time.Now().UTC()}, nil
}

func (f *fakeEngine) DeleteWorkspace(ctx context.Context, workspace string) error {
	f.mu.Lock()
	f.deletedSpace = workspace
	fn := f.deleteFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, workspace)
	}
	return nil
}

func (f *fakeEngine) Health(ctx context.Context) error {
	f.mu.Lock()
	fn := f.healthFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (f *fakeEngine) queries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queryCalls
}

// fakeStream serves a scripted chunk sequence.
type fakeStream struct {
	chunks []engine.Chunk
	errs   []error
	pos    int
	delay  time.Duration

	mu     sync.Mutex
	closed bool
}

func newFakeStream(chunks ...engine.Chunk) *fakeStream {
	if len(chunks) == 0 {
		chunks = []engine.Chunk{{Final: true}}
	}
	return &fakeStream{chunks: chunks}
}

func (s *fakeStream) Recv() (engine.Chunk, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.pos < len(s.chunks) {
		c := s.chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.pos-len(s.chunks) < len(s.errs) {
		err := s.errs[s.pos-len(s.chunks)]
		s.pos++
		return engine.Chunk{}, err
	}
	return engine.Chunk{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func answerStream(parts ...string) *fakeStream {
	chunks := make([]engine.Chunk, 0, len(parts)+1)
	for _, p := range parts {
		chunks = append(chunks, engine.Chunk{Content: p})
	}
	chunks = append(chunks, engine.Chunk{
		Final:   true,
		Sources: []domain.Source{{Reference: "doc-1", Score: 0.9}},
	})
	return newFakeStream(chunks...)
}

func upstreamErr(msg string) error {
	return fmt.Errorf("%w: %s", domain.ErrUpstream, msg)
}
