package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/liliang-cn/graphdoc/internal/config"
	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/engine"
	"github.com/liliang-cn/graphdoc/internal/repository"
)

type gatewayFixture struct {
	gateway *Gateway
	store   *SessionStore
	engine  *fakeEngine
	session *domain.Session
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	return newGatewayFixtureRetries(t, 1)
}

func newGatewayFixtureRetries(t *testing.T, retries int) *gatewayFixture {
	t.Helper()
	dir := t.TempDir()
	db, err := repository.NewDB(filepath.Join(dir, "graphdoc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	eng := &fakeEngine{}
	logger := zap.NewNop()
	registry := NewRegistry(repository.NewKBRepository(db), eng, filepath.Join(dir, "workspaces"), logger)
	store := NewSessionStore(repository.NewSessionRepository(db), config.SessionConfig{
		TTL:           30 * time.Minute,
		SweepInterval: time.Minute,
	}, logger)
	t.Cleanup(store.Close)

	kb, err := registry.Create(context.Background(), "kb", "")
	require.NoError(t, err)
	session, err := store.Create("", kb.ID)
	require.NoError(t, err)

	gateway := NewGateway(store, registry, eng, config.EngineConfig{
		BaseURL:      "http://engine.test",
		ChunkTimeout: 200 * time.Millisecond,
		Retries:      retries,
		RateLimit:    1000,
	}, logger)

	return &gatewayFixture{gateway: gateway, store: store, engine: eng, session: session}
}

func collect(t *testing.T, stream <-chan StreamChunk) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("stream did not close in time")
		}
	}
}

func TestGatewayStreamsAnswer(t *testing.T) {
	f := newGatewayFixture(t)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		assert.Equal(t, f.session.KnowledgeBaseID, workspace)
		assert.Equal(t, engine.ModeHybrid, mode)
		return answerStream("The ", "answer."), nil
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 3)
	assert.Equal(t, "The ", chunks[0].Content)
	assert.Equal(t, "answer.", chunks[1].Content)
	assert.True(t, chunks[2].Final)
	require.Len(t, chunks[2].Sources, 1)
	assert.Equal(t, "doc-1", chunks[2].Sources[0].Reference)
}

func TestGatewayRejectsEmptyQuery(t *testing.T) {
	f := newGatewayFixture(t)
	_, err := f.gateway.Query(context.Background(), f.session.ID, "   ", "")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGatewayRejectsUnknownMode(t *testing.T) {
	f := newGatewayFixture(t)
	_, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "psychic")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestGatewayRejectsUnknownSession(t *testing.T) {
	f := newGatewayFixture(t)
	_, err := f.gateway.Query(context.Background(), "nope", "what?", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGatewayRetriesTransientFailureOnce(t *testing.T) {
	f := newGatewayFixture(t)
	call := 0
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		call++
		if call == 1 {
			return nil, upstreamErr("connection refused")
		}
		return answerStream("recovered"), nil
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 2)
	assert.Equal(t, "recovered", chunks[0].Content)
	assert.True(t, chunks[1].Final)
	assert.Equal(t, 2, f.engine.queries())
}

func TestGatewayRetriesDisabledByConfig(t *testing.T) {
	f := newGatewayFixtureRetries(t, 0)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		return nil, upstreamErr("connection refused")
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 1)
	assert.ErrorIs(t, chunks[0].Err, domain.ErrUpstream)
	assert.Equal(t, 1, f.engine.queries())
}

func TestGatewayRetriesUpToConfiguredCount(t *testing.T) {
	f := newGatewayFixtureRetries(t, 3)
	call := 0
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		call++
		if call <= 2 {
			return nil, upstreamErr("connection refused")
		}
		return answerStream("third time"), nil
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 2)
	assert.Equal(t, "third time", chunks[0].Content)
	assert.True(t, chunks[1].Final)
	assert.Equal(t, 3, f.engine.queries())
}

func TestGatewayBacksOffBeforeRetry(t *testing.T) {
	f := newGatewayFixture(t)
	var times []time.Time
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		times = append(times, time.Now())
		if len(times) == 1 {
			return nil, upstreamErr("connection refused")
		}
		return answerStream("recovered"), nil
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)
	collect(t, stream)

	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), retryBackoff)
}

func TestGatewayGivesUpAfterSecondTransientFailure(t *testing.T) {
	f := newGatewayFixture(t)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		return nil, upstreamErr("connection refused")
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 1)
	assert.ErrorIs(t, chunks[0].Err, domain.ErrUpstream)
	assert.Equal(t, 2, f.engine.queries())
}

func TestGatewayDoesNotRetryAfterFirstChunk(t *testing.T) {
	f := newGatewayFixture(t)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		s := newFakeStream(engine.Chunk{Content: "partial"})
		s.errs = []error{upstreamErr("connection reset")}
		return s, nil
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 2)
	assert.Equal(t, "partial", chunks[0].Content)
	assert.ErrorIs(t, chunks[1].Err, domain.ErrUpstream)
	assert.Equal(t, 1, f.engine.queries())
}

func TestGatewayDoesNotRetryValidationRejection(t *testing.T) {
	f := newGatewayFixture(t)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		return nil, domain.ErrValidation
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.Len(t, chunks, 1)
	assert.ErrorIs(t, chunks[0].Err, domain.ErrValidation)
	assert.Equal(t, 1, f.engine.queries())
}

func TestGatewayPerChunkTimeout(t *testing.T) {
	f := newGatewayFixture(t)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		s := answerStream("slow")
		s.delay = 2 * time.Second
		return s, nil
	}

	stream, err := f.gateway.Query(context.Background(), f.session.ID, "what?", "")
	require.NoError(t, err)

	chunks := collect(t, stream)
	require.NotEmpty(t, chunks)
	last := chunks[len(chunks)-1]
	assert.ErrorIs(t, last.Err, domain.ErrTimeout)
}

func TestGatewayCancellationAbandonsStream(t *testing.T) {
	f := newGatewayFixture(t)
	s := answerStream("never delivered")
	s.delay = 10 * time.Second
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		return s, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := f.gateway.Query(ctx, f.session.ID, "what?", "")
	require.NoError(t, err)

	cancel()

	// The channel closes without a terminal chunk: nobody is listening.
	select {
	case _, ok := <-stream:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("stream not released after cancellation")
	}
}

func TestGatewayAskAssemblesAnswerAndTranscript(t *testing.T) {
	f := newGatewayFixture(t)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		return answerStream("Two ", "parts."), nil
	}

	resp, err := f.gateway.Ask(context.Background(), f.session.ID, "what?", "local")
	require.NoError(t, err)
	assert.Equal(t, "Two parts.", resp.Answer)
	assert.Equal(t, "local", resp.Mode)
	require.Len(t, resp.Sources, 1)

	messages, err := f.store.Messages(f.session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, domain.RoleUser, messages[0].Role)
	assert.Equal(t, "what?", messages[0].Content)
	assert.Equal(t, domain.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Two parts.", messages[1].Content)
}

func TestGatewayAskRecordsFailedTurn(t *testing.T) {
	f := newGatewayFixture(t)
	f.engine.queryFn = func(ctx context.Context, workspace, query string, mode engine.Mode) (engine.Stream, error) {
		s := newFakeStream(engine.Chunk{Content: "partial "})
		s.errs = []error{upstreamErr("connection reset")}
		return s, nil
	}

	_, err := f.gateway.Ask(context.Background(), f.session.ID, "what?", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)

	messages, err := f.store.Messages(f.session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assistant := messages[1]
	assert.Equal(t, "partial ", assistant.Content)
	assert.NotEmpty(t, assistant.Error)
}
