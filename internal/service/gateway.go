package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/liliang-cn/graphdoc/internal/config"
	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/engine"
)

// StreamChunk is one increment of a gateway answer as delivered to the
// chat layer. Exactly one terminal chunk is sent per turn: either Final
// with the source attributions, or Err.
type StreamChunk struct {
	Content string
	Final   bool
	Sources []domain.Source
	Err     error
}

// Gateway mediates between chat surfaces and the engine: it resolves a
// session to its knowledge base, validates the query, rate-limits
// engine calls and supervises the response stream with a per-chunk
// deadline.
type Gateway struct {
	sessions *SessionStore
	registry *Registry
	engine   engine.Client
	cfg      config.EngineConfig
	limiter  *rate.Limiter
	logger   *zap.Logger
}

// NewGateway creates a gateway over the given engine client.
func NewGateway(sessions *SessionStore, registry *Registry, engineClient engine.Client, cfg config.EngineConfig, logger *zap.Logger) *Gateway {
	burst := int(cfg.RateLimit)
	if burst < 1 {
		burst = 1
	}
	return &Gateway{
		sessions: sessions,
		registry: registry,
		engine:   engineClient,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RateLimit), burst),
		logger:   logger,
	}
}

// Query validates and dispatches one retrieval turn for a session. The
// returned channel yields content chunks followed by exactly one
// terminal chunk, then closes. Cancelling ctx abandons the engine
// stream; nothing transient is retried after the first chunk arrives.
//
// The number of re-queries after a transient failure is cfg.Retries.
func (g *Gateway) Query(ctx context.Context, sessionID, query, mode string) (<-chan StreamChunk, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", domain.ErrValidation)
	}
	parsed, err := engine.ParseMode(mode)
	if err != nil {
		return nil, err
	}

	session, err := g.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	kb, err := g.registry.Get(ctx, session.KnowledgeBaseID)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, err)
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUpstream, err)
	}

	out := make(chan StreamChunk)
	go g.pump(ctx, kb.ID, query, parsed, out)
	return out, nil
}

// retryBackoff is the wait before the first re-query; later attempts
// wait a multiple of it.
const retryBackoff = 100 * time.Millisecond

// pump opens the engine stream and forwards chunks. A transient failure
// before any content has been delivered is retried with a fresh stream,
// up to the configured count; afterwards failures surface as the
// terminal chunk.
func (g *Gateway) pump(ctx context.Context, workspace, query string, mode engine.Mode, out chan<- StreamChunk) {
	defer close(out)

	delivered := false

	for attempt := 1; ; attempt++ {
		stream, err := g.engine.Query(ctx, workspace, query, mode)
		if err != nil {
			if g.retry(ctx, workspace, attempt, delivered, err) {
				continue
			}
			g.emit(ctx, out, StreamChunk{Err: err})
			return
		}

		err = g.forward(ctx, stream, out, &delivered)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			// Abandoned by the caller; the terminal chunk would have no reader.
			return
		}
		if g.retry(ctx, workspace, attempt, delivered, err) {
			continue
		}
		g.emit(ctx, out, StreamChunk{Err: err})
		return
	}
}

// retry reports whether failed attempt number attempt should be
// re-queried. At most cfg.Retries re-queries happen, only for transient
// failures and only before the first content chunk has reached the
// caller. Each retry waits an increasing backoff first; cancellation
// during the wait aborts the retry.
func (g *Gateway) retry(ctx context.Context, workspace string, attempt int, delivered bool, err error) bool {
	if delivered || attempt > g.cfg.Retries || !transient(err) || ctx.Err() != nil {
		return false
	}

	g.logger.Warn("Retrying query after transient engine failure",
		zap.String("workspace", workspace),
		zap.Int("attempt", attempt),
		zap.Error(err))

	timer := time.NewTimer(retryBackoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// forward relays one stream to completion. Returns nil once the final
// chunk has been emitted.
func (g *Gateway) forward(ctx context.Context, stream engine.Stream, out chan<- StreamChunk, delivered *bool) error {
	defer stream.Close()

	done := ctx.Done()
	type recvResult struct {
		chunk engine.Chunk
		err   error
	}

	for {
		recvCh := make(chan recvResult, 1)
		go func() {
			chunk, err := stream.Recv()
			recvCh <- recvResult{chunk, err}
		}()

		timer := time.NewTimer(g.cfg.ChunkTimeout)
		var res recvResult
		select {
		case res = <-recvCh:
			timer.Stop()
		case <-timer.C:
			stream.Close()
			return fmt.Errorf("%w: no response chunk within %s", domain.ErrTimeout, g.cfg.ChunkTimeout)
		case <-done:
			timer.Stop()
			stream.Close()
			return ctx.Err()
		}

		if res.err != nil {
			if errors.Is(res.err, io.EOF) {
				return fmt.Errorf("%w: stream ended without a final chunk", domain.ErrUpstream)
			}
			return res.err
		}

		if res.chunk.Final {
			g.emit(ctx, out, StreamChunk{Final: true, Sources: res.chunk.Sources})
			return nil
		}

		*delivered = true
		if !g.emit(ctx, out, StreamChunk{Content: res.chunk.Content}) {
			return ctx.Err()
		}
	}
}

func (g *Gateway) emit(ctx context.Context, out chan<- StreamChunk, chunk StreamChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// transient reports whether an engine failure may succeed on a retry.
// Validation rejections are deterministic and never retried.
func transient(err error) bool {
	return errors.Is(err, domain.ErrUpstream) || errors.Is(err, domain.ErrTimeout)
}

// Ask runs a full non-streaming turn: it records the user message,
// drains the stream and records the assistant message, returning the
// assembled answer. Used by the REST query endpoint.
func (g *Gateway) Ask(ctx context.Context, sessionID, query, mode string) (*domain.ChatResponse, error) {
	parsed, err := engine.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	stream, err := g.Query(ctx, sessionID, query, string(parsed))
	if err != nil {
		return nil, err
	}

	if err := g.sessions.Append(&domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   query,
	}); err != nil {
		return nil, err
	}

	var sb strings.Builder
	var sources []domain.Source
	var turnErr error

drain:
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break drain
			}
			switch {
			case chunk.Err != nil:
				turnErr = chunk.Err
			case chunk.Final:
				sources = chunk.Sources
			default:
				sb.WriteString(chunk.Content)
			}
		case <-ctx.Done():
			turnErr = ctx.Err()
			break drain
		}
	}

	assistant := &domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   sb.String(),
		Sources:   sources,
	}
	if turnErr != nil {
		assistant.Error = turnErr.Error()
	}
	if err := g.sessions.Append(assistant); err != nil {
		return nil, err
	}
	if turnErr != nil {
		return nil, turnErr
	}

	return &domain.ChatResponse{
		SessionID: sessionID,
		Answer:    assistant.Content,
		Mode:      string(parsed),
		Sources:   sources,
	}, nil
}
