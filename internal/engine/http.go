package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/liliang-cn/graphdoc/internal/domain"
)

// HTTPClient talks to a graph-RAG engine server over HTTP. Queries are
// streamed back as newline-delimited JSON.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates an engine client for the given base URL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			// No overall timeout: query streams are long-lived and
			// bounded per chunk by the gateway.
			Transport: &http.Transport{
				MaxIdleConnsPerHost:   4,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
	}
}

func (c *HTTPClient) workspaceURL(workspace, suffix string) string {
	return fmt.Sprintf("%s/workspaces/%s%s", c.baseURL, url.PathEscape(workspace), suffix)
}

func (c *HTTPClient) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, wrapTransportError(err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		detail := readErrorDetail(resp.Body)
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%w: engine returned %d: %s", domain.ErrUpstream, resp.StatusCode, detail)
		}
		return nil, fmt.Errorf("%w: engine rejected request (%d): %s", domain.ErrValidation, resp.StatusCode, detail)
	}

	return resp, nil
}

// wrapTransportError classifies network failures as transient.
func wrapTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstream, err)
}

func readErrorDetail(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return string(bytes.TrimSpace(data))
}

type ingestRequest struct {
	Text         string `json:"text"`
	ChunkSize    int    `json:"chunk_size"`
	ChunkOverlap int    `json:"chunk_overlap"`
}

// Ingest inserts one document's text into the workspace's graph.
func (c *HTTPClient) Ingest(ctx context.Context, workspace, text string, cfg ChunkConfig) (*IngestResult, error) {
	resp, err := c.do(ctx, http.MethodPost, c.workspaceURL(workspace, "/documents"), ingestRequest{
		Text:         text,
		ChunkSize:    cfg.Size,
		ChunkOverlap: cfg.Overlap,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result IngestResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: malformed ingest response: %v", domain.ErrUpstream, err)
	}
	return &result, nil
}

type queryRequest struct {
	Query  string `json:"query"`
	Mode   string `json:"mode"`
	Stream bool   `json:"stream"`
}

// Query opens a streamed query against the workspace. The caller owns
// the returned stream and must Close it.
func (c *HTTPClient) Query(ctx context.Context, workspace, query string, mode Mode) (Stream, error) {
	resp, err := c.do(ctx, http.MethodPost, c.workspaceURL(workspace, "/query"), queryRequest{
		Query:  query,
		Mode:   string(mode),
		Stream: true,
	})
	if err != nil {
		return nil, err
	}
	return newHTTPStream(resp.Body), nil
}

// Stats returns the engine's graph counts for the workspace.
func (c *HTTPClient) Stats(ctx context.Context, workspace string) (*GraphStats, error) {
	resp, err := c.do(ctx, http.MethodGet, c.workspaceURL(workspace, "/stats"), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats GraphStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("%w: malformed stats response: %v", domain.ErrUpstream, err)
	}
	return &stats, nil
}

// Health probes the engine's health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// DeleteWorkspace drops the workspace's index on the engine side.
func (c *HTTPClient) DeleteWorkspace(ctx context.Context, workspace string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.workspaceURL(workspace, ""), nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// streamLine is one NDJSON line of a streamed query response.
type streamLine struct {
	Type    string          `json:"type"` // chunk, final, error
	Content string          `json:"content,omitempty"`
	Sources []domain.Source `json:"sources,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type httpStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu     sync.Mutex
	closed bool
	done   bool
}

func newHTTPStream(body io.ReadCloser) *httpStream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &httpStream{body: body, scanner: sc}
}

// Recv returns the next chunk, io.EOF after the final one.
func (s *httpStream) Recv() (Chunk, error) {
	s.mu.Lock()
	if s.done || s.closed {
		s.mu.Unlock()
		return Chunk{}, io.EOF
	}
	s.mu.Unlock()

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg streamLine
		if err := json.Unmarshal(line, &msg); err != nil {
			return Chunk{}, fmt.Errorf("%w: malformed stream line: %v", domain.ErrUpstream, err)
		}

		switch msg.Type {
		case "chunk":
			return Chunk{Content: msg.Content}, nil
		case "final":
			s.mu.Lock()
			s.done = true
			s.mu.Unlock()
			return Chunk{Final: true, Sources: msg.Sources}, nil
		case "error":
			return Chunk{}, fmt.Errorf("%w: %s", domain.ErrUpstream, msg.Error)
		default:
			return Chunk{}, fmt.Errorf("%w: unknown stream message type %q", domain.ErrUpstream, msg.Type)
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Chunk{}, io.EOF
		}
		return Chunk{}, wrapTransportError(err)
	}
	// Body ended without a final marker: the engine hung up mid-stream.
	return Chunk{}, fmt.Errorf("%w: stream ended without final marker", domain.ErrUpstream)
}

// Close abandons the stream. Safe to call concurrently with Recv; the
// in-flight read fails and subsequent reads return io.EOF.
func (s *httpStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.body.Close()
}
