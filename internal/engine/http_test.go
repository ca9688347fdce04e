package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liliang-cn/graphdoc/internal/domain"
)

func TestParseMode(t *testing.T) {
	mode, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, mode)

	for _, s := range []string{"local", "global", "hybrid", "naive", "mix"} {
		mode, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), mode)
	}

	_, err = ParseMode("telepathy")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHTTPClientIngest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/workspaces/ws-1/documents", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req struct {
			Text         string `json:"text"`
			ChunkSize    int    `json:"chunk_size"`
			ChunkOverlap int    `json:"chunk_overlap"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "document text", req.Text)
		assert.Equal(t, 512, req.ChunkSize)
		assert.Equal(t, 50, req.ChunkOverlap)

		json.NewEncoder(w).Encode(map[string]int{"chunk_count": 4})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "secret")
	result, err := client.Ingest(context.Background(), "ws-1", "document text", ChunkConfig{Size: 512, Overlap: 50})
	require.NoError(t, err)
	assert.Equal(t, 4, result.ChunkCount)
}

func TestHTTPClientIngestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"graph store unavailable"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	_, err := client.Ingest(context.Background(), "ws-1", "text", ChunkConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "graph store unavailable")
}

func TestHTTPClientIngestRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"text too large"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	_, err := client.Ingest(context.Background(), "ws-1", "text", ChunkConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHTTPClientIngestConnectionRefused(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "")
	_, err := client.Ingest(context.Background(), "ws-1", "text", ChunkConfig{})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestHTTPClientQueryStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/workspaces/ws-1/query", r.URL.Path)

		var req struct {
			Query  string `json:"query"`
			Mode   string `json:"mode"`
			Stream bool   `json:"stream"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "what?", req.Query)
		assert.Equal(t, "hybrid", req.Mode)
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"type":"chunk","content":"The "}`)
		fmt.Fprintln(w, `{"type":"chunk","content":"answer."}`)
		fmt.Fprintln(w, `{"type":"final","sources":[{"reference":"doc-1","score":0.9}]}`)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	stream, err := client.Query(context.Background(), "ws-1", "what?", ModeHybrid)
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "The ", chunk.Content)

	chunk, err = stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "answer.", chunk.Content)

	chunk, err = stream.Recv()
	require.NoError(t, err)
	assert.True(t, chunk.Final)
	require.Len(t, chunk.Sources, 1)
	assert.Equal(t, "doc-1", chunk.Sources[0].Reference)

	_, err = stream.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHTTPClientQueryStreamErrorLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"chunk","content":"partial"}`)
		fmt.Fprintln(w, `{"type":"error","error":"generation failed"}`)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	stream, err := client.Query(context.Background(), "ws-1", "what?", ModeLocal)
	require.NoError(t, err)
	defer stream.Close()

	chunk, err := stream.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", chunk.Content)

	_, err = stream.Recv()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
	assert.Contains(t, err.Error(), "generation failed")
}

func TestHTTPClientQueryStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"chunk","content":"partial"}`)
		// Connection ends without a final marker.
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	stream, err := client.Query(context.Background(), "ws-1", "what?", ModeHybrid)
	require.NoError(t, err)
	defer stream.Close()

	_, err = stream.Recv()
	require.NoError(t, err)
	_, err = stream.Recv()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestHTTPClientStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/workspaces/ws-1/stats", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"entity_count": 12, "relation_count": 5})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	stats, err := client.Stats(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 12, stats.EntityCount)
	assert.Equal(t, 5, stats.RelationCount)
}

func TestHTTPClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/health", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	assert.NoError(t, client.Health(context.Background()))
}

func TestHTTPClientHealthUnreachable(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "")
	err := client.Health(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrUpstream)
}

func TestHTTPClientDeleteWorkspace(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/workspaces/ws-1", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, "")
	require.NoError(t, client.DeleteWorkspace(context.Background(), "ws-1"))
	assert.True(t, called)
}
