package search

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/storage"
)

// newTestQdrantIndex points at a port with no server behind it. gRPC connects
// lazily, so construction succeeds and only RPCs fail.
func newTestQdrantIndex(t *testing.T) *QdrantIndex {
	t.Helper()
	idx, err := NewQdrantIndex(QdrantConfig{
		URL:        "http://localhost:16334",
		Collection: "test_chunks",
		Dims:       8,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name    string
		rawURL  string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{name: "https cloud URL with REST port", rawURL: "https://xyz.cloud.qdrant.io:6333", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "https cloud URL with gRPC port", rawURL: "https://xyz.cloud.qdrant.io:6334", host: "xyz.cloud.qdrant.io", port: 6334, tls: true},
		{name: "http local URL", rawURL: "http://localhost:6333", host: "localhost", port: 6334},
		{name: "no port defaults to 6334", rawURL: "http://qdrant.internal", host: "qdrant.internal", port: 6334},
		{name: "custom port preserved", rawURL: "https://qdrant.example.com:9334", host: "qdrant.example.com", port: 9334, tls: true},
		{name: "empty URL", rawURL: "", wantErr: true},
		{name: "no scheme no host", rawURL: "not-a-url", wantErr: true},
		{name: "bad port", rawURL: "http://localhost:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, tls, err := parseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestNewQdrantIndex(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		idx := newTestQdrantIndex(t)
		assert.Equal(t, "test_chunks", idx.collection)
		assert.Equal(t, uint64(8), idx.dims)
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewQdrantIndex(QdrantConfig{Collection: "c"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid qdrant URL")
	})

	t.Run("missing collection", func(t *testing.T) {
		_, err := NewQdrantIndex(QdrantConfig{URL: "http://localhost:6333"}, nil)
		require.Error(t, err)
	})
}

func TestChunkFilter(t *testing.T) {
	f := chunkFilter("proj", []string{"s1"})
	require.Len(t, f.Must, 2)
	assert.Equal(t, "project_id", f.Must[0].GetField().GetKey())
	assert.Equal(t, "proj", f.Must[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, "s1", f.Must[1].GetField().GetMatch().GetKeyword())

	f = chunkFilter("proj", []string{"s1", "s2"})
	require.Len(t, f.Must, 2)
	assert.Equal(t, []string{"s1", "s2"}, f.Must[1].GetField().GetMatch().GetKeywords().GetStrings())
}

func TestChunkFromPayload(t *testing.T) {
	payload := qdrant.NewValueMap(map[string]any{
		"title":     "Refunds",
		"name":      "policy.md",
		"content":   "Refunds take 5 days.",
		"doc_id":    "d1",
		"source_id": "s1",
	})
	c := chunkFromPayload("c1", payload, 0.42)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, "Refunds", c.Title)
	assert.Equal(t, "policy.md", c.Name)
	assert.Equal(t, "Refunds take 5 days.", c.Content)
	assert.Equal(t, "d1", c.DocID)
	assert.Equal(t, "s1", c.SourceID)
	assert.InDelta(t, 0.42, c.Score, 1e-6)

	empty := chunkFromPayload("c2", nil, 0)
	assert.Equal(t, "c2", empty.ID)
	assert.Empty(t, empty.Content)
}

func TestQdrantSearchChunks_NoSources(t *testing.T) {
	idx := newTestQdrantIndex(t)

	chunks, err := idx.SearchChunks(context.Background(), "proj", nil, make([]float32, 8), 3)
	require.NoError(t, err)
	assert.Nil(t, chunks)
}

func TestQdrantSearchChunks_FailsWithoutServer(t *testing.T) {
	idx := newTestQdrantIndex(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	chunks, err := idx.SearchChunks(ctx, "proj", []string{"s1"}, make([]float32, 8), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant query")
	assert.Nil(t, chunks)
}

func TestQdrantUpsertChunks_Empty(t *testing.T) {
	idx := newTestQdrantIndex(t)

	require.NoError(t, idx.UpsertChunks(context.Background(), "proj", nil))
	// Chunks without embeddings are skipped, leaving nothing to send.
	require.NoError(t, idx.UpsertChunks(context.Background(), "proj", []storage.ChunkRecord{{}}))
}

func TestQdrantHealthErr_StoreAndLoad(t *testing.T) {
	idx := newTestQdrantIndex(t)

	assert.Nil(t, idx.loadHealthErr())

	idx.storeHealthErr(fmt.Errorf("connection refused"))
	require.EqualError(t, idx.loadHealthErr(), "connection refused")

	idx.storeHealthErr(nil)
	assert.Nil(t, idx.loadHealthErr())
}

func TestQdrantHealthy_CachedResult(t *testing.T) {
	idx := newTestQdrantIndex(t)

	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().UnixNano())
	assert.NoError(t, idx.Healthy(context.Background()))

	idx.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: previous failure"))
	idx.healthAt.Store(time.Now().UnixNano())
	err := idx.Healthy(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous failure")
}

func TestQdrantHealthy_ExpiredCache(t *testing.T) {
	idx := newTestQdrantIndex(t)

	idx.storeHealthErr(nil)
	idx.healthAt.Store(time.Now().Add(-10 * time.Second).UnixNano())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := idx.Healthy(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "qdrant unhealthy")
}
