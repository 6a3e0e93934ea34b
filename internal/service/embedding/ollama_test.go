package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOllamaServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embeddings", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.Prompt == "fail" {
			http.Error(w, "model exploded", http.StatusInternalServerError)
			return
		}
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(len(req.Prompt))
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embedding: vec})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaProvider_Embed(t *testing.T) {
	srv := newOllamaServer(t, 8)
	p := NewOllamaProvider(srv.URL, "test-model", 8)

	assert.Equal(t, 8, p.Dimensions())
	vec, err := p.Embed(context.Background(), "abc")
	require.NoError(t, err)
	require.Len(t, vec.Slice(), 8)
	assert.Equal(t, float32(3), vec.Slice()[0])
}

func TestOllamaProvider_DimensionMismatch(t *testing.T) {
	srv := newOllamaServer(t, 4)
	p := NewOllamaProvider(srv.URL, "test-model", 8)
	_, err := p.Embed(context.Background(), "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4 dimensions")
}

func TestOllamaProvider_EmbedBatchKeepsOrder(t *testing.T) {
	srv := newOllamaServer(t, 2)
	p := NewOllamaProvider(srv.URL, "test-model", 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff"}
	vecs, err := p.EmbedBatch(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vecs, len(texts))
	for i, v := range vecs {
		assert.Equal(t, float32(len(texts[i])), v.Slice()[0], "vector %d out of order", i)
	}
}

func TestOllamaProvider_EmbedBatchError(t *testing.T) {
	srv := newOllamaServer(t, 2)
	p := NewOllamaProvider(srv.URL, "test-model", 2)

	_, err := p.EmbedBatch(context.Background(), []string{"ok", "fail", "ok"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch item 1")
	assert.Contains(t, err.Error(), "model exploded")
}

func TestOllamaProvider_EmbedBatchEmpty(t *testing.T) {
	p := NewOllamaProvider("http://unused", "m", 2)
	vecs, err := p.EmbedBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestOpenAIProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 3, req.Dimensions)

		// Reply out of order to exercise index mapping.
		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		var data []item
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float32{float32(i), 0, 0}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-test", "text-embedding-3-small", 3, WithOpenAIBaseURL(srv.URL))
	vecs, err := p.EmbedBatch(context.Background(), []string{"x", "y", "z"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	for i, v := range vecs {
		assert.Equal(t, float32(i), v.Slice()[0])
	}
	assert.Equal(t, int32(1), calls.Load(), "one request per batch")
}

func TestOpenAIProvider_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("sk-bad", "m", 3, WithOpenAIBaseURL(srv.URL))
	_, err := p.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad key")
}

func TestNoopProvider(t *testing.T) {
	p := NewNoopProvider(4)
	vec, err := p.Embed(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, vec.Slice())

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Len(t, vecs, 2)
}
