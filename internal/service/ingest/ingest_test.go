package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

type fakeStore struct {
	sources map[string]model.DataSource
	docs    []model.Document
	chunks  []storage.ChunkRecord
	err     error
}

func (f *fakeStore) GetSource(_ context.Context, projectID, id string) (model.DataSource, error) {
	s, ok := f.sources[id]
	if !ok || s.ProjectID != projectID {
		return model.DataSource{}, storage.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) InsertDocument(_ context.Context, doc model.Document, chunks []storage.ChunkRecord) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, doc)
	f.chunks = append(f.chunks, chunks...)
	return nil
}

// DeleteDocument drops all chunks; the tests that reach it hold one document.
func (f *fakeStore) DeleteDocument(_ context.Context, projectID, id string) error {
	for i, d := range f.docs {
		if d.ID == id && d.ProjectID == projectID {
			f.docs = append(f.docs[:i], f.docs[i+1:]...)
			f.chunks = nil
			return nil
		}
	}
	return storage.ErrNotFound
}

// lengthEmbedder embeds a text as [len(text), 1].
type lengthEmbedder struct {
	mu      sync.Mutex
	batches int
	err     error
}

func (e *lengthEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	return pgvector.NewVector([]float32{float32(len(text)), 1}), nil
}

func (e *lengthEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	e.mu.Lock()
	e.batches++
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (e *lengthEmbedder) Dimensions() int { return 2 }

type fakeIndex struct {
	projectID string
	chunks    []storage.ChunkRecord
	err       error
}

func (f *fakeIndex) UpsertChunks(_ context.Context, projectID string, chunks []storage.ChunkRecord) error {
	f.projectID = projectID
	f.chunks = chunks
	return f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore() *fakeStore {
	return &fakeStore{sources: map[string]model.DataSource{
		"src-1": {ID: "src-1", ProjectID: "proj", Name: "handbook", Status: model.SourceActive},
	}}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []string
	}{
		{name: "short text is one chunk", text: "hello world", size: 50, overlap: 10, want: []string{"hello world"}},
		{name: "blank text", text: "   \n ", size: 10, overlap: 2, want: nil},
		{name: "breaks on whitespace", text: "aaaa bbbb cccc", size: 10, overlap: 0, want: []string{"aaaa bbbb", "cccc"}},
		{name: "hard cut without whitespace", text: "abcdefghij", size: 4, overlap: 0, want: []string{"abcd", "efgh", "ij"}},
		{name: "overlap repeats the tail", text: "abcdefghij", size: 4, overlap: 2, want: []string{"abcd", "cdef", "efgh", "ghij"}},
		{name: "invalid overlap is ignored", text: "abcdef", size: 3, overlap: 5, want: []string{"abc", "def"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.text, tt.size, tt.overlap))
		})
	}
}

func TestSplit_RuneSafe(t *testing.T) {
	text := strings.Repeat("日本語のテキスト", 50)
	chunks := Split(text, 30, 5)
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 30)
	}
}

func TestAddDocument(t *testing.T) {
	store := newStore()
	emb := &lengthEmbedder{}
	idx := &fakeIndex{}
	svc := New(store, emb, quietLogger(), WithChunking(10, 0), WithIndex(idx))

	res, err := svc.AddDocument(context.Background(), "proj", "src-1", "refunds", "aaaa bbbb cccc dddd")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, "proj", res.Document.ProjectID)
	assert.NotEmpty(t, res.Document.ID)

	require.Len(t, store.docs, 1)
	require.Len(t, store.chunks, 2)
	for i, c := range store.chunks {
		assert.Equal(t, i, c.Seq)
		assert.Equal(t, res.Document.ID, c.DocID)
		assert.Equal(t, "src-1", c.SourceID)
		assert.Equal(t, "refunds", c.Title)
		assert.Equal(t, []float32{float32(len(c.Content)), 1}, c.Embedding.Slice())
	}
	assert.Equal(t, "aaaa bbbb", store.chunks[0].Content)

	assert.Equal(t, "proj", idx.projectID)
	assert.Len(t, idx.chunks, 2)
}

func TestAddDocument_BatchesEmbedding(t *testing.T) {
	emb := &lengthEmbedder{}
	svc := New(newStore(), emb, quietLogger(), WithChunking(5, 0))

	text := strings.Repeat("abcd ", embedBatchSize*2+1)
	res, err := svc.AddDocument(context.Background(), "proj", "src-1", "big", text)
	require.NoError(t, err)
	assert.Equal(t, embedBatchSize*2+1, res.Chunks)
	assert.Equal(t, 3, emb.batches)
}

func TestAddDocument_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("empty content", func(t *testing.T) {
		svc := New(newStore(), &lengthEmbedder{}, quietLogger())
		_, err := svc.AddDocument(ctx, "proj", "src-1", "x", "  ")
		require.ErrorIs(t, err, model.ErrInvalidConfig)
	})

	t.Run("unknown source", func(t *testing.T) {
		svc := New(newStore(), &lengthEmbedder{}, quietLogger())
		_, err := svc.AddDocument(ctx, "proj", "missing", "x", "text")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("other project's source", func(t *testing.T) {
		svc := New(newStore(), &lengthEmbedder{}, quietLogger())
		_, err := svc.AddDocument(ctx, "other", "src-1", "x", "text")
		require.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("embedding failure stores nothing", func(t *testing.T) {
		store := newStore()
		boom := errors.New("embedder down")
		svc := New(store, &lengthEmbedder{err: boom}, quietLogger())
		_, err := svc.AddDocument(ctx, "proj", "src-1", "x", "text")
		require.ErrorIs(t, err, boom)
		assert.Empty(t, store.docs)
	})

	t.Run("store failure", func(t *testing.T) {
		boom := errors.New("disk full")
		store := newStore()
		store.err = boom
		svc := New(store, &lengthEmbedder{}, quietLogger())
		_, err := svc.AddDocument(ctx, "proj", "src-1", "x", "text")
		require.ErrorIs(t, err, boom)
	})

	t.Run("index failure removes the document", func(t *testing.T) {
		store := newStore()
		boom := errors.New("qdrant down")
		svc := New(store, &lengthEmbedder{}, quietLogger(), WithIndex(&fakeIndex{err: boom}))
		_, err := svc.AddDocument(ctx, "proj", "src-1", "x", "text")
		require.ErrorIs(t, err, ErrIndexUnavailable)
		require.ErrorIs(t, err, boom)
		assert.Empty(t, store.docs)
		assert.Empty(t, store.chunks)
	})
}
