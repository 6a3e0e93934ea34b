package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tsunagi.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenIsRepeatable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tsunagi.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
}

func TestSources(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	a, err := s.CreateSource(ctx, "p1", "handbook")
	require.NoError(t, err)
	b, err := s.CreateSource(ctx, "p1", "faq")
	require.NoError(t, err)
	foreign, err := s.CreateSource(ctx, "p2", "faq")
	require.NoError(t, err)

	require.NoError(t, s.SetSourceStatus(ctx, "p1", a.ID, model.SourcePending))
	assert.ErrorIs(t, s.SetSourceStatus(ctx, "p1", "nope", model.SourceActive), storage.ErrNotFound)

	ids, err := s.ActiveSourceIDs(ctx, "p1", []string{a.ID, foreign.ID, b.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids)

	got, err := s.GetSource(ctx, "p1", a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SourcePending, got.Status)
	assert.Equal(t, "handbook", got.Name)

	_, err = s.GetSource(ctx, "p2", a.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	none, err := s.ActiveSourceIDs(ctx, "p1", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDocumentsAndSearch(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	src, err := s.CreateSource(ctx, "p1", "handbook")
	require.NoError(t, err)

	doc := model.Document{ID: uuid.NewString(), ProjectID: "p1", SourceID: src.ID, Name: "shipping.md", Content: "Ships in 2 days. Returns within 30 days."}
	require.NoError(t, s.InsertDocument(ctx, doc, []storage.ChunkRecord{
		{Chunk: model.Chunk{ID: "c0", Title: "shipping.md", Name: "shipping.md#0", Content: "Ships in 2 days."}, Seq: 0, Embedding: pgvector.NewVector([]float32{1, 0})},
		{Chunk: model.Chunk{ID: "c1", Title: "shipping.md", Name: "shipping.md#1", Content: "Returns within 30 days."}, Seq: 1, Embedding: pgvector.NewVector([]float32{0, 1})},
		{Chunk: model.Chunk{ID: "c2", Title: "shipping.md", Name: "shipping.md#2", Content: "unembedded"}, Seq: 2},
	}))

	hits, err := s.SearchChunks(ctx, "p1", []string{src.ID}, []float32{0.2, 0.8}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 2, "chunks without embeddings are not searchable")
	assert.Equal(t, "c1", hits[0].ID)
	assert.Equal(t, "c0", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, doc.ID, hits[0].DocID)

	top, err := s.SearchChunks(ctx, "p1", []string{src.ID}, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "c0", top[0].ID)

	other, err := s.SearchChunks(ctx, "p2", []string{src.ID}, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, other)

	docs, err := s.FindDocsByIDs(ctx, "p1", []string{"missing", doc.ID})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, doc.Content, docs[0].Content)
}

func TestDeleteDocumentRemovesChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	src, err := s.CreateSource(ctx, "p1", "handbook")
	require.NoError(t, err)

	doc := model.Document{ID: uuid.NewString(), ProjectID: "p1", SourceID: src.ID, Name: "faq.md", Content: "Open 9 to 5."}
	require.NoError(t, s.InsertDocument(ctx, doc, []storage.ChunkRecord{
		{Chunk: model.Chunk{ID: "c0", Title: "faq.md", Name: "faq.md#0", Content: "Open 9 to 5."}, Embedding: pgvector.NewVector([]float32{1, 0})},
	}))

	assert.ErrorIs(t, s.DeleteDocument(ctx, "p2", doc.ID), storage.ErrNotFound)
	require.NoError(t, s.DeleteDocument(ctx, "p1", doc.ID))
	assert.ErrorIs(t, s.DeleteDocument(ctx, "p1", doc.ID), storage.ErrNotFound)

	hits, err := s.SearchChunks(ctx, "p1", []string{src.ID}, []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
	docs, err := s.FindDocsByIDs(ctx, "p1", []string{doc.ID})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestConnectedAccountUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.GetConnectedAccount(ctx, "p1", "slack")
	require.ErrorIs(t, err, storage.ErrNotFound)

	t0 := time.Now().UTC()
	acct := model.ConnectedAccount{ProjectID: "p1", ToolkitSlug: "slack", AccountID: "ca_9", Status: model.AccountInitiated, UpdatedAt: t0}
	require.NoError(t, s.UpsertConnectedAccount(ctx, acct))
	require.NoError(t, s.UpsertConnectedAccount(ctx, acct))

	acct.Status = model.AccountActive
	acct.UpdatedAt = t0.Add(time.Minute)
	require.NoError(t, s.UpsertConnectedAccount(ctx, acct))

	stale := acct
	stale.Status = model.AccountExpired
	stale.UpdatedAt = t0
	require.NoError(t, s.UpsertConnectedAccount(ctx, stale))

	got, err := s.GetConnectedAccount(ctx, "p1", "slack")
	require.NoError(t, err)
	assert.Equal(t, model.AccountActive, got.Status)
	assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-6)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.Zero(t, cosine([]float32{1}, []float32{1, 2}))
	assert.Zero(t, cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.5, -1.25, 3}
	assert.Equal(t, v, decodeVector(encodeVector(v)))
	assert.Nil(t, encodeVector(nil))
}
