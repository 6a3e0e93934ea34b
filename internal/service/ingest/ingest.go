// Package ingest turns uploaded documents into retrievable chunks: it splits
// the text, embeds every chunk, stores document and chunks together, and
// mirrors the chunks into the vector index when one is configured.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/service/embedding"
	"github.com/ashita-ai/tsunagi/internal/storage"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
)

// ErrIndexUnavailable reports that the vector index rejected a document's
// chunks. The document is not kept.
var ErrIndexUnavailable = errors.New("vector index unavailable")

// Chunking defaults.
const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// embedBatchSize is the number of chunks sent to the provider per request.
const embedBatchSize = 32

// maxConcurrentBatches bounds in-flight embedding requests per document.
const maxConcurrentBatches = 4

// Store is the persistence the service writes through. Both storage.DB and
// sqlite.Store satisfy it.
type Store interface {
	GetSource(ctx context.Context, projectID, id string) (model.DataSource, error)
	InsertDocument(ctx context.Context, doc model.Document, chunks []storage.ChunkRecord) error
	DeleteDocument(ctx context.Context, projectID, id string) error
}

// Indexer mirrors chunks into an external vector index.
type Indexer interface {
	UpsertChunks(ctx context.Context, projectID string, chunks []storage.ChunkRecord) error
}

// Service ingests documents.
type Service struct {
	store    Store
	embedder embedding.Provider
	index    Indexer
	logger   *slog.Logger

	chunkSize    int
	chunkOverlap int

	embeddingDuration metric.Float64Histogram
	chunksIngested    metric.Int64Counter
}

// Option configures a Service.
type Option func(*Service)

// WithChunking overrides the chunk size and overlap, both in runes.
func WithChunking(size, overlap int) Option {
	return func(s *Service) {
		s.chunkSize = size
		s.chunkOverlap = overlap
	}
}

// WithIndex mirrors ingested chunks into idx.
func WithIndex(idx Indexer) Option {
	return func(s *Service) { s.index = idx }
}

// New creates an ingestion Service.
func New(store Store, embedder embedding.Provider, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("tsunagi/ingest")
	embDur, _ := meter.Float64Histogram("tsunagi.embedding.duration",
		metric.WithDescription("Time to embed a document's chunks (ms)"),
		metric.WithUnit("ms"),
	)
	ingested, _ := meter.Int64Counter("tsunagi.chunks.ingested",
		metric.WithDescription("Chunks written by document ingestion"),
	)
	s := &Service{
		store:             store,
		embedder:          embedder,
		logger:            logger,
		chunkSize:         DefaultChunkSize,
		chunkOverlap:      DefaultChunkOverlap,
		embeddingDuration: embDur,
		chunksIngested:    ingested,
	}
	for _, o := range opts {
		o(s)
	}
	if s.chunkSize <= 0 {
		s.chunkSize = DefaultChunkSize
	}
	if s.chunkOverlap < 0 || s.chunkOverlap >= s.chunkSize {
		s.chunkOverlap = 0
	}
	return s
}

// Result describes an ingested document.
type Result struct {
	Document model.Document `json:"document"`
	Chunks   int            `json:"chunks"`
}

// AddDocument stores a document under a data source and makes it
// retrievable. The source must exist; its status does not matter.
func (s *Service) AddDocument(ctx context.Context, projectID, sourceID, name, content string) (Result, error) {
	if strings.TrimSpace(content) == "" {
		return Result{}, fmt.Errorf("ingest: %w: document content is empty", model.ErrInvalidConfig)
	}
	if _, err := s.store.GetSource(ctx, projectID, sourceID); err != nil {
		return Result{}, fmt.Errorf("ingest: source %s: %w", sourceID, err)
	}

	doc := model.Document{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		SourceID:  sourceID,
		Name:      name,
		Content:   content,
	}

	texts := Split(content, s.chunkSize, s.chunkOverlap)
	start := time.Now()
	vecs, err := s.embed(ctx, texts)
	if err != nil {
		return Result{}, err
	}
	s.embeddingDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.Int("chunks", len(texts))))

	chunks := make([]storage.ChunkRecord, len(texts))
	for i, text := range texts {
		chunks[i] = storage.ChunkRecord{
			Chunk: model.Chunk{
				ID:       uuid.NewString(),
				Title:    name,
				Name:     fmt.Sprintf("%s#%d", name, i),
				Content:  text,
				DocID:    doc.ID,
				SourceID: sourceID,
			},
			Seq:       i,
			Embedding: vecs[i],
		}
	}

	if err := s.store.InsertDocument(ctx, doc, chunks); err != nil {
		return Result{}, fmt.Errorf("ingest: store document: %w", err)
	}

	// With an index configured, retrieval reads only the index, so a
	// document it does not hold is removed again.
	if s.index != nil {
		if err := s.index.UpsertChunks(ctx, projectID, chunks); err != nil {
			if delErr := s.store.DeleteDocument(ctx, projectID, doc.ID); delErr != nil {
				s.logger.Error("ingest: rollback after index failure", "error", delErr, "document_id", doc.ID)
			}
			return Result{}, fmt.Errorf("ingest: %w: index chunks: %w", ErrIndexUnavailable, err)
		}
	}
	s.chunksIngested.Add(ctx, int64(len(chunks)))

	s.logger.Info("ingest: document stored",
		"project_id", projectID,
		"source_id", sourceID,
		"document_id", doc.ID,
		"chunks", len(chunks),
	)
	return Result{Document: doc, Chunks: len(chunks)}, nil
}

// embed embeds texts in batches, several batches at a time.
func (s *Service) embed(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs := make([]pgvector.Vector, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentBatches)
	for lo := 0; lo < len(texts); lo += embedBatchSize {
		hi := min(lo+embedBatchSize, len(texts))
		g.Go(func() error {
			batch, err := s.embedder.EmbedBatch(gctx, texts[lo:hi])
			if err != nil {
				return fmt.Errorf("ingest: embed chunks %d-%d: %w", lo, hi-1, err)
			}
			if len(batch) != hi-lo {
				return fmt.Errorf("ingest: embed chunks %d-%d: got %d vectors", lo, hi-1, len(batch))
			}
			copy(vecs[lo:hi], batch)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return vecs, nil
}

// Split cuts text into windows of at most size runes, each starting overlap
// runes before the previous one ended. A window ends at the last whitespace
// in its final fifth when there is one, so words are rarely cut. Blank
// windows are dropped.
func Split(text string, size, overlap int) []string {
	runes := []rune(text)
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end - 1; i > end-size/5 && i > start; i-- {
				if unicode.IsSpace(runes[i]) {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimSpace(string(runes[start:end])); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
