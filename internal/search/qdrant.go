package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// Payload keys stored alongside each chunk vector.
const (
	fieldProjectID = "project_id"
	fieldSourceID  = "source_id"
	fieldDocID     = "doc_id"
	fieldTitle     = "title"
	fieldName      = "name"
	fieldContent   = "content"
)

// QdrantIndex implements Index backed by Qdrant.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error; the inner error may be nil
	healthAt    atomic.Int64 // unix nanos of last check
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// The REST port maps to the gRPC port next to it.
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantIndex creates a QdrantIndex. The gRPC connection is established lazily.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("search: qdrant collection name is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if needed and makes sure the
// keyword indexes used for tenant and source filtering exist. CreateFieldIndex
// is idempotent, so it runs on every start.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{fieldProjectID, fieldSourceID, fieldDocID} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}
	return nil
}

// chunkFilter restricts a query to one project and a set of sources.
// project_id always comes first.
func chunkFilter(projectID string, sourceIDs []string) *qdrant.Filter {
	must := []*qdrant.Condition{
		qdrant.NewMatch(fieldProjectID, projectID),
	}
	if len(sourceIDs) == 1 {
		must = append(must, qdrant.NewMatch(fieldSourceID, sourceIDs[0]))
	} else {
		must = append(must, qdrant.NewMatchKeywords(fieldSourceID, sourceIDs...))
	}
	return &qdrant.Filter{Must: must}
}

// SearchChunks queries Qdrant for the chunks nearest to embedding.
func (q *QdrantIndex) SearchChunks(ctx context.Context, projectID string, sourceIDs []string, embedding []float32, limit int) ([]model.Chunk, error) {
	if len(sourceIDs) == 0 || limit <= 0 {
		return nil, nil
	}

	fetchLimit := uint64(limit) //nolint:gosec // limit is a small positive k
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         chunkFilter(projectID, sourceIDs),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	chunks := make([]model.Chunk, 0, len(scored))
	for _, sp := range scored {
		id := sp.GetId().GetUuid()
		if id == "" {
			q.logger.Warn("qdrant: point without uuid id", "collection", q.collection)
			continue
		}
		chunks = append(chunks, chunkFromPayload(id, sp.GetPayload(), sp.GetScore()))
	}
	return chunks, nil
}

func chunkFromPayload(id string, payload map[string]*qdrant.Value, score float32) model.Chunk {
	str := func(key string) string {
		if v, ok := payload[key]; ok {
			return v.GetStringValue()
		}
		return ""
	}
	return model.Chunk{
		ID:       id,
		Title:    str(fieldTitle),
		Name:     str(fieldName),
		Content:  str(fieldContent),
		DocID:    str(fieldDocID),
		SourceID: str(fieldSourceID),
		Score:    score,
	}
}

// UpsertChunks writes chunk vectors and their payload. Chunk ids must be UUIDs.
func (q *QdrantIndex) UpsertChunks(ctx context.Context, projectID string, chunks []storage.ChunkRecord) error {
	if len(chunks) == 0 {
		return nil
	}

	points := make([]*qdrant.PointStruct, 0, len(chunks))
	for _, c := range chunks {
		vec := c.Embedding.Slice()
		if len(vec) == 0 {
			continue
		}
		points = append(points, &qdrant.PointStruct{
			Id:      qdrant.NewID(c.ID),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(map[string]any{
				fieldProjectID: projectID,
				fieldSourceID:  c.SourceID,
				fieldDocID:     c.DocID,
				fieldTitle:     c.Title,
				fieldName:      c.Name,
				fieldContent:   c.Content,
			}),
		})
	}
	if len(points) == 0 {
		return nil
	}

	if _, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	}); err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// DeleteBySource removes every chunk of a data source, e.g. when the source
// is deleted.
func (q *QdrantIndex) DeleteBySource(ctx context.Context, projectID, sourceID string) error {
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: chunkFilter(projectID, []string{sourceID}),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete source %s: %w", sourceID, err)
	}
	return nil
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// and concurrent checks after expiry share a single gRPC call.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// singleflight shares the first caller's work, so the check must not
	// inherit any one caller's cancellation.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		defer cancel()

		if _, err := q.client.HealthCheck(checkCtx); err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
