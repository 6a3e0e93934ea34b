// Package sqlite is a single-file local store implementing the same
// project-scoped contracts as the Postgres storage layer. Chunk search is an
// exact cosine scan over embeddings kept as float32 blobs.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/tsunagi/internal/model"
	"github.com/ashita-ai/tsunagi/internal/storage"
)

// Store is a SQLite-backed store.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS data_sources (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	name       TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_sources_project ON data_sources(project_id, status);

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	source_id  TEXT NOT NULL REFERENCES data_sources(id) ON DELETE CASCADE,
	name       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	id          TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	project_id  TEXT NOT NULL,
	source_id   TEXT NOT NULL,
	seq         INTEGER NOT NULL,
	title       TEXT NOT NULL,
	name        TEXT NOT NULL,
	content     TEXT NOT NULL,
	embedding   BLOB
);
CREATE INDEX IF NOT EXISTS idx_chunks_project_source ON chunks(project_id, source_id);

CREATE TABLE IF NOT EXISTS connected_accounts (
	project_id   TEXT NOT NULL,
	toolkit_slug TEXT NOT NULL,
	account_id   TEXT NOT NULL,
	status       TEXT NOT NULL,
	updated_at   INTEGER NOT NULL,
	PRIMARY KEY (project_id, toolkit_slug)
);
`

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSource inserts a new active data source for a project.
func (s *Store) CreateSource(ctx context.Context, projectID, name string) (model.DataSource, error) {
	now := time.Now().UTC()
	src := model.DataSource{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		Name:      name,
		Status:    model.SourceActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO data_sources (id, project_id, name, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		src.ID, src.ProjectID, src.Name, src.Status, now.UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return model.DataSource{}, fmt.Errorf("sqlite: create source: %w", err)
	}
	return src, nil
}

// GetSource returns a project's data source by id.
func (s *Store) GetSource(ctx context.Context, projectID, id string) (model.DataSource, error) {
	var src model.DataSource
	var created, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, status, created_at, updated_at
		 FROM data_sources WHERE project_id = ? AND id = ?`,
		projectID, id,
	).Scan(&src.ID, &src.ProjectID, &src.Name, &src.Status, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.DataSource{}, storage.ErrNotFound
	}
	if err != nil {
		return model.DataSource{}, fmt.Errorf("sqlite: get source: %w", err)
	}
	src.CreatedAt = time.Unix(0, created).UTC()
	src.UpdatedAt = time.Unix(0, updated).UTC()
	return src, nil
}

// SetSourceStatus changes the lifecycle state of a data source.
func (s *Store) SetSourceStatus(ctx context.Context, projectID, id string, status model.SourceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE data_sources SET status = ?, updated_at = ? WHERE project_id = ? AND id = ?`,
		status, time.Now().UTC().UnixNano(), projectID, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set source status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ActiveSourceIDs returns the subset of ids that belong to the project and
// are currently active, in the order of ids.
func (s *Store) ActiveSourceIDs(ctx context.Context, projectID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{projectID, model.SourceActive}, anySlice(ids)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM data_sources WHERE project_id = ? AND status = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: active sources: %w", err)
	}
	defer rows.Close()

	active := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan source: %w", err)
		}
		active[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(active))
	for _, id := range ids {
		if active[id] {
			out = append(out, id)
			delete(active, id)
		}
	}
	return out, nil
}

// InsertDocument stores a document and its chunks in one transaction.
func (s *Store) InsertDocument(ctx context.Context, doc model.Document, chunks []storage.ChunkRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, project_id, source_id, name, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.ProjectID, doc.SourceID, doc.Name, doc.Content, time.Now().UTC().UnixNano(),
	); err != nil {
		return fmt.Errorf("sqlite: insert document: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, project_id, source_id, seq, title, name, content, embedding)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var emb any
		if b := encodeVector(c.Embedding.Slice()); b != nil {
			emb = b
		}
		if _, err := stmt.ExecContext(ctx,
			c.ID, doc.ID, doc.ProjectID, doc.SourceID, c.Seq, c.Title, c.Name, c.Content, emb,
		); err != nil {
			return fmt.Errorf("sqlite: insert chunk %d: %w", c.Seq, err)
		}
	}
	return tx.Commit()
}

// DeleteDocument removes a document and, through the foreign key, its chunks.
func (s *Store) DeleteDocument(ctx context.Context, projectID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FindDocsByIDs returns the project's documents with the given ids, ordered
// by the position of the id in ids. Missing ids are skipped.
func (s *Store) FindDocsByIDs(ctx context.Context, projectID string, ids []string) ([]model.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := append([]any{projectID}, anySlice(ids)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, source_id, name, content, created_at
		 FROM documents WHERE project_id = ? AND id IN (`+placeholders(len(ids))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: find documents: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]model.Document)
	for rows.Next() {
		var d model.Document
		var created int64
		if err := rows.Scan(&d.ID, &d.ProjectID, &d.SourceID, &d.Name, &d.Content, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan document: %w", err)
		}
		d.CreatedAt = time.Unix(0, created).UTC()
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	docs := make([]model.Document, 0, len(byID))
	for _, id := range ids {
		if d, ok := byID[id]; ok {
			docs = append(docs, d)
			delete(byID, id)
		}
	}
	return docs, nil
}

// SearchChunks ranks the project's chunks in the given sources by cosine
// similarity to embedding and returns the best limit results.
func (s *Store) SearchChunks(ctx context.Context, projectID string, sourceIDs []string, embedding []float32, limit int) ([]model.Chunk, error) {
	if len(sourceIDs) == 0 || limit <= 0 {
		return nil, nil
	}
	args := append([]any{projectID}, anySlice(sourceIDs)...)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, name, content, document_id, source_id, embedding
		 FROM chunks
		 WHERE project_id = ? AND embedding IS NOT NULL AND source_id IN (`+placeholders(len(sourceIDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: search chunks: %w", err)
	}
	defer rows.Close()

	var scored []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var blob []byte
		if err := rows.Scan(&c.ID, &c.Title, &c.Name, &c.Content, &c.DocID, &c.SourceID, &blob); err != nil {
			return nil, fmt.Errorf("sqlite: scan chunk: %w", err)
		}
		c.Score = cosine(embedding, decodeVector(blob))
		scored = append(scored, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slices.SortStableFunc(scored, func(a, b model.Chunk) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// GetConnectedAccount returns the project's account record for a toolkit.
func (s *Store) GetConnectedAccount(ctx context.Context, projectID, toolkit string) (model.ConnectedAccount, error) {
	var a model.ConnectedAccount
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT project_id, toolkit_slug, account_id, status, updated_at
		 FROM connected_accounts WHERE project_id = ? AND toolkit_slug = ?`,
		projectID, toolkit,
	).Scan(&a.ProjectID, &a.ToolkitSlug, &a.AccountID, &a.Status, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ConnectedAccount{}, storage.ErrNotFound
	}
	if err != nil {
		return model.ConnectedAccount{}, fmt.Errorf("sqlite: get connected account: %w", err)
	}
	a.UpdatedAt = time.Unix(0, updated).UTC()
	return a, nil
}

// UpsertConnectedAccount writes an account record idempotently: an older
// record never replaces a newer one and an identical record changes nothing.
func (s *Store) UpsertConnectedAccount(ctx context.Context, a model.ConnectedAccount) error {
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connected_accounts (project_id, toolkit_slug, account_id, status, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (project_id, toolkit_slug) DO UPDATE
		 SET account_id = excluded.account_id,
		     status = excluded.status,
		     updated_at = excluded.updated_at
		 WHERE connected_accounts.updated_at <= excluded.updated_at
		   AND (connected_accounts.account_id != excluded.account_id
		        OR connected_accounts.status != excluded.status)`,
		a.ProjectID, a.ToolkitSlug, a.AccountID, a.Status, a.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert connected account: %w", err)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func anySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}

// cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
