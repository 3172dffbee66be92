// Package memory implements the semantic memory store: content-addressed
// facts with optional vector embeddings, hybrid vector+FTS search, and a
// typed link/entity/relationship graph layered on top. Grounded on the
// teacher's storage-layer conventions (one Store wrapping *storex.Store,
// context-scoped methods) generalized to a domain the teacher doesn't
// have — memories rather than issues — since no pack repo implements a
// vector+FTS hybrid store; the schema itself (storex/migrate.go
// schemaMemory) and packing helpers (storex/vector.go) are this
// substrate's own, grounded on spec.md's fixed-width-vector requirement.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Store is the memory-store service.
type Store struct {
	db *storex.Store
}

// New wires a memory Store to the shared storage handle.
func New(db *storex.Store) *Store {
	return &Store{db: db}
}

// PutInput describes a memory to store.
type PutInput struct {
	Content    string
	Metadata   map[string]any
	Collection string
	Tags       []string
	Embedding  []float32 // nil if the embedder was unavailable
	Keywords   string
	ValidFrom  *time.Time
	ValidUntil *time.Time
}

// Store writes a new memory row with a generated id. Storing never fails
// because an embedding is missing: embedder unavailability degrades to
// FTS-only search for that row (spec.md §4.F), it's never a store error.
func (s *Store) Store(ctx context.Context, in PutInput) (*types.Memory, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	metadataJSON, err := marshalOrEmpty(in.Metadata)
	if err != nil {
		return nil, errs.Wrap("store memory: marshal metadata", err)
	}
	tagsJSON, err := marshalOrEmpty(in.Tags)
	if err != nil {
		return nil, errs.Wrap("store memory: marshal tags", err)
	}
	vecBlob, err := storex.PackVector(in.Embedding)
	if err != nil {
		return nil, errs.Wrap("store memory: pack vector", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO memories (id, content, metadata, collection, tags, created_at, updated_at,
			decay_factor, embedding, valid_from, valid_until, keywords)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1.0, ?, ?, ?, ?)`,
		id, in.Content, metadataJSON, in.Collection, tagsJSON,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
		vecBlob, formatOptTime(in.ValidFrom), formatOptTime(in.ValidUntil), in.Keywords)
	if err != nil {
		return nil, errs.Wrap("store memory", err)
	}

	return &types.Memory{
		ID: id, Content: in.Content, Metadata: in.Metadata, Collection: in.Collection, Tags: in.Tags,
		CreatedAt: now, UpdatedAt: now, DecayFactor: 1.0, Embedding: in.Embedding,
		ValidFrom: in.ValidFrom, ValidUntil: in.ValidUntil, Keywords: in.Keywords,
	}, nil
}

// Get fetches one memory by id.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, content, metadata, collection, tags, created_at, updated_at, decay_factor,
			embedding, valid_from, valid_until, superseded_by, auto_tags, keywords
		FROM memories WHERE id = ?`, id)
	return scanMemory(row)
}

// List returns memories in a collection, newest first.
func (s *Store) List(ctx context.Context, collection string, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, content, metadata, collection, tags, created_at, updated_at, decay_factor,
			embedding, valid_from, valid_until, superseded_by, auto_tags, keywords
		FROM memories WHERE collection = ? ORDER BY created_at DESC LIMIT ?`, collection, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SetAutoTags records LLM-derived tags/keywords for a memory (component G
// enrichment writes these after storing; see internal/enrichment).
func (s *Store) SetAutoTags(ctx context.Context, id string, autoTags []string, keywords string) error {
	autoTagsJSON, err := marshalOrEmpty(autoTags)
	if err != nil {
		return errs.Wrap("set auto tags: marshal", err)
	}
	_, err = s.db.Exec(ctx, `UPDATE memories SET auto_tags = ?, keywords = ? WHERE id = ?`, autoTagsJSON, keywords, id)
	return errs.Wrap("set auto tags", err)
}

func marshalOrEmpty(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func formatOptTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	m := &types.Memory{}
	var metadataJSON, tagsJSON, autoTagsJSON sql.NullString
	var embedding []byte
	var validFrom, validUntil, supersededBy sql.NullString
	var createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.Content, &metadataJSON, &m.Collection, &tagsJSON, &createdAt, &updatedAt,
		&m.DecayFactor, &embedding, &validFrom, &validUntil, &supersededBy, &autoTagsJSON, &m.Keywords)
	if err != nil {
		return nil, errs.Wrap("scan memory", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &m.Metadata)
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		_ = json.Unmarshal([]byte(tagsJSON.String), &m.Tags)
	}
	if autoTagsJSON.Valid && autoTagsJSON.String != "" {
		_ = json.Unmarshal([]byte(autoTagsJSON.String), &m.AutoTags)
	}
	m.Embedding, err = storex.UnpackVector(embedding)
	if err != nil {
		return nil, errs.Wrap("scan memory: unpack vector", err)
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if validFrom.Valid {
		t, _ := time.Parse(time.RFC3339Nano, validFrom.String)
		m.ValidFrom = &t
	}
	if validUntil.Valid {
		t, _ := time.Parse(time.RFC3339Nano, validUntil.String)
		m.ValidUntil = &t
	}
	if supersededBy.Valid {
		m.SupersededBy = supersededBy.String
	}
	return m, nil
}
