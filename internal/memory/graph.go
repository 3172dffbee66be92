package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/types"
)

// Link creates a typed, weighted edge between two memories. Duplicate
// (source, target, type) edges are rejected by the schema's UNIQUE
// constraint; callers that want "link or bump strength" should read
// before writing.
func (s *Store) Link(ctx context.Context, sourceID, targetID string, linkType types.MemoryLinkType, strength float64) (*types.MemoryLink, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_links (id, source_id, target_id, link_type, strength, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, sourceID, targetID, string(linkType), strength, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, errs.Wrap("link memories", err)
	}
	return &types.MemoryLink{ID: id, SourceID: sourceID, TargetID: targetID, LinkType: linkType, Strength: strength, CreatedAt: now}, nil
}

// LinksFor returns every link touching memoryID, in either direction.
func (s *Store) LinksFor(ctx context.Context, memoryID string) ([]*types.MemoryLink, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, source_id, target_id, link_type, strength, created_at
		FROM memory_links WHERE source_id = ? OR target_id = ?`, memoryID, memoryID)
	if err != nil {
		return nil, errs.Wrap("links for", err)
	}
	defer rows.Close()
	var out []*types.MemoryLink
	for rows.Next() {
		l := &types.MemoryLink{}
		var createdAt string
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &l.LinkType, &l.Strength, &createdAt); err != nil {
			return nil, errs.Wrap("scan memory link", err)
		}
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// UpsertEntity finds-or-creates an entity by (name, entityType).
func (s *Store) UpsertEntity(ctx context.Context, name, entityType, canonicalName string) (*types.Entity, error) {
	var existing types.Entity
	err := s.db.QueryRow(ctx, `SELECT id, name, entity_type, canonical_name FROM entities WHERE name = ? AND entity_type = ?`,
		name, entityType).Scan(&existing.ID, &existing.Name, &existing.EntityType, &existing.CanonicalName)
	if err == nil {
		return &existing, nil
	}
	if !errs.IsNotFound(err) {
		return nil, err
	}
	id := uuid.New().String()
	_, err = s.db.Exec(ctx, `INSERT INTO entities (id, name, entity_type, canonical_name) VALUES (?, ?, ?, ?)`,
		id, name, entityType, canonicalName)
	if err != nil {
		return nil, errs.Wrap("upsert entity", err)
	}
	return &types.Entity{ID: id, Name: name, EntityType: entityType, CanonicalName: canonicalName}, nil
}

// AddRelationship records a subject-predicate-object triple extracted
// from a memory, at a given confidence.
func (s *Store) AddRelationship(ctx context.Context, subjectID, predicate, objectID, memoryID string, confidence float64) (*types.Relationship, error) {
	id := uuid.New().String()
	_, err := s.db.Exec(ctx, `
		INSERT INTO relationships (id, subject_entity_id, predicate, object_entity_id, memory_id, confidence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_entity_id, predicate, object_entity_id) DO UPDATE SET
			confidence = MAX(relationships.confidence, excluded.confidence), memory_id = excluded.memory_id`,
		id, subjectID, predicate, objectID, memoryID, confidence)
	if err != nil {
		return nil, errs.Wrap("add relationship", err)
	}
	return &types.Relationship{ID: id, SubjectEntityID: subjectID, Predicate: predicate, ObjectEntityID: objectID, MemoryID: memoryID, Confidence: confidence}, nil
}

// LinkEntity associates an entity with a memory it was extracted from.
func (s *Store) LinkEntity(ctx context.Context, memoryID, entityID, role string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO memory_entities (memory_id, entity_id, role) VALUES (?, ?, ?)
		ON CONFLICT(memory_id, entity_id) DO UPDATE SET role = excluded.role`, memoryID, entityID, role)
	return errs.Wrap("link entity", err)
}

// Health reports whether the memory store's tables are reachable — a
// cheap readiness probe distinct from the embedder's own health check
// (internal/embedder), since FTS search works even when the embedder
// is down.
func (s *Store) Health(ctx context.Context) error {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	return errs.Wrap("memory store health", err)
}
