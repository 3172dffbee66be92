package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// SearchInput describes a hybrid search request. Collection is optional:
// an empty string searches across every collection.
type SearchInput struct {
	Collection string
	Query      string    // FTS5 match expression
	Embedding  []float32 // nil skips the vector leg entirely
	Threshold  float64   // results scoring below this are dropped
	Limit      int
}

// Search runs the vector leg (if an embedding was supplied) and the FTS5
// leg, merges by memory id keeping the higher-scoring match type, filters
// out anything scoring below Threshold, and returns results sorted by
// score descending. A nil Embedding is a graceful-degradation path, not an
// error: the embedder being unreachable (internal/embedder) never blocks
// search, it only narrows it to FTS.
func (s *Store) Search(ctx context.Context, in SearchInput) ([]*types.SearchResult, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}

	results := map[string]*types.SearchResult{}

	if in.Embedding != nil {
		vecResults, err := s.vectorSearch(ctx, in.Collection, in.Embedding, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range vecResults {
			results[r.Memory.ID] = r
		}
	}

	if in.Query != "" {
		ftsResults, err := s.ftsSearch(ctx, in.Collection, in.Query, limit)
		if err != nil {
			return nil, err
		}
		for _, r := range ftsResults {
			if existing, ok := results[r.Memory.ID]; !ok || r.Score > existing.Score {
				results[r.Memory.ID] = r
			}
		}
	}

	out := make([]*types.SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score < in.Threshold {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// vectorSearch scores every embedded memory in the collection by cosine
// similarity against query. SQLite has no native vector index, so this
// scans candidate rows and ranks in Go — acceptable at the scale a
// per-project memory store operates at (spec.md's Non-goals exclude a
// dedicated ANN index).
func (s *Store) vectorSearch(ctx context.Context, collection string, query []float32, limit int) ([]*types.SearchResult, error) {
	sqlQuery := `
		SELECT id, content, metadata, collection, tags, created_at, updated_at, decay_factor,
			embedding, valid_from, valid_until, superseded_by, auto_tags, keywords
		FROM memories WHERE embedding IS NOT NULL`
	var args []any
	if collection != "" {
		sqlQuery += ` AND collection = ?`
		args = append(args, collection)
	}
	rows, err := s.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.SearchResult
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		score := storex.CosineSimilarity(query, m.Embedding)
		out = append(out, &types.SearchResult{Memory: m, Score: score, MatchType: types.MatchVector})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ftsSearch queries the memories_fts virtual table and joins back to the
// base row, using FTS5's bm25() rank (negative; lower is better) inverted
// into a positive score comparable in spirit to cosine similarity's [0,1]
// range (not normalized to it — the two legs are merged by picking the
// higher raw score per memory, not by a shared scale).
func (s *Store) ftsSearch(ctx context.Context, collection, query string, limit int) ([]*types.SearchResult, error) {
	sqlQuery := `
		SELECT m.id, m.content, m.metadata, m.collection, m.tags, m.created_at, m.updated_at, m.decay_factor,
			m.embedding, m.valid_from, m.valid_until, m.superseded_by, m.auto_tags, m.keywords,
			bm25(memories_fts) AS rank
		FROM memories_fts
		JOIN memories m ON m.rowid = memories_fts.rowid
		WHERE memories_fts MATCH ?`
	args := []any{query}
	if collection != "" {
		sqlQuery += ` AND m.collection = ?`
		args = append(args, collection)
	}
	sqlQuery += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, sqlQuery, args...)
	if err != nil {
		return nil, errs.Wrap("fts search", err)
	}
	defer rows.Close()

	var out []*types.SearchResult
	for rows.Next() {
		m := &types.Memory{}
		var metadataJSON, tagsJSON, autoTagsJSON sql.NullString
		var embeddingBlob []byte
		var validFrom, validUntil, supersededBy sql.NullString
		var createdAt, updatedAt string
		var rank float64
		if err := rows.Scan(&m.ID, &m.Content, &metadataJSON, &m.Collection, &tagsJSON, &createdAt, &updatedAt,
			&m.DecayFactor, &embeddingBlob, &validFrom, &validUntil, &supersededBy, &autoTagsJSON, &m.Keywords, &rank); err != nil {
			return nil, errs.Wrap("scan memory fts row", err)
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
		m.Embedding, err = storex.UnpackVector(embeddingBlob)
		if err != nil {
			return nil, errs.Wrap("scan memory fts row: unpack vector", err)
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
		out = append(out, &types.SearchResult{Memory: m, Score: -rank, MatchType: types.MatchFTS})
	}
	return out, rows.Err()
}
