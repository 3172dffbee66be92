package cell

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/event"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// ExportDirty writes every dirty cell (marked by a projection handler
// since the last export) to w, one JSON object per line, then clears the
// dirty set — grounded on the teacher's dirty/compaction bookkeeping
// convention paired with its JSONL writer shape
// (internal/jsonl/reader.go), generalized to incremental export of only
// what changed rather than the full table.
func (s *Store) ExportDirty(ctx context.Context, projectKey string, w *bufio.Writer) (int, error) {
	count := 0
	err := s.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT c.id FROM dirty_cells dc JOIN cells c ON c.id = dc.cell_id
			WHERE c.project_key = ?`, projectKey)
		if err != nil {
			return errs.Wrap("export dirty: query", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return errs.Wrap("export dirty: scan", err)
			}
			ids = append(ids, id)
		}
		rows.Close()

		for _, id := range ids {
			row := tx.QueryRow(ctx, `
				SELECT id, project_key, type, status, title, description, priority, parent_id, assignee,
					created_at, updated_at, closed_at, closed_reason, deleted_at, deleted_by, delete_reason,
					created_by, content_hash, source_repo, external_ref
				FROM cells WHERE id = ?`, id)
			c, err := scanCell(row)
			if err != nil {
				return err
			}
			line, err := json.Marshal(c)
			if err != nil {
				return errs.Wrap("export dirty: marshal", err)
			}
			if _, err := w.Write(line); err != nil {
				return errs.Wrap("export dirty: write", err)
			}
			if err := w.WriteByte('\n'); err != nil {
				return errs.Wrap("export dirty: write newline", err)
			}
			count++
		}
		if _, err := tx.Exec(ctx, `
			DELETE FROM dirty_cells WHERE cell_id IN (
				SELECT dc.cell_id FROM dirty_cells dc JOIN cells c ON c.id = dc.cell_id WHERE c.project_key = ?
			)`, projectKey); err != nil {
			return errs.Wrap("export dirty: clear", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, w.Flush()
}

// ImportResult reports what Import did with each line.
type ImportResult struct {
	Imported int
	Skipped  int // content-hash already present, unchanged
}

// Import reads JSONL-encoded cells and appends a cell_created event for
// each one whose content hash isn't already present in the project —
// the same dedup key Create computes, so re-importing an unchanged
// export is a no-op. Grounded on the teacher's ReadIssuesFromData
// (internal/jsonl/reader.go) scanning convention, generalized from
// types.Issue to types.Cell and from "read only" to "read + dedup import".
func (s *Store) Import(ctx context.Context, projectKey string, data []byte) (*ImportResult, error) {
	result := &ImportResult{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if line == "" {
			continue
		}
		var c types.Cell
		if err := json.Unmarshal([]byte(line), &c); err != nil {
			return nil, fmt.Errorf("import cell at line %d: %w", lineNum, err)
		}
		if c.ContentHash == "" {
			c.ContentHash = hashContent(c.Title, c.Description, string(c.Type))
		}
		imported, err := s.importOne(ctx, projectKey, &c)
		if err != nil {
			return nil, fmt.Errorf("import cell at line %d: %w", lineNum, err)
		}
		if imported {
			result.Imported++
		} else {
			result.Skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap("import: scan", err)
	}
	return result, nil
}

func (s *Store) importOne(ctx context.Context, projectKey string, c *types.Cell) (bool, error) {
	imported := false
	var published *types.Event
	err := s.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		var existing string
		err := tx.QueryRow(ctx, `SELECT id FROM cells WHERE project_key = ? AND content_hash = ?`,
			projectKey, c.ContentHash).Scan(&existing)
		if err == nil {
			return nil // already present, unchanged content
		}
		if !errs.IsNotFound(err) {
			return err
		}

		now := time.Now().UTC()
		payload, err := json.Marshal(map[string]any{
			"id": c.ID, "type": c.Type, "title": c.Title, "description": c.Description,
			"priority": c.Priority, "parentId": c.ParentID, "assignee": c.Assignee,
			"createdBy": c.CreatedBy, "contentHash": c.ContentHash,
			"sourceRepo": c.SourceRepo, "externalRef": c.ExternalRef,
		})
		if err != nil {
			return errs.Wrap("marshal cell_created", err)
		}
		e := &types.Event{Type: "cell_created", ProjectKey: projectKey, Timestamp: now.UnixMilli(), Data: payload}
		eid, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = eid, seq
		if err := s.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		imported = true
		published = e
		return nil
	})
	if err == nil && published != nil {
		s.publish(published)
	}
	return imported, err
}

// WriteJSONLFile is a convenience wrapper matching the teacher's
// file-based JSONL entry points (internal/jsonl/reader.go:
// ReadIssuesFromFile).
func WriteJSONLFile(path string, write func(w *bufio.Writer) error) error {
	// #nosec G304 -- path is operator-controlled, not derived from untrusted input
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap("create jsonl file", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if err := write(w); err != nil {
		return err
	}
	return w.Flush()
}
