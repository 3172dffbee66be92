// Package cell implements the work-item graph: hierarchical cells,
// typed dependency edges, a blocked-work cache, ready-work queries, and
// partial-id resolution. Every mutation is an event append plus a
// synchronous projection (internal/event, internal/projection); this
// package is the domain-shaped API wrapped around that plumbing.
package cell

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/event"
	"github.com/swarmgrid/substrate/internal/idgen"
	"github.com/swarmgrid/substrate/internal/projection"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

// Store is the cell-graph service.
type Store struct {
	db   *storex.Store
	proj *projection.Registry
	pub  event.Publisher
}

// New wires a cell Store to the shared storage handle and projection
// registry.
func New(db *storex.Store, proj *projection.Registry) *Store {
	return &Store{db: db, proj: proj}
}

// SetPublisher attaches the live event-stream publisher (internal/stream's
// Broker): every cell mutation from this point on is also fanned out to
// live SSE subscribers, post-commit.
func (s *Store) SetPublisher(pub event.Publisher) {
	s.pub = pub
}

func (s *Store) publish(e *types.Event) {
	if s.pub != nil {
		s.pub.Publish(e)
	}
}

// CreateInput describes a new cell.
type CreateInput struct {
	ProjectKey  string
	Type        types.CellType
	Title       string
	Description string
	Priority    int
	ParentID    string
	Assignee    string
	CreatedBy   string
	SourceRepo  string
	ExternalRef string
}

// Create appends a cell_created event and returns the resulting cell.
// The id is shaped "<project_key>-<hash>" via idgen.GenerateHashID so
// partial-id fragment matching (Resolve) has a stable suffix to search.
func (s *Store) Create(ctx context.Context, in CreateInput) (*types.Cell, error) {
	var out *types.Cell
	var published *types.Event
	err := s.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		now := time.Now().UTC()
		id := idgen.GenerateHashID(in.ProjectKey, in.Title, in.Description, in.CreatedBy, now, 6, 0)
		contentHash := hashContent(in.Title, in.Description, string(in.Type))
		payload, err := json.Marshal(map[string]any{
			"id": id, "type": in.Type, "title": in.Title, "description": in.Description,
			"priority": in.Priority, "parentId": in.ParentID, "assignee": in.Assignee,
			"createdBy": in.CreatedBy, "contentHash": contentHash,
			"sourceRepo": in.SourceRepo, "externalRef": in.ExternalRef,
		})
		if err != nil {
			return errs.Wrap("marshal cell_created", err)
		}
		e := &types.Event{Type: "cell_created", ProjectKey: in.ProjectKey, Timestamp: now.UnixMilli(), Data: payload}
		eid, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID = eid
		e.Sequence = seq
		if err := s.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		out = &types.Cell{
			ID: id, ProjectKey: in.ProjectKey, Type: in.Type, Status: types.StatusOpen,
			Title: in.Title, Description: in.Description, Priority: in.Priority,
			ParentID: in.ParentID, Assignee: in.Assignee, CreatedAt: now, UpdatedAt: now,
			CreatedBy: in.CreatedBy, ContentHash: contentHash, SourceRepo: in.SourceRepo, ExternalRef: in.ExternalRef,
		}
		published = e
		return nil
	})
	if err == nil {
		s.publish(published)
	}
	return out, err
}

func hashContent(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// UpdateInput carries only the fields the caller wants changed.
type UpdateInput struct {
	Title       *string
	Description *string
	Priority    *int
	Assignee    *string
	Status      *types.CellStatus
}

// Update appends a cell_updated event with only the provided fields set.
func (s *Store) Update(ctx context.Context, projectKey, cellID string, in UpdateInput) error {
	payload := map[string]any{"id": cellID}
	if in.Title != nil {
		payload["title"] = *in.Title
	}
	if in.Description != nil {
		payload["description"] = *in.Description
	}
	if in.Priority != nil {
		payload["priority"] = *in.Priority
	}
	if in.Assignee != nil {
		payload["assignee"] = *in.Assignee
	}
	if in.Status != nil {
		payload["status"] = string(*in.Status)
	}
	return s.appendSimple(ctx, projectKey, "cell_updated", payload)
}

// Close marks a cell closed with an optional reason.
func (s *Store) Close(ctx context.Context, projectKey, cellID, reason string) error {
	return s.appendSimple(ctx, projectKey, "cell_closed", map[string]any{"id": cellID, "reason": reason})
}

// Delete tombstones a cell without removing its row (soft delete).
func (s *Store) Delete(ctx context.Context, projectKey, cellID, deletedBy, reason string) error {
	return s.appendSimple(ctx, projectKey, "cell_deleted", map[string]any{
		"id": cellID, "deletedBy": deletedBy, "deleteReason": reason,
	})
}

// Restore reverses a soft delete, returning the cell to status.
func (s *Store) Restore(ctx context.Context, projectKey, cellID string, status types.CellStatus) error {
	return s.appendSimple(ctx, projectKey, "cell_restored", map[string]any{"id": cellID, "status": string(status)})
}

// AddLabel appends a cell_label_added event.
func (s *Store) AddLabel(ctx context.Context, projectKey, cellID, label string) error {
	return s.appendSimple(ctx, projectKey, "cell_label_added", map[string]any{"cellId": cellID, "label": label})
}

// RemoveLabel appends a cell_label_removed event.
func (s *Store) RemoveLabel(ctx context.Context, projectKey, cellID, label string) error {
	return s.appendSimple(ctx, projectKey, "cell_label_removed", map[string]any{"cellId": cellID, "label": label})
}

// AddComment appends a cell_comment_added event.
func (s *Store) AddComment(ctx context.Context, projectKey, cellID, author, body string, parentID *int64) error {
	return s.appendSimple(ctx, projectKey, "cell_comment_added", map[string]any{
		"cellId": cellID, "author": author, "body": body, "parentId": parentID,
	})
}

func (s *Store) appendSimple(ctx context.Context, projectKey, eventType string, payload map[string]any) error {
	var published *types.Event
	err := s.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return errs.Wrapf(err, "marshal %s", eventType)
		}
		e := &types.Event{Type: eventType, ProjectKey: projectKey, Timestamp: time.Now().UTC().UnixMilli(), Data: data}
		eid, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = eid, seq
		if err := s.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		published = e
		return nil
	})
	if err == nil {
		s.publish(published)
	}
	return err
}

// Get fetches one cell by its full id.
func (s *Store) Get(ctx context.Context, cellID string) (*types.Cell, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, project_key, type, status, title, description, priority, parent_id, assignee,
			created_at, updated_at, closed_at, closed_reason, deleted_at, deleted_by, delete_reason,
			created_by, content_hash, source_repo, external_ref
		FROM cells WHERE id = ?`, cellID)
	return scanCell(row)
}

func scanCell(row sqlRowScanner) (*types.Cell, error) {
	c := &types.Cell{}
	var description, parentID, assignee, closedReason, deletedBy, deleteReason, createdBy, contentHash, sourceRepo, externalRef *string
	var createdAt, updatedAt string
	var closedAt, deletedAt *string
	err := row.Scan(&c.ID, &c.ProjectKey, &c.Type, &c.Status, &c.Title, &description, &c.Priority, &parentID, &assignee,
		&createdAt, &updatedAt, &closedAt, &closedReason, &deletedAt, &deletedBy, &deleteReason,
		&createdBy, &contentHash, &sourceRepo, &externalRef)
	if err != nil {
		return nil, errs.Wrap("scan cell", err)
	}
	setStr(&c.Description, description)
	setStr(&c.ParentID, parentID)
	setStr(&c.Assignee, assignee)
	setStr(&c.ClosedReason, closedReason)
	setStr(&c.DeletedBy, deletedBy)
	setStr(&c.DeleteReason, deleteReason)
	setStr(&c.CreatedBy, createdBy)
	setStr(&c.ContentHash, contentHash)
	setStr(&c.SourceRepo, sourceRepo)
	setStr(&c.ExternalRef, externalRef)
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if closedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *closedAt)
		c.ClosedAt = &t
	}
	if deletedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *deletedAt)
		c.DeletedAt = &t
	}
	return c, nil
}

func setStr(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

// sqlRowScanner abstracts over *sql.Row so scanCell works for both Query
// and QueryRow call sites without importing database/sql directly here.
type sqlRowScanner interface {
	Scan(dest ...any) error
}

// AddDependency creates a typed edge. Cycle-checked relationships (blocks,
// parent-child) are rejected if the edge would close a cycle in the
// reverse-reachability graph: cellID cannot depend on something that
// (transitively, through cycle-checked edges) depends back on cellID.
func (s *Store) AddDependency(ctx context.Context, projectKey, cellID, dependsOnID string, rel types.DependencyRelationship) error {
	var published *types.Event
	err := s.db.Transaction(ctx, func(ctx context.Context, tx *storex.Tx) error {
		if rel.CycleChecked() {
			cyclic, err := wouldCycle(ctx, tx, cellID, dependsOnID, rel)
			if err != nil {
				return err
			}
			if cyclic {
				return errs.Wrapf(errs.Cycle, "adding %s -> %s (%s) would create a cycle", cellID, dependsOnID, rel)
			}
		}
		data, err := json.Marshal(map[string]any{"cellId": cellID, "dependsOnId": dependsOnID, "relationship": string(rel)})
		if err != nil {
			return errs.Wrap("marshal cell_dependency_added", err)
		}
		e := &types.Event{Type: "cell_dependency_added", ProjectKey: projectKey, Timestamp: time.Now().UTC().UnixMilli(), Data: data}
		eid, seq, err := event.Append(ctx, tx, e)
		if err != nil {
			return err
		}
		e.ID, e.Sequence = eid, seq
		if err := s.proj.Apply(ctx, tx, e); err != nil {
			return err
		}
		published = e
		return nil
	})
	if err == nil {
		s.publish(published)
	}
	return err
}

// RemoveDependency deletes a typed edge.
func (s *Store) RemoveDependency(ctx context.Context, projectKey, cellID, dependsOnID string, rel types.DependencyRelationship) error {
	return s.appendSimple(ctx, projectKey, "cell_dependency_removed", map[string]any{
		"cellId": cellID, "dependsOnId": dependsOnID, "relationship": string(rel),
	})
}

// wouldCycle reports whether adding cellID -> dependsOnID along rel would
// create a cycle: true iff dependsOnID can already reach cellID via
// cycle-checked edges (same relationship family) in the existing graph.
// Grounded on the same reverse-reachability idea as the teacher's
// recursive blocked-cache CTE (internal/storage/sqlite/blocked_cache.go),
// applied here to cycle detection instead of blocking propagation.
func wouldCycle(ctx context.Context, tx *storex.Tx, cellID, dependsOnID string, rel types.DependencyRelationship) (bool, error) {
	if cellID == dependsOnID {
		return true, nil
	}
	rows, err := tx.Query(ctx, `
		WITH RECURSIVE reachable(id, depth) AS (
			SELECT ? AS id, 0 AS depth
			UNION ALL
			SELECT d.depends_on_id, r.depth + 1
			FROM dependencies d
			JOIN reachable r ON d.cell_id = r.id
			WHERE d.relationship = ? AND r.depth < 1000
		)
		SELECT 1 FROM reachable WHERE id = ? LIMIT 1`,
		dependsOnID, string(rel), cellID)
	if err != nil {
		return false, errs.Wrap("cycle check", err)
	}
	defer rows.Close()
	return rows.Next(), rows.Err()
}

// GetReadyWork returns open/in-progress cells with no unresolved blocker,
// ordered per filter.SortPolicy. Grounded directly on the teacher's
// GetReadyWork (internal/storage/sqlite/ready.go): same
// NOT EXISTS-against-blocked-cache technique instead of a live recursive
// CTE per query, same WHERE-clause-building shape for assignee/label
// filters, and buildOrderByClause ported verbatim in SQL shape (hybrid:
// cells under 48h old sort by priority first, older cells sort by age).
func (s *Store) GetReadyWork(ctx context.Context, projectKey string, filter types.WorkFilter) ([]*types.Cell, error) {
	where := []string{"c.project_key = ?", "c.status IN ('open', 'in_progress')", "c.deleted_at IS NULL"}
	args := []any{projectKey}

	if filter.Unassigned {
		where = append(where, "(c.assignee IS NULL OR c.assignee = '')")
	} else if filter.Assignee != nil {
		where = append(where, "c.assignee = ?")
		args = append(args, *filter.Assignee)
	}
	for _, label := range filter.Labels {
		where = append(where, `EXISTS (SELECT 1 FROM labels WHERE cell_id = c.id AND label = ?)`)
		args = append(args, label)
	}

	whereSQL := ""
	for i, clause := range where {
		if i > 0 {
			whereSQL += " AND "
		}
		whereSQL += clause
	}

	limitSQL := ""
	if filter.Limit > 0 {
		limitSQL = fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	query := fmt.Sprintf(`
		SELECT c.id, c.project_key, c.type, c.status, c.title, c.description, c.priority, c.parent_id, c.assignee,
			c.created_at, c.updated_at, c.closed_at, c.closed_reason, c.deleted_at, c.deleted_by, c.delete_reason,
			c.created_by, c.content_hash, c.source_repo, c.external_ref
		FROM cells c
		WHERE %s
		  AND NOT EXISTS (SELECT 1 FROM blocked_cache WHERE cell_id = c.id)
		%s
		%s`, whereSQL, buildOrderByClause(filter.SortPolicy), limitSQL)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*types.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// buildOrderByClause mirrors the teacher's sort-policy switch
// (internal/storage/sqlite/ready.go: buildOrderByClause) adapted to the
// cells table's column names.
func buildOrderByClause(policy types.SortPolicy) string {
	switch policy {
	case types.SortPriority:
		return "ORDER BY c.priority ASC, c.created_at ASC"
	case types.SortOldest:
		return "ORDER BY c.created_at ASC"
	case types.SortHybrid:
		fallthrough
	default:
		return `ORDER BY
			CASE WHEN datetime(c.created_at) >= datetime('now', '-48 hours') THEN 0 ELSE 1 END ASC,
			CASE WHEN datetime(c.created_at) >= datetime('now', '-48 hours') THEN c.priority ELSE NULL END ASC,
			CASE WHEN datetime(c.created_at) < datetime('now', '-48 hours') THEN c.created_at ELSE NULL END ASC,
			c.created_at ASC`
	}
}
