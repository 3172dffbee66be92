package projection

import (
	"context"
	"time"

	"github.com/swarmgrid/substrate/internal/errs"
	"github.com/swarmgrid/substrate/internal/storex"
	"github.com/swarmgrid/substrate/internal/types"
)

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
}

type cellCreatedPayload struct {
	ID          string         `json:"id"`
	Type        types.CellType `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    int            `json:"priority"`
	ParentID    string         `json:"parentId,omitempty"`
	Assignee    string         `json:"assignee,omitempty"`
	CreatedBy   string         `json:"createdBy,omitempty"`
	ContentHash string         `json:"contentHash,omitempty"`
	SourceRepo  string         `json:"sourceRepo,omitempty"`
	ExternalRef string         `json:"externalRef,omitempty"`
}

func applyCellCreated(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p cellCreatedPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	ts := formatMillis(e.Timestamp)
	var parentID any
	if p.ParentID != "" {
		parentID = p.ParentID
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO cells (id, project_key, type, status, title, description, priority, parent_id, assignee,
			created_at, updated_at, created_by, content_hash, source_repo, external_ref)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, e.ProjectKey, string(p.Type), string(types.StatusOpen), p.Title, p.Description, p.Priority,
		parentID, p.Assignee, ts, ts, p.CreatedBy, p.ContentHash, p.SourceRepo, p.ExternalRef)
	if err != nil {
		return errs.Wrap("apply cell_created", err)
	}
	if p.ParentID != "" {
		if _, err := tx.Exec(ctx, `
			INSERT INTO dependencies (cell_id, depends_on_id, relationship) VALUES (?, ?, ?)
			ON CONFLICT DO NOTHING`, p.ID, p.ParentID, string(types.DepParentChild)); err != nil {
			return errs.Wrap("apply cell_created: parent edge", err)
		}
	}
	return rebuildBlockedCache(ctx, tx)
}

type cellUpdatedPayload struct {
	ID          string  `json:"id"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	Assignee    *string `json:"assignee,omitempty"`
	Status      *string `json:"status,omitempty"`
}

func applyCellUpdated(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p cellUpdatedPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	ts := formatMillis(e.Timestamp)
	if p.Title != nil {
		if _, err := tx.Exec(ctx, `UPDATE cells SET title = ?, updated_at = ? WHERE id = ?`, *p.Title, ts, p.ID); err != nil {
			return errs.Wrap("apply cell_updated: title", err)
		}
	}
	if p.Description != nil {
		if _, err := tx.Exec(ctx, `UPDATE cells SET description = ?, updated_at = ? WHERE id = ?`, *p.Description, ts, p.ID); err != nil {
			return errs.Wrap("apply cell_updated: description", err)
		}
	}
	if p.Priority != nil {
		if _, err := tx.Exec(ctx, `UPDATE cells SET priority = ?, updated_at = ? WHERE id = ?`, *p.Priority, ts, p.ID); err != nil {
			return errs.Wrap("apply cell_updated: priority", err)
		}
	}
	if p.Assignee != nil {
		if _, err := tx.Exec(ctx, `UPDATE cells SET assignee = ?, updated_at = ? WHERE id = ?`, *p.Assignee, ts, p.ID); err != nil {
			return errs.Wrap("apply cell_updated: assignee", err)
		}
	}
	statusChanged := false
	if p.Status != nil {
		if _, err := tx.Exec(ctx, `UPDATE cells SET status = ?, updated_at = ? WHERE id = ?`, *p.Status, ts, p.ID); err != nil {
			return errs.Wrap("apply cell_updated: status", err)
		}
		statusChanged = true
	}
	if err := markDirty(ctx, tx, p.ID, ts); err != nil {
		return err
	}
	if statusChanged {
		return rebuildBlockedCache(ctx, tx)
	}
	return nil
}

type cellClosedPayload struct {
	ID     string `json:"id"`
	Reason string `json:"reason,omitempty"`
}

func applyCellClosed(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p cellClosedPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	ts := formatMillis(e.Timestamp)
	if _, err := tx.Exec(ctx, `
		UPDATE cells SET status = ?, closed_at = ?, closed_reason = ?, updated_at = ? WHERE id = ?`,
		string(types.StatusClosed), ts, p.Reason, ts, p.ID); err != nil {
		return errs.Wrap("apply cell_closed", err)
	}
	if err := markDirty(ctx, tx, p.ID, ts); err != nil {
		return err
	}
	return rebuildBlockedCache(ctx, tx)
}

type cellDeletedPayload struct {
	ID            string `json:"id"`
	DeletedBy     string `json:"deletedBy,omitempty"`
	DeleteReason  string `json:"deleteReason,omitempty"`
}

func applyCellDeleted(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p cellDeletedPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	ts := formatMillis(e.Timestamp)
	_, err := tx.Exec(ctx, `
		UPDATE cells SET status = ?, deleted_at = ?, deleted_by = ?, delete_reason = ?, updated_at = ? WHERE id = ?`,
		string(types.StatusTombstone), ts, p.DeletedBy, p.DeleteReason, ts, p.ID)
	if err != nil {
		return errs.Wrap("apply cell_deleted", err)
	}
	return rebuildBlockedCache(ctx, tx)
}

type cellRestoredPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func applyCellRestored(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p cellRestoredPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	ts := formatMillis(e.Timestamp)
	_, err := tx.Exec(ctx, `
		UPDATE cells SET status = ?, deleted_at = NULL, deleted_by = NULL, delete_reason = NULL, updated_at = ?
		WHERE id = ?`, p.Status, ts, p.ID)
	if err != nil {
		return errs.Wrap("apply cell_restored", err)
	}
	return rebuildBlockedCache(ctx, tx)
}

type dependencyPayload struct {
	CellID       string `json:"cellId"`
	DependsOnID  string `json:"dependsOnId"`
	Relationship string `json:"relationship"`
}

func applyDependencyAdded(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p dependencyPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO dependencies (cell_id, depends_on_id, relationship) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`, p.CellID, p.DependsOnID, p.Relationship)
	if err != nil {
		return errs.Wrap("apply cell_dependency_added", err)
	}
	rel := types.DependencyRelationship(p.Relationship)
	if rel.CycleChecked() {
		return rebuildBlockedCache(ctx, tx)
	}
	return nil
}

func applyDependencyRemoved(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p dependencyPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		DELETE FROM dependencies WHERE cell_id = ? AND depends_on_id = ? AND relationship = ?`,
		p.CellID, p.DependsOnID, p.Relationship)
	if err != nil {
		return errs.Wrap("apply cell_dependency_removed", err)
	}
	rel := types.DependencyRelationship(p.Relationship)
	if rel.CycleChecked() {
		return rebuildBlockedCache(ctx, tx)
	}
	return nil
}

type labelPayload struct {
	CellID string `json:"cellId"`
	Label  string `json:"label"`
}

func applyLabelAdded(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p labelPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `INSERT INTO labels (cell_id, label) VALUES (?, ?) ON CONFLICT DO NOTHING`, p.CellID, p.Label)
	return errs.Wrap("apply cell_label_added", err)
}

func applyLabelRemoved(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p labelPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `DELETE FROM labels WHERE cell_id = ? AND label = ?`, p.CellID, p.Label)
	return errs.Wrap("apply cell_label_removed", err)
}

type commentAddedPayload struct {
	CellID   string `json:"cellId"`
	Author   string `json:"author"`
	Body     string `json:"body"`
	ParentID *int64 `json:"parentId,omitempty"`
}

func applyCommentAdded(ctx context.Context, tx *storex.Tx, e *types.Event) error {
	var p commentAddedPayload
	if err := decode(e.Data, &p); err != nil {
		return err
	}
	ts := formatMillis(e.Timestamp)
	_, err := tx.Exec(ctx, `
		INSERT INTO comments (id, cell_id, author, body, parent_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, p.CellID, p.Author, p.Body, p.ParentID, ts)
	return errs.Wrap("apply cell_comment_added", err)
}

func markDirty(ctx context.Context, tx *storex.Tx, cellID, ts string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO dirty_cells (cell_id, marked_at) VALUES (?, ?)
		ON CONFLICT(cell_id) DO UPDATE SET marked_at = excluded.marked_at`, cellID, ts)
	return errs.Wrap("mark dirty", err)
}

// rebuildBlockedCache fully recomputes blocked_cache from the dependency
// graph: an item is blocked if it has a direct 'blocks' edge to an open
// cell, or is reachable from one via 'parent-child' edges (transitive
// blocking of subtrees). Grounded directly on the teacher's
// rebuildBlockedCache recursive CTE (internal/storage/sqlite/blocked_cache.go),
// generalized from "issues"/"dependencies.type" to "cells"/"relationship"
// and carrying the blocking cell ids as a JSON array per row instead of a
// bare membership table, so readers can report *why* a cell is blocked.
func rebuildBlockedCache(ctx context.Context, tx *storex.Tx) error {
	if _, err := tx.Exec(ctx, `DELETE FROM blocked_cache`); err != nil {
		return errs.Wrap("clear blocked_cache", err)
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO blocked_cache (cell_id, blockers)
		WITH RECURSIVE
		  blocked_directly AS (
		    SELECT DISTINCT d.cell_id AS cell_id, d.depends_on_id AS blocker_id
		    FROM dependencies d
		    JOIN cells blocker ON d.depends_on_id = blocker.id
		    WHERE d.relationship = 'blocks'
		      AND blocker.status IN ('open', 'in_progress')
		  ),
		  blocked_transitively AS (
		    SELECT cell_id, blocker_id, 0 AS depth FROM blocked_directly
		    UNION ALL
		    SELECT d.cell_id, bt.blocker_id, bt.depth + 1
		    FROM blocked_transitively bt
		    JOIN dependencies d ON d.depends_on_id = bt.cell_id
		    WHERE d.relationship = 'parent-child' AND bt.depth < 50
		  )
		SELECT cell_id, json_group_array(DISTINCT blocker_id) AS blockers
		FROM blocked_transitively
		GROUP BY cell_id`)
	return errs.Wrap("rebuild blocked_cache", err)
}
